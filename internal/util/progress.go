package util

import (
	"fmt"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
)

type StatusStepProgress struct {
	Pending           string `json:"pending,omitempty"`
	Processing        string `json:"processing,omitempty"`
	Success           string `json:"success,omitempty"`
	Failure           string `json:"failure,omitempty"`
	Enriching         string `json:"enriching,omitempty"`
	Enriched          string `json:"enriched,omitempty"`
	EnrichmentFailure string `json:"enrichment_failure,omitempty"`
}

type StatusProgress struct {
	Total      int                 `json:"total"`
	Step       *StatusStepProgress `json:"step,omitempty"`
	Percentage int32               `json:"percentage"`
}

// Weights per status. A document walks pending -> processing -> success ->
// enriching -> enriched, so each step counts as one unit of work. Failed
// documents count as finished work for their stage.
var statusWeights = map[common.RestructureStatus]int64{
	common.StatusPending:           0,
	common.StatusProcessing:        1,
	common.StatusFailure:           2,
	common.StatusSuccess:           2,
	common.StatusEnriching:         3,
	common.StatusEnrichmentFailure: 4,
	common.StatusEnriched:          4,
}

const statusProgressStepCount int64 = 4

// BuildStatusProgress summarizes a set of documents into per-status counts
// and an overall percentage.
func BuildStatusProgress(docs []common.DocumentOverview) StatusProgress {
	if len(docs) == 0 {
		return StatusProgress{}
	}

	counts := make(map[common.RestructureStatus]int, len(common.AllStatuses))
	for _, doc := range docs {
		counts[doc.RestructuringStatus]++
	}

	total := len(docs)
	format := func(status common.RestructureStatus) string {
		if counts[status] == 0 {
			return ""
		}
		return fmt.Sprintf("%d/%d", counts[status], total)
	}

	step := StatusStepProgress{
		Pending:           format(common.StatusPending),
		Processing:        format(common.StatusProcessing),
		Success:           format(common.StatusSuccess),
		Failure:           format(common.StatusFailure),
		Enriching:         format(common.StatusEnriching),
		Enriched:          format(common.StatusEnriched),
		EnrichmentFailure: format(common.StatusEnrichmentFailure),
	}

	return StatusProgress{
		Total:      total,
		Step:       &step,
		Percentage: CalculateStatusPercentage(counts, total),
	}
}

func CalculateStatusPercentage(counts map[common.RestructureStatus]int, total int) int32 {
	if total <= 0 {
		return 0
	}
	totalWork := int64(total) * statusProgressStepCount
	var completedWork int64
	for status, n := range counts {
		completedWork += statusWeights[status] * int64(n)
	}
	completedWork = min(completedWork, totalWork)
	return int32(completedWork * 100 / totalWork)
}
