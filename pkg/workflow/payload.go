package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"

	"github.com/go-playground/validator"
)

var validate = validator.New()

// ExtractAndStorePayload starts extract-and-store for one document.
type ExtractAndStorePayload struct {
	DocumentID      string                 `json:"document_id" validate:"required"`
	ForceKGCreation bool                   `json:"force_kg_creation,omitempty"`
	Settings        graph.CreationSettings `json:"settings"`
}

// CreateGraphPayload starts create-graph. An empty DocumentIDs selects
// every document of the graph.
type CreateGraphPayload struct {
	GraphID         string                 `json:"graph_id" validate:"required"`
	DocumentIDs     []string               `json:"document_ids,omitempty" validate:"omitempty,dive,required"`
	ForceKGCreation bool                   `json:"force_kg_creation,omitempty"`
	Settings        graph.CreationSettings `json:"settings"`
}

// EnrichGraphPayload starts enrich-graph.
type EnrichGraphPayload struct {
	GraphID  string                   `json:"graph_id" validate:"required"`
	Settings graph.EnrichmentSettings `json:"settings"`
}

// CommunitySummaryPayload starts community-summary for one community.
type CommunitySummaryPayload struct {
	GraphID               string              `json:"graph_id" validate:"required"`
	Level                 int                 `json:"level" validate:"gte=0"`
	CommunityID           int                 `json:"community_id" validate:"gte=1"`
	Generation            ai.GenerationConfig `json:"generation_config"`
	MaxSummaryInputLength int                 `json:"max_summary_input_length,omitempty" validate:"gte=0"`
	Embed                 bool                `json:"embed,omitempty"`
}

// DeduplicationPayload starts entity-deduplication. An empty RunType is an
// estimate.
type DeduplicationPayload struct {
	GraphID  string                      `json:"graph_id" validate:"required"`
	Settings graph.DeduplicationSettings `json:"settings"`
	RunType  graph.RunType               `json:"run_type,omitempty" validate:"omitempty,oneof=estimate run"`
	Caller   common.Caller               `json:"caller"`
}

// DocumentOutcome is the result of extract-and-store for one document.
type DocumentOutcome struct {
	DocumentID    string                   `json:"document_id"`
	GraphID       string                   `json:"graph_id,omitempty"`
	Status        common.RestructureStatus `json:"status"`
	Skipped       bool                     `json:"skipped,omitempty"`
	Reason        string                   `json:"reason,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Chunks        int                      `json:"chunks"`
	Entities      int                      `json:"entities"`
	Relationships int                      `json:"relationships"`
	Elapsed       time.Duration            `json:"elapsed,omitempty"`
}

// CreateGraphResult collects the outcome of every document.
type CreateGraphResult struct {
	GraphID   string            `json:"graph_id"`
	Documents []DocumentOutcome `json:"documents"`
	Skipped   []DocumentOutcome `json:"skipped"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

// CommunityOutcome is the result of community-summary for one community.
type CommunityOutcome struct {
	Level           int     `json:"level"`
	CommunityNumber int     `json:"community_number"`
	Rating          float64 `json:"rating,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// EnrichGraphResult reports an enrich-graph run. Skipped is set when the
// graph was busy or had nothing to enrich.
type EnrichGraphResult struct {
	GraphID     string               `json:"graph_id"`
	Skipped     bool                 `json:"skipped,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	Cohort      []string             `json:"cohort"`
	Nodes       *graph.NodeResult    `json:"nodes,omitempty"`
	Clusters    *graph.ClusterResult `json:"clusters,omitempty"`
	Communities []CommunityOutcome   `json:"communities,omitempty"`
	Enriched    int                  `json:"enriched"`
	Failed      int                  `json:"failed"`
	Error       string               `json:"error,omitempty"`
	SyncError   string               `json:"sync_error,omitempty"`
}

// Validate checks the payload of workflow name.
func Validate(name Name, raw []byte) error {
	var target any
	switch name {
	case WorkflowExtractAndStore:
		target = &ExtractAndStorePayload{}
	case WorkflowCreateGraph:
		target = &CreateGraphPayload{}
	case WorkflowEnrichGraph:
		target = &EnrichGraphPayload{}
	case WorkflowCommunitySummary:
		target = &CommunitySummaryPayload{}
	case WorkflowEntityDeduplication:
		target = &DeduplicationPayload{}
	default:
		return common.Invalid("unknown_workflow", fmt.Errorf("unknown workflow %q", name))
	}
	return decodePayload(raw, target)
}

func decodePayload(raw []byte, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return common.Invalid("payload", fmt.Errorf("decode payload: %w", err))
	}
	if err := validate.Struct(target); err != nil {
		return common.Invalid("payload", err)
	}
	return nil
}
