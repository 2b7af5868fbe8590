package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
)

var transitions = map[common.RestructureStatus][]common.RestructureStatus{
	common.StatusPending:           {common.StatusProcessing},
	common.StatusFailure:           {common.StatusProcessing},
	common.StatusProcessing:        {common.StatusSuccess, common.StatusFailure},
	common.StatusSuccess:           {common.StatusEnriching},
	common.StatusEnrichmentFailure: {common.StatusEnriching},
	common.StatusEnriching:         {common.StatusEnriched, common.StatusEnrichmentFailure},
}

// CanTransition reports whether a document may move from one status to
// another.
func CanTransition(from, to common.RestructureStatus) bool {
	return slices.Contains(transitions[from], to)
}

// ExtractionEligible decides whether a document enters extraction. Only
// pending and failed documents are eligible; force additionally admits
// documents that already succeeded or are stuck in processing. For
// ineligible documents the reason names why it was skipped.
func ExtractionEligible(status common.RestructureStatus, force bool) (bool, string) {
	switch status {
	case common.StatusPending, common.StatusFailure:
		return true, ""
	case common.StatusSuccess:
		if force {
			return true, ""
		}
		return false, "already created"
	case common.StatusProcessing:
		if force {
			return true, ""
		}
		return false, "in progress"
	case common.StatusEnriched:
		return false, "already enriched"
	default:
		return false, "unknown"
	}
}

// StatusTracker applies status transitions to the status store. It is the
// only writer of RestructuringStatus.
type StatusTracker struct {
	status store.StatusStorage
	gate   store.Gate
	// OnTransition is called after a transition was persisted.
	OnTransition func(from, to common.RestructureStatus)
}

func NewStatusTracker(status store.StatusStorage, gate store.Gate) *StatusTracker {
	return &StatusTracker{status: status, gate: gate}
}

func (t *StatusTracker) Document(ctx context.Context, documentID string) (common.DocumentOverview, error) {
	docs, err := t.status.GetDocumentsOverview(ctx, store.DocumentFilter{IDs: []string{documentID}})
	if err != nil {
		return common.DocumentOverview{}, fmt.Errorf("failed to load document %s: %w", documentID, err)
	}
	if len(docs) == 0 {
		return common.DocumentOverview{}, fmt.Errorf("document %s: %w", documentID, common.ErrNotFound)
	}
	return docs[0], nil
}

// Transition moves a document to status to. Illegal transitions are
// rejected with a conflict error. A document already in the target status
// is left untouched.
func (t *StatusTracker) Transition(ctx context.Context, documentID string, to common.RestructureStatus) error {
	doc, err := t.Document(ctx, documentID)
	if err != nil {
		return err
	}
	return t.apply(ctx, doc, to, false)
}

// BeginExtraction moves a document into processing. With force a document
// in success or processing may be re-extracted.
func (t *StatusTracker) BeginExtraction(ctx context.Context, documentID string, force bool) (common.DocumentOverview, error) {
	doc, err := t.Document(ctx, documentID)
	if err != nil {
		return doc, err
	}
	if ok, reason := ExtractionEligible(doc.RestructuringStatus, force); !ok {
		return doc, common.WrapError(common.KindConflict, "not_eligible",
			fmt.Errorf("document %s is %s: %s", documentID, doc.RestructuringStatus, reason))
	}
	if err := t.apply(ctx, doc, common.StatusProcessing, force); err != nil {
		return doc, err
	}
	doc.RestructuringStatus = common.StatusProcessing
	return doc, nil
}

func (t *StatusTracker) apply(ctx context.Context, doc common.DocumentOverview, to common.RestructureStatus, force bool) error {
	from := doc.RestructuringStatus
	if from == to && !force {
		return nil
	}
	if !force && !CanTransition(from, to) {
		return common.WrapError(common.KindConflict, "illegal_transition",
			fmt.Errorf("document %s cannot move from %s to %s", doc.ID, from, to))
	}
	doc.RestructuringStatus = to
	if err := t.status.UpsertDocumentsOverview(ctx, doc); err != nil {
		return fmt.Errorf("failed to persist status of document %s: %w", doc.ID, err)
	}
	logger.Debug("[Status] Transition", "document_id", doc.ID, "from", from, "to", to)
	t.notify(from, to)
	return nil
}

func enrichmentGate(graphID string) string {
	return "kg-enrich:" + graphID
}

// BeginEnrichment checks that no document of the graph is still being
// extracted or enriched and moves every success and enrichment_failure
// document to enriching. The returned cohort lists the moved documents.
// Without force a busy graph yields common.ErrGraphBusy.
func (t *StatusTracker) BeginEnrichment(ctx context.Context, graphID string, force bool) ([]string, error) {
	var cohort []string
	err := t.gate.WithGate(ctx, enrichmentGate(graphID), func(ctx context.Context) error {
		docs, err := t.status.GetDocumentsOverview(ctx, store.DocumentFilter{GraphID: graphID})
		if err != nil {
			return fmt.Errorf("failed to load documents of graph %s: %w", graphID, err)
		}

		if !force {
			for _, d := range docs {
				if d.RestructuringStatus == common.StatusProcessing || d.RestructuringStatus == common.StatusEnriching {
					logger.Warn("[Status] Graph busy", "graph_id", graphID, "document_id", d.ID, "status", d.RestructuringStatus)
					return common.ErrGraphBusy
				}
			}
		}

		var (
			moved []common.DocumentOverview
			froms []common.RestructureStatus
		)
		for _, d := range docs {
			if !CanTransition(d.RestructuringStatus, common.StatusEnriching) {
				continue
			}
			froms = append(froms, d.RestructuringStatus)
			d.RestructuringStatus = common.StatusEnriching
			moved = append(moved, d)
		}
		if len(moved) == 0 {
			return nil
		}
		if err := t.status.UpsertDocumentsOverview(ctx, moved...); err != nil {
			return fmt.Errorf("failed to mark documents enriching: %w", err)
		}
		for i, d := range moved {
			cohort = append(cohort, d.ID)
			t.notify(froms[i], common.StatusEnriching)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cohort, nil
}

func (t *StatusTracker) notify(from, to common.RestructureStatus) {
	if t.OnTransition != nil {
		t.OnTransition(from, to)
	}
}

// FinishEnrichment settles a cohort. Documents in failed become
// enrichment_failure; every other cohort document that is still enriching
// becomes enriched. Documents that left enriching in the meantime are not
// touched.
func (t *StatusTracker) FinishEnrichment(ctx context.Context, cohort []string, failed map[string]bool) (enriched int, failures int, err error) {
	if len(cohort) == 0 {
		return 0, 0, nil
	}
	docs, err := t.status.GetDocumentsOverview(ctx, store.DocumentFilter{IDs: cohort})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load cohort: %w", err)
	}

	updates := make([]common.DocumentOverview, 0, len(docs))
	for _, d := range docs {
		if d.RestructuringStatus != common.StatusEnriching {
			continue
		}
		if failed[d.ID] {
			d.RestructuringStatus = common.StatusEnrichmentFailure
			failures++
		} else {
			d.RestructuringStatus = common.StatusEnriched
			enriched++
		}
		updates = append(updates, d)
	}
	if len(updates) == 0 {
		return 0, 0, nil
	}
	if err := t.status.UpsertDocumentsOverview(ctx, updates...); err != nil {
		return 0, 0, fmt.Errorf("failed to settle cohort: %w", err)
	}
	for _, d := range updates {
		t.notify(common.StatusEnriching, d.RestructuringStatus)
	}
	logger.Info("[Status] Enrichment settled", "enriched", enriched, "failed", failures)
	return enriched, failures, nil
}
