package workflow

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/google/uuid"
)

// Defaults are the settings every trigger starts from. Payload settings
// override them field by field.
type Defaults struct {
	Creation      graph.CreationSettings
	Enrichment    graph.EnrichmentSettings
	Deduplication graph.DeduplicationSettings
}

func DefaultDefaults() Defaults {
	return Defaults{
		Creation:      graph.DefaultCreationSettings(),
		Enrichment:    graph.DefaultEnrichmentSettings(),
		Deduplication: graph.DefaultDeduplicationSettings(),
	}
}

// Service is the trigger and status surface over a Runtime.
type Service struct {
	runtime  Runtime
	storage  store.GraphStorage
	status   store.StatusStorage
	defaults Defaults
}

func NewService(runtime Runtime, storage store.GraphStorage, status store.StatusStorage, defaults Defaults) *Service {
	return &Service{runtime: runtime, storage: storage, status: status, defaults: defaults}
}

// Defaults returns the settings triggers start from.
func (s *Service) Defaults() Defaults {
	return s.defaults
}

// ExtractAndStore starts extraction of one document. A second trigger for
// the same document joins the running one.
func (s *Service) ExtractAndStore(ctx context.Context, p ExtractAndStorePayload) (Handle, error) {
	p.Settings = s.defaults.Creation.Merge(p.Settings)
	return s.runtime.Spawn(ctx, WorkflowExtractAndStore, p, ExtractKey(p.DocumentID))
}

func (s *Service) CreateGraph(ctx context.Context, p CreateGraphPayload) (Handle, error) {
	p.Settings = s.defaults.Creation.Merge(p.Settings)
	return s.runtime.Spawn(ctx, WorkflowCreateGraph, p, topLevelKey(WorkflowCreateGraph, p.GraphID))
}

func (s *Service) EnrichGraph(ctx context.Context, p EnrichGraphPayload) (Handle, error) {
	p.Settings = s.defaults.Enrichment.Merge(p.Settings)
	return s.runtime.Spawn(ctx, WorkflowEnrichGraph, p, topLevelKey(WorkflowEnrichGraph, p.GraphID))
}

func (s *Service) CommunitySummary(ctx context.Context, p CommunitySummaryPayload) (Handle, error) {
	p.Generation = s.defaults.Enrichment.Generation.Merge(p.Generation)
	if p.MaxSummaryInputLength == 0 {
		p.MaxSummaryInputLength = s.defaults.Enrichment.MaxSummaryInputLength
	}
	return s.runtime.Spawn(ctx, WorkflowCommunitySummary, p, CommunitySummaryKey(p.GraphID, p.CommunityID, p.Level))
}

// Deduplicate starts entity-deduplication. An empty run type is an
// estimate; a run needs a superuser caller.
func (s *Service) Deduplicate(ctx context.Context, p DeduplicationPayload) (Handle, error) {
	p.Settings = s.defaults.Deduplication.Merge(p.Settings)
	if p.RunType == "" {
		p.RunType = graph.RunTypeEstimate
	}
	if p.RunType == graph.RunTypeRun && !p.Caller.Superuser {
		return nil, common.ErrForbidden
	}
	return s.runtime.Spawn(ctx, WorkflowEntityDeduplication, p, topLevelKey(WorkflowEntityDeduplication, p.GraphID))
}

// Trigger starts workflow name from a raw JSON payload. The payload is
// decoded into the typed form first so defaults and keys apply.
func (s *Service) Trigger(ctx context.Context, name Name, raw []byte) (Handle, error) {
	switch name {
	case WorkflowExtractAndStore:
		var p ExtractAndStorePayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return s.ExtractAndStore(ctx, p)
	case WorkflowCreateGraph:
		var p CreateGraphPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return s.CreateGraph(ctx, p)
	case WorkflowEnrichGraph:
		var p EnrichGraphPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return s.EnrichGraph(ctx, p)
	case WorkflowCommunitySummary:
		var p CommunitySummaryPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return s.CommunitySummary(ctx, p)
	case WorkflowEntityDeduplication:
		var p DeduplicationPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return s.Deduplicate(ctx, p)
	}
	return nil, common.Invalid("unknown_workflow", fmt.Errorf("unknown workflow %q", name))
}

// DocumentStatus lists the enrichment records matching filter.
func (s *Service) DocumentStatus(ctx context.Context, filter store.DocumentFilter) ([]common.DocumentOverview, error) {
	return s.status.GetDocumentsOverview(ctx, filter)
}

// RegisterDocuments adds documents in pending. Existing documents keep
// their status.
func (s *Service) RegisterDocuments(ctx context.Context, graphID string, docs ...common.DocumentOverview) ([]common.DocumentOverview, error) {
	ids := make([]string, 0, len(docs))
	for i := range docs {
		if docs[i].ID == "" {
			docs[i].ID = uuid.NewString()
		}
		ids = append(ids, docs[i].ID)
	}
	existing, err := s.status.GetDocumentsOverview(ctx, store.DocumentFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(existing))
	for _, d := range existing {
		known[d.ID] = true
	}
	var fresh []common.DocumentOverview
	for _, d := range docs {
		if known[d.ID] {
			continue
		}
		d.GraphID = graphID
		d.RestructuringStatus = common.StatusPending
		fresh = append(fresh, d)
	}
	if len(fresh) > 0 {
		if err := s.status.UpsertDocumentsOverview(ctx, fresh...); err != nil {
			return nil, err
		}
	}
	return s.status.GetDocumentsOverview(ctx, store.DocumentFilter{IDs: ids})
}

// Graph returns the graph container.
func (s *Service) Graph(ctx context.Context, graphID string) (*common.Graph, error) {
	return s.storage.GetGraph(ctx, graphID)
}

// CommunityCount returns the number of summarized communities of a graph.
func (s *Service) CommunityCount(ctx context.Context, graphID string) (int, error) {
	return s.storage.CountCommunities(ctx, graphID)
}

func topLevelKey(name Name, graphID string) string {
	return fmt.Sprintf("%s_%s_%s", name, graphID, uuid.NewString())
}
