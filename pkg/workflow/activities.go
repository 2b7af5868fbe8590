package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
)

// Timing stages recorded after a step succeeded.
const (
	TimingExtraction       = "extraction"
	TimingNodeCreation     = "node_creation"
	TimingClustering       = "clustering"
	TimingCommunitySummary = "community_summary"
)

// Activities holds the collaborators every step runs against. Sync and
// Timings are optional.
type Activities struct {
	Graph   *graph.GraphClient
	Storage store.GraphStorage
	Status  store.StatusStorage
	Timings graph.TimingStore
	Sync    store.GraphSyncer
}

// Registry returns the serialized form of every step keyed by step name.
func (a *Activities) Registry() map[StepName]ActivityFunc {
	return map[StepName]ActivityFunc{
		StepExtractAndStore:     activity(a.ExtractAndStore),
		StepSettleDocument:      activity(a.SettleDocument),
		StepExtractionIngress:   activity(a.ExtractionIngress),
		StepEnrichmentGate:      activity(a.EnrichmentGate),
		StepNodeCreation:        activity(a.NodeCreation),
		StepClustering:          activity(a.Clustering),
		StepCommunitySummary:    activity(a.CommunitySummary),
		StepFinalize:            activity(a.Finalize),
		StepAbortEnrichment:     activity(a.AbortEnrichment),
		StepEntityDeduplication: activity(a.EntityDeduplication),
		StepGraphSync:           activity(a.GraphSync),
	}
}

// ExtractAndStore runs extraction for one document. A document that is not
// eligible yields a skipped outcome. An extraction failure is reported in
// the outcome. The outcome status is the one SettleDocument has to apply.
func (a *Activities) ExtractAndStore(ctx context.Context, in ExtractAndStorePayload) (DocumentOutcome, error) {
	out := DocumentOutcome{DocumentID: in.DocumentID}

	doc, err := a.Graph.Status.BeginExtraction(ctx, in.DocumentID, in.ForceKGCreation)
	if err != nil {
		var cerr *common.Error
		if errors.As(err, &cerr) && cerr.Kind == common.KindConflict {
			logger.Warn("[Workflow] Document not eligible for extraction", "document_id", in.DocumentID, "reason", cerr.Message)
			out.Status = doc.RestructuringStatus
			out.Skipped = true
			out.Reason = cerr.Message
			return out, nil
		}
		return out, err
	}
	out.GraphID = doc.GraphID

	started := time.Now()
	res, err := a.Graph.Extractor.ExtractDocument(ctx, doc, in.Settings)
	if err != nil {
		logger.Error("[Workflow] Extraction failed", "document_id", doc.ID, "err", err)
		out.Status = common.StatusFailure
		out.Error = err.Error()
		return out, nil
	}

	out.Status = common.StatusSuccess
	out.Elapsed = time.Since(started)
	out.Chunks = res.Chunks
	out.Entities = len(res.Entities)
	out.Relationships = len(res.Relationships)
	logger.Info("[Workflow] Document extracted",
		"document_id", doc.ID,
		"chunks", out.Chunks,
		"entities", out.Entities,
		"relationships", out.Relationships,
	)
	return out, nil
}

// SettleDocument moves an extracted document from processing to the status
// of its outcome. Applying the same status twice is a no-op.
func (a *Activities) SettleDocument(ctx context.Context, in DocumentOutcome) (DocumentOutcome, error) {
	if in.Status != common.StatusSuccess && in.Status != common.StatusFailure {
		return in, common.Invalid("settle_status", fmt.Errorf("cannot settle document %s to %s", in.DocumentID, in.Status))
	}
	// The status write has to land even when the step deadline fired.
	settleCtx := context.WithoutCancel(ctx)
	if err := a.Graph.Status.Transition(settleCtx, in.DocumentID, in.Status); err != nil {
		return in, err
	}
	if in.Status == common.StatusSuccess {
		a.recordTiming(settleCtx, in.GraphID, in.Chunks, in.Elapsed, TimingExtraction)
	}
	return in, nil
}

// IngressResult splits the requested documents into the ones to extract
// and the ones skipped by status.
type IngressResult struct {
	Eligible []string          `json:"eligible"`
	Skipped  []DocumentOutcome `json:"skipped"`
}

// ExtractionIngress makes sure the graph exists and filters its documents
// by extraction eligibility.
func (a *Activities) ExtractionIngress(ctx context.Context, in CreateGraphPayload) (IngressResult, error) {
	if err := a.ensureGraph(ctx, in.GraphID); err != nil {
		return IngressResult{}, err
	}

	docs, err := a.Status.GetDocumentsOverview(ctx, store.DocumentFilter{GraphID: in.GraphID, IDs: in.DocumentIDs})
	if err != nil {
		return IngressResult{}, fmt.Errorf("failed to load documents of graph %s: %w", in.GraphID, err)
	}

	res := IngressResult{Eligible: []string{}, Skipped: []DocumentOutcome{}}
	found := make(map[string]bool, len(docs))
	for _, d := range docs {
		found[d.ID] = true
		ok, reason := graph.ExtractionEligible(d.RestructuringStatus, in.ForceKGCreation)
		if !ok {
			logger.Warn("[Workflow] Skipping document", "document_id", d.ID, "status", d.RestructuringStatus, "reason", reason)
			res.Skipped = append(res.Skipped, DocumentOutcome{
				DocumentID: d.ID,
				Status:     d.RestructuringStatus,
				Skipped:    true,
				Reason:     reason,
			})
			continue
		}
		res.Eligible = append(res.Eligible, d.ID)
	}
	for _, id := range in.DocumentIDs {
		if found[id] {
			continue
		}
		logger.Warn("[Workflow] Skipping unknown document", "document_id", id, "graph_id", in.GraphID)
		res.Skipped = append(res.Skipped, DocumentOutcome{DocumentID: id, Skipped: true, Reason: "document not found in graph"})
	}
	return res, nil
}

// GateResult is the cohort admitted by the enrichment gate.
type GateResult struct {
	Cohort  []string `json:"cohort"`
	Skipped bool     `json:"skipped,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// EnrichmentGate moves the enrichable documents of a graph to enriching.
// A busy graph, or an empty cohort without force, is a skip and not an
// error.
func (a *Activities) EnrichmentGate(ctx context.Context, in EnrichGraphPayload) (GateResult, error) {
	force := in.Settings.ForceEnrichment
	cohort, err := a.Graph.Status.BeginEnrichment(ctx, in.GraphID, force)
	if errors.Is(err, common.ErrGraphBusy) {
		logger.Warn("[Workflow] Enrichment skipped, graph busy", "graph_id", in.GraphID)
		return GateResult{Cohort: []string{}, Skipped: true, Reason: common.ErrGraphBusy.Message}, nil
	}
	if err != nil {
		return GateResult{}, err
	}
	if len(cohort) == 0 && !force {
		logger.Info("[Workflow] Enrichment skipped, nothing to enrich", "graph_id", in.GraphID)
		return GateResult{Cohort: []string{}, Skipped: true, Reason: "no documents to enrich"}, nil
	}
	if cohort == nil {
		cohort = []string{}
	}
	if err := a.setGraphStatus(ctx, in.GraphID, common.GraphStatusEnriching); err != nil {
		return GateResult{}, err
	}
	logger.Info("[Workflow] Enrichment admitted", "graph_id", in.GraphID, "documents", len(cohort))
	return GateResult{Cohort: cohort}, nil
}

// NodeInput is the input of the node creation step.
type NodeInput struct {
	GraphID  string                   `json:"graph_id"`
	Cohort   []string                 `json:"cohort"`
	Settings graph.EnrichmentSettings `json:"settings"`
}

func (a *Activities) NodeCreation(ctx context.Context, in NodeInput) (*graph.NodeResult, error) {
	started := time.Now()
	res, err := a.Graph.Nodes.BuildGraphNodes(ctx, in.GraphID, in.Cohort, in.Settings)
	if err != nil {
		return nil, err
	}
	a.recordTiming(ctx, in.GraphID, len(in.Cohort), time.Since(started), TimingNodeCreation)
	return res, nil
}

// ClusterInput is the input of the clustering step.
type ClusterInput struct {
	GraphID string             `json:"graph_id"`
	Params  graph.LeidenParams `json:"leiden_params"`
}

func (a *Activities) Clustering(ctx context.Context, in ClusterInput) (*graph.ClusterResult, error) {
	started := time.Now()
	res, err := a.Graph.Clusterer.Cluster(ctx, in.GraphID, in.Params)
	if err != nil {
		return nil, err
	}
	a.recordTiming(ctx, in.GraphID, res.TotalCommunities, time.Since(started), TimingClustering)
	return res, nil
}

func (a *Activities) CommunitySummary(ctx context.Context, in CommunitySummaryPayload) (CommunityOutcome, error) {
	settings := graph.EnrichmentSettings{
		Generation:            in.Generation,
		MaxSummaryInputLength: in.MaxSummaryInputLength,
		Embed:                 in.Embed,
	}
	started := time.Now()
	c, err := a.Graph.Summarizer.SummarizeCommunity(ctx, in.GraphID, in.Level, in.CommunityID, settings)
	if err != nil {
		return CommunityOutcome{}, err
	}
	a.recordTiming(ctx, in.GraphID, 1, time.Since(started), TimingCommunitySummary)
	return CommunityOutcome{Level: c.Level, CommunityNumber: c.CommunityNumber, Rating: c.Rating}, nil
}

// FinalizeInput settles an enrichment cohort. Failed lists the cohort
// documents that end in enrichment_failure.
type FinalizeInput struct {
	GraphID string   `json:"graph_id"`
	Cohort  []string `json:"cohort"`
	Failed  []string `json:"failed"`
}

type FinalizeResult struct {
	Enriched int `json:"enriched"`
	Failed   int `json:"failed"`
}

// Finalize settles the cohort statuses and refreshes the graph status and
// statistics.
func (a *Activities) Finalize(ctx context.Context, in FinalizeInput) (FinalizeResult, error) {
	failed := make(map[string]bool, len(in.Failed))
	for _, id := range in.Failed {
		failed[id] = true
	}
	enriched, failures, err := a.Graph.Status.FinishEnrichment(ctx, in.Cohort, failed)
	if err != nil {
		return FinalizeResult{}, err
	}

	status := common.GraphStatusEnriched
	if failures > 0 && enriched == 0 {
		status = common.GraphStatusFailed
	}
	g, err := a.loadGraph(ctx, in.GraphID)
	if err != nil {
		return FinalizeResult{}, err
	}
	stats, err := a.statistics(ctx, in.GraphID)
	if err != nil {
		return FinalizeResult{}, err
	}
	g.Status = status
	g.Statistics = stats
	if err := a.Storage.UpsertGraph(ctx, *g); err != nil {
		return FinalizeResult{}, fmt.Errorf("failed to update graph %s: %w", in.GraphID, err)
	}
	return FinalizeResult{Enriched: enriched, Failed: failures}, nil
}

// AbortEnrichment releases a cohort whose finalize step failed. Every
// cohort document still enriching becomes enrichment_failure and the graph
// is marked failed.
func (a *Activities) AbortEnrichment(ctx context.Context, in FinalizeInput) (FinalizeResult, error) {
	failed := make(map[string]bool, len(in.Cohort))
	for _, id := range in.Cohort {
		failed[id] = true
	}
	_, failures, err := a.Graph.Status.FinishEnrichment(ctx, in.Cohort, failed)
	if err != nil {
		return FinalizeResult{}, err
	}
	if err := a.setGraphStatus(ctx, in.GraphID, common.GraphStatusFailed); err != nil {
		return FinalizeResult{}, err
	}
	logger.Warn("[Workflow] Enrichment aborted", "graph_id", in.GraphID, "failed", failures)
	return FinalizeResult{Failed: failures}, nil
}

func (a *Activities) EntityDeduplication(ctx context.Context, in DeduplicationPayload) (*graph.DedupeResult, error) {
	return a.Graph.Dedupe.Deduplicate(ctx, in.GraphID, in.Settings, in.Caller, in.RunType)
}

// SyncInput is the input of the graph sync step.
type SyncInput struct {
	GraphID string `json:"graph_id"`
}

type SyncResult struct {
	Skipped bool            `json:"skipped,omitempty"`
	Stats   store.SyncStats `json:"stats"`
}

// GraphSync mirrors the enriched graph when a syncer is configured.
func (a *Activities) GraphSync(ctx context.Context, in SyncInput) (SyncResult, error) {
	if a.Sync == nil {
		return SyncResult{Skipped: true}, nil
	}
	stats, err := a.Sync.SyncGraph(ctx, in.GraphID)
	if err != nil {
		return SyncResult{}, common.Transient("graph_sync", err)
	}
	return SyncResult{Stats: stats}, nil
}

func (a *Activities) recordTiming(ctx context.Context, graphID string, amount int, d time.Duration, stage string) {
	if a.Timings == nil || amount <= 0 {
		return
	}
	if err := a.Timings.AddProcessingTime(ctx, graphID, amount, d, stage); err != nil {
		logger.Warn("[Workflow] Failed to record processing time", "stage", stage, "err", err)
	}
}

func (a *Activities) loadGraph(ctx context.Context, graphID string) (*common.Graph, error) {
	g, err := a.Storage.GetGraph(ctx, graphID)
	if errors.Is(err, common.ErrNotFound) {
		return &common.Graph{ID: graphID, Status: common.GraphStatusPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load graph %s: %w", graphID, err)
	}
	return g, nil
}

func (a *Activities) ensureGraph(ctx context.Context, graphID string) error {
	_, err := a.Storage.GetGraph(ctx, graphID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("failed to load graph %s: %w", graphID, err)
	}
	if err := a.Storage.UpsertGraph(ctx, common.Graph{ID: graphID, Status: common.GraphStatusPending}); err != nil {
		return fmt.Errorf("failed to create graph %s: %w", graphID, err)
	}
	return nil
}

func (a *Activities) setGraphStatus(ctx context.Context, graphID string, status common.GraphStatus) error {
	g, err := a.loadGraph(ctx, graphID)
	if err != nil {
		return err
	}
	g.Status = status
	if err := a.Storage.UpsertGraph(ctx, *g); err != nil {
		return fmt.Errorf("failed to update graph %s: %w", graphID, err)
	}
	return nil
}

func (a *Activities) statistics(ctx context.Context, graphID string) (map[string]int, error) {
	scope := store.GraphScope(graphID)
	entities, err := a.Storage.GetEntities(ctx, scope, store.EntityFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	rels, err := a.Storage.GetRelationships(ctx, scope, store.RelationshipFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to count relationships: %w", err)
	}
	communities, err := a.Storage.CountCommunities(ctx, graphID)
	if err != nil {
		return nil, fmt.Errorf("failed to count communities: %w", err)
	}
	docs, err := a.Status.GetDocumentsOverview(ctx, store.DocumentFilter{GraphID: graphID})
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	return map[string]int{
		"entities":      len(entities),
		"relationships": len(rels),
		"communities":   communities,
		"documents":     len(docs),
	}, nil
}
