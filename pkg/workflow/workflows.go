package workflow

import (
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
)

// ExtractKey is the spawn key of extract-and-store for a document.
func ExtractKey(documentID string) string {
	return "kg-extract-and-store_" + documentID
}

// CommunitySummaryKey is the spawn key of community-summary. Community
// numbers repeat across graphs, so the graph id is appended.
func CommunitySummaryKey(graphID string, communityNumber, level int) string {
	return fmt.Sprintf("kg-community-summary_%d_%d@%s", communityNumber, level, graphID)
}

func extractAndStore(env Env, raw []byte) (any, error) {
	var p ExtractAndStorePayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	var out DocumentOutcome
	if err := env.Step(StepExtractAndStore, p, &out); err != nil {
		return nil, err
	}
	if out.Skipped {
		return out, nil
	}
	var settled DocumentOutcome
	if err := env.Step(StepSettleDocument, out, &settled); err != nil {
		return nil, err
	}
	return settled, nil
}

func createGraph(env Env, raw []byte) (any, error) {
	var p CreateGraphPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	var ingress IngressResult
	if err := env.Step(StepExtractionIngress, p, &ingress); err != nil {
		return nil, err
	}

	futures := make([]Future, len(ingress.Eligible))
	outcomes := make([]DocumentOutcome, len(ingress.Eligible))
	outs := make([]any, len(ingress.Eligible))
	for i, id := range ingress.Eligible {
		futures[i] = env.Spawn(WorkflowExtractAndStore, ExtractAndStorePayload{
			DocumentID:      id,
			ForceKGCreation: p.ForceKGCreation,
			Settings:        p.Settings,
		}, ExtractKey(id))
		outs[i] = &outcomes[i]
	}
	errs := Join(futures, outs)

	res := CreateGraphResult{
		GraphID:   p.GraphID,
		Documents: []DocumentOutcome{},
		Skipped:   append([]DocumentOutcome{}, ingress.Skipped...),
	}
	for i, err := range errs {
		o := outcomes[i]
		if err != nil {
			o = DocumentOutcome{DocumentID: ingress.Eligible[i], Error: err.Error()}
		}
		switch {
		case o.Skipped:
			res.Skipped = append(res.Skipped, o)
			continue
		case o.Error != "":
			res.Failed++
		case o.Status == common.StatusSuccess:
			res.Succeeded++
		}
		res.Documents = append(res.Documents, o)
	}
	return res, nil
}

func enrichGraph(env Env, raw []byte) (any, error) {
	var p EnrichGraphPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	res := EnrichGraphResult{GraphID: p.GraphID, Cohort: []string{}}

	var gate GateResult
	if err := env.Step(StepEnrichmentGate, p, &gate); err != nil {
		return nil, err
	}
	if gate.Skipped {
		res.Skipped = true
		res.Reason = gate.Reason
		return res, nil
	}
	res.Cohort = gate.Cohort

	failed := make(map[string]bool)
	failAll := func() {
		for _, id := range gate.Cohort {
			failed[id] = true
		}
	}

	var nodes graph.NodeResult
	if err := env.Step(StepNodeCreation, NodeInput{GraphID: p.GraphID, Cohort: gate.Cohort, Settings: p.Settings}, &nodes); err != nil {
		res.Error = err.Error()
		failAll()
	} else {
		res.Nodes = &nodes
		if !p.Settings.SkipClustering {
			summarizeGraph(env, p, gate.Cohort, failed, &res)
		}
	}

	var fin FinalizeResult
	if err := env.Step(StepFinalize, FinalizeInput{
		GraphID: p.GraphID,
		Cohort:  gate.Cohort,
		Failed:  sortedKeys(failed),
	}, &fin); err != nil {
		// The runtime logs a failed abort; the finalize error is the one reported.
		var aborted FinalizeResult
		_ = env.Step(StepAbortEnrichment, FinalizeInput{GraphID: p.GraphID, Cohort: gate.Cohort, Failed: gate.Cohort}, &aborted)
		return nil, err
	}
	res.Enriched = fin.Enriched
	res.Failed = fin.Failed

	var synced SyncResult
	if err := env.Step(StepGraphSync, SyncInput{GraphID: p.GraphID}, &synced); err != nil {
		res.SyncError = err.Error()
	}
	return res, nil
}

// summarizeGraph clusters the graph and fans out one community-summary per
// community. Documents behind a failed community are added to failed.
func summarizeGraph(env Env, p EnrichGraphPayload, cohort []string, failed map[string]bool, res *EnrichGraphResult) {
	var clusters graph.ClusterResult
	if err := env.Step(StepClustering, ClusterInput{GraphID: p.GraphID, Params: p.Settings.Leiden}, &clusters); err != nil {
		res.Error = err.Error()
		for _, id := range cohort {
			failed[id] = true
		}
		return
	}
	res.Clusters = &clusters

	refs := clusters.Communities
	futures := make([]Future, len(refs))
	outcomes := make([]CommunityOutcome, len(refs))
	outs := make([]any, len(refs))
	for i, ref := range refs {
		futures[i] = env.Spawn(WorkflowCommunitySummary, CommunitySummaryPayload{
			GraphID:               p.GraphID,
			Level:                 ref.Level,
			CommunityID:           ref.Number,
			Generation:            p.Settings.Generation,
			MaxSummaryInputLength: p.Settings.MaxSummaryInputLength,
			Embed:                 p.Settings.Embed,
		}, CommunitySummaryKey(p.GraphID, ref.Number, ref.Level))
		outs[i] = &outcomes[i]
	}
	errs := Join(futures, outs)

	res.Communities = make([]CommunityOutcome, len(refs))
	for i, err := range errs {
		o := outcomes[i]
		if err != nil {
			o = CommunityOutcome{Level: refs[i].Level, CommunityNumber: refs[i].Number, Error: err.Error()}
			for _, doc := range refs[i].DocumentIDs {
				if slices.Contains(cohort, doc) {
					failed[doc] = true
				}
			}
		}
		res.Communities[i] = o
	}
}

func communitySummary(env Env, raw []byte) (any, error) {
	var p CommunitySummaryPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	var out CommunityOutcome
	if err := env.Step(StepCommunitySummary, p, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func entityDeduplication(env Env, raw []byte) (any, error) {
	var p DeduplicationPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	var out graph.DedupeResult
	if err := env.Step(StepEntityDeduplication, p, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
