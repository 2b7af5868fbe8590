package workflow

import (
	"fmt"
	"time"
)

// Name identifies a workflow.
type Name string

const (
	WorkflowExtractAndStore     Name = "extract-and-store"
	WorkflowCreateGraph         Name = "create-graph"
	WorkflowEnrichGraph         Name = "enrich-graph"
	WorkflowCommunitySummary    Name = "community-summary"
	WorkflowEntityDeduplication Name = "entity-deduplication"
)

// Names lists every workflow.
var Names = []Name{
	WorkflowExtractAndStore,
	WorkflowCreateGraph,
	WorkflowEnrichGraph,
	WorkflowCommunitySummary,
	WorkflowEntityDeduplication,
}

// StepName identifies a step. Steps are the retryable units of a workflow.
type StepName string

const (
	StepExtractAndStore     StepName = "kg_extract_and_store"
	StepSettleDocument      StepName = "kg_settle_document"
	StepExtractionIngress   StepName = "kg_extraction_ingress"
	StepEnrichmentGate      StepName = "kg_enrichment_gate"
	StepNodeCreation        StepName = "kg_node_creation"
	StepClustering          StepName = "kg_clustering"
	StepCommunitySummary    StepName = "kg_community_summary"
	StepFinalize            StepName = "kg_finalize"
	StepAbortEnrichment     StepName = "kg_abort_enrichment"
	StepEntityDeduplication StepName = "kg_entity_deduplication"
	StepGraphSync           StepName = "kg_graph_sync"
)

// Policy bounds one step. Retries counts the attempts after the first.
// Parents must have completed in the same run before the step may start.
type Policy struct {
	Retries int
	Timeout time.Duration
	Parents []StepName
}

// Policies maps every step to its policy.
type Policies map[StepName]Policy

func DefaultPolicies() Policies {
	return Policies{
		StepExtractAndStore:     {Retries: 3, Timeout: 60 * time.Minute},
		StepSettleDocument:      {Retries: 5, Timeout: 5 * time.Minute, Parents: []StepName{StepExtractAndStore}},
		StepExtractionIngress:   {Retries: 1, Timeout: 60 * time.Minute},
		StepEnrichmentGate:      {Retries: 0, Timeout: 5 * time.Minute},
		StepNodeCreation:        {Retries: 3, Timeout: 60 * time.Minute, Parents: []StepName{StepEnrichmentGate}},
		StepClustering:          {Retries: 3, Timeout: 60 * time.Minute, Parents: []StepName{StepNodeCreation}},
		StepCommunitySummary:    {Retries: 1, Timeout: 60 * time.Minute},
		StepFinalize:            {Retries: 3, Timeout: 5 * time.Minute, Parents: []StepName{StepEnrichmentGate}},
		StepAbortEnrichment:     {Retries: 3, Timeout: 5 * time.Minute, Parents: []StepName{StepEnrichmentGate}},
		StepEntityDeduplication: {Retries: 1, Timeout: 60 * time.Minute},
		StepGraphSync:           {Retries: 3, Timeout: 10 * time.Minute, Parents: []StepName{StepFinalize}},
	}
}

// PolicyOverride changes the retries or timeout of one step. Zero values
// keep the default.
type PolicyOverride struct {
	Retries *int
	Timeout time.Duration
}

// Merge returns a copy of p with overrides applied. Unknown steps are an
// error.
func (p Policies) Merge(overrides map[string]PolicyOverride) (Policies, error) {
	out := make(Policies, len(p))
	for k, v := range p {
		out[k] = v
	}
	for name, o := range overrides {
		step := StepName(name)
		policy, ok := out[step]
		if !ok {
			return nil, fmt.Errorf("unknown step %q in policy overrides", name)
		}
		if o.Retries != nil {
			if *o.Retries < 0 {
				return nil, fmt.Errorf("negative retries for step %q", name)
			}
			policy.Retries = *o.Retries
		}
		if o.Timeout > 0 {
			policy.Timeout = o.Timeout
		}
		out[step] = policy
	}
	return out, nil
}

// Get returns the policy of step. Unknown steps get one attempt and a one
// hour timeout.
func (p Policies) Get(step StepName) Policy {
	if policy, ok := p[step]; ok {
		return policy
	}
	return Policy{Timeout: time.Hour}
}
