package workflow

import (
	"testing"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicies(t *testing.T) {
	p := DefaultPolicies()

	assert.Equal(t, Policy{Retries: 3, Timeout: 60 * time.Minute}, p.Get(StepExtractAndStore))
	assert.Equal(t, 1, p.Get(StepCommunitySummary).Retries)
	assert.Equal(t, 5*time.Minute, p.Get(StepFinalize).Timeout)
	assert.Equal(t, []StepName{StepNodeCreation}, p.Get(StepClustering).Parents)

	unknown := p.Get(StepName("kg_unknown"))
	assert.Zero(t, unknown.Retries)
	assert.Equal(t, time.Hour, unknown.Timeout)
}

func TestPolicies_Merge(t *testing.T) {
	zero := 0
	merged, err := DefaultPolicies().Merge(map[string]PolicyOverride{
		"kg_community_summary": {Retries: &zero},
		"kg_clustering":        {Timeout: 90 * time.Minute},
	})
	require.NoError(t, err)

	assert.Zero(t, merged.Get(StepCommunitySummary).Retries)
	assert.Equal(t, 60*time.Minute, merged.Get(StepCommunitySummary).Timeout)
	assert.Equal(t, 90*time.Minute, merged.Get(StepClustering).Timeout)
	assert.Equal(t, 3, merged.Get(StepClustering).Retries)
	// The receiver is left untouched.
	assert.Equal(t, 1, DefaultPolicies().Get(StepCommunitySummary).Retries)
}

func TestPolicies_MergeRejectsBadOverrides(t *testing.T) {
	_, err := DefaultPolicies().Merge(map[string]PolicyOverride{"kg_nope": {}})
	assert.Error(t, err)

	negative := -1
	_, err = DefaultPolicies().Merge(map[string]PolicyOverride{"kg_finalize": {Retries: &negative}})
	assert.Error(t, err)
}

func TestRunState_ParentsMustComplete(t *testing.T) {
	state := newRunState(DefaultPolicies())

	_, err := state.begin(StepNodeCreation)
	require.Error(t, err)
	assert.Equal(t, common.KindInternal, common.KindOf(err))

	state.complete(StepEnrichmentGate)
	_, err = state.begin(StepNodeCreation)
	require.NoError(t, err)

	_, err = state.begin(StepClustering)
	require.Error(t, err)
	state.complete(StepNodeCreation)
	policy, err := state.begin(StepClustering)
	require.NoError(t, err)
	assert.Equal(t, 3, policy.Retries)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    Name
		payload string
		ok      bool
	}{
		{WorkflowExtractAndStore, `{"document_id":"d1"}`, true},
		{WorkflowExtractAndStore, `{}`, false},
		{WorkflowCreateGraph, `{"graph_id":"g1","document_ids":["d1",""]}`, false},
		{WorkflowCreateGraph, `{"graph_id":"g1"}`, true},
		{WorkflowCommunitySummary, `{"graph_id":"g1","level":0,"community_id":0}`, false},
		{WorkflowCommunitySummary, `{"graph_id":"g1","level":1,"community_id":3}`, true},
		{WorkflowEntityDeduplication, `{"graph_id":"g1","run_type":"delete"}`, false},
		{WorkflowEntityDeduplication, `{"graph_id":"g1","run_type":"run"}`, true},
		{WorkflowEnrichGraph, `not json`, false},
		{Name("rebuild"), `{}`, false},
	}
	for _, tt := range tests {
		err := Validate(tt.name, []byte(tt.payload))
		if tt.ok {
			assert.NoError(t, err, "%s %s", tt.name, tt.payload)
			continue
		}
		if assert.Error(t, err, "%s %s", tt.name, tt.payload) {
			assert.Equal(t, common.KindInvalid, common.KindOf(err))
		}
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "kg-extract-and-store_d1", ExtractKey("d1"))
	assert.Equal(t, "kg-community-summary_4_1@g1", CommunitySummaryKey("g1", 4, 1))
}
