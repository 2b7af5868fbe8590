package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Counts(t *testing.T) {
	c := NewCollector()

	c.StepFinished(workflow.StepClustering, time.Second, nil)
	c.StepFinished(workflow.StepClustering, time.Second, common.Transient("provider", errors.New("503")))
	c.WorkflowFinished(workflow.WorkflowEnrichGraph, time.Minute, context.Canceled)
	c.Transition(common.StatusPending, common.StatusProcessing)
	c.Transition(common.StatusPending, common.StatusProcessing)
	c.LLMCall("generate", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepRuns.WithLabelValues("kg_clustering", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepRuns.WithLabelValues("kg_clustering", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowRuns.WithLabelValues("enrich-graph", "canceled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("pending", "processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.llmCalls.WithLabelValues("generate", "ok")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.Transition(common.StatusSuccess, common.StatusEnriching)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `kgraph_document_transitions_total{from="success",to="enriching"} 1`))
}
