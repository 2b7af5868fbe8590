package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	mid "github.com/OFFIS-RIT/kgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/loader"
	"github.com/OFFIS-RIT/kgraph/pkg/store/memory"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterKey = "test-master-key"

type spawned struct {
	name workflow.Name
	raw  []byte
	key  string
}

type recordingRuntime struct {
	mu    sync.Mutex
	calls []spawned
}

func (r *recordingRuntime) Spawn(ctx context.Context, name workflow.Name, payload any, key string) (workflow.Handle, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err := workflow.Validate(name, raw); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.calls = append(r.calls, spawned{name: name, raw: raw, key: key})
	r.mu.Unlock()
	return handle(key), nil
}

func (r *recordingRuntime) Close() error { return nil }

func (r *recordingRuntime) last(t *testing.T) spawned {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.calls)
	return r.calls[len(r.calls)-1]
}

type handle string

func (h handle) ID() string { return string(h) }
func (h handle) Result(ctx context.Context, out any) error { return nil }

type fixture struct {
	e       *echo.Echo
	runtime *recordingRuntime
	store   *memory.Store
	text    *loader.StaticSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.UpsertGraph(t.Context(), common.Graph{ID: "g1", Name: "Founders"}))
	rt := &recordingRuntime{}
	text := loader.NewStaticSource(nil)
	app := &mid.App{
		Service:      workflow.NewService(rt, s, s, workflow.DefaultDefaults()),
		Estimator:    graph.NewDeduplicator(nil, s, nil),
		Text:         text,
		MasterAPIKey: masterKey,
	}
	return &fixture{e: New(app, nil), runtime: rt, store: s, text: text}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+masterKey)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndAuth(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/graphs/g1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/graphs/g1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTriggerWorkflow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/workflows/create-graph", `{"graph_id":"g1","document_ids":["d1"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	call := f.runtime.last(t)
	assert.Equal(t, workflow.WorkflowCreateGraph, call.name)
	var p workflow.CreateGraphPayload
	require.NoError(t, json.Unmarshal(call.raw, &p))
	assert.Equal(t, []string{"d1"}, p.DocumentIDs)
	defaults := graph.DefaultCreationSettings()
	assert.Equal(t, defaults.ChunkTokens, p.Settings.ChunkTokens)
	assert.Equal(t, defaults.EntityTypes, p.Settings.EntityTypes)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, call.key, resp["run_id"])
}

func TestTriggerWorkflow_Rejects(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		path string
		body string
		code int
	}{
		{"/api/workflows/create-graph", `{}`, http.StatusBadRequest},
		{"/api/workflows/create-graph", `not json`, http.StatusBadRequest},
		{"/api/workflows/rebuild", `{"graph_id":"g1"}`, http.StatusBadRequest},
		{"/api/workflows/community-summary", `{"graph_id":"g1","level":0,"community_id":0}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, tt.path, tt.body)
		assert.Equal(t, tt.code, rec.Code, "%s %s", tt.path, tt.body)
	}
}

func TestTriggerWorkflow_DeduplicationUsesAuthenticatedCaller(t *testing.T) {
	f := newFixture(t)

	body := `{"graph_id":"g1","run_type":"run","caller":{"id":"mallory","superuser":false}}`
	rec := f.do(t, http.MethodPost, "/api/workflows/entity-deduplication", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var p workflow.DeduplicationPayload
	require.NoError(t, json.Unmarshal(f.runtime.last(t).raw, &p))
	assert.Equal(t, common.Caller{ID: "master", Superuser: true}, p.Caller)
}

func TestDocuments(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/documents",
		`{"graph_id":"g1","documents":[{"id":"d1","title":"Founding","text":"Ada founded Acme."},{"id":"d2"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	text, err := f.text.DocumentText(t.Context(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "Ada founded Acme.", string(text))

	rec = f.do(t, http.MethodGet, "/api/documents?graph_id=g1&status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var docs []common.DocumentOverview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, "g1", d.GraphID)
		assert.Equal(t, common.StatusPending, d.RestructuringStatus)
	}

	rec = f.do(t, http.MethodGet, "/api/documents?status=done", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/documents", `{"graph_id":"g1","documents":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGraphRoutes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertDocumentsOverview(t.Context(),
		common.DocumentOverview{ID: "d1", GraphID: "g1", RestructuringStatus: common.StatusEnriched},
		common.DocumentOverview{ID: "d2", GraphID: "g1", RestructuringStatus: common.StatusPending},
	))

	rec := f.do(t, http.MethodGet, "/api/graphs/g1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var g struct {
		ID       string `json:"id"`
		Progress struct {
			Total      int   `json:"total"`
			Percentage int32 `json:"percentage"`
		} `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.Equal(t, "g1", g.ID)
	assert.Equal(t, 2, g.Progress.Total)
	assert.Equal(t, int32(50), g.Progress.Percentage)

	rec = f.do(t, http.MethodGet, "/api/graphs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/graphs/g1/communities/count", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":0}`, rec.Body.String())
}

func TestDeduplicate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/graphs/g1/deduplicate", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res graph.DedupeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, graph.RunTypeEstimate, res.RunType)
	assert.Zero(t, res.Groups)

	rec = f.do(t, http.MethodPost, "/api/graphs/missing/deduplicate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/graphs/g1/deduplicate?run_type=run", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, workflow.WorkflowEntityDeduplication, f.runtime.last(t).name)

	rec = f.do(t, http.MethodPost, "/api/graphs/g1/deduplicate?run_type=purge", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
