package pgx

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/db"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpers(t *testing.T) {
	assert.NotNil(t, strs(nil))
	assert.Nil(t, filterIDs([]string{}))
	assert.Equal(t, []string{"a"}, filterIDs([]string{"a"}))
	assert.Nil(t, vector(nil))
	assert.Equal(t, []float32{1, 2}, floats(vector([]float32{1, 2})))
	assert.Nil(t, nullTime(time.Time{}))

	raw, err := encodeJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = encodeJSON(map[string]any{"k": "v"})
	require.NoError(t, err)
	back, err := decodeJSON([]byte(*raw))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, back)

	_, err = decodeJSON([]byte("{"))
	assert.Equal(t, common.KindMalformed, common.KindOf(err))
}

// newTestStore connects to KGRAPH_TEST_DATABASE_URL and applies the schema.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("KGRAPH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("KGRAPH_TEST_DATABASE_URL not set")
	}
	require.NoError(t, db.Migrate(url))
	pool, err := db.Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return New(pool)
}

func TestStore_EntitiesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	scope := store.DocumentScope("pgx-test-" + time.Now().Format("150405.000000"))
	t.Cleanup(func() { _ = s.DeleteScope(context.Background(), scope) })

	require.NoError(t, s.CreateEntities(ctx, scope, []common.Entity{
		{ID: "e1", Name: "ALICE", Category: "PERSON", DocumentIDs: []string{"d1"}, DescriptionEmbedding: []float32{0.1, 0.2}},
		{ID: "e2", Name: "ACME", Category: "ORGANIZATION", DocumentIDs: []string{"d2"}, Attributes: map[string]any{"k": "v"}},
	}))

	all, err := s.GetEntities(ctx, scope, store.EntityFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	byDoc, err := s.GetEntities(ctx, scope, store.EntityFilter{DocumentIDs: []string{"d2"}})
	require.NoError(t, err)
	require.Len(t, byDoc, 1)
	assert.Equal(t, "ACME", byDoc[0].Name)
	assert.Equal(t, "v", byDoc[0].Attributes["k"])

	byDoc[0].Description = "updated"
	require.NoError(t, s.UpdateEntities(ctx, scope, byDoc))
	got, err := s.GetEntities(ctx, scope, store.EntityFilter{IDs: []string{"e2"}})
	require.NoError(t, err)
	assert.Equal(t, "updated", got[0].Description)

	require.NoError(t, s.DeleteScope(ctx, scope))
	all, err = s.GetEntities(ctx, scope, store.EntityFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_DocumentsKeepGraphAndTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	id := "pgx-doc-" + time.Now().Format("150405.000000")

	require.NoError(t, s.UpsertDocumentsOverview(ctx, common.DocumentOverview{
		ID: id, GraphID: "g-pgx", Title: "Report", RestructuringStatus: common.StatusPending,
	}))
	require.NoError(t, s.UpsertDocumentsOverview(ctx, common.DocumentOverview{
		ID: id, RestructuringStatus: common.StatusProcessing,
	}))

	docs, err := s.GetDocumentsOverview(ctx, store.DocumentFilter{IDs: []string{id}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "g-pgx", docs[0].GraphID)
	assert.Equal(t, "Report", docs[0].Title)
	assert.Equal(t, common.StatusProcessing, docs[0].RestructuringStatus)
}

func TestStore_GraphNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetGraph(t.Context(), "missing-graph")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
