package graph

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
	"github.com/OFFIS-RIT/kgraph/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTimings struct {
	recorded  []string
	predicted time.Duration
}

func (s *stubTimings) AddProcessingTime(ctx context.Context, graphID string, amount int, d time.Duration, stage string) error {
	s.recorded = append(s.recorded, stage)
	return nil
}

func (s *stubTimings) PredictProcessingTime(ctx context.Context, amount int, stage string) (time.Duration, error) {
	return s.predicted * time.Duration(amount), nil
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func seedParisGraph(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	scope := store.GraphScope("g1")
	ctx := context.Background()

	require.NoError(t, s.CreateEntities(ctx, scope, []common.Entity{
		{ID: "p1", Name: "Paris", Category: "CITY", Description: "Capital of France",
			ChunkIDs: []string{"c1"}, DocumentIDs: []string{"d1"}, GraphIDs: []string{"g1"},
			Attributes: map[string]any{"country": "France"}, CreatedAt: t0},
		{ID: "p2", Name: "paris", Category: "City", Description: "The capital city of France on the Seine",
			ChunkIDs: []string{"c2"}, DocumentIDs: []string{"d2"}, GraphIDs: []string{"g1"},
			Attributes: map[string]any{"country": "FR", "river": "Seine"}, CreatedAt: t0.Add(time.Minute)},
		{ID: "p3", Name: "Paris", Category: "CITY", Description: "Paris, Texas",
			ChunkIDs: []string{"c3"}, DocumentIDs: []string{"d3"}, GraphIDs: []string{"g1"},
			CreatedAt: t0.Add(2 * time.Minute)},
		{ID: "fr", Name: "France", Category: "COUNTRY", Description: "A country",
			ChunkIDs: []string{"c1", "c2"}, DocumentIDs: []string{"d1", "d2"}, GraphIDs: []string{"g1"},
			CreatedAt: t0},
	}))
	require.NoError(t, s.CreateRelationships(ctx, scope, []common.Relationship{
		{ID: "r1", Subject: "Paris", Predicate: "capital of", Object: "France", SubjectID: "p1", ObjectID: "fr",
			Weight: 2, ChunkIDs: []string{"c1"}, DocumentIDs: []string{"d1"}, CreatedAt: t0},
		{ID: "r2", Subject: "paris", Predicate: "capital of", Object: "France", SubjectID: "p2", ObjectID: "fr",
			Weight: 4, ChunkIDs: []string{"c2"}, DocumentIDs: []string{"d2"}, CreatedAt: t0.Add(time.Minute)},
		{ID: "r3", Subject: "Paris", Predicate: "located in", Object: "France", SubjectID: "p3", ObjectID: "fr",
			Weight: 1, ChunkIDs: []string{"c3"}, DocumentIDs: []string{"d3"}, CreatedAt: t0.Add(2 * time.Minute)},
	}))
	return s
}

func parisAdjudicator() *fakeAI {
	f := newFakeAI()
	f.format = func(name, prompt string) (string, error) {
		return `{"duplicates":[{"canonicalName":"Paris","entities":["E1","E2"]}]}`, nil
	}
	return f
}

func TestDeduplicate_MergesAdjudicatedDuplicates(t *testing.T) {
	s := seedParisGraph(t)
	client := parisAdjudicator()
	timings := &stubTimings{}
	d := NewDeduplicator(client, s, timings)
	ctx := context.Background()

	res, err := d.Deduplicate(ctx, "g1", DefaultDeduplicationSettings(), common.Caller{ID: "admin", Superuser: true}, RunTypeRun)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Groups)
	assert.Equal(t, 1, res.Calls)
	assert.Equal(t, 3, res.Entities)
	assert.Equal(t, 1, res.MergedEntities)
	assert.Equal(t, 1, res.RewrittenRelationships)
	assert.Equal(t, 1, res.MergedRelationships)
	assert.Equal(t, []string{StageDedupeCall}, timings.recorded)

	scope := store.GraphScope("g1")
	entities, err := s.GetEntities(ctx, scope, store.EntityFilter{})
	require.NoError(t, err)
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"p1", "p3", "fr"}, ids)

	canonical, err := s.GetEntities(ctx, scope, store.EntityFilter{IDs: []string{"p1"}})
	require.NoError(t, err)
	require.Len(t, canonical, 1)
	p1 := canonical[0]
	assert.Equal(t, "Paris", p1.Name)
	assert.Equal(t, "The capital city of France on the Seine", p1.Description)
	assert.Equal(t, []string{"c1", "c2"}, p1.ChunkIDs)
	assert.Equal(t, []string{"d1", "d2"}, p1.DocumentIDs)
	assert.Equal(t, "France", p1.Attributes["country"])
	assert.Equal(t, "Seine", p1.Attributes["river"])

	rels, err := s.GetRelationships(ctx, scope, store.RelationshipFilter{})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	for _, r := range rels {
		assert.NotEqual(t, "p2", r.SubjectID)
		assert.NotEqual(t, "p2", r.ObjectID)
	}
	assert.Equal(t, "r1", rels[0].ID)
	assert.InDelta(t, 3.0, rels[0].Weight, 1e-9)
	assert.Equal(t, []string{"c1", "c2"}, rels[0].ChunkIDs)
}

func TestDeduplicate_SecondRunMakesNoCalls(t *testing.T) {
	s := seedParisGraph(t)
	client := parisAdjudicator()
	d := NewDeduplicator(client, s, nil)
	ctx := context.Background()
	admin := common.Caller{Superuser: true}

	_, err := d.Deduplicate(ctx, "g1", DefaultDeduplicationSettings(), admin, RunTypeRun)
	require.NoError(t, err)
	require.Equal(t, 1, client.count("dedupe_entities"))

	res, err := d.Deduplicate(ctx, "g1", DefaultDeduplicationSettings(), admin, RunTypeRun)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Groups)
	assert.Equal(t, 0, res.Calls)
	assert.Equal(t, 0, res.MergedEntities)
	assert.Equal(t, 1, client.count("dedupe_entities"))
}

func TestDeduplicate_RunRequiresSuperuser(t *testing.T) {
	s := seedParisGraph(t)
	client := parisAdjudicator()
	d := NewDeduplicator(client, s, nil)

	_, err := d.Deduplicate(context.Background(), "g1", DefaultDeduplicationSettings(), common.Caller{ID: "u1"}, RunTypeRun)
	require.ErrorIs(t, err, common.ErrForbidden)
	assert.Equal(t, common.KindPermission, common.KindOf(err))
	assert.False(t, common.IsRetryable(err))
	assert.Equal(t, 0, client.count("dedupe_entities"))
}

func TestDeduplicate_EstimateDoesNotMutate(t *testing.T) {
	s := seedParisGraph(t)
	client := parisAdjudicator()
	d := NewDeduplicator(client, s, &stubTimings{predicted: 2 * time.Second})
	d.encoding = "cl100k_base"
	ctx := context.Background()

	res, err := d.Deduplicate(ctx, "g1", DefaultDeduplicationSettings(), common.Caller{ID: "u1"}, "")
	require.NoError(t, err)
	assert.Equal(t, RunTypeEstimate, res.RunType)
	assert.Equal(t, 1, res.Groups)
	assert.Equal(t, 1, res.Calls)
	assert.Equal(t, 3, res.Entities)
	assert.Greater(t, res.EstimatedTokens, 0)
	assert.Equal(t, 2*time.Second, res.EstimatedDuration)
	assert.Equal(t, 0, client.count("dedupe_entities"))

	entities, err := s.GetEntities(ctx, store.GraphScope("g1"), store.EntityFilter{})
	require.NoError(t, err)
	assert.Len(t, entities, 4)
}

func TestDeduplicate_UnknownRunType(t *testing.T) {
	d := NewDeduplicator(newFakeAI(), memory.New(), nil)
	_, err := d.Deduplicate(context.Background(), "g1", DefaultDeduplicationSettings(), common.Caller{Superuser: true}, RunType("later"))
	require.Error(t, err)
	assert.Equal(t, common.KindInvalid, common.KindOf(err))
}

func TestBuildConnectedComponents(t *testing.T) {
	got := buildConnectedComponents([][2]string{{"b", "a"}, {"c", "b"}, {"x", "y"}, {"z", "z"}})
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"x", "y"}}, got)
}

func TestPlanEntityMerge_Deterministic(t *testing.T) {
	members := []common.Entity{
		{ID: "b", Name: "ACME", Description: "same len", CreatedAt: t0, Attributes: map[string]any{"k": "b"}},
		{ID: "a", Name: "Acme", Description: "same len", CreatedAt: t0, Attributes: map[string]any{"k": "a"}},
		{ID: "c", Name: "acme", Description: "tiny", CreatedAt: t0.Add(-time.Hour), Attributes: map[string]any{"only": "c"}},
	}
	canonical, removed := planEntityMerge(members)
	assert.Equal(t, "c", canonical.ID)
	assert.Equal(t, "acme", canonical.Name)
	assert.Equal(t, "same len", canonical.Description)
	assert.Equal(t, "a", canonical.Attributes["k"])
	assert.Equal(t, "c", canonical.Attributes["only"])
	assert.Equal(t, []string{"a", "b"}, removed)
}

func TestGroupCandidates_SkipsSingletons(t *testing.T) {
	groups := groupCandidates([]common.Entity{
		{ID: "1", Name: "Bob  Smith", Category: "person"},
		{ID: "2", Name: "BOB SMITH", Category: "PERSON"},
		{ID: "3", Name: "Alice", Category: "PERSON"},
	})
	require.Len(t, groups, 1)
	assert.Len(t, groups[0], 2)
	assert.True(t, strings.EqualFold(groups[0][0].Name, "bob  smith"))
}

func TestBalancedSpans(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 151}, {151, 301}}, balancedSpans(301, 300))
	assert.Equal(t, [][2]int{{0, 300}, {300, 600}}, balancedSpans(600, 300))
	assert.Equal(t, [][2]int{{0, 5}}, balancedSpans(5, 300))
	assert.Equal(t, [][2]int{{0, 3}, {3, 5}, {5, 7}}, balancedSpans(7, 3))
	assert.Nil(t, balancedSpans(0, 300))
}

func TestBuildDedupeBatches_SendsEveryMember(t *testing.T) {
	group := make([]common.Entity, 301)
	for i := range group {
		group[i] = common.Entity{ID: strconv.Itoa(i), Name: "ACME", Category: "ORGANIZATION"}
	}

	batches := buildDedupeBatches([][]common.Entity{group})
	require.Len(t, batches, 2)
	sent := 0
	for _, b := range batches {
		assert.GreaterOrEqual(t, len(b.members), 2)
		assert.Len(t, b.candidates, len(b.members))
		sent += len(b.members)
	}
	assert.Equal(t, 301, sent)
}
