package graph

import (
	"context"
	"fmt"
	"testing"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
	"github.com/OFFIS-RIT/kgraph/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoTriangles() *WeightedGraph {
	g := NewWeightedGraph([]string{"a", "b", "c", "d", "e", "f"})
	g.AddEdge(0, 1, 1)
	g.AddEdge(1, 2, 1)
	g.AddEdge(0, 2, 1)
	g.AddEdge(3, 4, 1)
	g.AddEdge(4, 5, 1)
	g.AddEdge(3, 5, 1)
	g.AddEdge(2, 3, 0.1)
	return g
}

func ringOfTriangles(n int) *WeightedGraph {
	nodes := make([]string, 0, n*3)
	for i := 0; i < n*3; i++ {
		nodes = append(nodes, fmt.Sprintf("n%03d", i))
	}
	g := NewWeightedGraph(nodes)
	for t := 0; t < n; t++ {
		base := t * 3
		g.AddEdge(base, base+1, 1)
		g.AddEdge(base+1, base+2, 1)
		g.AddEdge(base, base+2, 1)
		next := ((t + 1) % n) * 3
		g.AddEdge(base+2, next, 0.5)
	}
	return g
}

func TestLouvain_SplitsTriangles(t *testing.T) {
	h, err := LouvainDetector{}.Detect(context.Background(), twoTriangles(), DefaultLeidenParams())
	require.NoError(t, err)
	require.NotEmpty(t, h.Levels)
	assert.Equal(t, []int{1, 1, 1, 2, 2, 2}, h.Levels[0])
}

func TestLouvain_Deterministic(t *testing.T) {
	params := DefaultLeidenParams()
	first, err := LouvainDetector{}.Detect(context.Background(), ringOfTriangles(8), params)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := LouvainDetector{}.Detect(context.Background(), ringOfTriangles(8), params)
		require.NoError(t, err)
		assert.Equal(t, first.Levels, again.Levels)
	}
}

func TestLouvain_HierarchyNests(t *testing.T) {
	params := DefaultLeidenParams()
	params.MaxLevels = 5
	h, err := LouvainDetector{}.Detect(context.Background(), ringOfTriangles(12), params)
	require.NoError(t, err)
	require.NotEmpty(t, h.Levels)
	assert.LessOrEqual(t, len(h.Levels), params.MaxLevels)

	for level := 0; level < len(h.Levels); level++ {
		seen := map[int]bool{}
		for _, c := range h.Levels[level] {
			seen[c] = true
		}
		for num := 1; num <= len(seen); num++ {
			assert.True(t, seen[num], "level %d misses community %d", level, num)
		}
		if level == len(h.Levels)-1 {
			continue
		}
		parent := map[int]int{}
		for node, c := range h.Levels[level] {
			p := h.Levels[level+1][node]
			if prev, ok := parent[c]; ok {
				assert.Equal(t, prev, p, "community %d on level %d has two parents", c, level)
			}
			parent[c] = p
		}
	}
}

func TestLouvain_EmptyAndIsolated(t *testing.T) {
	h, err := LouvainDetector{}.Detect(context.Background(), NewWeightedGraph(nil), DefaultLeidenParams())
	require.NoError(t, err)
	assert.Empty(t, h.Levels)

	h, err = LouvainDetector{}.Detect(context.Background(), NewWeightedGraph([]string{"x", "y"}), DefaultLeidenParams())
	require.NoError(t, err)
	require.Len(t, h.Levels, 1)
	assert.Equal(t, []int{1, 2}, h.Levels[0])
}

func TestLouvain_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := LouvainDetector{}.Detect(ctx, twoTriangles(), DefaultLeidenParams())
	require.ErrorIs(t, err, context.Canceled)
}

func TestClusterer_Cluster(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	scope := store.GraphScope("g1")

	var entities []common.Entity
	for i, name := range []string{"a", "b", "c", "d", "e", "f"} {
		doc := "d1"
		if i >= 3 {
			doc = "d2"
		}
		entities = append(entities, common.Entity{ID: name, Name: name, Category: "THING", DocumentIDs: []string{doc}, CreatedAt: t0})
	}
	require.NoError(t, s.CreateEntities(ctx, scope, entities))
	rel := func(id, s, o string, w float64) common.Relationship {
		return common.Relationship{ID: id, SubjectID: s, ObjectID: o, Predicate: "knows", Weight: w, CreatedAt: t0}
	}
	require.NoError(t, s.CreateRelationships(ctx, scope, []common.Relationship{
		rel("r1", "a", "b", 1), rel("r2", "b", "c", 1), rel("r3", "a", "c", 1),
		rel("r4", "d", "e", 1), rel("r5", "e", "f", 1), rel("r6", "d", "f", 1),
		rel("r7", "c", "d", 0.1),
		{ID: "dangling", Subject: "a", Object: "ghost", Predicate: "knows", Weight: 1, CreatedAt: t0},
	}))
	require.NoError(t, s.CreateCommunities(ctx, []common.Community{{GraphID: "g1", Level: 0, CommunityNumber: 9, Name: "stale"}}))

	res, err := NewClusterer(s, nil).Cluster(ctx, "g1", DefaultLeidenParams())
	require.NoError(t, err)
	assert.Equal(t, 1, res.NumHierarchies)
	assert.Equal(t, 2, res.NumCommunities[0])
	assert.Equal(t, 2, res.TotalCommunities)
	require.Len(t, res.Communities, 2)
	assert.Equal(t, CommunityRef{Level: 0, Number: 1, Size: 3, DocumentIDs: []string{"d1"}}, res.Communities[0])
	assert.Equal(t, []string{"d2"}, res.CommunityDocuments(0, 2))

	infos, err := s.GetCommunityInfo(ctx, "g1", store.CommunityInfoFilter{})
	require.NoError(t, err)
	assert.Len(t, infos, 6)
	for _, info := range infos {
		assert.True(t, info.IsFinalCluster)
		assert.Nil(t, info.ParentCluster)
	}

	count, err := s.CountCommunities(ctx, "g1")
	require.NoError(t, err)
	assert.Zero(t, count)

	again, err := NewClusterer(s, nil).Cluster(ctx, "g1", DefaultLeidenParams())
	require.NoError(t, err)
	assert.Equal(t, res, again)
	infos, err = s.GetCommunityInfo(ctx, "g1", store.CommunityInfoFilter{})
	require.NoError(t, err)
	assert.Len(t, infos, 6)
}
