package graph

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
)

// Clusterer assigns the graph-scope entities of a graph to hierarchical
// communities.
type Clusterer struct {
	storage  store.GraphStorage
	detector Detector
}

// NewClusterer returns a Clusterer. A nil detector selects LouvainDetector.
func NewClusterer(storage store.GraphStorage, detector Detector) *Clusterer {
	if detector == nil {
		detector = LouvainDetector{}
	}
	return &Clusterer{storage: storage, detector: detector}
}

// CommunityRef identifies one community of a clustering run.
type CommunityRef struct {
	Level       int      `json:"level"`
	Number      int      `json:"community_number"`
	Size        int      `json:"size"`
	DocumentIDs []string `json:"document_ids"`
}

// ClusterResult describes the hierarchy written by Cluster. Communities is
// ordered by level, then number, and only lists communities with at least
// MinCommunitySize members.
type ClusterResult struct {
	NumHierarchies   int            `json:"num_hierarchies"`
	NumCommunities   map[int]int    `json:"num_communities"`
	TotalCommunities int            `json:"total_communities"`
	Communities      []CommunityRef `json:"communities"`
}

// CommunityDocuments returns the document ids behind a community.
func (r *ClusterResult) CommunityDocuments(level, number int) []string {
	for _, c := range r.Communities {
		if c.Level == level && c.Number == number {
			return c.DocumentIDs
		}
	}
	return nil
}

// Cluster snapshots the graph, runs the detector and replaces the stored
// community assignments of the graph. Community summaries of the previous
// assignment are dropped since their numbers no longer match.
func (c *Clusterer) Cluster(ctx context.Context, graphID string, params LeidenParams) (*ClusterResult, error) {
	scope := store.GraphScope(graphID)
	entities, err := c.storage.GetEntities(ctx, scope, store.EntityFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load graph entities: %w", err)
	}
	rels, err := c.storage.GetRelationships(ctx, scope, store.RelationshipFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load graph relationships: %w", err)
	}

	g, byID := buildWeightedGraph(entities, rels)

	h, err := c.detector.Detect(ctx, g, params)
	if err != nil {
		return nil, fmt.Errorf("community detection failed: %w", err)
	}

	infos := communityInfos(graphID, g, h)
	if err := c.storage.CreateCommunityInfo(ctx, graphID, infos); err != nil {
		return nil, fmt.Errorf("failed to save community assignments: %w", err)
	}
	if err := c.storage.DeleteCommunities(ctx, graphID); err != nil {
		return nil, fmt.Errorf("failed to drop stale communities: %w", err)
	}

	res := summarizeHierarchy(g, h, byID, max(params.MinCommunitySize, 1))

	logger.Info("[Cluster] Graph clustered",
		"graph_id", graphID,
		"entities", len(g.Nodes),
		"levels", res.NumHierarchies,
		"communities", res.TotalCommunities,
	)
	return res, nil
}

// buildWeightedGraph turns the snapshot into a WeightedGraph. Nodes are
// ordered by entity id. Relationships without both endpoints in the graph
// are left out of the topology.
func buildWeightedGraph(entities []common.Entity, rels []common.Relationship) (*WeightedGraph, map[string]common.Entity) {
	byID := make(map[string]common.Entity, len(entities))
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	g := NewWeightedGraph(ids)
	for _, r := range rels {
		i, okS := index[r.SubjectID]
		j, okO := index[r.ObjectID]
		if !okS || !okO {
			continue
		}
		w := r.Weight
		if w <= 0 {
			w = common.DefaultRelationshipWeight
		}
		g.AddEdge(i, j, w)
	}
	return g, byID
}

func communityInfos(graphID string, g *WeightedGraph, h *Hierarchy) []common.CommunityInfo {
	top := len(h.Levels) - 1
	infos := make([]common.CommunityInfo, 0, len(g.Nodes)*len(h.Levels))
	for level, assignment := range h.Levels {
		for node, cluster := range assignment {
			info := common.CommunityInfo{
				Node:           g.Nodes[node],
				Cluster:        cluster,
				Level:          level,
				IsFinalCluster: level == top,
				GraphID:        graphID,
			}
			if level < top {
				parent := h.Levels[level+1][node]
				info.ParentCluster = &parent
			}
			infos = append(infos, info)
		}
	}
	return infos
}

func summarizeHierarchy(g *WeightedGraph, h *Hierarchy, byID map[string]common.Entity, minSize int) *ClusterResult {
	res := &ClusterResult{
		NumHierarchies: len(h.Levels),
		NumCommunities: make(map[int]int, len(h.Levels)),
	}
	for level, assignment := range h.Levels {
		members := make(map[int][]string)
		for node, cluster := range assignment {
			members[cluster] = append(members[cluster], g.Nodes[node])
		}
		res.NumCommunities[level] = len(members)
		res.TotalCommunities += len(members)

		numbers := make([]int, 0, len(members))
		for num := range members {
			numbers = append(numbers, num)
		}
		slices.Sort(numbers)
		for _, num := range numbers {
			ids := members[num]
			if len(ids) < minSize {
				continue
			}
			var docs []string
			for _, id := range ids {
				docs = append(docs, byID[id].DocumentIDs...)
			}
			res.Communities = append(res.Communities, CommunityRef{
				Level:       level,
				Number:      num,
				Size:        len(ids),
				DocumentIDs: store.SortedUnion(docs),
			})
		}
	}
	return res
}
