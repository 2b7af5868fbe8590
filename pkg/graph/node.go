package graph

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

// NodeBuilder promotes document-scope extraction results into the graph
// scope.
type NodeBuilder struct {
	client  ai.GraphAIClient
	storage store.GraphStorage
}

func NewNodeBuilder(client ai.GraphAIClient, storage store.GraphStorage) *NodeBuilder {
	return &NodeBuilder{client: client, storage: storage}
}

// NodeResult reports what BuildGraphNodes changed.
type NodeResult struct {
	CreatedEntities       int `json:"created_entities"`
	MergedEntities        int `json:"merged_entities"`
	CreatedRelationships  int `json:"created_relationships"`
	MergedRelationships   int `json:"merged_relationships"`
	CondensedDescriptions int `json:"condensed_descriptions"`
}

type nodeState struct {
	entity  common.Entity
	isNew   bool
	changed bool
}

type edgeState struct {
	rel     common.Relationship
	isNew   bool
	changed bool
}

// BuildGraphNodes copies the document-scope entities and relationships of
// documentIDs into the graph scope of graphID and re-points relationship
// endpoints to the graph-scope ids. Each document entity becomes its own
// graph node; whether two nodes are the same real-world entity is decided
// by the Deduplicator. A document entity whose chunks already belong to a
// graph node maps onto that node, so re-running the step (also after
// deduplication) changes nothing. Relationships with the same resolved
// endpoints and predicate are merged.
func (b *NodeBuilder) BuildGraphNodes(
	ctx context.Context,
	graphID string,
	documentIDs []string,
	settings EnrichmentSettings,
) (*NodeResult, error) {
	scope := store.GraphScope(graphID)
	res := &NodeResult{}

	existing, err := b.storage.GetEntities(ctx, scope, store.EntityFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load graph entities: %w", err)
	}
	nodes := make([]*nodeState, 0, len(existing))
	byChunk := make(map[string][]*nodeState)
	for _, e := range existing {
		n := &nodeState{entity: e}
		nodes = append(nodes, n)
		for _, c := range e.ChunkIDs {
			byChunk[c] = append(byChunk[c], n)
		}
	}

	existingRels, err := b.storage.GetRelationships(ctx, scope, store.RelationshipFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load graph relationships: %w", err)
	}
	edges := make([]*edgeState, 0, len(existingRels))
	edgeByKey := make(map[string]*edgeState, len(existingRels))
	for _, r := range existingRels {
		e := &edgeState{rel: r}
		edges = append(edges, e)
		edgeByKey[relationshipKey(r)] = e
	}

	docs := slices.Clone(documentIDs)
	slices.Sort(docs)

	for _, docID := range docs {
		docScope := store.DocumentScope(docID)
		docEntities, err := b.storage.GetEntities(ctx, docScope, store.EntityFilter{})
		if err != nil {
			return nil, fmt.Errorf("failed to load entities of document %s: %w", docID, err)
		}
		docRels, err := b.storage.GetRelationships(ctx, docScope, store.RelationshipFilter{})
		if err != nil {
			return nil, fmt.Errorf("failed to load relationships of document %s: %w", docID, err)
		}

		remap := make(map[string]string, len(docEntities))
		for _, de := range docEntities {
			if n := nodeForChunks(byChunk, de); n != nil {
				remap[de.ID] = n.entity.ID
				if containsAll(n.entity.ChunkIDs, de.ChunkIDs) {
					continue
				}
				ge := &n.entity
				ge.Description = appendDescription(ge.Description, de.Description)
				ge.ChunkIDs = store.SortedUnion(ge.ChunkIDs, de.ChunkIDs)
				ge.DocumentIDs = store.SortedUnion(ge.DocumentIDs, de.DocumentIDs)
				ge.GraphIDs = store.SortedUnion(ge.GraphIDs, de.GraphIDs, []string{graphID})
				ge.Attributes = common.MergeAttributes(ge.Attributes, de.Attributes)
				for _, c := range de.ChunkIDs {
					if !slices.Contains(byChunk[c], n) {
						byChunk[c] = append(byChunk[c], n)
					}
				}
				if !n.isNew {
					res.MergedEntities++
				}
				n.changed = true
				continue
			}

			id, err := gonanoid.New()
			if err != nil {
				return nil, fmt.Errorf("failed to generate ID for entity: %w", err)
			}
			ge := de
			ge.ID = id
			ge.GraphIDs = store.SortedUnion(de.GraphIDs, []string{graphID})
			ge.ChunkIDs = store.SortedUnion(de.ChunkIDs)
			ge.DocumentIDs = store.SortedUnion(de.DocumentIDs)
			n := &nodeState{entity: ge, isNew: true, changed: true}
			nodes = append(nodes, n)
			for _, c := range ge.ChunkIDs {
				byChunk[c] = append(byChunk[c], n)
			}
			remap[de.ID] = id
			res.CreatedEntities++
		}

		for _, dr := range docRels {
			gr := dr
			gr.SubjectID = remap[dr.SubjectID]
			gr.ObjectID = remap[dr.ObjectID]
			key := relationshipKey(gr)
			e, ok := edgeByKey[key]
			if !ok {
				id, err := gonanoid.New()
				if err != nil {
					return nil, fmt.Errorf("failed to generate ID for relationship: %w", err)
				}
				gr.ID = id
				e = &edgeState{rel: gr, isNew: true, changed: true}
				edges = append(edges, e)
				edgeByKey[key] = e
				res.CreatedRelationships++
				continue
			}
			if containsAll(e.rel.ChunkIDs, dr.ChunkIDs) {
				continue
			}
			r := &e.rel
			r.Weight = mentionWeightedMean(r.Weight, len(r.ChunkIDs), dr.Weight, len(dr.ChunkIDs))
			r.Description = appendDescription(r.Description, dr.Description)
			r.ChunkIDs = store.SortedUnion(r.ChunkIDs, dr.ChunkIDs)
			r.DocumentIDs = store.SortedUnion(r.DocumentIDs, dr.DocumentIDs)
			r.Attributes = common.MergeAttributes(r.Attributes, dr.Attributes)
			if !e.isNew {
				res.MergedRelationships++
			}
			e.changed = true
		}
	}

	condensed, err := b.condenseDescriptions(ctx, nodes, settings)
	if err != nil {
		return nil, err
	}
	res.CondensedDescriptions = condensed

	if settings.Embed {
		if err := b.embedEntities(ctx, nodes, settings.ParallelAIRequests); err != nil {
			return nil, err
		}
	}

	var created, updated []common.Entity
	for _, n := range nodes {
		switch {
		case n.isNew:
			created = append(created, n.entity)
		case n.changed:
			updated = append(updated, n.entity)
		}
	}
	var createdRels, updatedRels []common.Relationship
	for _, e := range edges {
		switch {
		case e.isNew:
			createdRels = append(createdRels, e.rel)
		case e.changed:
			updatedRels = append(updatedRels, e.rel)
		}
	}

	if err := b.storage.CreateEntities(ctx, scope, created); err != nil {
		return nil, fmt.Errorf("failed to save graph entities: %w", err)
	}
	if err := b.storage.UpdateEntities(ctx, scope, updated); err != nil {
		return nil, fmt.Errorf("failed to update graph entities: %w", err)
	}
	if err := b.storage.CreateRelationships(ctx, scope, createdRels); err != nil {
		return nil, fmt.Errorf("failed to save graph relationships: %w", err)
	}
	if err := b.storage.UpdateRelationships(ctx, scope, updatedRels); err != nil {
		return nil, fmt.Errorf("failed to update graph relationships: %w", err)
	}

	logger.Info("[Nodes] Graph nodes built",
		"graph_id", graphID,
		"documents", len(docs),
		"created_entities", res.CreatedEntities,
		"merged_entities", res.MergedEntities,
		"created_relationships", res.CreatedRelationships,
		"condensed", res.CondensedDescriptions,
	)
	return res, nil
}

func nodeForChunks(byChunk map[string][]*nodeState, e common.Entity) *nodeState {
	key := EntityKey(e.Name, e.Category)
	for _, c := range e.ChunkIDs {
		for _, n := range byChunk[c] {
			if EntityKey(n.entity.Name, n.entity.Category) == key {
				return n
			}
		}
	}
	return nil
}

func containsAll(haystack, needles []string) bool {
	if len(needles) == 0 {
		return false
	}
	for _, n := range needles {
		if !slices.Contains(haystack, n) {
			return false
		}
	}
	return true
}

// condenseDescriptions rewrites every changed description that grew past
// MaxDescriptionInputLength runes into one compact description.
func (b *NodeBuilder) condenseDescriptions(ctx context.Context, nodes []*nodeState, settings EnrichmentSettings) (int, error) {
	limit := settings.MaxDescriptionInputLength
	if limit <= 0 || b.client == nil {
		return 0, nil
	}

	var targets []*nodeState
	for _, n := range nodes {
		if n.changed && len([]rune(n.entity.Description)) > limit {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(settings.ParallelAIRequests, 1))
	for _, n := range targets {
		eg.Go(func() error {
			desc, err := generateDescription(gCtx, n.entity.Name, util.TruncateRunes(n.entity.Description, limit*4), b.client, settings.Generation)
			if err != nil {
				return fmt.Errorf("failed to condense description of %s: %w", n.entity.Name, err)
			}
			n.entity.Description = desc
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	return len(targets), nil
}

func generateDescription(
	ctx context.Context,
	name string,
	desc string,
	client ai.GraphAIClient,
	gen ai.GenerationConfig,
) (string, error) {
	prompt := fmt.Sprintf(ai.DescPrompt, name, desc)

	res, err := client.GenerateCompletion(ctx, prompt, gen.Options()...)
	if err != nil {
		return "", ai.Classify(err)
	}
	res = util.CollapseWhitespace(res)
	if res == "" {
		return "", common.Malformed("empty_description", fmt.Errorf("model returned an empty description for %s", name))
	}
	return res, nil
}

func (b *NodeBuilder) embedEntities(ctx context.Context, nodes []*nodeState, parallel int) error {
	var targets []*nodeState
	var inputs [][]byte
	for _, n := range nodes {
		if !n.changed && len(n.entity.DescriptionEmbedding) > 0 {
			continue
		}
		text := strings.TrimSpace(n.entity.Name + ": " + n.entity.Description)
		targets = append(targets, n)
		inputs = append(inputs, []byte(text))
	}
	if len(targets) == 0 {
		return nil
	}
	embeddings, err := store.GenerateEmbeddings(ctx, b.client, inputs, parallel)
	if err != nil {
		return fmt.Errorf("failed to embed entities: %w", err)
	}
	for i, n := range targets {
		n.entity.DescriptionEmbedding = embeddings[i]
		n.changed = true
	}
	return nil
}
