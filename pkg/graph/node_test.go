package graph

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/loader"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
	"github.com/OFFIS-RIT/kgraph/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	capitalDoc = "Paris is the capital of France."
	riverDoc   = "Paris lies on the Seine."
)

func extractionFake() *fakeAI {
	f := newFakeAI()
	f.format = func(name, prompt string) (string, error) {
		switch {
		case name == "dedupe_entities":
			return `{"duplicates":[{"canonicalName":"PARIS","entities":["E1","E2"]}]}`, nil
		case strings.Contains(prompt, "capital"):
			return `{"entities":[
				{"entity_name":"PARIS","entity_type":"city","entity_description":"Capital of France"},
				{"entity_name":"FRANCE","entity_type":"country","entity_description":"A country","entity_attributes":"{\"continent\":\"Europe\"}"}
			],"relationships":[
				{"source_entity":"PARIS","relationship_predicate":"Capital Of","target_entity":"FRANCE","relationship_description":"Paris is the capital","relationship_strength":8}
			]}`, nil
		default:
			return `{"entities":[
				{"entity_name":"PARIS","entity_type":"CITY","entity_description":"City on the Seine"},
				{"entity_name":"SEINE","entity_type":"RIVER","entity_description":"A river"}
			],"relationships":[
				{"source_entity":"PARIS","relationship_predicate":"lies on","target_entity":"SEINE","relationship_description":"Paris lies on the Seine","relationship_strength":0},
				{"source_entity":"PARIS","relationship_predicate":"near","target_entity":"LONDON","relationship_description":"unknown endpoint","relationship_strength":2}
			]}`, nil
		}
	}
	return f
}

func newTestExtractor(client *fakeAI, s *memory.Store) *Extractor {
	text := loader.NewStaticSource(map[string]string{"d1": capitalDoc, "d2": riverDoc})
	return NewExtractor(NewExtractorParams{
		Chunker:  NewTokenChunker(text).WithEncoding("cl100k_base"),
		AIClient: client,
		Storage:  s,
		Backoff:  &util.Backoff{Base: time.Millisecond},
	})
}

func extractDocs(t *testing.T, x *Extractor) {
	t.Helper()
	for _, id := range []string{"d1", "d2"} {
		_, err := x.ExtractDocument(context.Background(), common.DocumentOverview{ID: id, GraphID: "g1", Title: id}, DefaultCreationSettings())
		require.NoError(t, err)
	}
}

func TestExtractDocument_StoresDocumentScope(t *testing.T) {
	s := memory.New()
	x := newTestExtractor(extractionFake(), s)
	ctx := context.Background()

	res, err := x.ExtractDocument(ctx, common.DocumentOverview{ID: "d2", GraphID: "g1"}, DefaultCreationSettings())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)

	entities, err := s.GetEntities(ctx, store.DocumentScope("d2"), store.EntityFilter{})
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, []string{"g1"}, entities[0].GraphIDs)

	rels, err := s.GetRelationships(ctx, store.DocumentScope("d2"), store.RelationshipFilter{})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	byPredicate := map[string]common.Relationship{}
	for _, r := range rels {
		byPredicate[r.Predicate] = r
	}
	assert.Equal(t, common.DefaultRelationshipWeight, byPredicate["lies on"].Weight)
	assert.NotEmpty(t, byPredicate["lies on"].ObjectID)
	assert.NotEmpty(t, byPredicate["near"].SubjectID)
	assert.Empty(t, byPredicate["near"].ObjectID)

	chunks, err := s.GetChunks(ctx, "d2")
	require.NoError(t, err)
	assert.Len(t, chunks, 1)

	// Re-extraction replaces the scope instead of appending to it.
	_, err = x.ExtractDocument(ctx, common.DocumentOverview{ID: "d2", GraphID: "g1"}, DefaultCreationSettings())
	require.NoError(t, err)
	entities, err = s.GetEntities(ctx, store.DocumentScope("d2"), store.EntityFilter{})
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}

func TestExtractDocument_RetriesMalformedOutput(t *testing.T) {
	s := memory.New()
	client := extractionFake()
	next := client.format
	var calls atomic.Int32
	client.format = func(name, prompt string) (string, error) {
		if calls.Add(1) == 1 {
			return "{not json", nil
		}
		return next(name, prompt)
	}
	x := newTestExtractor(client, s)

	_, err := x.ExtractDocument(context.Background(), common.DocumentOverview{ID: "d1", GraphID: "g1"}, DefaultCreationSettings())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExtractDocument_FailureWritesNothing(t *testing.T) {
	s := memory.New()
	client := newFakeAI()
	client.format = func(name, prompt string) (string, error) {
		return "", errors.New("provider unavailable")
	}
	x := newTestExtractor(client, s)
	settings := DefaultCreationSettings()
	settings.ExtractionRetries = 1

	_, err := x.ExtractDocument(context.Background(), common.DocumentOverview{ID: "d1", GraphID: "g1"}, settings)
	require.Error(t, err)
	assert.Equal(t, common.KindTransient, common.KindOf(err))
	assert.Equal(t, 2, client.count("extract_entities_and_relationships"))

	entities, err := s.GetEntities(context.Background(), store.DocumentScope("d1"), store.EntityFilter{})
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestBuildGraphNodes(t *testing.T) {
	s := memory.New()
	client := extractionFake()
	extractDocs(t, newTestExtractor(client, s))
	ctx := context.Background()
	builder := NewNodeBuilder(client, s)
	scope := store.GraphScope("g1")

	res, err := builder.BuildGraphNodes(ctx, "g1", []string{"d2", "d1"}, DefaultEnrichmentSettings())
	require.NoError(t, err)
	assert.Equal(t, 4, res.CreatedEntities)
	assert.Equal(t, 3, res.CreatedRelationships)

	entities, err := s.GetEntities(ctx, scope, store.EntityFilter{})
	require.NoError(t, err)
	require.Len(t, entities, 4)
	ids := map[string]bool{}
	for _, e := range entities {
		ids[e.ID] = true
		assert.Contains(t, e.GraphIDs, "g1")
	}

	rels, err := s.GetRelationships(ctx, scope, store.RelationshipFilter{})
	require.NoError(t, err)
	for _, r := range rels {
		assert.True(t, ids[r.SubjectID], "subject %s of %s is not a graph node", r.SubjectID, r.Predicate)
		if r.Predicate != "near" {
			assert.True(t, ids[r.ObjectID], "object %s of %s is not a graph node", r.ObjectID, r.Predicate)
		}
	}

	again, err := builder.BuildGraphNodes(ctx, "g1", []string{"d1", "d2"}, DefaultEnrichmentSettings())
	require.NoError(t, err)
	assert.Equal(t, &NodeResult{}, again)
}

func TestBuildGraphNodes_IdempotentAfterDedupe(t *testing.T) {
	s := memory.New()
	client := extractionFake()
	extractDocs(t, newTestExtractor(client, s))
	ctx := context.Background()
	builder := NewNodeBuilder(client, s)

	_, err := builder.BuildGraphNodes(ctx, "g1", []string{"d1", "d2"}, DefaultEnrichmentSettings())
	require.NoError(t, err)

	dd, err := NewDeduplicator(client, s, nil).Deduplicate(ctx, "g1", DefaultDeduplicationSettings(), common.Caller{Superuser: true}, RunTypeRun)
	require.NoError(t, err)
	assert.Equal(t, 1, dd.MergedEntities)

	res, err := builder.BuildGraphNodes(ctx, "g1", []string{"d1", "d2"}, DefaultEnrichmentSettings())
	require.NoError(t, err)
	assert.Equal(t, &NodeResult{}, res)

	entities, err := s.GetEntities(ctx, store.GraphScope("g1"), store.EntityFilter{})
	require.NoError(t, err)
	assert.Len(t, entities, 3)
	for _, e := range entities {
		if e.Name == "PARIS" {
			assert.Equal(t, []string{"d1", "d2"}, e.DocumentIDs)
			assert.Len(t, e.ChunkIDs, 2)
		}
	}
}

func TestBuildGraphNodes_CondensesLongDescriptions(t *testing.T) {
	s := memory.New()
	client := extractionFake()
	extractDocs(t, newTestExtractor(client, s))
	client.complete = func(prompt string) (string, error) { return "  Short   text. ", nil }

	settings := DefaultEnrichmentSettings()
	settings.MaxDescriptionInputLength = 5
	res, err := NewNodeBuilder(client, s).BuildGraphNodes(context.Background(), "g1", []string{"d1", "d2"}, settings)
	require.NoError(t, err)
	assert.Equal(t, 4, res.CondensedDescriptions)

	entities, err := s.GetEntities(context.Background(), store.GraphScope("g1"), store.EntityFilter{})
	require.NoError(t, err)
	for _, e := range entities {
		assert.Equal(t, "Short text.", e.Description)
	}
}
