package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

type extractEntity struct {
	EntityName        string `json:"entity_name" jsonschema_description:"Name of the entity, all letters capitalized"`
	EntityType        string `json:"entity_type" jsonschema_description:"One of the provided entity types"`
	EntityDescription string `json:"entity_description" jsonschema_description:"Comprehensive description of the entity's attributes, activities and information provided by the source."`
	EntityAttributes  any    `json:"entity_attributes,omitempty" jsonschema_description:"Key-value facts about the entity as a JSON object encoded in a string"`
}

type extractRelationship struct {
	SourceEntity            string  `json:"source_entity" jsonschema_description:"Name of the source entity, as identified in step 1"`
	Predicate               string  `json:"relationship_predicate" jsonschema_description:"Short lower case verb phrase describing the relationship"`
	TargetEntity            string  `json:"target_entity" jsonschema_description:"Name of the target entity, as identified in step 1"`
	RelationshipDescription string  `json:"relationship_description" jsonschema_description:"Explanation as to why you think the source entity and the target entity are related to each other"`
	RelationshipStrength    float64 `json:"relationship_strength" jsonschema_description:"A numeric score indicating strength of the relationship between the source entity and target entity"`
}

type extractResponse struct {
	Entities      []extractEntity       `json:"entities" jsonschema_description:"Entities identified in the text document"`
	Relationships []extractRelationship `json:"relationships" jsonschema_description:"Relationships identified in the text document"`
}

// Extractor turns one document into entities and relationships stored in
// the document's scope.
type Extractor struct {
	chunker Chunker
	client  ai.GraphAIClient
	storage store.GraphStorage
	backoff util.Backoff
}

// NewExtractorParams configures NewExtractor. Backoff defaults to
// util.DefaultBackoff; its MaxTries is derived from the creation settings
// of each call.
type NewExtractorParams struct {
	Chunker  Chunker
	AIClient ai.GraphAIClient
	Storage  store.GraphStorage
	Backoff  *util.Backoff
}

func NewExtractor(params NewExtractorParams) *Extractor {
	b := util.DefaultBackoff()
	if params.Backoff != nil {
		b = *params.Backoff
	}
	return &Extractor{
		chunker: params.Chunker,
		client:  params.AIClient,
		storage: params.Storage,
		backoff: b,
	}
}

// ExtractionResult summarizes what was stored for a document.
type ExtractionResult struct {
	DocumentID    string                `json:"document_id"`
	Chunks        int                   `json:"chunks"`
	Entities      []common.Entity       `json:"-"`
	Relationships []common.Relationship `json:"-"`
}

type chunkResult struct {
	entities      []common.Entity
	relationships []common.Relationship
}

// ExtractDocument chunks the document, extracts every chunk in parallel and
// replaces the document scope with the merged result. A failing chunk
// fails the whole document after its retries are used up; nothing is
// written in that case.
func (x *Extractor) ExtractDocument(
	ctx context.Context,
	doc common.DocumentOverview,
	settings CreationSettings,
) (*ExtractionResult, error) {
	if x.client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}

	chunks, err := x.chunker.Chunks(ctx, doc.ID, settings.ChunkTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk document %s: %w", doc.ID, err)
	}

	logger.Debug("[Extract] Document chunked", "document_id", doc.ID, "chunks", len(chunks))

	results := make([]chunkResult, len(chunks))
	parallel := settings.ParallelAIRequests
	if parallel <= 0 {
		parallel = 1
	}

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(parallel)
	for i := range chunks {
		idx := i
		chunk := chunks[i]
		eg.Go(func() error {
			res, err := x.extractChunkWithRetry(gCtx, doc, chunk, settings)
			if err != nil {
				return fmt.Errorf("chunk %d of document %s: %w", chunk.Index, doc.ID, err)
			}
			results[idx] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	merger := newExtractionMerger()
	for _, r := range results {
		merger.add(r.entities, r.relationships)
	}

	scope := store.DocumentScope(doc.ID)
	if err := x.storage.DeleteScope(ctx, scope); err != nil {
		return nil, fmt.Errorf("failed to clear document scope %s: %w", doc.ID, err)
	}
	if err := x.storage.CreateChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("failed to save chunks: %w", err)
	}
	if err := x.storage.CreateEntities(ctx, scope, merger.entities); err != nil {
		return nil, fmt.Errorf("failed to save entities: %w", err)
	}
	if err := x.storage.CreateRelationships(ctx, scope, merger.relationships); err != nil {
		return nil, fmt.Errorf("failed to save relationships: %w", err)
	}

	logger.Info("[Extract] Document extracted",
		"document_id", doc.ID,
		"chunks", len(chunks),
		"entities", len(merger.entities),
		"relationships", len(merger.relationships),
	)

	return &ExtractionResult{
		DocumentID:    doc.ID,
		Chunks:        len(chunks),
		Entities:      merger.entities,
		Relationships: merger.relationships,
	}, nil
}

func (x *Extractor) extractChunkWithRetry(
	ctx context.Context,
	doc common.DocumentOverview,
	chunk common.Chunk,
	settings CreationSettings,
) (chunkResult, error) {
	b := x.backoff
	b.MaxTries = settings.ExtractionRetries + 1
	b.Retryable = common.IsRetryable

	attempt := 0
	return util.RetryWithBackoff(ctx, b, func(ctx context.Context) (chunkResult, error) {
		attempt++
		res, err := x.extractChunk(ctx, doc, chunk, settings)
		if err != nil {
			logger.Warn("[Extract] Chunk extraction failed",
				"document_id", doc.ID,
				"chunk", chunk.Index,
				"attempt", attempt,
				"kind", common.KindOf(err),
				"err", err,
			)
		}
		return res, err
	})
}

func (x *Extractor) extractChunk(
	ctx context.Context,
	doc common.DocumentOverview,
	chunk common.Chunk,
	settings CreationSettings,
) (chunkResult, error) {
	types := settings.EntityTypes
	if len(types) == 0 {
		types = DefaultEntityTypes
	}
	title := doc.Title
	if title == "" {
		title = doc.ID
	}
	maxTriples := settings.MaxKnowledgeTriples
	if maxTriples <= 0 {
		maxTriples = DefaultCreationSettings().MaxKnowledgeTriples
	}

	systemPrompt := fmt.Sprintf(ai.ExtractPrompt, strings.Join(types, ","), title, maxTriples)
	opts := append([]ai.GenerateOption{ai.WithSystemPrompts(systemPrompt)}, settings.Generation.Options()...)

	var res extractResponse
	err := x.client.GenerateCompletionWithFormat(
		ctx,
		"extract_entities_and_relationships",
		"Extract entities and relationships from a provided document.",
		chunk.Text,
		&res,
		opts...,
	)
	if err != nil {
		return chunkResult{}, ai.Classify(err)
	}

	return parseExtraction(res, doc, chunk, maxTriples)
}

func attributesOf(v any) map[string]any {
	switch a := v.(type) {
	case nil:
		return map[string]any{}
	case string:
		return common.ParseAttributes(a)
	case map[string]any:
		return a
	default:
		return map[string]any{"raw": fmt.Sprint(a)}
	}
}

func parseExtraction(
	res extractResponse,
	doc common.DocumentOverview,
	chunk common.Chunk,
	maxTriples int,
) (chunkResult, error) {
	now := time.Now().UTC()
	var graphIDs []string
	if doc.GraphID != "" {
		graphIDs = []string{doc.GraphID}
	}

	entities := make([]common.Entity, 0, len(res.Entities))
	byName := make(map[string]string, len(res.Entities))
	for _, e := range res.Entities {
		name := util.CollapseWhitespace(e.EntityName)
		if name == "" {
			continue
		}
		id, err := gonanoid.New()
		if err != nil {
			return chunkResult{}, fmt.Errorf("failed to generate ID for entity: %w", err)
		}
		entities = append(entities, common.Entity{
			ID:          id,
			Name:        name,
			Category:    strings.ToUpper(util.CollapseWhitespace(e.EntityType)),
			Description: strings.TrimSpace(e.EntityDescription),
			ChunkIDs:    []string{chunk.ID},
			DocumentIDs: []string{doc.ID},
			GraphIDs:    graphIDs,
			Attributes:  attributesOf(e.EntityAttributes),
			CreatedAt:   now,
		})
		key := normalizeKeyPart(name)
		if _, ok := byName[key]; !ok {
			byName[key] = id
		}
	}

	relationships := make([]common.Relationship, 0, len(res.Relationships))
	for _, r := range res.Relationships {
		if maxTriples > 0 && len(relationships) >= maxTriples {
			break
		}
		subject := util.CollapseWhitespace(r.SourceEntity)
		object := util.CollapseWhitespace(r.TargetEntity)
		if subject == "" || object == "" {
			continue
		}
		id, err := gonanoid.New()
		if err != nil {
			return chunkResult{}, fmt.Errorf("failed to generate ID for relationship: %w", err)
		}
		weight := r.RelationshipStrength
		if weight <= 0 {
			weight = common.DefaultRelationshipWeight
		}
		predicate := strings.ToLower(util.CollapseWhitespace(r.Predicate))
		if predicate == "" {
			predicate = "related to"
		}
		relationships = append(relationships, common.Relationship{
			ID:          id,
			Subject:     subject,
			Predicate:   predicate,
			Object:      object,
			SubjectID:   byName[normalizeKeyPart(subject)],
			ObjectID:    byName[normalizeKeyPart(object)],
			Weight:      weight,
			Description: strings.TrimSpace(r.RelationshipDescription),
			ChunkIDs:    []string{chunk.ID},
			DocumentIDs: []string{doc.ID},
			Attributes:  map[string]any{},
			CreatedAt:   now,
		})
	}

	return chunkResult{entities: entities, relationships: relationships}, nil
}
