package graph

import (
	"github.com/OFFIS-RIT/kgraph/pkg/ai"
)

// RunType selects whether deduplication mutates the graph.
type RunType string

const (
	RunTypeEstimate RunType = "estimate"
	RunTypeRun      RunType = "run"
)

// DedupeType selects how candidate groups are formed.
type DedupeType string

const DedupeByName DedupeType = "by_name"

var DefaultEntityTypes = []string{
	"ORGANIZATION", "PERSON", "LOCATION", "CONCEPT", "CREATIVE_WORK", "DATE", "PRODUCT", "EVENT",
}

// CreationSettings configures the extraction stage.
type CreationSettings struct {
	Generation          ai.GenerationConfig `json:"generation_config" toml:"generation"`
	EntityTypes         []string            `json:"entity_types,omitempty" toml:"entity_types"`
	MaxKnowledgeTriples int                 `json:"max_knowledge_triples,omitempty" toml:"max_knowledge_triples" validate:"gte=0"`
	ChunkTokens         int                 `json:"chunk_tokens,omitempty" toml:"chunk_tokens" validate:"gte=0"`
	ExtractionRetries   int                 `json:"extraction_retries,omitempty" toml:"extraction_retries" validate:"gte=0"`
	ParallelAIRequests  int                 `json:"parallel_ai_requests,omitempty" toml:"parallel_ai_requests" validate:"gte=0"`
}

func DefaultCreationSettings() CreationSettings {
	return CreationSettings{
		EntityTypes:         DefaultEntityTypes,
		MaxKnowledgeTriples: 100,
		ChunkTokens:         DefaultChunkTokens,
		ExtractionRetries:   3,
		ParallelAIRequests:  8,
	}
}

// Merge returns a copy of s with every set field of override applied.
func (s CreationSettings) Merge(override CreationSettings) CreationSettings {
	out := s
	out.Generation = s.Generation.Merge(override.Generation)
	if len(override.EntityTypes) > 0 {
		out.EntityTypes = append([]string(nil), override.EntityTypes...)
	}
	if override.MaxKnowledgeTriples > 0 {
		out.MaxKnowledgeTriples = override.MaxKnowledgeTriples
	}
	if override.ChunkTokens > 0 {
		out.ChunkTokens = override.ChunkTokens
	}
	if override.ExtractionRetries > 0 {
		out.ExtractionRetries = override.ExtractionRetries
	}
	if override.ParallelAIRequests > 0 {
		out.ParallelAIRequests = override.ParallelAIRequests
	}
	return out
}

// LeidenParams parameterizes community detection. The name is kept from the
// payload format; the default detector is Louvain based.
type LeidenParams struct {
	Resolution       float64 `json:"resolution,omitempty" toml:"resolution" validate:"gte=0"`
	MaxLevels        int     `json:"max_levels,omitempty" toml:"max_levels" validate:"gte=0"`
	MaxIterations    int     `json:"max_iterations,omitempty" toml:"max_iterations" validate:"gte=0"`
	Seed             int64   `json:"seed,omitempty" toml:"seed"`
	MinCommunitySize int     `json:"min_community_size,omitempty" toml:"min_community_size" validate:"gte=0"`
}

func DefaultLeidenParams() LeidenParams {
	return LeidenParams{
		Resolution:       1.0,
		MaxLevels:        3,
		MaxIterations:    20,
		Seed:             0xDEADBEEF,
		MinCommunitySize: 1,
	}
}

func (p LeidenParams) Merge(override LeidenParams) LeidenParams {
	out := p
	if override.Resolution > 0 {
		out.Resolution = override.Resolution
	}
	if override.MaxLevels > 0 {
		out.MaxLevels = override.MaxLevels
	}
	if override.MaxIterations > 0 {
		out.MaxIterations = override.MaxIterations
	}
	if override.Seed != 0 {
		out.Seed = override.Seed
	}
	if override.MinCommunitySize > 0 {
		out.MinCommunitySize = override.MinCommunitySize
	}
	return out
}

// EnrichmentSettings configures node creation, clustering and community
// summaries.
type EnrichmentSettings struct {
	Generation                ai.GenerationConfig `json:"generation_config" toml:"generation"`
	Leiden                    LeidenParams        `json:"leiden_params" toml:"leiden"`
	MaxSummaryInputLength     int                 `json:"max_summary_input_length,omitempty" toml:"max_summary_input_length" validate:"gte=0"`
	MaxDescriptionInputLength int                 `json:"max_description_input_length,omitempty" toml:"max_description_input_length" validate:"gte=0"`
	SkipClustering            bool                `json:"skip_clustering,omitempty" toml:"skip_clustering"`
	ForceEnrichment           bool                `json:"force_enrichment,omitempty" toml:"force_enrichment"`
	Embed                     bool                `json:"embed,omitempty" toml:"embed"`
	ParallelAIRequests        int                 `json:"parallel_ai_requests,omitempty" toml:"parallel_ai_requests" validate:"gte=0"`
}

func DefaultEnrichmentSettings() EnrichmentSettings {
	return EnrichmentSettings{
		Leiden:                    DefaultLeidenParams(),
		MaxSummaryInputLength:     16000,
		MaxDescriptionInputLength: 4000,
		ParallelAIRequests:        8,
	}
}

// Merge returns a copy of s with every set field of override applied.
// Boolean switches can only be turned on by an override.
func (s EnrichmentSettings) Merge(override EnrichmentSettings) EnrichmentSettings {
	out := s
	out.Generation = s.Generation.Merge(override.Generation)
	out.Leiden = s.Leiden.Merge(override.Leiden)
	if override.MaxSummaryInputLength > 0 {
		out.MaxSummaryInputLength = override.MaxSummaryInputLength
	}
	if override.MaxDescriptionInputLength > 0 {
		out.MaxDescriptionInputLength = override.MaxDescriptionInputLength
	}
	out.SkipClustering = s.SkipClustering || override.SkipClustering
	out.ForceEnrichment = s.ForceEnrichment || override.ForceEnrichment
	out.Embed = s.Embed || override.Embed
	if override.ParallelAIRequests > 0 {
		out.ParallelAIRequests = override.ParallelAIRequests
	}
	return out
}

// DeduplicationSettings configures the deduplication stage.
type DeduplicationSettings struct {
	Type                      DedupeType          `json:"type,omitempty" toml:"type" validate:"omitempty,oneof=by_name"`
	MaxDescriptionInputLength int                 `json:"max_description_input_length,omitempty" toml:"max_description_input_length" validate:"gte=0"`
	Generation                ai.GenerationConfig `json:"generation_config" toml:"generation"`
	CustomPrompt              string              `json:"custom_prompt,omitempty" toml:"custom_prompt"`
	MaxRetries                int                 `json:"max_retries,omitempty" toml:"max_retries" validate:"gte=0"`
	ParallelAIRequests        int                 `json:"parallel_ai_requests,omitempty" toml:"parallel_ai_requests" validate:"gte=0"`
}

func DefaultDeduplicationSettings() DeduplicationSettings {
	return DeduplicationSettings{
		Type:                      DedupeByName,
		MaxDescriptionInputLength: 65536,
		MaxRetries:                3,
		ParallelAIRequests:        4,
	}
}

func (s DeduplicationSettings) Merge(override DeduplicationSettings) DeduplicationSettings {
	out := s
	out.Generation = s.Generation.Merge(override.Generation)
	if override.Type != "" {
		out.Type = override.Type
	}
	if override.MaxDescriptionInputLength > 0 {
		out.MaxDescriptionInputLength = override.MaxDescriptionInputLength
	}
	if override.CustomPrompt != "" {
		out.CustomPrompt = override.CustomPrompt
	}
	if override.MaxRetries > 0 {
		out.MaxRetries = override.MaxRetries
	}
	if override.ParallelAIRequests > 0 {
		out.ParallelAIRequests = override.ParallelAIRequests
	}
	return out
}
