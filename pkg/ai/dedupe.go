package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kgraph/internal/util"
)

const DedupeBatchSize = 300

// DedupeCandidate is one entity offered to the model for adjudication.
// Key is a short handle ("E1", "E2", ...) the model uses to reference it,
// since members of one candidate group usually share the same name.
type DedupeCandidate struct {
	Key         string
	Name        string
	Category    string
	Description string
}

// DuplicateGroup represents a group of duplicate entities with a canonical name
type DuplicateGroup struct {
	Name     string   `json:"canonicalName" jsonschema_description:"The final name for the deduplicated entities."`
	Entities []string `json:"entities" jsonschema_description:"Keys (e.g. E1, E2) of the entities that are considered duplicates."`
}

// DuplicatesResponse is the response from the AI dedupe call
type DuplicatesResponse struct {
	Duplicates []DuplicateGroup `json:"duplicates" jsonschema_description:"List of groups of duplicate entities."`
}

// DedupeCallOptions configures CallDedupeAI.
type DedupeCallOptions struct {
	MaxDescriptionLength int
	CustomPrompt         string
	Generation           GenerationConfig
	MaxRetries           int
}

// BuildDedupePrompt renders the adjudication prompt for one batch. The
// custom prompt, when set, replaces DedupePrompt and receives the entity
// list through its single %s verb; a custom prompt without the verb gets
// the list appended.
func BuildDedupePrompt(candidates []DedupeCandidate, maxDescriptionLength int, customPrompt string) string {
	var entityData strings.Builder
	entityData.WriteString("Entities:\n")
	for _, c := range candidates {
		desc := util.TruncateRunes(NormalizeDedupeValue(c.Description), maxDescriptionLength)
		fmt.Fprintf(&entityData, "- Key: %s, Name: %s, Type: %s, Description: %s\n",
			c.Key, NormalizeDedupeValue(c.Name), NormalizeDedupeValue(c.Category), desc)
	}

	template := DedupePrompt
	if strings.TrimSpace(customPrompt) != "" {
		template = customPrompt
	}
	if !strings.Contains(template, "%s") {
		return template + "\n\n" + entityData.String()
	}
	return fmt.Sprintf(template, entityData.String())
}

// CallDedupeAI calls the AI to identify duplicate entities
func CallDedupeAI(
	ctx context.Context,
	candidates []DedupeCandidate,
	aiClient GraphAIClient,
	opts DedupeCallOptions,
) (*DuplicatesResponse, error) {
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	if aiClient == nil {
		return nil, fmt.Errorf("ai client is nil")
	}
	if len(candidates) < 2 {
		return &DuplicatesResponse{Duplicates: []DuplicateGroup{}}, nil
	}

	cleaned := make([]DedupeCandidate, 0, len(candidates))
	for _, c := range candidates {
		if NormalizeDedupeValue(c.Name) == "" || c.Key == "" {
			continue
		}
		cleaned = append(cleaned, c)
	}
	if len(cleaned) < 2 {
		return &DuplicatesResponse{Duplicates: []DuplicateGroup{}}, nil
	}
	if len(cleaned) > DedupeBatchSize {
		return nil, fmt.Errorf("dedupe batch size exceeded: %d > %d", len(cleaned), DedupeBatchSize)
	}

	prompt := BuildDedupePrompt(cleaned, opts.MaxDescriptionLength, opts.CustomPrompt)
	genOpts := opts.Generation.Options()

	var res DuplicatesResponse
	err := util.RetryErrWithContext(ctx, maxRetries, func(ctx context.Context) error {
		res = DuplicatesResponse{}
		return aiClient.GenerateCompletionWithFormat(
			ctx, "dedupe_entities", "Deduplicate similar entities.", prompt, &res, genOpts...,
		)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// NormalizeDedupeValue standardizes names for dedupe comparisons.
func NormalizeDedupeValue(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.Join(strings.Fields(value), " ")
	return value
}

// GetDedupeBatchSize returns the batch size for deduplication
func GetDedupeBatchSize() int {
	return DedupeBatchSize
}
