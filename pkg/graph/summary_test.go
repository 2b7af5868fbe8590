package graph

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
	"github.com/OFFIS-RIT/kgraph/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCommunity(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	ctx := context.Background()
	scope := store.GraphScope("g1")
	require.NoError(t, s.CreateEntities(ctx, scope, []common.Entity{
		{ID: "a", Name: "Alpha", Category: "ORG", Description: "Alpha corp", CreatedAt: t0},
		{ID: "b", Name: "Beta", Category: "ORG", Description: "Beta corp", CreatedAt: t0},
		{ID: "c", Name: "Gamma", Category: "PERSON", Description: "Works at Alpha", CreatedAt: t0},
		{ID: "x", Name: "Outsider", Category: "ORG", Description: "Not a member", CreatedAt: t0},
	}))
	require.NoError(t, s.CreateRelationships(ctx, scope, []common.Relationship{
		{ID: "r1", SubjectID: "c", ObjectID: "a", Predicate: "works at", Weight: 1, CreatedAt: t0},
		{ID: "r2", SubjectID: "a", ObjectID: "b", Predicate: "owns", Weight: 2, CreatedAt: t0},
		{ID: "r3", SubjectID: "a", ObjectID: "x", Predicate: "competes with", Weight: 1, CreatedAt: t0},
	}))
	require.NoError(t, s.CreateCommunityInfo(ctx, "g1", []common.CommunityInfo{
		{Node: "a", Cluster: 1, Level: 0, IsFinalCluster: true},
		{Node: "b", Cluster: 1, Level: 0, IsFinalCluster: true},
		{Node: "c", Cluster: 1, Level: 0, IsFinalCluster: true},
		{Node: "x", Cluster: 2, Level: 0, IsFinalCluster: true},
	}))
	return s
}

func TestSummarizeCommunity(t *testing.T) {
	s := seedCommunity(t)
	client := newFakeAI()
	client.format = func(name, prompt string) (string, error) {
		return `{"name":"Alpha group","summary":"Alpha owns Beta.","findings":["Alpha owns Beta", " "],"rating":11,"rating_explanation":"big"}`, nil
	}
	settings := DefaultEnrichmentSettings()
	settings.Embed = true

	c, err := NewSummarizer(client, s).SummarizeCommunity(context.Background(), "g1", 0, 1, settings)
	require.NoError(t, err)
	assert.Equal(t, "Alpha group", c.Name)
	assert.Equal(t, 10.0, c.Rating)
	assert.Equal(t, []string{"Alpha owns Beta"}, c.Findings)
	assert.NotEmpty(t, c.Embedding)

	require.Len(t, client.prompts, 2)
	prompt := client.prompts[0]
	assert.Less(t, strings.Index(prompt, "Alpha,ORG"), strings.Index(prompt, "Beta,ORG"))
	assert.NotContains(t, prompt, "Outsider")
	assert.NotContains(t, prompt, "competes with")

	stored, err := s.GetCommunities(context.Background(), "g1", nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 1, stored[0].CommunityNumber)

	// A second run replaces the row.
	_, err = NewSummarizer(client, s).SummarizeCommunity(context.Background(), "g1", 0, 1, DefaultEnrichmentSettings())
	require.NoError(t, err)
	n, err := s.CountCommunities(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSummarizeCommunity_UnknownCommunity(t *testing.T) {
	s := seedCommunity(t)
	_, err := NewSummarizer(newFakeAI(), s).SummarizeCommunity(context.Background(), "g1", 0, 7, DefaultEnrichmentSettings())
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestSummarizeCommunity_ProviderErrorIsTransient(t *testing.T) {
	s := seedCommunity(t)
	client := newFakeAI()
	client.format = func(name, prompt string) (string, error) {
		return "", errors.New("connection reset by peer")
	}
	_, err := NewSummarizer(client, s).SummarizeCommunity(context.Background(), "g1", 0, 1, DefaultEnrichmentSettings())
	require.Error(t, err)
	assert.True(t, common.IsRetryable(err))
	n, err := s.CountCommunities(context.Background(), "g1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClampRating(t *testing.T) {
	assert.Equal(t, 1.0, clampRating(math.NaN()))
	assert.Equal(t, 10.0, clampRating(11))
	assert.Equal(t, 1.0, clampRating(0))
	assert.Equal(t, 7.5, clampRating(7.5))
	assert.Equal(t, 1.0, clampRating(parseRating("high")))
	assert.Equal(t, 4.0, clampRating(parseRating(" 4 ")))
}

func TestCommunityInput_Truncates(t *testing.T) {
	entities := []common.Entity{
		{ID: "1", Name: "A", Category: "T", Description: strings.Repeat("x", 40)},
		{ID: "2", Name: "B", Category: "T", Description: strings.Repeat("y", 40)},
	}
	rels := []common.Relationship{{ID: "r", SubjectID: "2", ObjectID: "1", Predicate: "p"}}
	ents, relText := communityInput(entities, rels, 50)
	assert.Contains(t, ents, "A,T,")
	assert.NotContains(t, ents, "B,T,")
	assert.NotContains(t, relText, "B,p,A")
}
