package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
)

type communityReport struct {
	Name              string   `json:"name" jsonschema_description:"Short title naming the most representative entities"`
	Summary           string   `json:"summary" jsonschema_description:"Executive summary of the community"`
	Findings          []string `json:"findings" jsonschema_description:"Key insights about the community"`
	Rating            any      `json:"rating" jsonschema_description:"Impact of the community between 1 and 10"`
	RatingExplanation string   `json:"rating_explanation" jsonschema_description:"One sentence explaining the rating"`
}

// Summarizer writes the report of one community.
type Summarizer struct {
	client  ai.GraphAIClient
	storage store.GraphStorage
}

func NewSummarizer(client ai.GraphAIClient, storage store.GraphStorage) *Summarizer {
	return &Summarizer{client: client, storage: storage}
}

// SummarizeCommunity loads the members of community communityNumber on
// level, asks the model for a report and upserts the Community row.
func (s *Summarizer) SummarizeCommunity(
	ctx context.Context,
	graphID string,
	level int,
	communityNumber int,
	settings EnrichmentSettings,
) (*common.Community, error) {
	if s.client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}

	infos, err := s.storage.GetCommunityInfo(ctx, graphID, store.CommunityInfoFilter{Level: &level, Cluster: &communityNumber})
	if err != nil {
		return nil, fmt.Errorf("failed to load community members: %w", err)
	}
	if len(infos) == 0 {
		return nil, common.WrapError(common.KindNotFound, "community_not_found",
			fmt.Errorf("community %d on level %d of graph %s has no members", communityNumber, level, graphID))
	}
	memberIDs := make([]string, len(infos))
	for i, info := range infos {
		memberIDs[i] = info.Node
	}

	scope := store.GraphScope(graphID)
	entities, err := s.storage.GetEntities(ctx, scope, store.EntityFilter{IDs: memberIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to load community entities: %w", err)
	}
	rels, err := s.storage.GetRelationships(ctx, scope, store.RelationshipFilter{EntityIDs: memberIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to load community relationships: %w", err)
	}

	entityText, relText := communityInput(entities, rels, settings.MaxSummaryInputLength)
	prompt := fmt.Sprintf(ai.CommunityReportPrompt, entityText, relText)

	var report communityReport
	err = s.client.GenerateCompletionWithFormat(
		ctx,
		"community_report",
		"Write a report about a community of related entities.",
		prompt,
		&report,
		settings.Generation.Options()...,
	)
	if err != nil {
		return nil, ai.Classify(err)
	}
	if strings.TrimSpace(report.Summary) == "" {
		return nil, common.Malformed("empty_summary", fmt.Errorf("model returned no summary for community %d", communityNumber))
	}

	community := common.Community{
		GraphID:           graphID,
		CommunityNumber:   communityNumber,
		Level:             level,
		Name:              strings.TrimSpace(report.Name),
		Summary:           strings.TrimSpace(report.Summary),
		Findings:          cleanFindings(report.Findings),
		Rating:            clampRating(parseRating(report.Rating)),
		RatingExplanation: strings.TrimSpace(report.RatingExplanation),
		Attributes: map[string]any{
			"entities":      len(entities),
			"relationships": len(rels),
		},
		CreatedAt: time.Now().UTC(),
	}

	if settings.Embed {
		emb, err := s.client.GenerateEmbedding(ctx, []byte(community.Name+"\n"+community.Summary))
		if err != nil {
			return nil, fmt.Errorf("failed to embed community summary: %w", ai.Classify(err))
		}
		community.Embedding = emb
	}

	if err := s.storage.CreateCommunities(ctx, []common.Community{community}); err != nil {
		return nil, fmt.Errorf("failed to save community: %w", err)
	}

	logger.Debug("[Summary] Community summarized",
		"graph_id", graphID,
		"level", level,
		"community", communityNumber,
		"entities", len(entities),
		"rating", community.Rating,
	)
	return &community, nil
}

// communityInput renders the entity and relationship tables of the prompt.
// Entities are ordered by degree inside the community, then by name, and
// relationships by the degree of their endpoints. Rows are added while the
// combined text stays within limit runes.
func communityInput(entities []common.Entity, rels []common.Relationship, limit int) (string, string) {
	members := make(map[string]common.Entity, len(entities))
	for _, e := range entities {
		members[e.ID] = e
	}
	degree := make(map[string]int, len(entities))
	internal := make([]common.Relationship, 0, len(rels))
	for _, r := range rels {
		if _, ok := members[r.SubjectID]; !ok {
			continue
		}
		if _, ok := members[r.ObjectID]; !ok {
			continue
		}
		internal = append(internal, r)
		degree[r.SubjectID]++
		if r.ObjectID != r.SubjectID {
			degree[r.ObjectID]++
		}
	}

	ordered := append([]common.Entity(nil), entities...)
	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := degree[ordered[i].ID], degree[ordered[j].ID]
		if di != dj {
			return di > dj
		}
		if ordered[i].Name != ordered[j].Name {
			return ordered[i].Name < ordered[j].Name
		}
		return ordered[i].ID < ordered[j].ID
	})
	sort.SliceStable(internal, func(i, j int) bool {
		di := degree[internal[i].SubjectID] + degree[internal[i].ObjectID]
		dj := degree[internal[j].SubjectID] + degree[internal[j].ObjectID]
		if di != dj {
			return di > dj
		}
		return internal[i].ID < internal[j].ID
	})

	budget := limit
	if budget <= 0 {
		budget = math.MaxInt
	}
	used := 0
	fits := func(line string) bool {
		n := len([]rune(line)) + 1
		if used+n > budget {
			return false
		}
		used += n
		return true
	}

	var eb strings.Builder
	eb.WriteString("name,type,description\n")
	for _, e := range ordered {
		line := fmt.Sprintf("%s,%s,%s", e.Name, e.Category, util.CollapseWhitespace(e.Description))
		if !fits(line) {
			break
		}
		eb.WriteString(line)
		eb.WriteString("\n")
	}

	var rb strings.Builder
	rb.WriteString("source,predicate,target,description,weight\n")
	for _, r := range internal {
		line := fmt.Sprintf("%s,%s,%s,%s,%.2f",
			members[r.SubjectID].Name, r.Predicate, members[r.ObjectID].Name,
			util.CollapseWhitespace(r.Description), r.Weight)
		if !fits(line) {
			break
		}
		rb.WriteString(line)
		rb.WriteString("\n")
	}
	return eb.String(), rb.String()
}

func parseRating(v any) float64 {
	switch r := v.(type) {
	case float64:
		return r
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(r), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

// clampRating maps a model rating into [1, 10]. NaN becomes 1.
func clampRating(r float64) float64 {
	if math.IsNaN(r) {
		return 1
	}
	return math.Min(10, math.Max(1, r))
}

func cleanFindings(findings []string) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
