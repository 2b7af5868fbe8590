package graph

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/errgroup"
)

// StageDedupeCall is the timing stage recorded per adjudication call.
const StageDedupeCall = "dedupe_call"

// dedupeSignatureAttr marks the members of a candidate group that was
// already adjudicated. A group whose members all carry the signature of
// the current member set is not sent to the model again.
const dedupeSignatureAttr = "_dedupe_signature"

// TimingStore records stage durations and predicts durations from them.
type TimingStore interface {
	AddProcessingTime(ctx context.Context, graphID string, amount int, duration time.Duration, stage string) error
	PredictProcessingTime(ctx context.Context, amount int, stage string) (time.Duration, error)
}

// Deduplicator merges graph-scope entities that describe the same
// real-world entity.
type Deduplicator struct {
	client   ai.GraphAIClient
	storage  store.GraphStorage
	timings  TimingStore
	encoding string
}

func NewDeduplicator(client ai.GraphAIClient, storage store.GraphStorage, timings TimingStore) *Deduplicator {
	return &Deduplicator{
		client:   client,
		storage:  storage,
		timings:  timings,
		encoding: DefaultEncoding,
	}
}

// DedupeResult reports a deduplication run or estimate.
type DedupeResult struct {
	RunType                RunType       `json:"run_type"`
	Groups                 int           `json:"groups"`
	Calls                  int           `json:"calls"`
	Entities               int           `json:"entities"`
	EstimatedTokens        int           `json:"estimated_tokens"`
	EstimatedDuration      time.Duration `json:"estimated_duration_ns"`
	MergedEntities         int           `json:"merged_entities"`
	RewrittenRelationships int           `json:"rewritten_relationships"`
	MergedRelationships    int           `json:"merged_relationships"`
}

type dedupeBatch struct {
	groupKey   string
	members    []common.Entity
	candidates []ai.DedupeCandidate
}

// Deduplicate groups the graph-scope entities of graphID by EntityKey and
// lets the model decide which members of each group are duplicates. In
// estimate mode nothing is changed and nothing is sent to the model. A run
// requires a superuser caller.
func (d *Deduplicator) Deduplicate(
	ctx context.Context,
	graphID string,
	settings DeduplicationSettings,
	caller common.Caller,
	runType RunType,
) (*DedupeResult, error) {
	if runType == "" {
		runType = RunTypeEstimate
	}
	switch runType {
	case RunTypeEstimate:
	case RunTypeRun:
		if !caller.Superuser {
			return nil, common.ErrForbidden
		}
	default:
		return nil, common.Invalid("run_type", fmt.Errorf("unknown run type %q", runType))
	}
	if settings.Type != "" && settings.Type != DedupeByName {
		return nil, common.Invalid("dedupe_type", fmt.Errorf("unknown deduplication type %q", settings.Type))
	}

	scope := store.GraphScope(graphID)
	entities, err := d.storage.GetEntities(ctx, scope, store.EntityFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load graph entities: %w", err)
	}

	groups := groupCandidates(entities)
	batches := buildDedupeBatches(groups)

	res := &DedupeResult{RunType: runType, Groups: len(groups), Calls: len(batches)}
	for _, g := range groups {
		res.Entities += len(g)
	}

	if runType == RunTypeEstimate {
		if err := d.estimate(ctx, batches, settings, res); err != nil {
			return nil, err
		}
		logger.Info("[Dedupe] Estimate", "graph_id", graphID, "groups", res.Groups, "calls", res.Calls, "tokens", res.EstimatedTokens)
		return res, nil
	}

	if len(batches) == 0 {
		logger.Info("[Dedupe] Nothing to deduplicate", "graph_id", graphID)
		return res, nil
	}

	pairs, err := d.adjudicate(ctx, graphID, batches, settings)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]common.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}

	var (
		updated    []common.Entity
		superseded = make(map[string]string)
	)
	for _, component := range buildConnectedComponents(pairs) {
		members := make([]common.Entity, 0, len(component))
		for _, id := range component {
			members = append(members, byID[id])
		}
		canonical, removed := planEntityMerge(members)
		for _, id := range removed {
			superseded[id] = canonical.ID
		}
		byID[canonical.ID] = canonical
		for _, id := range removed {
			delete(byID, id)
		}
	}

	// Sign every adjudicated group with its surviving member set.
	for _, g := range groups {
		var survivors []string
		for _, e := range g {
			id := e.ID
			if c, ok := superseded[id]; ok {
				id = c
			}
			if !slices.Contains(survivors, id) {
				survivors = append(survivors, id)
			}
		}
		sig := groupSignature(survivors)
		for _, id := range survivors {
			e := byID[id]
			if e.Attributes == nil {
				e.Attributes = map[string]any{}
			}
			e.Attributes[dedupeSignatureAttr] = sig
			byID[id] = e
		}
	}
	for _, g := range groups {
		for _, e := range g {
			if _, gone := superseded[e.ID]; gone {
				continue
			}
			if !slices.ContainsFunc(updated, func(u common.Entity) bool { return u.ID == e.ID }) {
				updated = append(updated, byID[e.ID])
			}
		}
	}

	rels, err := d.storage.GetRelationships(ctx, scope, store.RelationshipFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load graph relationships: %w", err)
	}
	changedRels, deletedRels, rewritten := rewriteRelationships(rels, superseded, byID)

	if err := d.storage.UpdateEntities(ctx, scope, updated); err != nil {
		return nil, fmt.Errorf("failed to update canonical entities: %w", err)
	}
	if err := d.storage.UpdateRelationships(ctx, scope, changedRels); err != nil {
		return nil, fmt.Errorf("failed to rewrite relationships: %w", err)
	}
	if err := d.storage.DeleteRelationships(ctx, scope, deletedRels); err != nil {
		return nil, fmt.Errorf("failed to delete merged relationships: %w", err)
	}
	removed := make([]string, 0, len(superseded))
	for id := range superseded {
		removed = append(removed, id)
	}
	sort.Strings(removed)
	if err := d.storage.DeleteEntities(ctx, scope, removed); err != nil {
		return nil, fmt.Errorf("failed to delete superseded entities: %w", err)
	}

	res.MergedEntities = len(removed)
	res.RewrittenRelationships = rewritten
	res.MergedRelationships = len(deletedRels)

	logger.Info("[Dedupe] Deduplication completed",
		"graph_id", graphID,
		"groups", res.Groups,
		"calls", res.Calls,
		"merged_entities", res.MergedEntities,
		"merged_relationships", res.MergedRelationships,
	)
	return res, nil
}

// groupCandidates returns every group of at least two entities that share
// an EntityKey and was not adjudicated in its current form. Groups are
// ordered by key, members by creation time and id.
func groupCandidates(entities []common.Entity) [][]common.Entity {
	byKey := make(map[string][]common.Entity)
	for _, e := range entities {
		key := EntityKey(e.Name, e.Category)
		if key == "|" {
			continue
		}
		byKey[key] = append(byKey[key], e)
	}

	keys := make([]string, 0, len(byKey))
	for k, members := range byKey {
		if len(members) < 2 || alreadyAdjudicated(members) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	groups := make([][]common.Entity, 0, len(keys))
	for _, k := range keys {
		members := byKey[k]
		store.SortEntities(members)
		groups = append(groups, members)
	}
	return groups
}

func groupSignature(ids []string) string {
	sorted := slices.Clone(ids)
	sort.Strings(sorted)
	h := fnv.New64a()
	h.Write([]byte(strings.Join(sorted, ",")))
	return strconv.FormatUint(h.Sum64(), 16)
}

func alreadyAdjudicated(members []common.Entity) bool {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	sig := groupSignature(ids)
	for _, m := range members {
		if v, ok := m.Attributes[dedupeSignatureAttr].(string); !ok || v != sig {
			return false
		}
	}
	return true
}

func buildDedupeBatches(groups [][]common.Entity) []dedupeBatch {
	batchSize := ai.GetDedupeBatchSize()
	var batches []dedupeBatch
	for _, g := range groups {
		key := EntityKey(g[0].Name, g[0].Category)
		for _, span := range balancedSpans(len(g), batchSize) {
			members := g[span[0]:span[1]]
			candidates := make([]ai.DedupeCandidate, len(members))
			for i, m := range members {
				candidates[i] = ai.DedupeCandidate{
					Key:         "E" + strconv.Itoa(i+1),
					Name:        m.Name,
					Category:    m.Category,
					Description: m.Description,
				}
			}
			batches = append(batches, dedupeBatch{groupKey: key, members: members, candidates: candidates})
		}
	}
	return batches
}

// balancedSpans splits n members into the fewest spans of at most size
// members. Span lengths differ by at most one, so a group larger than size
// never leaves a single member behind.
func balancedSpans(n, size int) [][2]int {
	if n == 0 || size <= 0 {
		return nil
	}
	count := (n + size - 1) / size
	spans := make([][2]int, 0, count)
	start := 0
	for i := range count {
		length := n / count
		if i < n%count {
			length++
		}
		spans = append(spans, [2]int{start, start + length})
		start += length
	}
	return spans
}

func (d *Deduplicator) estimate(ctx context.Context, batches []dedupeBatch, settings DeduplicationSettings, res *DedupeResult) error {
	res.Calls = len(batches)
	if len(batches) == 0 {
		return nil
	}
	enc, err := tiktoken.GetEncoding(d.encoding)
	if err != nil {
		return fmt.Errorf("load encoding %s: %w", d.encoding, err)
	}
	for _, b := range batches {
		prompt := ai.BuildDedupePrompt(b.candidates, settings.MaxDescriptionInputLength, settings.CustomPrompt)
		res.EstimatedTokens += len(enc.Encode(prompt, nil, nil))
	}
	if d.timings != nil {
		predicted, err := d.timings.PredictProcessingTime(ctx, len(batches), StageDedupeCall)
		if err != nil {
			logger.Warn("[Dedupe] Failed to predict duration", "err", err)
		} else {
			res.EstimatedDuration = predicted
		}
	}
	return nil
}

// adjudicate sends every batch to the model and returns the duplicate
// pairs it found, as entity ids.
func (d *Deduplicator) adjudicate(
	ctx context.Context,
	graphID string,
	batches []dedupeBatch,
	settings DeduplicationSettings,
) ([][2]string, error) {
	if d.client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}

	perBatch := make([][][2]string, len(batches))
	opts := ai.DedupeCallOptions{
		MaxDescriptionLength: settings.MaxDescriptionInputLength,
		CustomPrompt:         settings.CustomPrompt,
		Generation:           settings.Generation,
		MaxRetries:           settings.MaxRetries,
	}

	started := time.Now()
	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(settings.ParallelAIRequests, 1))
	for i := range batches {
		idx := i
		b := batches[i]
		eg.Go(func() error {
			resp, err := ai.CallDedupeAI(gCtx, b.candidates, d.client, opts)
			if err != nil {
				return fmt.Errorf("dedupe call for %s failed: %w", b.groupKey, ai.Classify(err))
			}
			perBatch[idx] = pairsFromResponse(b, resp)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if d.timings != nil {
		if err := d.timings.AddProcessingTime(ctx, graphID, len(batches), time.Since(started), StageDedupeCall); err != nil {
			logger.Warn("[Dedupe] Failed to record timing", "err", err)
		}
	}

	var pairs [][2]string
	for _, p := range perBatch {
		pairs = append(pairs, p...)
	}
	return pairs, nil
}

func pairsFromResponse(b dedupeBatch, resp *ai.DuplicatesResponse) [][2]string {
	idByKey := make(map[string]string, len(b.candidates))
	for i, c := range b.candidates {
		idByKey[strings.ToUpper(c.Key)] = b.members[i].ID
	}

	var pairs [][2]string
	for _, group := range resp.Duplicates {
		var ids []string
		for _, key := range group.Entities {
			id, ok := idByKey[strings.ToUpper(strings.TrimSpace(key))]
			if !ok {
				logger.Debug("[Dedupe] Ignoring unknown key", "key", key, "group", b.groupKey)
				continue
			}
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		for i := 1; i < len(ids); i++ {
			pairs = append(pairs, [2]string{ids[0], ids[i]})
		}
	}
	return pairs
}

// buildConnectedComponents groups entity ids that are transitively
// duplicates using union-find. Only components with more than one member
// are returned; components and their members are sorted.
func buildConnectedComponents(pairs [][2]string) [][]string {
	parent := make(map[string]string)

	var find func(x string) string
	find = func(x string) string {
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}

	union := func(x, y string) {
		px, py := find(x), find(y)
		if px != py {
			parent[px] = py
		}
	}

	for _, p := range pairs {
		union(p[0], p[1])
	}

	components := make(map[string][]string)
	for id := range parent {
		root := find(id)
		components[root] = append(components[root], id)
	}

	result := make([][]string, 0, len(components))
	for _, group := range components {
		if len(group) > 1 {
			sort.Strings(group)
			result = append(result, group)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i][0] < result[j][0] })
	return result
}

// planEntityMerge folds members into one canonical entity.
//
// The canonical entity is the earliest created member, ties broken by the
// lowest id. The longest description wins, ties keep the canonical's own.
// Attributes are unioned with the canonical's values first and the other
// members in ascending id order. Provenance is the sorted union.
func planEntityMerge(members []common.Entity) (common.Entity, []string) {
	sorted := slices.Clone(members)
	store.SortEntities(sorted)
	canonical := sorted[0]

	others := slices.Clone(sorted[1:])
	sort.Slice(others, func(i, j int) bool { return others[i].ID < others[j].ID })

	description := canonical.Description
	attrs := make(map[string]any, len(canonical.Attributes))
	for k, v := range canonical.Attributes {
		attrs[k] = v
	}
	chunkIDs := slices.Clone(canonical.ChunkIDs)
	documentIDs := slices.Clone(canonical.DocumentIDs)
	graphIDs := slices.Clone(canonical.GraphIDs)

	removed := make([]string, 0, len(others))
	for _, m := range others {
		if len([]rune(m.Description)) > len([]rune(description)) {
			description = m.Description
		}
		attrs = common.MergeAttributes(attrs, m.Attributes)
		chunkIDs = append(chunkIDs, m.ChunkIDs...)
		documentIDs = append(documentIDs, m.DocumentIDs...)
		graphIDs = append(graphIDs, m.GraphIDs...)
		removed = append(removed, m.ID)
	}

	canonical.Description = description
	canonical.Attributes = attrs
	canonical.ChunkIDs = store.SortedUnion(chunkIDs)
	canonical.DocumentIDs = store.SortedUnion(documentIDs)
	canonical.GraphIDs = store.SortedUnion(graphIDs)
	if len(removed) > 0 {
		// The merged description is a different text now.
		canonical.DescriptionEmbedding = nil
	}
	return canonical, removed
}

// rewriteRelationships re-points every relationship that references a
// superseded entity to its canonical entity and then merges relationships
// that became identical. Self-loops created by the merge are kept. It
// returns the relationships to update, the ids to delete and how many
// relationships were re-pointed.
func rewriteRelationships(
	rels []common.Relationship,
	superseded map[string]string,
	entities map[string]common.Entity,
) ([]common.Relationship, []string, int) {
	rewritten := 0
	changed := make(map[string]bool)
	for i := range rels {
		r := &rels[i]
		if c, ok := superseded[r.SubjectID]; ok {
			r.SubjectID = c
			r.Subject = entities[c].Name
			changed[r.ID] = true
		}
		if c, ok := superseded[r.ObjectID]; ok {
			r.ObjectID = c
			r.Object = entities[c].Name
			changed[r.ID] = true
		}
		if changed[r.ID] {
			rewritten++
		}
	}

	store.SortRelationships(rels)
	groups := make(map[string][]int)
	var order []string
	for i, r := range rels {
		if r.SubjectID == "" || r.ObjectID == "" {
			continue
		}
		key := relationshipKey(r)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	var deleted []string
	for _, key := range order {
		idx := groups[key]
		if len(idx) < 2 {
			continue
		}
		keep := &rels[idx[0]]
		sum := keep.Weight
		chunkIDs := slices.Clone(keep.ChunkIDs)
		documentIDs := slices.Clone(keep.DocumentIDs)
		for _, j := range idx[1:] {
			dup := rels[j]
			sum += dup.Weight
			keep.Description = appendDescription(keep.Description, dup.Description)
			keep.Attributes = common.MergeAttributes(keep.Attributes, dup.Attributes)
			chunkIDs = append(chunkIDs, dup.ChunkIDs...)
			documentIDs = append(documentIDs, dup.DocumentIDs...)
			deleted = append(deleted, dup.ID)
			delete(changed, dup.ID)
		}
		keep.Weight = sum / float64(len(idx))
		keep.ChunkIDs = store.SortedUnion(chunkIDs)
		keep.DocumentIDs = store.SortedUnion(documentIDs)
		changed[keep.ID] = true
	}

	var updates []common.Relationship
	for _, r := range rels {
		if changed[r.ID] {
			updates = append(updates, r)
		}
	}
	sort.Strings(deleted)
	return updates, deleted, rewritten
}
