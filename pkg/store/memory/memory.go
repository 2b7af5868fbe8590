package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
)

type communityKey struct {
	level  int
	number int
}

// Store is an in-process implementation of store.GraphStorage,
// store.StatusStorage and store.Gate. It backs the local runtime and the
// tests; nothing is persisted.
type Store struct {
	mu sync.RWMutex

	chunks        map[string][]common.Chunk
	entities      map[store.Scope]map[string]common.Entity
	relationships map[store.Scope]map[string]common.Relationship
	communityInfo map[string][]common.CommunityInfo
	communities   map[string]map[communityKey]common.Community
	graphs        map[string]common.Graph
	docs          map[string]common.DocumentOverview

	gateMu sync.Mutex
	gates  map[string]*sync.Mutex

	now func() time.Time
}

func New() *Store {
	return &Store{
		chunks:        make(map[string][]common.Chunk),
		entities:      make(map[store.Scope]map[string]common.Entity),
		relationships: make(map[store.Scope]map[string]common.Relationship),
		communityInfo: make(map[string][]common.CommunityInfo),
		communities:   make(map[string]map[communityKey]common.Community),
		graphs:        make(map[string]common.Graph),
		docs:          make(map[string]common.DocumentOverview),
		gates:         make(map[string]*sync.Mutex),
		now:           time.Now,
	}
}

// SetClock replaces the time source. Used by tests that need distinct
// creation times.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func cloneEntity(e common.Entity) common.Entity {
	e.DescriptionEmbedding = slices.Clone(e.DescriptionEmbedding)
	e.ChunkIDs = slices.Clone(e.ChunkIDs)
	e.DocumentIDs = slices.Clone(e.DocumentIDs)
	e.GraphIDs = slices.Clone(e.GraphIDs)
	e.Attributes = maps.Clone(e.Attributes)
	return e
}

func cloneRelationship(r common.Relationship) common.Relationship {
	r.ChunkIDs = slices.Clone(r.ChunkIDs)
	r.DocumentIDs = slices.Clone(r.DocumentIDs)
	r.Attributes = maps.Clone(r.Attributes)
	return r
}

func cloneCommunity(c common.Community) common.Community {
	c.Findings = slices.Clone(c.Findings)
	c.Embedding = slices.Clone(c.Embedding)
	c.Attributes = maps.Clone(c.Attributes)
	return c
}

func (s *Store) CreateChunks(ctx context.Context, chunks []common.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.DocumentID] = append(s.chunks[c.DocumentID], c)
	}
	return nil
}

func (s *Store) GetChunks(ctx context.Context, documentID string) ([]common.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.chunks[documentID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) CreateEntities(ctx context.Context, scope store.Scope, entities []common.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.entities[scope]
	if !ok {
		bucket = make(map[string]common.Entity)
		s.entities[scope] = bucket
	}
	for _, e := range entities {
		if e.ID == "" {
			return common.Invalid("entity_id", fmt.Errorf("entity %q has no id", e.Name))
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		bucket[e.ID] = cloneEntity(e)
	}
	return nil
}

func (s *Store) GetEntities(ctx context.Context, scope store.Scope, filter store.EntityFilter) ([]common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Entity, 0, len(s.entities[scope]))
	for _, e := range s.entities[scope] {
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, e.ID) {
			continue
		}
		if len(filter.DocumentIDs) > 0 && !store.ContainsAny(e.DocumentIDs, filter.DocumentIDs) {
			continue
		}
		out = append(out, cloneEntity(e))
	}
	store.SortEntities(out)
	return out, nil
}

func (s *Store) UpdateEntities(ctx context.Context, scope store.Scope, entities []common.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.entities[scope]
	for _, e := range entities {
		if _, ok := bucket[e.ID]; !ok {
			continue
		}
		bucket[e.ID] = cloneEntity(e)
	}
	return nil
}

func (s *Store) DeleteEntities(ctx context.Context, scope store.Scope, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entities[scope], id)
	}
	return nil
}

func (s *Store) CreateRelationships(ctx context.Context, scope store.Scope, relationships []common.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.relationships[scope]
	if !ok {
		bucket = make(map[string]common.Relationship)
		s.relationships[scope] = bucket
	}
	for _, r := range relationships {
		if r.ID == "" {
			return common.Invalid("relationship_id", fmt.Errorf("relationship %q -> %q has no id", r.Subject, r.Object))
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		bucket[r.ID] = cloneRelationship(r)
	}
	return nil
}

func (s *Store) GetRelationships(ctx context.Context, scope store.Scope, filter store.RelationshipFilter) ([]common.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Relationship, 0, len(s.relationships[scope]))
	for _, r := range s.relationships[scope] {
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, r.ID) {
			continue
		}
		if len(filter.EntityIDs) > 0 &&
			!slices.Contains(filter.EntityIDs, r.SubjectID) &&
			!slices.Contains(filter.EntityIDs, r.ObjectID) {
			continue
		}
		if len(filter.DocumentIDs) > 0 && !store.ContainsAny(r.DocumentIDs, filter.DocumentIDs) {
			continue
		}
		out = append(out, cloneRelationship(r))
	}
	store.SortRelationships(out)
	return out, nil
}

func (s *Store) UpdateRelationships(ctx context.Context, scope store.Scope, relationships []common.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.relationships[scope]
	for _, r := range relationships {
		if _, ok := bucket[r.ID]; !ok {
			continue
		}
		bucket[r.ID] = cloneRelationship(r)
	}
	return nil
}

func (s *Store) DeleteRelationships(ctx context.Context, scope store.Scope, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.relationships[scope], id)
	}
	return nil
}

func (s *Store) DeleteScope(ctx context.Context, scope store.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, scope)
	delete(s.relationships, scope)
	if scope.Type == common.StoreTypeDocument {
		delete(s.chunks, scope.ParentID)
	}
	return nil
}

func (s *Store) CreateCommunityInfo(ctx context.Context, graphID string, infos []common.CommunityInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]common.CommunityInfo, len(infos))
	for i, info := range infos {
		info.GraphID = graphID
		if info.ParentCluster != nil {
			p := *info.ParentCluster
			info.ParentCluster = &p
		}
		out[i] = info
	}
	s.communityInfo[graphID] = out
	return nil
}

func (s *Store) GetCommunityInfo(ctx context.Context, graphID string, filter store.CommunityInfoFilter) ([]common.CommunityInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.CommunityInfo, 0)
	for _, info := range s.communityInfo[graphID] {
		if filter.Level != nil && info.Level != *filter.Level {
			continue
		}
		if filter.Cluster != nil && info.Cluster != *filter.Cluster {
			continue
		}
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		if out[i].Cluster != out[j].Cluster {
			return out[i].Cluster < out[j].Cluster
		}
		return out[i].Node < out[j].Node
	})
	return out, nil
}

func (s *Store) CreateCommunities(ctx context.Context, communities []common.Community) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range communities {
		bucket, ok := s.communities[c.GraphID]
		if !ok {
			bucket = make(map[communityKey]common.Community)
			s.communities[c.GraphID] = bucket
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.now()
		}
		bucket[communityKey{level: c.Level, number: c.CommunityNumber}] = cloneCommunity(c)
	}
	return nil
}

func (s *Store) GetCommunities(ctx context.Context, graphID string, level *int) ([]common.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Community, 0, len(s.communities[graphID]))
	for k, c := range s.communities[graphID] {
		if level != nil && k.level != *level {
			continue
		}
		out = append(out, cloneCommunity(c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].CommunityNumber < out[j].CommunityNumber
	})
	return out, nil
}

func (s *Store) DeleteCommunities(ctx context.Context, graphID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.communities, graphID)
	return nil
}

func (s *Store) CountCommunities(ctx context.Context, graphID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.communities[graphID]), nil
}

func (s *Store) GetGraph(ctx context.Context, id string) (*common.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("graph %s: %w", id, common.ErrNotFound)
	}
	g.Statistics = maps.Clone(g.Statistics)
	return &g, nil
}

func (s *Store) UpsertGraph(ctx context.Context, graph common.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.graphs[graph.ID]; ok && graph.CreatedAt.IsZero() {
		graph.CreatedAt = existing.CreatedAt
	}
	if graph.CreatedAt.IsZero() {
		graph.CreatedAt = now
	}
	graph.UpdatedAt = now
	graph.Statistics = maps.Clone(graph.Statistics)
	s.graphs[graph.ID] = graph
	return nil
}

func (s *Store) GetDocumentsOverview(ctx context.Context, filter store.DocumentFilter) ([]common.DocumentOverview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.DocumentOverview, 0, len(s.docs))
	for _, d := range s.docs {
		if filter.GraphID != "" && d.GraphID != filter.GraphID {
			continue
		}
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, d.ID) {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, d.RestructuringStatus) {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpsertDocumentsOverview(ctx context.Context, docs ...common.DocumentOverview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, d := range docs {
		if d.ID == "" {
			return common.Invalid("document_id", fmt.Errorf("document overview without id"))
		}
		if existing, ok := s.docs[d.ID]; ok {
			if d.CreatedAt.IsZero() {
				d.CreatedAt = existing.CreatedAt
			}
			if d.GraphID == "" {
				d.GraphID = existing.GraphID
			}
			if d.Title == "" {
				d.Title = existing.Title
			}
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
		s.docs[d.ID] = d
	}
	return nil
}

// WithGate runs fn while holding the named in-process mutex.
func (s *Store) WithGate(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s.gateMu.Lock()
	m, ok := s.gates[name]
	if !ok {
		m = &sync.Mutex{}
		s.gates[name] = m
	}
	s.gateMu.Unlock()

	m.Lock()
	defer m.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

var (
	_ store.GraphStorage  = (*Store)(nil)
	_ store.StatusStorage = (*Store)(nil)
	_ store.Gate          = (*Store)(nil)
)
