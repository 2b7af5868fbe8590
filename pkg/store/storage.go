package store

import (
	"context"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
)

// Scope addresses one partition of the graph store. Extraction writes into
// the document scope of a document; node creation, deduplication and
// clustering work on the graph scope of a graph.
type Scope struct {
	ParentID string
	Type     common.StoreType
}

func DocumentScope(documentID string) Scope {
	return Scope{ParentID: documentID, Type: common.StoreTypeDocument}
}

func GraphScope(graphID string) Scope {
	return Scope{ParentID: graphID, Type: common.StoreTypeGraph}
}

func (s Scope) String() string {
	return string(s.Type) + ":" + s.ParentID
}

// EntityFilter narrows GetEntities. Empty fields do not filter.
type EntityFilter struct {
	IDs         []string
	DocumentIDs []string
}

// RelationshipFilter narrows GetRelationships. EntityIDs matches
// relationships where either endpoint is one of the ids.
type RelationshipFilter struct {
	IDs         []string
	EntityIDs   []string
	DocumentIDs []string
}

// CommunityInfoFilter narrows GetCommunityInfo.
type CommunityInfoFilter struct {
	Level   *int
	Cluster *int
}

// DocumentFilter narrows GetDocumentsOverview. Empty fields do not filter.
type DocumentFilter struct {
	GraphID  string
	IDs      []string
	Statuses []common.RestructureStatus
}

// GraphStorage persists entities, relationships, community assignments and
// community summaries. Reads return rows ordered by creation time and id so
// that callers see a stable order.
type GraphStorage interface {
	CreateChunks(ctx context.Context, chunks []common.Chunk) error
	GetChunks(ctx context.Context, documentID string) ([]common.Chunk, error)

	CreateEntities(ctx context.Context, scope Scope, entities []common.Entity) error
	GetEntities(ctx context.Context, scope Scope, filter EntityFilter) ([]common.Entity, error)
	UpdateEntities(ctx context.Context, scope Scope, entities []common.Entity) error
	DeleteEntities(ctx context.Context, scope Scope, ids []string) error

	CreateRelationships(ctx context.Context, scope Scope, relationships []common.Relationship) error
	GetRelationships(ctx context.Context, scope Scope, filter RelationshipFilter) ([]common.Relationship, error)
	UpdateRelationships(ctx context.Context, scope Scope, relationships []common.Relationship) error
	DeleteRelationships(ctx context.Context, scope Scope, ids []string) error

	// DeleteScope removes every entity, relationship and chunk of a scope.
	DeleteScope(ctx context.Context, scope Scope) error

	// CreateCommunityInfo replaces all assignments of the graph.
	CreateCommunityInfo(ctx context.Context, graphID string, infos []common.CommunityInfo) error
	GetCommunityInfo(ctx context.Context, graphID string, filter CommunityInfoFilter) ([]common.CommunityInfo, error)

	// CreateCommunities upserts by (graph_id, level, community_number).
	CreateCommunities(ctx context.Context, communities []common.Community) error
	GetCommunities(ctx context.Context, graphID string, level *int) ([]common.Community, error)
	DeleteCommunities(ctx context.Context, graphID string) error
	CountCommunities(ctx context.Context, graphID string) (int, error)

	GetGraph(ctx context.Context, id string) (*common.Graph, error)
	UpsertGraph(ctx context.Context, graph common.Graph) error
}

// StatusStorage owns the durable per-document enrichment status.
type StatusStorage interface {
	GetDocumentsOverview(ctx context.Context, filter DocumentFilter) ([]common.DocumentOverview, error)
	UpsertDocumentsOverview(ctx context.Context, docs ...common.DocumentOverview) error
}

// Gate serializes check-and-transition sections across callers. In a single
// process a mutex is enough; across processes it is a lease lock.
type Gate interface {
	WithGate(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// SyncStats counts what a GraphSyncer wrote.
type SyncStats struct {
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Communities   int `json:"communities"`
}

// GraphSyncer mirrors the graph scope of a graph into a secondary store.
type GraphSyncer interface {
	SyncGraph(ctx context.Context, graphID string) (SyncStats, error)
}
