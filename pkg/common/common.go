package common

import "time"

// StoreType distinguishes document-local storage from graph-global storage.
// Extraction writes into the document scope; node creation, deduplication
// and clustering operate on the graph scope.
type StoreType string

const (
	StoreTypeDocument StoreType = "document"
	StoreTypeGraph    StoreType = "graph"
)

// Graph is the top-level container that scopes entities, relationships and
// communities to a collection of documents.
type Graph struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Statistics  map[string]int `json:"statistics"`
	Status      GraphStatus    `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// GraphStatus is the coarse lifecycle of a whole graph. The authoritative
// per-document state lives in DocumentOverview.
type GraphStatus string

const (
	GraphStatusPending   GraphStatus = "pending"
	GraphStatusEnriching GraphStatus = "enriching"
	GraphStatusEnriched  GraphStatus = "enriched"
	GraphStatusFailed    GraphStatus = "failed"
)

// Entity represents a node in the graph. An entity can be an organization,
// person, location, or any other relevant concept.
//
// Provenance is tracked as sets of chunk, document and graph ids. After
// deduplication a canonical entity carries the union of the provenance of
// every entity merged into it.
type Entity struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Category             string         `json:"category"`
	Description          string         `json:"description"`
	DescriptionEmbedding []float32      `json:"description_embedding,omitempty"`
	ChunkIDs             []string       `json:"chunk_ids"`
	DocumentIDs          []string       `json:"document_ids"`
	GraphIDs             []string       `json:"graph_ids"`
	Attributes           map[string]any `json:"attributes,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// Relationship represents an edge between two entities in the graph.
//
// Subject, Predicate and Object are denormalized labels as returned by the
// extractor. SubjectID and ObjectID hold the resolved entity ids when known.
type Relationship struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Predicate   string         `json:"predicate"`
	Object      string         `json:"object"`
	SubjectID   string         `json:"subject_id,omitempty"`
	ObjectID    string         `json:"object_id,omitempty"`
	Weight      float64        `json:"weight"`
	Description string         `json:"description"`
	ChunkIDs    []string       `json:"chunk_ids"`
	DocumentIDs []string       `json:"document_ids"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// DefaultRelationshipWeight is used when the extractor does not provide one.
const DefaultRelationshipWeight = 1.0

// CommunityInfo assigns one entity to a cluster on one hierarchy level.
// Level 0 is the finest level; clusters on level n+1 are formed by merging
// clusters of level n and ParentCluster links a cluster to that parent.
type CommunityInfo struct {
	Node           string `json:"node"`
	Cluster        int    `json:"cluster"`
	ParentCluster  *int   `json:"parent_cluster,omitempty"`
	Level          int    `json:"level"`
	IsFinalCluster bool   `json:"is_final_cluster"`
	GraphID        string `json:"graph_id"`
}

// Community is the summarized form of a cluster. It is unique per
// (GraphID, Level, CommunityNumber).
type Community struct {
	GraphID           string         `json:"graph_id"`
	CommunityNumber   int            `json:"community_number"`
	Level             int            `json:"level"`
	Name              string         `json:"name"`
	Summary           string         `json:"summary"`
	Findings          []string       `json:"findings"`
	Rating            float64        `json:"rating"`
	RatingExplanation string         `json:"rating_explanation"`
	Embedding         []float32      `json:"embedding,omitempty"`
	Attributes        map[string]any `json:"attributes,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// DocumentOverview is the durable enrichment record of one document.
type DocumentOverview struct {
	ID                  string            `json:"id"`
	GraphID             string            `json:"graph_id"`
	Title               string            `json:"title"`
	RestructuringStatus RestructureStatus `json:"restructuring_status"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Chunk is a contiguous, token-limited segment of a document's text.
// Chunks are the provenance unit for entities and relationships.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Text       string `json:"text"`
}

// Caller identifies who triggered an operation. Only a superuser may run
// destructive deduplication.
type Caller struct {
	ID        string `json:"id"`
	Superuser bool   `json:"superuser"`
}
