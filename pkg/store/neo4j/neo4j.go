// Package neo4j mirrors the enriched graph scope of a graph into Neo4j.
package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Syncer implements store.GraphSyncer. Every sync replaces the nodes and
// edges of one graph.
type Syncer struct {
	driver   neo4j.DriverWithContext
	database string
	storage  store.GraphStorage
}

func NewSyncer(driver neo4j.DriverWithContext, database string, storage store.GraphStorage) *Syncer {
	return &Syncer{driver: driver, database: database, storage: storage}
}

// NewSyncerFromEnv connects with NEO4J_URI, NEO4J_USER, NEO4J_PASSWORD and
// NEO4J_DATABASE. It returns nil without error when NEO4J_URI is unset.
func NewSyncerFromEnv(ctx context.Context, storage store.GraphStorage) (*Syncer, error) {
	uri := strings.TrimSpace(util.GetEnv("NEO4J_URI"))
	if uri == "" {
		return nil, nil
	}
	user := util.GetEnvString("NEO4J_USER", "neo4j")
	timeout := util.GetEnvDuration("NEO4J_TIMEOUT", 10*time.Second)
	maxPool := int(util.GetEnvNumeric("NEO4J_MAX_POOL_SIZE", 50))

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, util.GetEnv("NEO4J_PASSWORD"), ""), func(cfg *neo4j.Config) {
		cfg.MaxConnectionPoolSize = maxPool
		cfg.SocketConnectTimeout = timeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: init driver: %w", err)
	}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}
	return NewSyncer(driver, util.GetEnv("NEO4J_DATABASE"), storage), nil
}

func (s *Syncer) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Syncer) SyncGraph(ctx context.Context, graphID string) (store.SyncStats, error) {
	scope := store.GraphScope(graphID)
	entities, err := s.storage.GetEntities(ctx, scope, store.EntityFilter{})
	if err != nil {
		return store.SyncStats{}, fmt.Errorf("failed to load entities: %w", err)
	}
	rels, err := s.storage.GetRelationships(ctx, scope, store.RelationshipFilter{})
	if err != nil {
		return store.SyncStats{}, fmt.Errorf("failed to load relationships: %w", err)
	}
	communities, err := s.storage.GetCommunities(ctx, graphID, nil)
	if err != nil {
		return store.SyncStats{}, fmt.Errorf("failed to load communities: %w", err)
	}
	infos, err := s.storage.GetCommunityInfo(ctx, graphID, store.CommunityInfoFilter{})
	if err != nil {
		return store.SyncStats{}, fmt.Errorf("failed to load community assignments: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	params := map[string]any{
		"graph_id":    graphID,
		"entities":    entityRecords(entities, now),
		"rels":        relationshipRecords(rels, now),
		"communities": communityRecords(communities, now),
		"members":     memberRecords(infos),
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	for _, stmt := range schema {
		if res, err := session.Run(ctx, stmt, nil); err != nil {
			logger.Warn("[Neo4j] Schema init failed, continuing", "err", err)
		} else {
			_, _ = res.Consume(ctx)
		}
	}

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, stmt := range syncStatements {
			res, err := tx.Run(ctx, stmt, params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return store.SyncStats{}, fmt.Errorf("neo4j sync of graph %s: %w", graphID, err)
	}

	stats := store.SyncStats{Entities: len(entities), Relationships: len(rels), Communities: len(communities)}
	logger.Info("[Neo4j] Graph synced",
		"graph_id", graphID,
		"entities", stats.Entities,
		"relationships", stats.Relationships,
		"communities", stats.Communities,
	)
	return stats, nil
}

var schema = []string{
	`CREATE CONSTRAINT kg_entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
	`CREATE INDEX kg_entity_graph IF NOT EXISTS FOR (e:Entity) ON (e.graph_id)`,
	`CREATE INDEX kg_community_graph IF NOT EXISTS FOR (c:Community) ON (c.graph_id, c.level, c.number)`,
}

// syncStatements run in one transaction: the graph is cleared, then nodes,
// edges, communities and memberships are written again.
var syncStatements = []string{
	`MATCH (n {graph_id: $graph_id}) WHERE n:Entity OR n:Community DETACH DELETE n`,
	`UNWIND $entities AS e
MERGE (n:Entity {id: e.id})
SET n += e, n.graph_id = $graph_id`,
	`UNWIND $rels AS r
MATCH (a:Entity {id: r.subject_id})
MATCH (b:Entity {id: r.object_id})
MERGE (a)-[x:RELATES {id: r.id}]->(b)
SET x += r`,
	`UNWIND $communities AS c
MERGE (n:Community {graph_id: $graph_id, level: c.level, number: c.number})
SET n += c`,
	`UNWIND $members AS m
MATCH (e:Entity {id: m.node})
MATCH (c:Community {graph_id: $graph_id, level: m.level, number: m.number})
MERGE (e)-[:IN_COMMUNITY]->(c)`,
}

func entityRecords(entities []common.Entity, now string) []map[string]any {
	out := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		out = append(out, map[string]any{
			"id":              e.ID,
			"name":            e.Name,
			"category":        e.Category,
			"description":     e.Description,
			"document_ids":    e.DocumentIDs,
			"chunk_ids":       e.ChunkIDs,
			"attributes_json": attributesJSON(e.Attributes),
			"synced_at":       now,
		})
	}
	return out
}

func relationshipRecords(rels []common.Relationship, now string) []map[string]any {
	out := make([]map[string]any, 0, len(rels))
	for _, r := range rels {
		if r.SubjectID == "" || r.ObjectID == "" {
			continue
		}
		out = append(out, map[string]any{
			"id":           r.ID,
			"subject_id":   r.SubjectID,
			"object_id":    r.ObjectID,
			"predicate":    r.Predicate,
			"description":  r.Description,
			"weight":       r.Weight,
			"document_ids": r.DocumentIDs,
			"synced_at":    now,
		})
	}
	return out
}

func communityRecords(communities []common.Community, now string) []map[string]any {
	out := make([]map[string]any, 0, len(communities))
	for _, c := range communities {
		out = append(out, map[string]any{
			"level":     int64(c.Level),
			"number":    int64(c.CommunityNumber),
			"name":      c.Name,
			"summary":   c.Summary,
			"findings":  c.Findings,
			"rating":    c.Rating,
			"synced_at": now,
		})
	}
	return out
}

func memberRecords(infos []common.CommunityInfo) []map[string]any {
	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]any{
			"node":   info.Node,
			"level":  int64(info.Level),
			"number": int64(info.Cluster),
		})
	}
	return out
}

func attributesJSON(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return ""
	}
	return string(raw)
}
