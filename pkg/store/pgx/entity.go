package pgx

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const upsertChunkSQL = `
INSERT INTO chunks (id, document_id, idx, start_pos, end_pos, text)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET document_id = EXCLUDED.document_id,
    idx         = EXCLUDED.idx,
    start_pos   = EXCLUDED.start_pos,
    end_pos     = EXCLUDED.end_pos,
    text        = EXCLUDED.text;
`

func (s *Store) CreateChunks(ctx context.Context, chunks []common.Chunk) error {
	return store.ChunkRange(len(chunks), batchSize, func(start, end int) error {
		return s.inTx(ctx, func(tx pgxv5.Tx) error {
			b := &pgxv5.Batch{}
			for _, c := range chunks[start:end] {
				b.Queue(upsertChunkSQL, c.ID, c.DocumentID, c.Index, c.Start, c.End, util.SanitizePostgresText(c.Text))
			}
			return sendBatch(ctx, tx, b)
		})
	})
}

func (s *Store) GetChunks(ctx context.Context, documentID string) ([]common.Chunk, error) {
	rows, err := s.conn.Query(ctx, `
SELECT id, document_id, idx, start_pos, end_pos, text
FROM chunks
WHERE document_id = $1
ORDER BY idx;
`, documentID)
	if err != nil {
		return nil, err
	}
	return pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (common.Chunk, error) {
		var c common.Chunk
		err := row.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Start, &c.End, &c.Text)
		return c, err
	})
}

const upsertEntitySQL = `
INSERT INTO entities (
    scope_type, scope_id, id, name, category, description, embedding,
    chunk_ids, document_ids, graph_ids, attributes, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, COALESCE($12, now()))
ON CONFLICT (scope_type, scope_id, id) DO UPDATE
SET name         = EXCLUDED.name,
    category     = EXCLUDED.category,
    description  = EXCLUDED.description,
    embedding    = EXCLUDED.embedding,
    chunk_ids    = EXCLUDED.chunk_ids,
    document_ids = EXCLUDED.document_ids,
    graph_ids    = EXCLUDED.graph_ids,
    attributes   = EXCLUDED.attributes;
`

const updateEntitySQL = `
UPDATE entities
SET name         = $4,
    category     = $5,
    description  = $6,
    embedding    = $7,
    chunk_ids    = $8,
    document_ids = $9,
    graph_ids    = $10,
    attributes   = $11::jsonb
WHERE scope_type = $1 AND scope_id = $2 AND id = $3;
`

func (s *Store) CreateEntities(ctx context.Context, scope store.Scope, entities []common.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	logger.Debug("[Store] Saving entities", "scope", scope.String(), "entities", len(entities))
	return s.writeEntities(ctx, scope, entities, upsertEntitySQL, true)
}

// UpdateEntities rewrites existing entities. Unknown ids are ignored.
func (s *Store) UpdateEntities(ctx context.Context, scope store.Scope, entities []common.Entity) error {
	return s.writeEntities(ctx, scope, entities, updateEntitySQL, false)
}

func (s *Store) writeEntities(ctx context.Context, scope store.Scope, entities []common.Entity, sql string, create bool) error {
	return store.ChunkRange(len(entities), batchSize, func(start, end int) error {
		return s.inTx(ctx, func(tx pgxv5.Tx) error {
			b := &pgxv5.Batch{}
			for _, e := range entities[start:end] {
				if e.ID == "" {
					return common.Invalid("entity_id", fmt.Errorf("entity %q has no id", e.Name))
				}
				attrs, err := encodeJSON(e.Attributes)
				if err != nil {
					return err
				}
				args := []any{
					string(scope.Type), scope.ParentID, e.ID, util.SanitizePostgresText(e.Name), e.Category, util.SanitizePostgresText(e.Description),
					vector(e.DescriptionEmbedding), strs(e.ChunkIDs), strs(e.DocumentIDs), strs(e.GraphIDs), attrs,
				}
				if create {
					args = append(args, nullTime(e.CreatedAt))
				}
				b.Queue(sql, args...)
			}
			return sendBatch(ctx, tx, b)
		})
	})
}

func (s *Store) GetEntities(ctx context.Context, scope store.Scope, filter store.EntityFilter) ([]common.Entity, error) {
	rows, err := s.conn.Query(ctx, `
SELECT id, name, category, description, embedding, chunk_ids, document_ids, graph_ids, attributes, created_at
FROM entities
WHERE scope_type = $1 AND scope_id = $2
  AND ($3::text[] IS NULL OR id = ANY($3))
  AND ($4::text[] IS NULL OR document_ids && $4)
ORDER BY created_at, id;
`, string(scope.Type), scope.ParentID, filterIDs(filter.IDs), filterIDs(filter.DocumentIDs))
	if err != nil {
		return nil, err
	}
	return pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (common.Entity, error) {
		var (
			e     common.Entity
			emb   *pgvector.Vector
			attrs []byte
		)
		if err := row.Scan(&e.ID, &e.Name, &e.Category, &e.Description, &emb,
			&e.ChunkIDs, &e.DocumentIDs, &e.GraphIDs, &attrs, &e.CreatedAt); err != nil {
			return e, err
		}
		e.DescriptionEmbedding = floats(emb)
		var err error
		e.Attributes, err = decodeJSON(attrs)
		return e, err
	})
}

func (s *Store) DeleteEntities(ctx context.Context, scope store.Scope, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.conn.Exec(ctx, `
DELETE FROM entities
WHERE scope_type = $1 AND scope_id = $2 AND id = ANY($3);
`, string(scope.Type), scope.ParentID, ids)
	return err
}

// DeleteScope removes the entities and relationships of a scope, and the
// chunks as well for a document scope.
func (s *Store) DeleteScope(ctx context.Context, scope store.Scope) error {
	return s.inTx(ctx, func(tx pgxv5.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE scope_type = $1 AND scope_id = $2;`,
			string(scope.Type), scope.ParentID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM relationships WHERE scope_type = $1 AND scope_id = $2;`,
			string(scope.Type), scope.ParentID); err != nil {
			return err
		}
		if scope.Type == common.StoreTypeDocument {
			if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1;`, scope.ParentID); err != nil {
				return err
			}
		}
		return nil
	})
}
