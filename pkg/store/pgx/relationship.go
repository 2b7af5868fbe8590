package pgx

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const upsertRelationshipSQL = `
INSERT INTO relationships (
    scope_type, scope_id, id, subject, predicate, object, subject_id, object_id,
    weight, description, chunk_ids, document_ids, attributes, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, COALESCE($14, now()))
ON CONFLICT (scope_type, scope_id, id) DO UPDATE
SET subject      = EXCLUDED.subject,
    predicate    = EXCLUDED.predicate,
    object       = EXCLUDED.object,
    subject_id   = EXCLUDED.subject_id,
    object_id    = EXCLUDED.object_id,
    weight       = EXCLUDED.weight,
    description  = EXCLUDED.description,
    chunk_ids    = EXCLUDED.chunk_ids,
    document_ids = EXCLUDED.document_ids,
    attributes   = EXCLUDED.attributes;
`

const updateRelationshipSQL = `
UPDATE relationships
SET subject      = $4,
    predicate    = $5,
    object       = $6,
    subject_id   = $7,
    object_id    = $8,
    weight       = $9,
    description  = $10,
    chunk_ids    = $11,
    document_ids = $12,
    attributes   = $13::jsonb
WHERE scope_type = $1 AND scope_id = $2 AND id = $3;
`

func (s *Store) CreateRelationships(ctx context.Context, scope store.Scope, relationships []common.Relationship) error {
	if len(relationships) == 0 {
		return nil
	}
	logger.Debug("[Store] Saving relationships", "scope", scope.String(), "relationships", len(relationships))
	return s.writeRelationships(ctx, scope, relationships, upsertRelationshipSQL, true)
}

// UpdateRelationships rewrites existing relationships. Unknown ids are
// ignored.
func (s *Store) UpdateRelationships(ctx context.Context, scope store.Scope, relationships []common.Relationship) error {
	return s.writeRelationships(ctx, scope, relationships, updateRelationshipSQL, false)
}

func (s *Store) writeRelationships(ctx context.Context, scope store.Scope, rels []common.Relationship, sql string, create bool) error {
	return store.ChunkRange(len(rels), batchSize, func(start, end int) error {
		return s.inTx(ctx, func(tx pgxv5.Tx) error {
			b := &pgxv5.Batch{}
			for _, r := range rels[start:end] {
				if r.ID == "" {
					return common.Invalid("relationship_id", fmt.Errorf("relationship %q -> %q has no id", r.Subject, r.Object))
				}
				attrs, err := encodeJSON(r.Attributes)
				if err != nil {
					return err
				}
				args := []any{
					string(scope.Type), scope.ParentID, r.ID, r.Subject, r.Predicate, r.Object,
					r.SubjectID, r.ObjectID, r.Weight, util.SanitizePostgresText(r.Description), strs(r.ChunkIDs), strs(r.DocumentIDs), attrs,
				}
				if create {
					args = append(args, nullTime(r.CreatedAt))
				}
				b.Queue(sql, args...)
			}
			return sendBatch(ctx, tx, b)
		})
	})
}

func (s *Store) GetRelationships(ctx context.Context, scope store.Scope, filter store.RelationshipFilter) ([]common.Relationship, error) {
	rows, err := s.conn.Query(ctx, `
SELECT id, subject, predicate, object, subject_id, object_id, weight, description,
       chunk_ids, document_ids, attributes, created_at
FROM relationships
WHERE scope_type = $1 AND scope_id = $2
  AND ($3::text[] IS NULL OR id = ANY($3))
  AND ($4::text[] IS NULL OR subject_id = ANY($4) OR object_id = ANY($4))
  AND ($5::text[] IS NULL OR document_ids && $5)
ORDER BY created_at, id;
`, string(scope.Type), scope.ParentID, filterIDs(filter.IDs), filterIDs(filter.EntityIDs), filterIDs(filter.DocumentIDs))
	if err != nil {
		return nil, err
	}
	return pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (common.Relationship, error) {
		var (
			r     common.Relationship
			attrs []byte
		)
		if err := row.Scan(&r.ID, &r.Subject, &r.Predicate, &r.Object, &r.SubjectID, &r.ObjectID,
			&r.Weight, &r.Description, &r.ChunkIDs, &r.DocumentIDs, &attrs, &r.CreatedAt); err != nil {
			return r, err
		}
		var err error
		r.Attributes, err = decodeJSON(attrs)
		return r, err
	})
}

func (s *Store) DeleteRelationships(ctx context.Context, scope store.Scope, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.conn.Exec(ctx, `
DELETE FROM relationships
WHERE scope_type = $1 AND scope_id = $2 AND id = ANY($3);
`, string(scope.Type), scope.ParentID, ids)
	return err
}
