package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) GetGraph(ctx context.Context, id string) (*common.Graph, error) {
	var (
		g     common.Graph
		stats []byte
	)
	err := s.conn.QueryRow(ctx, `
SELECT id, name, description, statistics, status, created_at, updated_at
FROM graphs
WHERE id = $1;
`, id).Scan(&g.ID, &g.Name, &g.Description, &stats, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	if isNoRows(err) {
		return nil, fmt.Errorf("graph %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &g.Statistics); err != nil {
			return nil, common.Malformed("graph_statistics", err)
		}
	}
	return &g, nil
}

// UpsertGraph keeps created_at of an existing graph.
func (s *Store) UpsertGraph(ctx context.Context, graph common.Graph) error {
	stats, err := json.Marshal(graph.Statistics)
	if err != nil {
		return common.Invalid("graph_statistics", err)
	}
	if graph.Statistics == nil {
		stats = []byte("{}")
	}
	_, err = s.conn.Exec(ctx, `
INSERT INTO graphs (id, name, description, statistics, status, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5, COALESCE($6, now()), now())
ON CONFLICT (id) DO UPDATE
SET name        = EXCLUDED.name,
    description = EXCLUDED.description,
    statistics  = EXCLUDED.statistics,
    status      = EXCLUDED.status,
    updated_at  = now();
`, graph.ID, graph.Name, graph.Description, string(stats), string(graph.Status), nullTime(graph.CreatedAt))
	return err
}

func (s *Store) GetDocumentsOverview(ctx context.Context, filter store.DocumentFilter) ([]common.DocumentOverview, error) {
	var statuses []string
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	var graphID *string
	if filter.GraphID != "" {
		graphID = &filter.GraphID
	}
	rows, err := s.conn.Query(ctx, `
SELECT id, graph_id, title, restructuring_status, created_at, updated_at
FROM documents
WHERE ($1::text IS NULL OR graph_id = $1)
  AND ($2::text[] IS NULL OR id = ANY($2))
  AND ($3::text[] IS NULL OR restructuring_status = ANY($3))
ORDER BY created_at, id;
`, graphID, filterIDs(filter.IDs), filterIDs(statuses))
	if err != nil {
		return nil, err
	}
	return pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (common.DocumentOverview, error) {
		var d common.DocumentOverview
		err := row.Scan(&d.ID, &d.GraphID, &d.Title, &d.RestructuringStatus, &d.CreatedAt, &d.UpdatedAt)
		return d, err
	})
}

// UpsertDocumentsOverview writes the documents in one transaction. Empty
// graph id and title keep the stored values.
func (s *Store) UpsertDocumentsOverview(ctx context.Context, docs ...common.DocumentOverview) error {
	if len(docs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgxv5.Tx) error {
		b := &pgxv5.Batch{}
		for _, d := range docs {
			if d.ID == "" {
				return common.Invalid("document_id", fmt.Errorf("document overview without id"))
			}
			b.Queue(`
INSERT INTO documents (id, graph_id, title, restructuring_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, COALESCE($5, now()), now())
ON CONFLICT (id) DO UPDATE
SET graph_id             = COALESCE(NULLIF(EXCLUDED.graph_id, ''), documents.graph_id),
    title                = COALESCE(NULLIF(EXCLUDED.title, ''), documents.title),
    restructuring_status = EXCLUDED.restructuring_status,
    updated_at           = now();
`, d.ID, d.GraphID, d.Title, string(d.RestructuringStatus), nullTime(d.CreatedAt))
		}
		return sendBatch(ctx, tx, b)
	})
}
