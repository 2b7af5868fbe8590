package pgx

import (
	"context"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// CreateCommunityInfo replaces all assignments of the graph in one
// transaction.
func (s *Store) CreateCommunityInfo(ctx context.Context, graphID string, infos []common.CommunityInfo) error {
	return s.inTx(ctx, func(tx pgxv5.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM community_info WHERE graph_id = $1;`, graphID); err != nil {
			return err
		}
		if len(infos) == 0 {
			return nil
		}
		_, err := tx.CopyFrom(ctx,
			pgxv5.Identifier{"community_info"},
			[]string{"graph_id", "node", "cluster", "parent_cluster", "level", "is_final_cluster"},
			pgxv5.CopyFromSlice(len(infos), func(i int) ([]any, error) {
				info := infos[i]
				return []any{graphID, info.Node, info.Cluster, info.ParentCluster, info.Level, info.IsFinalCluster}, nil
			}),
		)
		return err
	})
}

func (s *Store) GetCommunityInfo(ctx context.Context, graphID string, filter store.CommunityInfoFilter) ([]common.CommunityInfo, error) {
	rows, err := s.conn.Query(ctx, `
SELECT node, cluster, parent_cluster, level, is_final_cluster
FROM community_info
WHERE graph_id = $1
  AND ($2::int IS NULL OR level = $2)
  AND ($3::int IS NULL OR cluster = $3)
ORDER BY level, cluster, node;
`, graphID, filter.Level, filter.Cluster)
	if err != nil {
		return nil, err
	}
	return pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (common.CommunityInfo, error) {
		info := common.CommunityInfo{GraphID: graphID}
		err := row.Scan(&info.Node, &info.Cluster, &info.ParentCluster, &info.Level, &info.IsFinalCluster)
		return info, err
	})
}

const upsertCommunitySQL = `
INSERT INTO communities (
    graph_id, level, community_number, name, summary, findings, rating,
    rating_explanation, embedding, attributes, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, COALESCE($11, now()))
ON CONFLICT (graph_id, level, community_number) DO UPDATE
SET name               = EXCLUDED.name,
    summary            = EXCLUDED.summary,
    findings           = EXCLUDED.findings,
    rating             = EXCLUDED.rating,
    rating_explanation = EXCLUDED.rating_explanation,
    embedding          = EXCLUDED.embedding,
    attributes         = EXCLUDED.attributes,
    created_at         = EXCLUDED.created_at;
`

func (s *Store) CreateCommunities(ctx context.Context, communities []common.Community) error {
	return store.ChunkRange(len(communities), batchSize, func(start, end int) error {
		return s.inTx(ctx, func(tx pgxv5.Tx) error {
			b := &pgxv5.Batch{}
			for _, c := range communities[start:end] {
				attrs, err := encodeJSON(c.Attributes)
				if err != nil {
					return err
				}
				b.Queue(upsertCommunitySQL,
					c.GraphID, c.Level, c.CommunityNumber, c.Name, util.SanitizePostgresText(c.Summary), strs(c.Findings), c.Rating,
					c.RatingExplanation, vector(c.Embedding), attrs, nullTime(c.CreatedAt))
			}
			return sendBatch(ctx, tx, b)
		})
	})
}

func (s *Store) GetCommunities(ctx context.Context, graphID string, level *int) ([]common.Community, error) {
	rows, err := s.conn.Query(ctx, `
SELECT level, community_number, name, summary, findings, rating, rating_explanation,
       embedding, attributes, created_at
FROM communities
WHERE graph_id = $1
  AND ($2::int IS NULL OR level = $2)
ORDER BY level, community_number;
`, graphID, level)
	if err != nil {
		return nil, err
	}
	return pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (common.Community, error) {
		var (
			c     = common.Community{GraphID: graphID}
			emb   *pgvector.Vector
			attrs []byte
		)
		if err := row.Scan(&c.Level, &c.CommunityNumber, &c.Name, &c.Summary, &c.Findings, &c.Rating,
			&c.RatingExplanation, &emb, &attrs, &c.CreatedAt); err != nil {
			return c, err
		}
		c.Embedding = floats(emb)
		var err error
		c.Attributes, err = decodeJSON(attrs)
		return c, err
	})
}

func (s *Store) DeleteCommunities(ctx context.Context, graphID string) error {
	_, err := s.conn.Exec(ctx, `DELETE FROM communities WHERE graph_id = $1;`, graphID)
	return err
}

func (s *Store) CountCommunities(ctx context.Context, graphID string) (int, error) {
	var n int
	err := s.conn.QueryRow(ctx, `SELECT count(*) FROM communities WHERE graph_id = $1;`, graphID).Scan(&n)
	return n, err
}
