// Package pgx implements store.GraphStorage and store.StatusStorage on
// PostgreSQL with pgvector.
package pgx

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Rows per write batch.
const batchSize = 500

// Store persists the graph and the document statuses. The pool must have
// the pgvector types registered, see db.Connect.
type Store struct {
	conn pgxIConn
}

func New(conn pgxIConn) *Store {
	return &Store{conn: conn}
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx pgxv5.Tx) error) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// sendBatch queues every statement and drains the results.
func sendBatch(ctx context.Context, tx pgxv5.Tx, b *pgxv5.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return tx.SendBatch(ctx, b).Close()
}

func vector(v []float32) *pgvector.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

func floats(v *pgvector.Vector) []float32 {
	if v == nil {
		return nil
	}
	return v.Slice()
}

// strs keeps text[] columns NOT NULL.
func strs(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// filterIDs maps an empty filter to NULL so "$n::text[] IS NULL" matches.
func filterIDs(v []string) []string {
	if len(v) == 0 {
		return nil
	}
	return v
}

func encodeJSON(v map[string]any) (*string, error) {
	if len(v) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, common.Invalid("attributes", err)
	}
	out := string(raw)
	return &out, nil
}

func decodeJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, common.Malformed("attributes", err)
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgxv5.ErrNoRows)
}

var (
	_ store.GraphStorage  = (*Store)(nil)
	_ store.StatusStorage = (*Store)(nil)
)
