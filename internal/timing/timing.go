// Package timing records stage durations and predicts the duration of a
// stage from its history.
package timing

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// History window used for predictions.
const historySize = 50

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store keeps durations in the processing_times table.
type Store struct {
	db dbConn
}

func New(db dbConn) *Store {
	return &Store{db: db}
}

func (s *Store) AddProcessingTime(ctx context.Context, graphID string, amount int, duration time.Duration, stage string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO processing_times (graph_id, stage, amount, duration_ms)
VALUES ($1, $2, $3, $4);
`, graphID, stage, amount, duration.Milliseconds())
	return err
}

// PredictProcessingTime scales the mean per-unit duration of the last runs
// of stage to amount. Without history it returns zero.
func (s *Store) PredictProcessingTime(ctx context.Context, amount int, stage string) (time.Duration, error) {
	var perUnit float64
	err := s.db.QueryRow(ctx, `
SELECT COALESCE(SUM(duration_ms)::float8 / NULLIF(SUM(amount), 0), 0)
FROM (
    SELECT duration_ms, amount
    FROM processing_times
    WHERE stage = $1 AND amount > 0
    ORDER BY created_at DESC
    LIMIT $2
) recent;
`, stage, historySize).Scan(&perUnit)
	if err != nil {
		return 0, err
	}
	return time.Duration(perUnit*float64(amount)) * time.Millisecond, nil
}

type sample struct {
	amount   int
	duration time.Duration
}

// Memory is the in-process variant used by the local runtime.
type Memory struct {
	mu      sync.Mutex
	samples map[string][]sample
}

func NewMemory() *Memory {
	return &Memory{samples: make(map[string][]sample)}
}

func (m *Memory) AddProcessingTime(ctx context.Context, graphID string, amount int, duration time.Duration, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.samples[stage], sample{amount: amount, duration: duration})
	if len(list) > historySize {
		list = list[len(list)-historySize:]
	}
	m.samples[stage] = list
	return nil
}

func (m *Memory) PredictProcessingTime(ctx context.Context, amount int, stage string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var units int
	var total time.Duration
	for _, s := range m.samples[stage] {
		if s.amount <= 0 {
			continue
		}
		units += s.amount
		total += s.duration
	}
	if units == 0 {
		return 0, nil
	}
	return total / time.Duration(units) * time.Duration(amount), nil
}
