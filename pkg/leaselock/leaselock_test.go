package leaselock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeRow struct {
	key string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.key
	return nil
}

// fakeLeases keeps holders in memory and answers the lease statements.
type fakeLeases struct {
	mu       sync.Mutex
	holders  map[string]string
	released int
	claimErr error
}

func newFakeLeases() *fakeLeases {
	return &fakeLeases{holders: map[string]string{}}
}

func (f *fakeLeases) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	key, token := args[0].(string), args[1].(string)
	f.mu.Lock()
	defer f.mu.Unlock()
	switch sql {
	case claimSQL:
		if f.claimErr != nil {
			return fakeRow{err: f.claimErr}
		}
		if h, ok := f.holders[key]; ok && h != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
		f.holders[key] = token
		return fakeRow{key: key}
	case renewSQL:
		if f.holders[key] != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{key: key}
	}
	return fakeRow{err: errors.New("unexpected statement")}
}

func (f *fakeLeases) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	key, token := args[0].(string), args[1].(string)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holders[key] == token {
		delete(f.holders, key)
		f.released++
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeLeases) steal(key string) {
	f.mu.Lock()
	f.holders[key] = "someone-else"
	f.mu.Unlock()
}

func TestAcquire_BusyKeyIsConflict(t *testing.T) {
	f := newFakeLeases()
	c := &Client{db: f}

	first, err := c.Acquire(t.Context(), "kg-enrich:g1", Options{TTL: time.Minute})
	require.NoError(t, err)

	_, err = c.Acquire(t.Context(), "kg-enrich:g1", Options{TTL: time.Minute})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, common.KindConflict, common.KindOf(err))

	require.NoError(t, first.Release(t.Context()))
	assert.Equal(t, 1, f.released)
	assert.Error(t, first.Context().Err())

	again, err := c.Acquire(t.Context(), "kg-enrich:g1", Options{TTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, again.Release(t.Context()))
}

func TestAcquire_Rejects(t *testing.T) {
	c := &Client{db: newFakeLeases()}
	_, err := c.Acquire(t.Context(), "", Options{})
	assert.Equal(t, common.KindInvalid, common.KindOf(err))

	f := newFakeLeases()
	f.claimErr = errors.New("connection refused")
	_, err = (&Client{db: f}).Acquire(t.Context(), "k", Options{})
	assert.Equal(t, common.KindTransient, common.KindOf(err))
}

func TestLease_LostRenewalCancelsContext(t *testing.T) {
	f := newFakeLeases()
	c := &Client{db: f}
	l, err := c.Acquire(t.Context(), "k", Options{TTL: 200 * time.Millisecond})
	require.NoError(t, err)

	f.steal("k")
	select {
	case <-l.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lease context not cancelled after takeover")
	}
	assert.ErrorIs(t, context.Cause(l.Context()), ErrLost)

	require.NoError(t, l.Release(t.Context()))
	assert.Zero(t, f.released)
}

func TestGate_WaitsForHolder(t *testing.T) {
	f := newFakeLeases()
	c := &Client{db: f}
	held, err := c.Acquire(t.Context(), "kg-enrich:g1", Options{TTL: time.Minute})
	require.NoError(t, err)

	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- NewGate(c, time.Minute).WithGate(t.Context(), "kg-enrich:g1", func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())
	require.NoError(t, held.Release(t.Context()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gate did not run after release")
	}
	assert.True(t, ran.Load())
	assert.Equal(t, 2, f.released)
}

func TestPause_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pause(ctx, time.Hour, 0), context.Canceled)
	assert.NoError(t, pause(context.Background(), 0, 0))
}

// Needs the kg_leases table from the pkg/db migrations.
func TestGate_SerializesOnPostgres(t *testing.T) {
	url := os.Getenv("KGRAPH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("KGRAPH_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(t.Context(), url)
	require.NoError(t, err)
	defer pool.Close()

	gate := NewGate(New(pool), 5*time.Second)
	var inside, maxInside atomic.Int32
	var eg errgroup.Group
	for range 4 {
		eg.Go(func() error {
			return gate.WithGate(t.Context(), "leaselock-test", func(ctx context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(20 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), maxInside.Load())
}
