// Package leaselock serializes critical sections across processes with
// expiring leases kept in the kg_leases table.
package leaselock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrBusy is returned when another holder owns the key and the caller
	// does not wait.
	ErrBusy = common.NewError(common.KindConflict, "lease_busy", "lease is held by another worker")
	// ErrLost is the cancel cause of a lease whose renewal found it expired
	// or taken over.
	ErrLost = common.NewError(common.KindTransient, "lease_lost", "lease expired before it was released")
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Client struct {
	db querier
}

func New(pool *pgxpool.Pool) *Client {
	return &Client{db: pool}
}

type Options struct {
	TTL time.Duration
	// Renew defaults to half the TTL.
	Renew time.Duration
	// Wait polls a busy key until it is free or ctx is done.
	Wait   bool
	Poll   time.Duration
	Jitter time.Duration
}

func (o Options) normalized() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.Renew <= 0 || o.Renew >= o.TTL {
		o.Renew = max(o.TTL/2, 100*time.Millisecond)
	}
	if o.Poll <= 0 {
		o.Poll = 250 * time.Millisecond
	}
	o.Jitter = max(o.Jitter, 0)
	return o
}

// Lease is a held key. Its context is cancelled with ErrLost when a
// renewal fails.
type Lease struct {
	Key    string
	token  string
	ctx    context.Context
	cancel context.CancelCauseFunc
	client *Client
	stop   chan struct{}
	once   sync.Once
}

func (l *Lease) Context() context.Context {
	return l.ctx
}

// Acquire takes the lease on key. An expired lease of another holder is
// taken over.
func (c *Client) Acquire(ctx context.Context, key string, opts Options) (*Lease, error) {
	if key == "" {
		return nil, common.Invalid("lease_key", errors.New("lease key is empty"))
	}
	opts = opts.normalized()
	token, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("lease token: %w", err)
	}
	ttl := opts.TTL.Milliseconds()

	for {
		ok, err := c.claim(ctx, key, token, ttl)
		if err != nil {
			return nil, common.Transient("lease_store", fmt.Errorf("acquire lease %s: %w", key, err))
		}
		if ok {
			break
		}
		if !opts.Wait {
			return nil, ErrBusy
		}
		if err := pause(ctx, opts.Poll, opts.Jitter); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		Key:    key,
		token:  token,
		ctx:    leaseCtx,
		cancel: cancel,
		client: c,
		stop:   make(chan struct{}),
	}
	go l.keepAlive(opts.Renew, ttl)
	return l, nil
}

// WithLease runs fn while holding key. fn gets the lease context.
func (c *Client) WithLease(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	l, err := c.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("[Lease] Failed to release lease", "key", key, "err", err)
		}
	}()
	return fn(l.ctx)
}

func (c *Client) claim(ctx context.Context, key, token string, ttl int64) (bool, error) {
	var got string
	err := c.db.QueryRow(ctx, claimSQL, key, token, ttl).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got != "", nil
}

// Release stops renewing and deletes the lease if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.stop)
		l.cancel(context.Canceled)
	})
	_, err := l.client.db.Exec(ctx, releaseSQL, l.Key, l.token)
	return err
}

func (l *Lease) keepAlive(every time.Duration, ttl int64) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-t.C:
			if err := l.renew(ttl); err != nil {
				logger.Warn("[Lease] Lease lost", "key", l.Key, "err", err)
				l.cancel(err)
				return
			}
		}
	}
}

func (l *Lease) renew(ttl int64) error {
	b := util.Backoff{
		MaxTries:  3,
		Base:      200 * time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, ErrLost) },
	}
	return util.RetryErrWithBackoff(l.ctx, b, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		var got string
		err := l.client.db.QueryRow(ctx, renewSQL, l.Key, l.token, ttl).Scan(&got)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		return err
	})
}

func pause(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Gate implements store.Gate on leases. A busy gate is waited for.
type Gate struct {
	client *Client
	opts   Options
}

func NewGate(client *Client, ttl time.Duration) *Gate {
	return &Gate{client: client, opts: Options{
		TTL:    ttl,
		Wait:   true,
		Poll:   100 * time.Millisecond,
		Jitter: 50 * time.Millisecond,
	}}
}

func (g *Gate) WithGate(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return g.client.WithLease(ctx, name, g.opts, fn)
}

const claimSQL = `
INSERT INTO kg_leases (lease_key, holder, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (lease_key) DO UPDATE
SET holder     = EXCLUDED.holder,
    expires_at = EXCLUDED.expires_at
WHERE kg_leases.expires_at < now()
   OR kg_leases.holder = EXCLUDED.holder
RETURNING lease_key;
`

const renewSQL = `
UPDATE kg_leases
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lease_key = $1 AND holder = $2
RETURNING lease_key;
`

const releaseSQL = `
DELETE FROM kg_leases
WHERE lease_key = $1 AND holder = $2;
`
