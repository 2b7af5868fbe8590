package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/util"

	goredis "github.com/redis/go-redis/v9"
)

// Claimer marks a trigger key as taken by one worker.
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisClaims keeps claims as expiring Redis keys.
type RedisClaims struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisClaims(rdb *goredis.Client, ttl time.Duration) *RedisClaims {
	return &RedisClaims{rdb: rdb, ttl: ttl, prefix: "kgraph:claim:"}
}

// NewRedisClaimsFromEnv connects to REDIS_ADDR. It returns nil without an
// error when REDIS_ADDR is unset.
func NewRedisClaimsFromEnv(ctx context.Context) (*RedisClaims, error) {
	addr := strings.TrimSpace(util.GetEnv("REDIS_ADDR"))
	if addr == "" {
		return nil, nil
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    util.GetEnv("REDIS_PASSWORD"),
		DialTimeout: 5 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisClaims(rdb, util.GetEnvDuration("QUEUE_CLAIM_TTL", 6*time.Hour)), nil
}

func (c *RedisClaims) Claim(ctx context.Context, key string) (bool, error) {
	return c.rdb.SetNX(ctx, c.prefix+key, time.Now().UTC().Format(time.RFC3339), c.ttl).Result()
}

func (c *RedisClaims) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.prefix+key).Err()
}

func (c *RedisClaims) Close() error {
	return c.rdb.Close()
}
