// Package cache is the optional Redis layer in front of the ledger: a result
// cache for replays and an in-flight lock that absorbs duplicate concurrent
// settle calls. The database stays authoritative; every method degrades to a
// miss when Redis is not configured.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"raffle/internal/config"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Cache wraps a Redis client. A nil *Cache or one without a client is valid
// and behaves as always-miss, always-lock.
type Cache struct {
	rdb       *goredis.Client
	lockTTL   time.Duration
	resultTTL time.Duration
}

// NewClient connects to Redis, or returns nil when addr is empty.
func NewClient(cfg config.RedisConfig) *goredis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New builds a cache on rdb, which may be nil.
func New(rdb *goredis.Client, lockTTL, resultTTL time.Duration) *Cache {
	if lockTTL <= 0 {
		lockTTL = 45 * time.Second
	}
	if resultTTL <= 0 {
		resultTTL = 10 * time.Minute
	}
	return &Cache{rdb: rdb, lockTTL: lockTTL, resultTTL: resultTTL}
}

// Enabled reports whether a Redis client is configured.
func (c *Cache) Enabled() bool { return c != nil && c.rdb != nil }

// Ping probes Redis within timeout. A disabled cache is always healthy.
func (c *Cache) Ping(ctx context.Context, timeout time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.rdb.Ping(cctx).Err()
}

// GetJSON loads key into out. Reports false on a miss, a disabled cache or an
// undecodable value.
func (c *Cache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	bs, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "redis get %s", key)
	}
	if err := json.Unmarshal(bs, out); err != nil {
		logger.Warningf("[Cache] drop undecodable value: key=%s err=%v", key, err)
		return false, nil
	}
	return true, nil
}

// SetJSON stores v under key with the result TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) error {
	if !c.Enabled() {
		return nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(c.rdb.Set(ctx, key, bs, c.resultTTL).Err(), "redis set %s", key)
}

// Lock acquires the in-flight lock for key. ok is false when another caller
// holds it. release is always non-nil and safe to call once.
func (c *Cache) Lock(ctx context.Context, key string) (release func(), ok bool, err error) {
	noop := func() {}
	if !c.Enabled() {
		return noop, true, nil
	}
	token := uuid.NewString()
	ok, err = c.rdb.SetNX(ctx, key, token, c.lockTTL).Result()
	if err != nil {
		return noop, false, errors.Wrapf(err, "redis setnx %s", key)
	}
	if !ok {
		return noop, false, nil
	}
	return func() {
		// Released on a fresh context so a cancelled request still frees the lock.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, c.rdb, []string{key}, token).Err(); err != nil {
			logger.Warningf("[Cache] lock release failed: key=%s err=%v", key, err)
		}
	}, true, nil
}
