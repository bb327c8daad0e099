// Package cache wraps go-redis/v9 with the typed operations the
// orchestration engine needs: the global pending queue of subtask ids,
// short-lived status mirrors, per-client mailboxes, pub/sub fan-out, rate
// limiting, and distributed locks. Lua scripts are preloaded at startup
// so the hot path never ships script text. Calls are guarded by an
// optional circuit breaker, except GetLockOwner, ScanLocks and Subscribe,
// which go to Redis directly; degraded-path behavior on breaker-open lives
// with the callers that have an authoritative fallback (the store for
// status, the in-process limiter for rate checks).
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/orchestrator/internal/breaker"
	"github.com/taskmesh/orchestrator/internal/orcherr"
)

const (
	renewLockScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`
	releaseLockScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return 0
end
if val == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return -2
end
`
)

// Cache is the Redis-backed adapter for the pending queue, status mirrors,
// mailboxes, pub/sub, rate limits and locks.
type Cache struct {
	client  *redis.Client
	breaker *breaker.Breaker

	renewLockSHA   string
	releaseLockSHA string
	requeueSHA     string
	bindSHA        string
	drainSHA       string
}

// New dials Redis and preloads the Lua scripts used on the hot path.
// The breaker may be nil for tests.
func New(ctx context.Context, addr, password string, db int, b *breaker.Breaker) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, orcherr.CacheUnavailable(err, "ping redis at %s", addr)
	}

	c := &Cache{client: client, breaker: b}
	scripts := []struct {
		text string
		sha  *string
	}{
		{renewLockScript, &c.renewLockSHA},
		{releaseLockScript, &c.releaseLockSHA},
		{requeueScript, &c.requeueSHA},
		{bindScript, &c.bindSHA},
		{drainScript, &c.drainSHA},
	}
	for _, s := range scripts {
		sha, err := client.ScriptLoad(ctx, s.text).Result()
		if err != nil {
			return nil, orcherr.CacheUnavailable(err, "preload lua script")
		}
		*s.sha = sha
	}
	return c, nil
}

func (c *Cache) Close() error { return c.client.Close() }

func (c *Cache) Raw() *redis.Client { return c.client }

// guard wraps a Redis operation with the circuit breaker, translating
// breaker-open into a retryable taxonomy error.
func (c *Cache) guard(fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	err := c.breaker.Call(fn)
	var boe interface{ RetryAfter() time.Duration }
	if errors.As(err, &boe) {
		return orcherr.BreakerOpen(boe.RetryAfter(), "cache breaker open")
	}
	return err
}

// evalSha runs a preloaded script, reloading it inline if Redis was
// restarted and lost the script cache.
func (c *Cache) evalSha(ctx context.Context, sha, text string, keys []string, args ...any) (any, error) {
	res, err := c.client.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && isNoScriptErr(err) {
		res, err = c.client.Eval(ctx, text, keys, args...).Result()
	}
	return res, err
}

func isNoScriptErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOSCRIPT")
}

// AcquireLock is SETNX with a TTL, used by the leader elector.
func (c *Cache) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.guard(func() error {
		var err error
		ok, err = c.client.SetNX(ctx, key, ownerID, ttl).Result()
		return err
	})
	if err != nil {
		return false, wrapCache(err, "acquire lock %s", key)
	}
	return ok, nil
}

// RenewLock extends the TTL only if ownerID still holds the lock.
func (c *Cache) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	var n int64
	err := c.guard(func() error {
		res, err := c.evalSha(ctx, c.renewLockSHA, renewLockScript, []string{key}, ownerID, int64(ttl/time.Millisecond))
		if err != nil {
			return err
		}
		n, _ = res.(int64)
		return nil
	})
	if err != nil {
		return false, wrapCache(err, "renew lock %s", key)
	}
	return n == 1, nil
}

// ReleaseLock deletes the key only if ownerID still holds it.
func (c *Cache) ReleaseLock(ctx context.Context, key, ownerID string) error {
	var n int64
	err := c.guard(func() error {
		res, err := c.evalSha(ctx, c.releaseLockSHA, releaseLockScript, []string{key}, ownerID)
		if err != nil {
			return err
		}
		n, _ = res.(int64)
		return nil
	})
	if err != nil {
		return wrapCache(err, "release lock %s", key)
	}
	if n == -2 {
		return orcherr.InvalidState("lock %s held by another owner", key)
	}
	return nil
}

// GetLockOwner returns the current lease value for a lock key, empty when
// unheld; used by the lock janitor's sweep.
func (c *Cache) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", wrapCache(err, "get lock owner %s", key)
	}
	return val, nil
}

// ScanLocks enumerates lock keys matching pattern.
func (c *Cache) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapCache(err, "scan locks %s", pattern)
	}
	return keys, nil
}

// Increment atomically bumps a counter key, used for durable-ish fencing
// epochs and advisory in-progress counts.
func (c *Cache) Increment(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.guard(func() error {
		var err error
		n, err = c.client.Incr(ctx, key).Result()
		return err
	})
	if err != nil {
		return 0, wrapCache(err, "increment %s", key)
	}
	return n, nil
}

// SetIdempotent stores value under key only if absent, returning false
// when a prior write already exists.
func (c *Cache) SetIdempotent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.guard(func() error {
		var err error
		ok, err = c.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	if err != nil {
		return false, wrapCache(err, "set idempotent key %s", key)
	}
	return ok, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	var found bool
	err := c.guard(func() error {
		b, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = b, true
		return nil
	})
	if err != nil {
		return nil, false, wrapCache(err, "get key %s", key)
	}
	return val, found, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.guard(func() error {
		return c.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return wrapCache(err, "set key %s", key)
	}
	return nil
}

// Publish fans a serialized event out to a channel and reports how many
// subscribers received it across all replicas.
func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	var n int64
	err := c.guard(func() error {
		var err error
		n, err = c.client.Publish(ctx, channel, payload).Result()
		return err
	})
	if err != nil {
		return 0, wrapCache(err, "publish to %s", channel)
	}
	return n, nil
}

// Subscribe opens a pub/sub subscription on one or more channels.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.client.Subscribe(ctx, channels...)
}

// PoolStats mirrors the Redis connection pool stats the pool monitor
// samples, paralleling PostgresStore.PoolStats.
type PoolStats struct {
	TotalConns uint32
	IdleConns  uint32
	StaleConns uint32
}

func (c *Cache) PoolStats() PoolStats {
	st := c.client.PoolStats()
	return PoolStats{TotalConns: st.TotalConns, IdleConns: st.IdleConns, StaleConns: st.StaleConns}
}

func wrapCache(err error, format string, args ...any) error {
	var oe *orcherr.Error
	if errors.As(err, &oe) {
		return err
	}
	return orcherr.CacheUnavailable(err, format, args...)
}
