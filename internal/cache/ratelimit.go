package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskmesh/orchestrator/internal/orcherr"
)

// RateDecision is the outcome of a rate-limit check.
type RateDecision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// RateLimiter checks fixed-window limits against Redis, degrading to an
// in-process token bucket per scope when the cache is unavailable.
type RateLimiter struct {
	cache *Cache

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

func NewRateLimiter(c *Cache) *RateLimiter {
	return &RateLimiter{cache: c, fallback: make(map[string]*rate.Limiter)}
}

// Check counts a hit against a fixed window for scope (typically
// ip+endpoint) and reports whether the call is allowed, the remaining
// budget, and how long until the window resets.
func (r *RateLimiter) Check(ctx context.Context, scope string, limit int64, window time.Duration) (RateDecision, error) {
	key := "orchestrator:rate:" + scope
	var count int64
	var ttl time.Duration
	err := r.cache.guard(func() error {
		pipe := r.cache.client.Pipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		pttl := pipe.PTTL(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		count = incr.Val()
		ttl = pttl.Val()
		return nil
	})
	if err != nil {
		return r.checkFallback(scope, limit, window), nil
	}

	if ttl < 0 {
		ttl = window
	}
	if count > limit {
		return RateDecision{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
	}
	return RateDecision{Allowed: true, Remaining: limit - count, RetryAfter: 0}, nil
}

// checkFallback keeps rate limiting functional with degraded precision
// when Redis is down: each replica enforces the limit independently.
func (r *RateLimiter) checkFallback(scope string, limit int64, window time.Duration) RateDecision {
	r.mu.Lock()
	l, ok := r.fallback[scope]
	if !ok {
		perSecond := float64(limit) / window.Seconds()
		l = rate.NewLimiter(rate.Limit(perSecond), int(limit))
		r.fallback[scope] = l
	}
	r.mu.Unlock()

	if l.Allow() {
		return RateDecision{Allowed: true, Remaining: int64(l.Tokens())}
	}
	return RateDecision{Allowed: false, RetryAfter: window}
}

// Err converts a denied decision into the taxonomy error the edge expects.
func (d RateDecision) Err(scope string) error {
	if d.Allowed {
		return nil
	}
	return orcherr.RateLimited(d.RetryAfter, "rate limit exceeded for %s", scope)
}
