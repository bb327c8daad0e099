// Package admission gates write-heavy entry points (heartbeat ingest,
// subtask result reporting, task submission) behind a token-bucket rate
// limiter and the pool monitor's degraded-mode signal. Limiters are kept
// in a named registry, one per write surface.
package admission

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/taskmesh/orchestrator/internal/orcherr"
	"github.com/taskmesh/orchestrator/internal/pool"
)

// Gate bundles named rate limiters with the pool monitor's degraded-mode
// check so every write path shares one admission decision point.
type Gate struct {
	monitor *pool.Monitor

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	configs  map[string]limiterConfig
}

type limiterConfig struct {
	rps   float64
	burst int
}

// NewGate constructs a gate with per-endpoint limiter tuning: heartbeat
// is high frequency/high burst, task submission low frequency/low burst.
func NewGate(monitor *pool.Monitor) *Gate {
	return &Gate{
		monitor:  monitor,
		limiters: make(map[string]*rate.Limiter),
		configs: map[string]limiterConfig{
			"heartbeat":         {rps: 100, burst: 200},
			"subtask_report":    {rps: 50, burst: 100},
			"task_submission":   {rps: 10, burst: 20},
			"checkpoint_review": {rps: 20, burst: 40},
		},
	}
}

func (g *Gate) limiterFor(endpoint string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[endpoint]; ok {
		return l
	}
	cfg, ok := g.configs[endpoint]
	if !ok {
		cfg = limiterConfig{rps: 20, burst: 40}
	}
	l := rate.NewLimiter(rate.Limit(cfg.rps), cfg.burst)
	g.limiters[endpoint] = l
	return l
}

// Admit returns nil if the call may proceed, or a RATE_001/SERVICE_003
// taxonomy error describing why it was rejected. Degraded mode is
// checked first since it is a cheap atomic load and should block
// low-priority writes before they ever touch the limiter.
func (g *Gate) Admit(endpoint string) error {
	if g.monitor != nil && g.monitor.IsDegraded() && !isPriorityEndpoint(endpoint) {
		return orcherr.DBUnavailable(nil, "admission for %s rejected: store degraded", endpoint)
	}
	if !g.limiterFor(endpoint).Allow() {
		return orcherr.RateLimited(0, "admission for %s rejected: rate limit exceeded", endpoint)
	}
	return nil
}

// isPriorityEndpoint marks writes that must still be admitted even while
// degraded: dropping heartbeats causes worker deregistration storms.
func isPriorityEndpoint(endpoint string) bool {
	return endpoint == "heartbeat"
}
