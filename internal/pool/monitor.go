// Package pool samples database and cache connection-pool saturation and
// decides when write admission should back off. The decision is cached
// between samples so the admission gate never touches the pools on the
// hot path.
package pool

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmesh/orchestrator/internal/cache"
	"github.com/taskmesh/orchestrator/internal/metrics"
	"github.com/taskmesh/orchestrator/internal/store"
)

// Thresholds configures when the monitor flips into degraded mode.
type Thresholds struct {
	DBSaturationHigh    float64 // fraction of MaxConns in use
	RedisStaleConnsHigh uint32
	SampleInterval      time.Duration
}

// DefaultThresholds returns conservative production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DBSaturationHigh:    0.9,
		RedisStaleConnsHigh: 50,
		SampleInterval:      5 * time.Second,
	}
}

// Monitor periodically samples pool saturation and exposes a cheap,
// lock-free IsDegraded() check for the admission gate to consult on every
// write, rather than querying the pools directly on the hot path.
type Monitor struct {
	db    store.Store
	cache *cache.Cache
	cfg   Thresholds

	degraded atomic.Bool

	mu          sync.Mutex
	dbAvailable bool
}

func NewMonitor(db store.Store, c *cache.Cache, cfg Thresholds) *Monitor {
	return &Monitor{db: db, cache: c, cfg: cfg, dbAvailable: true}
}

// Run samples on cfg.SampleInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	dbStats, err := m.db.PoolStats(ctx)
	dbOK := err == nil
	var dbSaturated bool
	if dbOK && dbStats.MaxConns > 0 {
		saturation := float64(dbStats.AcquiredConns) / float64(dbStats.MaxConns)
		dbSaturated = saturation >= m.cfg.DBSaturationHigh
	}

	redisStats := m.cache.PoolStats()
	redisSaturated := redisStats.StaleConns >= m.cfg.RedisStaleConnsHigh

	m.mu.Lock()
	wasAvailable := m.dbAvailable
	m.dbAvailable = dbOK
	m.mu.Unlock()

	if wasAvailable && !dbOK {
		log.Printf("pool: database unreachable, entering degraded mode")
	} else if !wasAvailable && dbOK {
		log.Printf("pool: database recovered, exiting degraded mode")
	}

	next := !dbOK || dbSaturated || redisSaturated
	if next != m.degraded.Load() {
		if next {
			log.Printf("pool: degraded mode engaged (db_ok=%v db_saturated=%v redis_saturated=%v)", dbOK, dbSaturated, redisSaturated)
		} else {
			log.Printf("pool: degraded mode cleared")
		}
	}
	m.degraded.Store(next)
	if next {
		metrics.DegradedModeActive.Set(1)
	} else {
		metrics.DegradedModeActive.Set(0)
	}
}

// IsDegraded is safe to call on every admission decision; it never
// touches the pools itself.
func (m *Monitor) IsDegraded() bool { return m.degraded.Load() }
