// Package health runs the periodic worker-liveness sweep. A stale worker
// is marked offline and its in-flight subtasks are transactionally
// requeued in the same pass, since losing a worker mid-subtask would
// otherwise strand those subtasks forever.
package health

import (
	"context"
	"log"
	"time"

	"github.com/taskmesh/orchestrator/internal/cache"
	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/metrics"
	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/store"
)

// Checker periodically marks stale workers offline and requeues their work.
type Checker struct {
	store     store.Store
	cache     *cache.Cache
	bus       eventbus.Publisher
	interval  time.Duration
	threshold time.Duration

	// OnRequeue is invoked with each reaped worker's requeued subtask
	// ids, letting the scheduler wake up immediately instead of waiting
	// for its own tick.
	OnRequeue func(subtaskIDs []string)
}

func NewChecker(s store.Store, c *cache.Cache, bus eventbus.Publisher, interval, threshold time.Duration) *Checker {
	return &Checker{store: s, cache: c, bus: bus, interval: interval, threshold: threshold}
}

// Start launches the sweep loop in a goroutine; callers (the leader-gated
// wiring in cmd/orchestratord) are responsible for only starting this on
// the elected leader replica.
func (c *Checker) Start(ctx context.Context) {
	go c.loop(ctx)
}

func (c *Checker) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	log.Printf("health: starting worker liveness sweep (interval=%v threshold=%v)", c.interval, c.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one liveness pass. Exported so a one-shot caller (tests, an
// admin surface) can force a pass without waiting for the ticker.
func (c *Checker) Sweep(ctx context.Context) {
	stale, err := c.store.ListStaleWorkers(ctx, time.Now(), c.threshold)
	if err != nil {
		log.Printf("health: failed to list stale workers: %v", err)
		return
	}

	online, err := c.store.ListWorkers(ctx, model.WorkerOnline)
	if err == nil {
		metrics.WorkerSaturation.Set(saturation(online))
	}

	for _, w := range stale {
		c.reap(ctx, w)
	}
}

func (c *Checker) reap(ctx context.Context, w *model.Worker) {
	log.Printf("health: worker %s (%s) heartbeat expired, last seen %v ago, marking offline",
		w.ID, w.MachineID, time.Since(w.LastHeartbeat))

	requeued, err := c.store.ReapWorker(ctx, w.ID)
	if err != nil {
		log.Printf("health: failed to reap worker %s: %v", w.ID, err)
		return
	}

	if c.cache != nil {
		_ = c.cache.ClearStatus(ctx, cache.EntityWorker, w.ID)
		for _, id := range requeued {
			if err := c.cache.RequeueAtomic(ctx, id); err != nil {
				log.Printf("health: cache requeue of subtask %s: %v", id, err)
			}
		}
	}

	if c.bus != nil {
		// The event fans out on every task that lost a subtask, so
		// subscribed clients learn which of their work is affected.
		tasks := make(map[string][]string)
		for _, id := range requeued {
			if sub, err := c.store.GetSubtask(ctx, id); err == nil {
				tasks[sub.TaskID] = append(tasks[sub.TaskID], id)
			}
		}
		for taskID, subtaskIDs := range tasks {
			_ = c.bus.Publish(ctx, taskID, eventbus.Envelope{
				Type: eventbus.EventWorkerOffline,
				Data: map[string]any{
					"worker_id":         w.ID,
					"requeued_subtasks": subtaskIDs,
				},
			})
		}
	}

	if len(requeued) > 0 && c.OnRequeue != nil {
		c.OnRequeue(requeued)
	}
}

func saturation(workers []*model.Worker) float64 {
	if len(workers) == 0 {
		return 0
	}
	busy := 0
	for _, w := range workers {
		if w.Status == model.WorkerBusy {
			busy++
		}
	}
	return float64(busy) / float64(len(workers))
}
