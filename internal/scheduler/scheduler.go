// Package scheduler runs the periodic allocation loop: discover ready
// subtasks, allocate within capacity, drain the reallocation queue, and
// settle task completion. The loop is ticker-driven with an explicit
// wake channel, logs each decision as a structured line, and rehydrates
// the shared queue whenever a replica gains leadership.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taskmesh/orchestrator/internal/allocator"
	"github.com/taskmesh/orchestrator/internal/cache"
	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/metrics"
	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/timeline"
)

// Scheduler drives allocation passes and settles completions.
type Scheduler struct {
	store    store.Store
	cache    *cache.Cache
	alloc    *allocator.Allocator
	bus      eventbus.Publisher
	cfg      Config
	timeline *timeline.Store

	// OnCompletion lets the checkpoint trigger observe each settled
	// subtask without the scheduler importing checkpoint logic.
	OnCompletion func(ctx context.Context, task *model.Task, subtask *model.Subtask)

	wake chan struct{}

	mu        sync.RWMutex
	active    bool
	cyclesRun int64
	lastCycle CycleReport
}

func New(s store.Store, c *cache.Cache, a *allocator.Allocator, bus eventbus.Publisher, tl *timeline.Store, cfg Config) *Scheduler {
	if cfg.GlobalCap <= 0 {
		cfg.GlobalCap = DefaultConfig().GlobalCap
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.CycleGrace <= 0 || cfg.CycleGrace >= cfg.Interval {
		cfg.CycleGrace = cfg.Interval / 6
	}
	return &Scheduler{
		store:    s,
		cache:    c,
		alloc:    a,
		bus:      bus,
		cfg:      cfg,
		timeline: tl,
		wake:     make(chan struct{}, 1),
	}
}

// Start begins the periodic loop. Callers (the leader-gated wiring in
// cmd/orchestratord) only start this on the elected leader replica.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	log.Printf("scheduler: starting loop (interval=%v cap=%d)", s.cfg.Interval, s.cfg.GlobalCap)
	go s.loop(ctx)
}

// Stop deactivates the loop; the goroutine exits on context cancel.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	log.Printf("scheduler: stopped")
}

// Wake requests an immediate pass (subtask completion, worker
// registration, health-checker requeue) without waiting for the tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.mu.RLock()
		active := s.active
		s.mu.RUnlock()
		if !active {
			continue
		}

		cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.Interval-s.cfg.CycleGrace)
		report := s.Cycle(cycleCtx)
		cancel()

		s.mu.Lock()
		s.cyclesRun++
		s.lastCycle = report
		s.mu.Unlock()
	}
}

// Cycle runs one full scheduling pass and returns its report.
func (s *Scheduler) Cycle(ctx context.Context) CycleReport {
	start := time.Now()
	report := CycleReport{CycleStart: start}
	defer func() {
		metrics.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
		s.logReport(report)
	}()

	capacity, err := s.remainingCapacity(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	for _, task := range tasks {
		if capacity <= 0 {
			break
		}
		if task.Status == model.TaskCheckpoint {
			// A task under review allocates nothing until decided, but
			// still counts as processed for the report.
			report.TasksProcessed++
			continue
		}
		report.TasksProcessed++
		allocated, queued, errs := s.scheduleTask(ctx, task, &capacity)
		report.SubtasksAllocated += allocated
		report.SubtasksQueued += queued
		report.Errors = append(report.Errors, errs...)
	}

	drained, errs := s.drainQueue(ctx, &capacity, report.SubtasksAllocated)
	report.SubtasksAllocated += drained
	report.Errors = append(report.Errors, errs...)

	if s.cache != nil {
		if depth, err := s.cache.PendingLength(ctx); err == nil {
			metrics.SubtaskQueueDepth.WithLabelValues("all").Set(float64(depth))
		}
	}
	return report
}

// remainingCapacity computes the pass's allocation budget from the
// authoritative store count, cross-checked against the cache's advisory
// counter; a divergence is logged, never trusted.
func (s *Scheduler) remainingCapacity(ctx context.Context) (int, error) {
	inProgress, err := s.store.CountInProgressSubtasks(ctx)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		if mirror, err := s.cache.InProgressCount(ctx); err == nil && int(mirror) != inProgress {
			log.Printf("scheduler: in-progress mirror drift (db=%d cache=%d)", inProgress, mirror)
		}
	}
	metrics.SchedulerMode.WithLabelValues("normal").Set(1)
	return s.cfg.GlobalCap - inProgress, nil
}

// scheduleTask discovers and allocates one task's ready subtasks,
// decrementing capacity per successful bind.
func (s *Scheduler) scheduleTask(ctx context.Context, task *model.Task, capacity *int) (allocated, queued int, errs []string) {
	ready, err := s.readySubtasks(ctx, task.ID)
	if err != nil {
		return 0, 0, []string{fmt.Sprintf("task %s: %v", task.ID, err)}
	}

	for _, sub := range orderReady(ready) {
		if *capacity <= 0 {
			break
		}
		outcome, err := s.alloc.Allocate(ctx, task, sub)
		if err != nil {
			errs = append(errs, fmt.Sprintf("subtask %s: %v", sub.ID, err))
			continue
		}
		if outcome.Queued {
			queued++
			s.decide("QUEUE", task.ID, sub.ID, "no eligible worker")
			continue
		}
		allocated++
		*capacity--
		s.decide("DISPATCH", task.ID, sub.ID, "")
		if task.Status == model.TaskInitializing {
			s.promoteTask(ctx, task)
		}
	}
	return allocated, queued, errs
}

// readySubtasks answers "which subtasks of task T are ready" with two
// store reads and an in-process subset filter, never a per-subtask query.
func (s *Scheduler) readySubtasks(ctx context.Context, taskID string) ([]*model.Subtask, error) {
	pending, err := s.store.ListSubtasksByStatus(ctx, taskID, model.SubtaskStatusPending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	completed, err := s.store.CompletedSubtaskIDs(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var ready []*model.Subtask
	for _, sub := range pending {
		if model.DependenciesSatisfied(sub.Dependencies, completed) {
			ready = append(ready, sub)
		}
	}
	return ready, nil
}

// promoteTask moves a task from initializing to in_progress on its first
// successful allocation.
func (s *Scheduler) promoteTask(ctx context.Context, task *model.Task) {
	if err := s.store.UpdateTaskStatus(ctx, task.ID, model.TaskInitializing, model.TaskInProgress, task.Version); err != nil {
		log.Printf("scheduler: promote task %s: %v", task.ID, err)
		return
	}
	task.Status = model.TaskInProgress
	task.Version++
	s.publish(ctx, task.ID, eventbus.EventStatus, map[string]any{"status": string(model.TaskInProgress)})
}

// drainQueue reallocates queued subtasks from the shared pending queue,
// bounded per cycle by attempts and batch size. Without a usable cache
// it drains from the authoritative store instead, so queued work still
// moves during a cache outage.
func (s *Scheduler) drainQueue(ctx context.Context, capacity *int, alreadyAllocated int) (allocated int, errs []string) {
	if s.cache == nil {
		return s.drainFromStore(ctx, capacity, alreadyAllocated)
	}
	attempts := 0
	for *capacity > 0 &&
		attempts < s.cfg.MaxQueueAllocationAttempts &&
		alreadyAllocated+allocated < s.cfg.AllocationBatchSize {
		attempts++
		id, err := s.cache.PopPending(ctx)
		if err != nil {
			errs = append(errs, fmt.Sprintf("queue pop: %v", err))
			fallbackAllocated, fallbackErrs := s.drainFromStore(ctx, capacity, alreadyAllocated+allocated)
			return allocated + fallbackAllocated, append(errs, fallbackErrs...)
		}
		if id == "" {
			break
		}
		sub, err := s.store.GetSubtask(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Sprintf("queued subtask %s: %v", id, err))
			continue
		}
		if sub.Status != model.SubtaskStatusQueued {
			// Stale queue entry (cancelled or already bound elsewhere).
			continue
		}
		task, err := s.store.GetTask(ctx, sub.TaskID)
		if err != nil {
			errs = append(errs, fmt.Sprintf("task %s: %v", sub.TaskID, err))
			continue
		}
		if task.Status.IsTerminal() || task.Status == model.TaskCheckpoint {
			continue
		}
		outcome, err := s.alloc.Allocate(ctx, task, sub)
		if err != nil {
			errs = append(errs, fmt.Sprintf("reallocate %s: %v", id, err))
			continue
		}
		if !outcome.Queued {
			allocated++
			*capacity--
			s.decide("REALLOCATE", task.ID, sub.ID, "")
		}
	}
	return allocated, errs
}

// drainFromStore is the cache-outage path: enumerate queued subtasks of
// active tasks directly and attempt reallocation within the same bounds.
func (s *Scheduler) drainFromStore(ctx context.Context, capacity *int, alreadyAllocated int) (allocated int, errs []string) {
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return 0, []string{fmt.Sprintf("store drain: %v", err)}
	}
	for _, task := range tasks {
		if task.Status == model.TaskCheckpoint {
			continue
		}
		queued, err := s.store.ListSubtasksByStatus(ctx, task.ID, model.SubtaskStatusQueued)
		if err != nil {
			errs = append(errs, fmt.Sprintf("store drain task %s: %v", task.ID, err))
			continue
		}
		for _, sub := range queued {
			if *capacity <= 0 || alreadyAllocated+allocated >= s.cfg.AllocationBatchSize {
				return allocated, errs
			}
			outcome, err := s.alloc.Allocate(ctx, task, sub)
			if err != nil {
				errs = append(errs, fmt.Sprintf("reallocate %s: %v", sub.ID, err))
				continue
			}
			if !outcome.Queued {
				allocated++
				*capacity--
				s.decide("REALLOCATE", task.ID, sub.ID, "")
			}
		}
	}
	return allocated, errs
}

// HandleCompletion settles one subtask outcome: recompute the task's
// progress, transition the task when every subtask is terminal, and hand
// the completion to the checkpoint trigger.
func (s *Scheduler) HandleCompletion(ctx context.Context, subtaskID string) error {
	sub, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	task, err := s.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return err
	}

	total, completed, failed, err := s.store.CountSubtasks(ctx, task.ID)
	if err != nil {
		return err
	}
	progress := model.Progress(completed, total)
	if progress != task.Progress {
		if err := s.store.SetTaskProgress(ctx, task.ID, progress, task.Version); err != nil {
			return err
		}
		task.Version++
		s.publish(ctx, task.ID, eventbus.EventProgress, map[string]any{"progress": progress})
	}

	subs, err := s.store.ListSubtasksByTask(ctx, task.ID)
	if err != nil {
		return err
	}
	allTerminal := true
	for _, st := range subs {
		if !st.Status.IsTerminal() {
			allTerminal = false
			break
		}
	}
	if allTerminal && !task.Status.IsTerminal() {
		to := model.TaskCompleted
		event := eventbus.EventTaskCompleted
		if failed > 0 {
			to = model.TaskFailed
			event = eventbus.EventTaskFailed
		}
		if err := s.store.UpdateTaskStatus(ctx, task.ID, task.Status, to, task.Version); err != nil {
			return err
		}
		task.Status = to
		task.Version++
		s.publish(ctx, task.ID, event, map[string]any{"progress": progress})
	}

	if s.timeline != nil {
		s.timeline.Record(timeline.Event{
			TaskID:    task.ID,
			SubtaskID: sub.ID,
			Stage:     "SETTLED",
			Metadata:  map[string]string{"status": string(sub.Status)},
		})
	}
	if s.OnCompletion != nil {
		s.OnCompletion(ctx, task, sub)
	}
	s.Wake()
	return nil
}

// CancelTask cooperatively cancels a task: the task and every
// non-terminal subtask flip to cancelled, queue and in-progress mirrors
// are scrubbed, and a task_cancelled event is published. In-flight worker
// executions discover the cancellation on their own poll path.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, task.Status, model.TaskCancelled, task.Version); err != nil {
		return err
	}
	cancelled, err := s.store.CancelNonTerminalSubtasks(ctx, taskID)
	if err != nil {
		return err
	}
	if s.cache != nil {
		for _, id := range cancelled {
			_ = s.cache.RemovePending(ctx, id)
			_ = s.cache.RemoveInProgress(ctx, id)
			_ = s.cache.ClearStatus(ctx, cache.EntitySubtask, id)
		}
		_ = s.cache.SetStatus(ctx, cache.EntityTask, taskID, string(model.TaskCancelled), 10*time.Minute)
	}
	s.publish(ctx, taskID, eventbus.EventTaskCancelled, map[string]any{"cancelled_subtasks": len(cancelled)})
	return nil
}

// RehydrateQueue repopulates the shared pending queue from the
// authoritative store, called when a replica gains leadership. The
// remove-then-push keeps an entry that survived in Redis from appearing
// twice.
func (s *Scheduler) RehydrateQueue(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, task := range tasks {
		queued, err := s.store.ListSubtasksByStatus(ctx, task.ID, model.SubtaskStatusQueued)
		if err != nil {
			return err
		}
		for _, sub := range queued {
			_ = s.cache.RemovePending(ctx, sub.ID)
			if err := s.cache.PushPending(ctx, sub.ID); err != nil {
				return err
			}
			n++
		}
	}
	log.Printf("scheduler: rehydrated %d queued subtasks", n)
	return nil
}

// Stats snapshots the scheduler state.
func (s *Scheduler) Stats(ctx context.Context) Stats {
	s.mu.RLock()
	st := Stats{
		LastCycle: s.lastCycle,
		CyclesRun: s.cyclesRun,
		GlobalCap: s.cfg.GlobalCap,
		Active:    s.active,
	}
	s.mu.RUnlock()
	if s.cache != nil {
		if depth, err := s.cache.PendingLength(ctx); err == nil {
			st.QueueDepth = depth
		}
	}
	if n, err := s.store.CountInProgressSubtasks(ctx); err == nil {
		st.InProgressCount = n
	}
	return st
}

func (s *Scheduler) publish(ctx context.Context, taskID string, typ eventbus.EventType, data map[string]any) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, taskID, eventbus.Envelope{Type: typ, Data: data})
}

// decide emits one structured decision line per scheduling action.
func (s *Scheduler) decide(decision, taskID, subtaskID, reason string) {
	line, _ := json.Marshal(map[string]string{
		"component":  "scheduler",
		"decision":   decision,
		"task_id":    taskID,
		"subtask_id": subtaskID,
		"reason":     reason,
	})
	log.Println(string(line))
	metrics.SchedulerDecisions.WithLabelValues(decision, reason).Inc()
}

func (s *Scheduler) logReport(r CycleReport) {
	line, _ := json.Marshal(r)
	log.Printf("scheduler: cycle %s", line)
}
