// Package allocator scores candidate workers for a subtask and performs
// the atomic bind/release. The bind runs inside the store's
// SELECT ... FOR UPDATE transaction so exclusivity holds across every
// replica, not just within one process. Scoring is a weighted sum of
// three signals: tool_match, resource_fit, privacy_match.
package allocator

import (
	"context"
	"sort"
	"time"

	"github.com/taskmesh/orchestrator/internal/cache"
	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/orcherr"
	"github.com/taskmesh/orchestrator/internal/store"
)

// Weights tunes the composite worker score; the three terms sum to 1.
type Weights struct {
	ToolMatch    float64
	ResourceFit  float64
	PrivacyMatch float64
}

func DefaultWeights() Weights {
	return Weights{ToolMatch: 0.50, ResourceFit: 0.30, PrivacyMatch: 0.20}
}

// Thresholds disqualify a worker outright when any pressure dimension
// crosses its ceiling; a machine that hot should not take new work no
// matter how well its tools match.
type Thresholds struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{CPUPercent: 80, MemoryPercent: 85, DiskPercent: 90}
}

// nearMatches documents which tools are interchangeable at reduced score:
// the three general coding agents can stand in for each other.
var nearMatches = map[string][]string{
	"claude_code": {"gemini_cli", "codex_cli"},
	"gemini_cli":  {"claude_code", "codex_cli"},
	"codex_cli":   {"claude_code", "gemini_cli"},
}

const (
	toolExact       = 1.0
	toolNear        = 0.7
	privacyBaseline = 0.5
)

// Selector chooses a candidate index from an already-ranked best-first
// list; the default always takes the top. internal/router plugs in an
// ε-greedy implementation here.
type Selector interface {
	Select(candidates []Candidate) int
}

type exploitSelector struct{}

func (exploitSelector) Select([]Candidate) int { return 0 }

// Candidate is a scored worker with its current live-subtask load.
type Candidate struct {
	Worker *model.Worker
	Score  float64
	Load   int
	Tool   string // the tool this worker would run the subtask with
}

// Config bundles the allocator's tunables.
type Config struct {
	Weights      Weights
	Thresholds   Thresholds
	PerWorkerCap int
	// BindTimeoutBase scales with subtask complexity to form the bind
	// transaction deadline.
	BindTimeoutBase time.Duration
}

func DefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights(),
		Thresholds:      DefaultThresholds(),
		PerWorkerCap:    1,
		BindTimeoutBase: 5 * time.Second,
	}
}

// Allocator binds subtasks to the best-scoring eligible worker, or queues
// them when no worker qualifies.
type Allocator struct {
	store    store.Store
	cache    *cache.Cache
	bus      eventbus.Publisher
	cfg      Config
	selector Selector
}

func New(s store.Store, c *cache.Cache, bus eventbus.Publisher, cfg Config) *Allocator {
	if cfg.PerWorkerCap <= 0 {
		cfg.PerWorkerCap = 1
	}
	return &Allocator{store: s, cache: c, bus: bus, cfg: cfg, selector: exploitSelector{}}
}

// SetSelector installs an alternative candidate selector (the router's
// ε-greedy exploration). Exploration only reorders among already-eligible
// candidates, so caps and invariants are unaffected.
func (a *Allocator) SetSelector(sel Selector) {
	if sel != nil {
		a.selector = sel
	}
}

// toolMatch scores how well a worker's tool set serves the recommended
// tool: exact, documented near-match, or not at all. A subtask with no
// recommendation matches any worker fully.
func toolMatch(w *model.Worker, recommended string) (float64, string) {
	if recommended == "" {
		tool := ""
		if len(w.Tools) > 0 {
			tool = w.Tools[0]
		}
		return toolExact, tool
	}
	if w.HasTool(recommended) {
		return toolExact, recommended
	}
	for _, near := range nearMatches[recommended] {
		if w.HasTool(near) {
			return toolNear, near
		}
	}
	return 0, ""
}

// resourceFit is 1 − max(cpu,mem,disk)/100 clamped to [0,1].
func resourceFit(p model.ResourcePressure) float64 {
	fit := 1 - p.Max()/100
	if fit < 0 {
		return 0
	}
	if fit > 1 {
		return 1
	}
	return fit
}

// overloaded applies the hard disqualification thresholds.
func (a *Allocator) overloaded(p model.ResourcePressure) bool {
	return p.CPUPercent >= a.cfg.Thresholds.CPUPercent ||
		p.MemoryPercent >= a.cfg.Thresholds.MemoryPercent ||
		p.DiskPercent >= a.cfg.Thresholds.DiskPercent
}

func privacyMatch(task *model.Task, w *model.Worker) float64 {
	if task.PrivacyLevel == model.PrivacySensitive && w.SystemInfo.OnPrem {
		return 1.0
	}
	return privacyBaseline
}

// Candidates enumerates eligible workers for a subtask, ranked
// best-first; equal scores order by lower load, then by id.
func (a *Allocator) Candidates(ctx context.Context, task *model.Task, subtask *model.Subtask) ([]Candidate, error) {
	workers, err := a.eligibleWorkers(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(workers))
	for _, w := range workers {
		if a.overloaded(w.Pressure) {
			continue
		}
		tm, tool := toolMatch(w, subtask.RecommendedTool)
		if subtask.RecommendedTool != "" && tm == 0 {
			continue
		}
		live, err := a.store.CountLiveSubtasksForWorker(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		if live >= a.cfg.PerWorkerCap {
			continue
		}
		score := a.cfg.Weights.ToolMatch*tm +
			a.cfg.Weights.ResourceFit*resourceFit(w.Pressure) +
			a.cfg.Weights.PrivacyMatch*privacyMatch(task, w)
		candidates = append(candidates, Candidate{Worker: w, Score: score, Load: live, Tool: tool})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].Load != candidates[j].Load {
			return candidates[i].Load < candidates[j].Load
		}
		return candidates[i].Worker.ID < candidates[j].Worker.ID
	})
	return candidates, nil
}

// eligibleWorkers returns workers whose status admits new work. A
// sensitive task additionally requires on_prem; that hard gate is
// applied in Allocate, where the task is known.
func (a *Allocator) eligibleWorkers(ctx context.Context) ([]*model.Worker, error) {
	online, err := a.store.ListWorkers(ctx, model.WorkerOnline)
	if err != nil {
		return nil, err
	}
	idle, err := a.store.ListWorkers(ctx, model.WorkerIdle)
	if err != nil {
		return nil, err
	}
	return append(online, idle...), nil
}

// Outcome reports what Allocate did with a subtask.
type Outcome struct {
	Worker *model.Worker // nil when queued
	Queued bool
}

// Allocate selects a worker for the subtask and atomically binds it, or
// queues the subtask when no candidate qualifies. On a version conflict
// (another scheduler tick or replica won the race) it falls through to
// the next-ranked candidate.
func (a *Allocator) Allocate(ctx context.Context, task *model.Task, subtask *model.Subtask) (Outcome, error) {
	candidates, err := a.Candidates(ctx, task, subtask)
	if err != nil {
		return Outcome{}, err
	}
	if task.PrivacyLevel == model.PrivacySensitive {
		// Hard gate: scoring never puts a sensitive subtask off-prem.
		filtered := candidates[:0]
		for _, c := range candidates {
			if c.Worker.SystemInfo.OnPrem {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		return a.queue(ctx, subtask)
	}

	if pick := a.selector.Select(candidates); pick > 0 && pick < len(candidates) {
		chosen := candidates[pick]
		rest := make([]Candidate, 0, len(candidates)-1)
		rest = append(rest, candidates[:pick]...)
		rest = append(rest, candidates[pick+1:]...)
		candidates = append([]Candidate{chosen}, rest...)
	}

	timeout := a.bindTimeout(subtask.Complexity)
	for _, c := range candidates {
		bindCtx, cancel := context.WithTimeout(ctx, timeout)
		err := a.store.AllocateSubtask(bindCtx, subtask.ID, c.Worker.ID, c.Tool, subtask.Version)
		cancel()
		if err == nil {
			a.afterBind(ctx, task, subtask, c)
			return Outcome{Worker: c.Worker}, nil
		}
		if isRetryable(err) {
			continue
		}
		return Outcome{}, err
	}
	return a.queue(ctx, subtask)
}

// bindTimeout scales the bind deadline by complexity; complexity is a
// timeout hint only, never a scoring input.
func (a *Allocator) bindTimeout(complexity int) time.Duration {
	if complexity < 1 {
		complexity = 1
	}
	return a.cfg.BindTimeoutBase * time.Duration(complexity)
}

// afterBind mirrors the bind into the cache and publishes the allocation
// event. Both are advisory; failures are absorbed by the cache layer's
// breaker and never unwind the committed bind.
func (a *Allocator) afterBind(ctx context.Context, task *model.Task, subtask *model.Subtask, c Candidate) {
	if a.cache != nil {
		_ = a.cache.BindAtomic(ctx, subtask.ID)
		_ = a.cache.SetStatus(ctx, cache.EntitySubtask, subtask.ID, string(model.SubtaskStatusInProgress), 10*time.Minute)
		_ = a.cache.SetStatus(ctx, cache.EntityWorker, c.Worker.ID, string(model.WorkerBusy), 10*time.Minute)
	}
	if a.bus != nil {
		_ = a.bus.Publish(ctx, task.ID, eventbus.Envelope{
			Type: eventbus.EventSubtaskAllocated,
			Data: map[string]any{
				"subtask_id": subtask.ID,
				"worker_id":  c.Worker.ID,
				"tool":       c.Tool,
			},
		})
	}
}

// queue marks the subtask queued and pushes it onto the pending queue,
// keeping store status and queue membership consistent (enqueue means
// queued, never both queued and bound).
func (a *Allocator) queue(ctx context.Context, subtask *model.Subtask) (Outcome, error) {
	if subtask.Status != model.SubtaskStatusQueued {
		if err := a.store.MarkSubtaskQueued(ctx, subtask.ID, subtask.Version); err != nil {
			return Outcome{}, err
		}
	}
	if a.cache != nil {
		if err := a.cache.PushPending(ctx, subtask.ID); err != nil {
			return Outcome{}, err
		}
		_ = a.cache.SetStatus(ctx, cache.EntitySubtask, subtask.ID, string(model.SubtaskStatusQueued), 10*time.Minute)
	}
	if a.bus != nil {
		_ = a.bus.Publish(ctx, subtask.TaskID, eventbus.Envelope{
			Type: eventbus.EventSubtaskQueued,
			Data: map[string]any{"subtask_id": subtask.ID},
		})
	}
	return Outcome{Queued: true}, nil
}

// Release records a subtask's terminal outcome and frees the worker's
// slot. The store transaction sets the worker back to online; Release
// additionally refreshes the cache mirrors and drops the subtask from the
// advisory in-progress set.
func (a *Allocator) Release(ctx context.Context, subtask *model.Subtask, outcome model.SubtaskStatus, output map[string]any, errMsg string) error {
	if err := a.store.ReleaseSubtask(ctx, subtask.ID, outcome, output, errMsg, subtask.Version); err != nil {
		return err
	}
	if a.cache != nil {
		_ = a.cache.RemoveInProgress(ctx, subtask.ID)
		_ = a.cache.SetStatus(ctx, cache.EntitySubtask, subtask.ID, string(outcome), 10*time.Minute)
		if subtask.AssignedWorker != nil {
			_ = a.cache.SetStatus(ctx, cache.EntityWorker, *subtask.AssignedWorker, string(model.WorkerIdle), 10*time.Minute)
		}
	}
	return nil
}

func isRetryable(err error) bool {
	oe, ok := err.(*orcherr.Error)
	return ok && (oe.Code == orcherr.CodeVersionConflict || oe.Code == orcherr.CodeInvalidState)
}
