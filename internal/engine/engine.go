// Package engine composes the leaf services into the documented
// operation surface an edge process embeds: task submission and
// decomposition, allocation, worker lifecycle, results, evaluations,
// checkpoints and stats. Every method is a plain Go call returning
// taxonomy errors for an edge process to translate; no HTTP framework
// leaks in here.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/orchestrator/internal/admission"
	"github.com/taskmesh/orchestrator/internal/allocator"
	"github.com/taskmesh/orchestrator/internal/cache"
	"github.com/taskmesh/orchestrator/internal/checkpoint"
	"github.com/taskmesh/orchestrator/internal/decomposer"
	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/idempotency"
	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/orcherr"
	"github.com/taskmesh/orchestrator/internal/registry"
	"github.com/taskmesh/orchestrator/internal/scheduler"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/timeline"
)

// Engine is the orchestration core's public face.
type Engine struct {
	store       store.Store
	cache       *cache.Cache
	bus         eventbus.Publisher
	decomposer  *decomposer.Decomposer
	alloc       *allocator.Allocator
	sched       *scheduler.Scheduler
	trigger     *checkpoint.Trigger
	registry    *registry.Registry
	gate        *admission.Gate
	idem        *idempotency.Store
	timeline    *timeline.Store
	evalWeights model.EvaluationWeights

	heartbeatInterval time.Duration
}

// Deps bundles the engine's collaborators, constructed and injected from
// main; the engine owns no process-wide state.
type Deps struct {
	Store             store.Store
	Cache             *cache.Cache
	Bus               eventbus.Publisher
	Decomposer        *decomposer.Decomposer
	Allocator         *allocator.Allocator
	Scheduler         *scheduler.Scheduler
	Trigger           *checkpoint.Trigger
	Registry          *registry.Registry
	Gate              *admission.Gate
	Idempotency       *idempotency.Store
	Timeline          *timeline.Store
	EvalWeights       model.EvaluationWeights
	HeartbeatInterval time.Duration
}

func New(d Deps) *Engine {
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = 30 * time.Second
	}
	e := &Engine{
		store:             d.Store,
		cache:             d.Cache,
		bus:               d.Bus,
		decomposer:        d.Decomposer,
		alloc:             d.Allocator,
		sched:             d.Scheduler,
		trigger:           d.Trigger,
		registry:          d.Registry,
		gate:              d.Gate,
		idem:              d.Idempotency,
		timeline:          d.Timeline,
		evalWeights:       d.EvalWeights,
		heartbeatInterval: d.HeartbeatInterval,
	}
	if e.sched != nil {
		e.sched.OnCompletion = e.onCompletion
	}
	return e
}

// CreateTaskParams is the task submission payload.
type CreateTaskParams struct {
	Description         string
	Type                model.TaskType
	CheckpointFrequency model.CheckpointFrequency
	PrivacyLevel        model.PrivacyLevel
	ToolPreferences     []string
	Metadata            map[string]any
}

// CreateTask validates and persists a new pending task.
func (e *Engine) CreateTask(ctx context.Context, p CreateTaskParams) (*model.Task, error) {
	if err := e.admit("task_submission"); err != nil {
		return nil, err
	}
	if p.Description == "" {
		return nil, orcherr.Validation("description is required")
	}
	switch p.Type {
	case model.TaskDevelopFeature, model.TaskBugFix, model.TaskRefactor,
		model.TaskCodeReview, model.TaskDocumentation, model.TaskTesting:
	default:
		return nil, orcherr.Validation("unknown task type %q", p.Type)
	}
	if p.CheckpointFrequency == "" {
		p.CheckpointFrequency = model.CheckpointFrequencyMedium
	}
	if p.PrivacyLevel == "" {
		p.PrivacyLevel = model.PrivacyNormal
	}

	task := &model.Task{
		ID:                  uuid.NewString(),
		Description:         p.Description,
		Type:                p.Type,
		CheckpointFrequency: p.CheckpointFrequency,
		PrivacyLevel:        p.PrivacyLevel,
		ToolPreferences:     p.ToolPreferences,
		Metadata:            p.Metadata,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	e.mirrorTask(ctx, task.ID, model.TaskPending)
	e.record("task", task.ID, "created", map[string]any{"type": string(task.Type)})
	e.note(task.ID, "", "CREATED", nil)
	return task, nil
}

// Decompose expands a task into its subtask DAG, moving the task to
// initializing. Idempotent per task: a re-invocation returns the existing
// DAG.
func (e *Engine) Decompose(ctx context.Context, taskID string) ([]*model.Subtask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, orcherr.InvalidState("task %s is %s", taskID, task.Status)
	}

	subtasks, err := e.decomposer.Decompose(ctx, task)
	if err != nil {
		return nil, err
	}
	if task.Status == model.TaskPending {
		if err := e.store.UpdateTaskStatus(ctx, taskID, model.TaskPending, model.TaskInitializing, task.Version); err != nil {
			return nil, err
		}
		e.mirrorTask(ctx, taskID, model.TaskInitializing)
		e.note(taskID, "", "DECOMPOSED", map[string]string{"subtasks": decomposer.Fingerprint(subtasks)})
		e.sched.Wake()
	}
	return subtasks, nil
}

// ReadySubtasks answers which of a task's subtasks may be allocated now.
func (e *Engine) ReadySubtasks(ctx context.Context, taskID string) ([]*model.Subtask, error) {
	pending, err := e.store.ListSubtasksByStatus(ctx, taskID, model.SubtaskStatusPending)
	if err != nil {
		return nil, err
	}
	completed, err := e.store.CompletedSubtaskIDs(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return decomposer.ReadySubtasks(pending, completed), nil
}

// Schedule runs one scheduling pass immediately and returns its report.
func (e *Engine) Schedule(ctx context.Context) scheduler.CycleReport {
	return e.sched.Cycle(ctx)
}

// CancelTask cooperatively cancels a task.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	if err := e.sched.CancelTask(ctx, taskID); err != nil {
		return err
	}
	e.record("task", taskID, "cancelled", nil)
	e.note(taskID, "", "CANCELLED", nil)
	return nil
}

// GetTask returns a task with its subtask summaries.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*model.Task, []*model.Subtask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	subtasks, err := e.store.ListSubtasksByTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, subtasks, nil
}

func (e *Engine) ListTasks(ctx context.Context, status model.TaskStatus, limit, offset int) ([]*model.Task, int, error) {
	return e.store.ListTasks(ctx, status, limit, offset)
}

func (e *Engine) GetSubtask(ctx context.Context, subtaskID string) (*model.Subtask, error) {
	return e.store.GetSubtask(ctx, subtaskID)
}

// AllocateSubtask allocates or queues one subtask on demand.
func (e *Engine) AllocateSubtask(ctx context.Context, subtaskID string) (allocator.Outcome, error) {
	sub, err := e.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return allocator.Outcome{}, err
	}
	if sub.Status != model.SubtaskStatusPending && sub.Status != model.SubtaskStatusQueued {
		return allocator.Outcome{}, orcherr.InvalidState("subtask %s not allocatable from status %s", subtaskID, sub.Status)
	}
	task, err := e.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return allocator.Outcome{}, err
	}
	return e.alloc.Allocate(ctx, task, sub)
}

// ReportResult ingests a worker's outcome for a subtask. Replayed reports
// (worker retries after a dropped response) are deduplicated by the
// idempotency store. A worker rejecting the assignment routes the subtask
// back through the requeue path rather than retrying the same worker.
func (e *Engine) ReportResult(ctx context.Context, subtaskID, workerID string, outcome model.SubtaskStatus, output map[string]any, errMsg string) error {
	if err := e.admit("subtask_report"); err != nil {
		return err
	}
	sub, err := e.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if sub.AssignedWorker == nil || *sub.AssignedWorker != workerID {
		return orcherr.InvalidState("subtask %s is not assigned to worker %s", subtaskID, workerID)
	}

	if e.idem != nil {
		key := "result:" + subtaskID + ":" + workerID
		if _, fresh := e.idem.Begin(ctx, key, idempotency.Record{
			SubtaskID: subtaskID,
			Status:    string(outcome),
			Output:    output,
		}); !fresh {
			return nil
		}
	}

	switch outcome {
	case model.SubtaskStatusCompleted, model.SubtaskStatusFailed:
	case model.SubtaskStatusQueued:
		// Worker rejected the assignment (shutdown race): requeue.
		return e.requeueRejected(ctx, sub)
	default:
		return orcherr.Validation("invalid result status %q", outcome)
	}

	if err := e.alloc.Release(ctx, sub, outcome, output, errMsg); err != nil {
		return err
	}
	e.record("subtask", subtaskID, "result", map[string]any{"status": string(outcome)})

	if errMsg != "" {
		task, err := e.store.GetTask(ctx, sub.TaskID)
		if err == nil {
			if err := e.trigger.OnError(ctx, task, sub, errMsg); err != nil {
				return err
			}
		}
	}
	return e.sched.HandleCompletion(ctx, subtaskID)
}

func (e *Engine) requeueRejected(ctx context.Context, sub *model.Subtask) error {
	requeued, err := e.store.RequeueOrphanedSubtasks(ctx, *sub.AssignedWorker)
	if err != nil {
		return err
	}
	if e.cache != nil {
		for _, id := range requeued {
			_ = e.cache.RequeueAtomic(ctx, id)
		}
	}
	e.sched.Wake()
	return nil
}

// RegisterWorker idempotently registers a worker by machine identity.
func (e *Engine) RegisterWorker(ctx context.Context, machineID, machineName string, sysInfo model.SystemInfo, tools []string) (*model.Worker, error) {
	w, err := e.registry.Register(ctx, machineID, machineName, sysInfo, tools)
	if err != nil {
		return nil, err
	}
	e.mirrorWorker(ctx, w)
	e.record("worker", w.ID, "registered", map[string]any{"machine_id": machineID})
	e.sched.Wake()
	return w, nil
}

// Heartbeat ingests a worker's liveness and pressure snapshot, mirroring
// its status into the cache with a TTL of twice the heartbeat interval.
func (e *Engine) Heartbeat(ctx context.Context, workerID string, pressure model.ResourcePressure) error {
	if err := e.admit("heartbeat"); err != nil {
		return err
	}
	if err := e.registry.Heartbeat(ctx, workerID, pressure); err != nil {
		return err
	}
	if w, err := e.store.GetWorker(ctx, workerID); err == nil {
		e.mirrorWorker(ctx, w)
	}
	return nil
}

// UnregisterWorker gracefully removes a worker, requeueing any work it
// held.
func (e *Engine) UnregisterWorker(ctx context.Context, workerID string) error {
	requeued, err := e.registry.Deregister(ctx, workerID)
	if err != nil {
		return err
	}
	if e.cache != nil {
		_ = e.cache.ClearStatus(ctx, cache.EntityWorker, workerID)
		for _, id := range requeued {
			_ = e.cache.RequeueAtomic(ctx, id)
		}
	}
	e.record("worker", workerID, "unregistered", map[string]any{"requeued": len(requeued)})
	if len(requeued) > 0 {
		e.sched.Wake()
	}
	return nil
}

func (e *Engine) ListWorkers(ctx context.Context, status model.WorkerStatus) ([]*model.Worker, error) {
	return e.registry.List(ctx, status)
}

// RecordEvaluation stores a quality verdict and runs the low-score
// checkpoint rule. The overall score is the weighted mean over non-null
// dimensions.
func (e *Engine) RecordEvaluation(ctx context.Context, eval *model.Evaluation) error {
	if eval.ID == "" {
		eval.ID = uuid.NewString()
	}
	eval.OverallScore = model.OverallScore(eval, e.evalWeights)
	if err := e.store.RecordEvaluation(ctx, eval); err != nil {
		return err
	}

	sub, err := e.store.GetSubtask(ctx, eval.SubtaskID)
	if err != nil {
		return err
	}
	task, err := e.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return err
	}
	return e.trigger.OnEvaluation(ctx, task, sub, eval)
}

func (e *Engine) ListCheckpoints(ctx context.Context, taskID string) ([]*model.Checkpoint, error) {
	return e.store.ListCheckpoints(ctx, taskID)
}

// DecideCheckpoint applies a human verdict.
func (e *Engine) DecideCheckpoint(ctx context.Context, checkpointID string, decision model.UserDecision, feedback string) error {
	if err := e.admit("checkpoint_review"); err != nil {
		return err
	}
	if err := e.trigger.Decide(ctx, checkpointID, decision, feedback); err != nil {
		return err
	}
	e.record("checkpoint", checkpointID, "decided", map[string]any{"decision": string(decision)})
	e.sched.Wake()
	return nil
}

// PreviewRollback enumerates what a rollback would change.
func (e *Engine) PreviewRollback(ctx context.Context, checkpointID string) (*store.RollbackResult, error) {
	return e.trigger.RollbackPreview(ctx, checkpointID)
}

// Rollback destructively resets a task to a checkpoint.
func (e *Engine) Rollback(ctx context.Context, checkpointID string, deleteEvaluations bool) (*store.RollbackResult, error) {
	result, err := e.trigger.ExecuteRollback(ctx, checkpointID, deleteEvaluations)
	if err != nil {
		return nil, err
	}
	e.record("checkpoint", checkpointID, "rollback", map[string]any{
		"reset_subtasks":      len(result.ResetSubtaskIDs),
		"deleted_checkpoints": len(result.DeletedCheckpointIDs),
	})
	e.sched.Wake()
	return result, nil
}

// SchedulerStats snapshots the scheduler for observability surfaces.
func (e *Engine) SchedulerStats(ctx context.Context) scheduler.Stats {
	return e.sched.Stats(ctx)
}

// RecentEvents returns the in-process timeline tail for diagnostics.
func (e *Engine) RecentEvents(n int) []timeline.Event {
	if e.timeline == nil {
		return nil
	}
	return e.timeline.Recent(n)
}

// onCompletion is the scheduler's completion hook: run the cadence
// checkpoint rule on successful completions.
func (e *Engine) onCompletion(ctx context.Context, task *model.Task, sub *model.Subtask) {
	if sub.Status != model.SubtaskStatusCompleted {
		return
	}
	if err := e.trigger.OnCompletion(ctx, task, sub); err != nil {
		e.record("task", task.ID, "checkpoint_rule_error", map[string]any{"error": err.Error()})
	}
}

func (e *Engine) admit(endpoint string) error {
	if e.gate == nil {
		return nil
	}
	return e.gate.Admit(endpoint)
}

func (e *Engine) mirrorTask(ctx context.Context, taskID string, status model.TaskStatus) {
	if e.cache == nil {
		return
	}
	_ = e.cache.SetStatus(ctx, cache.EntityTask, taskID, string(status), 10*time.Minute)
}

func (e *Engine) mirrorWorker(ctx context.Context, w *model.Worker) {
	if e.cache == nil {
		return
	}
	ttl := 2 * e.heartbeatInterval
	_ = e.cache.SetStatus(ctx, cache.EntityWorker, w.ID, string(w.Status), ttl)
	if w.CurrentTask != "" {
		_ = e.cache.Set(ctx, "orchestrator:worker:"+w.ID+":current", []byte(w.CurrentTask), ttl)
	}
}

func (e *Engine) record(entityType, entityID, action string, meta map[string]any) {
	entry := &store.ActivityLogEntry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Metadata:   meta,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.store.RecordActivity(ctx, entry)
}

func (e *Engine) note(taskID, subtaskID, stage string, meta map[string]string) {
	if e.timeline == nil {
		return
	}
	e.timeline.Record(timeline.Event{TaskID: taskID, SubtaskID: subtaskID, Stage: stage, Metadata: meta})
}
