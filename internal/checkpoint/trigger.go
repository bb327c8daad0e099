// Package checkpoint decides when a task is suspended for human review
// and applies the human's verdict. Four independently enableable rules
// (subtask error, low evaluation score, completion cadence, task
// timeout) feed one guarded Create path; decisions and rollback run
// through the store's transactional operations.
package checkpoint

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/metrics"
	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/orcherr"
	"github.com/taskmesh/orchestrator/internal/store"
)

// Config holds the trigger thresholds; each rule is independently
// enableable.
type Config struct {
	ErrorEnabled      bool
	EvaluationEnabled bool
	CadenceEnabled    bool
	TimeoutEnabled    bool

	EvaluationThreshold float64
	// CompletionInterval is the cadence rule's modulus: a checkpoint
	// every N completed subtasks.
	CompletionInterval  int
	Timeout             time.Duration
	MaxCorrectionCycles int
	// TimeoutSweepInterval drives the periodic timeout rule check.
	TimeoutSweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ErrorEnabled:         true,
		EvaluationEnabled:    true,
		CadenceEnabled:       true,
		TimeoutEnabled:       true,
		EvaluationThreshold:  7.0,
		CompletionInterval:   5,
		Timeout:              24 * time.Hour,
		MaxCorrectionCycles:  3,
		TimeoutSweepInterval: 5 * time.Minute,
	}
}

// Trigger is the checkpoint rule engine.
type Trigger struct {
	store store.Store
	bus   eventbus.Publisher
	cfg   Config
}

func NewTrigger(s store.Store, bus eventbus.Publisher, cfg Config) *Trigger {
	if cfg.MaxCorrectionCycles <= 0 {
		cfg.MaxCorrectionCycles = DefaultConfig().MaxCorrectionCycles
	}
	return &Trigger{store: s, bus: bus, cfg: cfg}
}

// OnEvaluation runs the low-score rule after an evaluation is recorded.
func (t *Trigger) OnEvaluation(ctx context.Context, task *model.Task, subtask *model.Subtask, eval *model.Evaluation) error {
	if !t.cfg.EvaluationEnabled {
		return nil
	}
	if eval.OverallScore >= t.cfg.EvaluationThreshold {
		return nil
	}
	_, err := t.Create(ctx, task, model.TriggerLowEvaluationScore, map[string]any{
		"subtask_id":    subtask.ID,
		"overall_score": eval.OverallScore,
		"threshold":     t.cfg.EvaluationThreshold,
	})
	return err
}

// OnError runs the error rule when a subtask surfaces an error.
func (t *Trigger) OnError(ctx context.Context, task *model.Task, subtask *model.Subtask, errMsg string) error {
	if !t.cfg.ErrorEnabled {
		return nil
	}
	_, err := t.Create(ctx, task, model.TriggerReviewIssuesFound, map[string]any{
		"subtask_id": subtask.ID,
		"error":      errMsg,
	})
	return err
}

// OnCompletion runs the cadence rule (and the code-generation-complete
// rule for high-frequency tasks) after a subtask completes.
func (t *Trigger) OnCompletion(ctx context.Context, task *model.Task, subtask *model.Subtask) error {
	if subtask.Type == model.SubtaskCodeGeneration && task.CheckpointFrequency == model.CheckpointFrequencyHigh {
		_, err := t.Create(ctx, task, model.TriggerCodeGenerationComplete, map[string]any{
			"subtask_id": subtask.ID,
		})
		return err
	}
	if !t.cfg.CadenceEnabled {
		return nil
	}
	_, completed, _, err := t.store.CountSubtasks(ctx, task.ID)
	if err != nil {
		return err
	}
	if completed == 0 || completed%t.cfg.CompletionInterval != 0 {
		return nil
	}
	_, err = t.Create(ctx, task, model.TriggerPeriodic, map[string]any{
		"completed_subtasks": completed,
	})
	return err
}

// RunTimeoutSweep starts the periodic timeout-rule loop; leader-gated
// like the scheduler and health checker.
func (t *Trigger) RunTimeoutSweep(ctx context.Context) {
	if !t.cfg.TimeoutEnabled {
		return
	}
	go func() {
		ticker := time.NewTicker(t.cfg.TimeoutSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweepTimeouts(ctx)
			}
		}
	}()
}

func (t *Trigger) sweepTimeouts(ctx context.Context) {
	tasks, err := t.store.ListActiveTasks(ctx)
	if err != nil {
		log.Printf("checkpoint: timeout sweep: %v", err)
		return
	}
	now := time.Now()
	for _, task := range tasks {
		if task.StartedAt == nil || now.Sub(*task.StartedAt) < t.cfg.Timeout {
			continue
		}
		if _, err := t.Create(ctx, task, model.TriggerTimeout, map[string]any{
			"started_at": task.StartedAt,
			"timeout":    t.cfg.Timeout.String(),
		}); err != nil {
			log.Printf("checkpoint: timeout trigger for task %s: %v", task.ID, err)
		}
	}
}

// Create suspends a task into checkpoint state, honoring the guardrails:
// a terminal task or one already under review never checkpoints again.
// Returns nil without error when a guardrail suppressed the checkpoint.
func (t *Trigger) Create(ctx context.Context, task *model.Task, reason model.CheckpointTriggerReason, details map[string]any) (*model.Checkpoint, error) {
	if task.Status.IsTerminal() || task.Status == model.TaskCheckpoint {
		return nil, nil
	}

	completed, err := t.store.CompletedSubtaskIDs(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	covered := make([]string, 0, len(completed))
	for id := range completed {
		covered = append(covered, id)
	}

	cp := &model.Checkpoint{
		ID:                uuid.NewString(),
		TaskID:            task.ID,
		TriggerReason:     reason,
		Status:            model.CheckpointPendingReview,
		SubtasksCompleted: covered,
		CreatedAt:         time.Now(),
	}
	if err := t.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	if err := t.store.UpdateTaskStatus(ctx, task.ID, task.Status, model.TaskCheckpoint, task.Version); err != nil {
		return nil, err
	}
	task.Status = model.TaskCheckpoint
	task.Version++

	metrics.CheckpointsCreated.WithLabelValues(string(reason)).Inc()
	if t.bus != nil {
		data := map[string]any{"checkpoint_id": cp.ID, "trigger_reason": string(reason)}
		for k, v := range details {
			data[k] = v
		}
		_ = t.bus.Publish(ctx, task.ID, eventbus.Envelope{Type: eventbus.EventCheckpointCreated, Data: data})
	}
	log.Printf("checkpoint: task %s suspended (reason=%s checkpoint=%s)", task.ID, reason, cp.ID)
	return cp, nil
}

// GuardCorrections enforces the per-subtask correction-cycle bound:
// exceeding it forces a manual checkpoint and halts auto-fix attempts.
// Returns true when the subtask may still be auto-corrected.
func (t *Trigger) GuardCorrections(ctx context.Context, task *model.Task, subtask *model.Subtask) (bool, error) {
	if subtask.CorrectionCount < t.cfg.MaxCorrectionCycles {
		return true, nil
	}
	_, err := t.Create(ctx, task, model.TriggerManual, map[string]any{
		"subtask_id":        subtask.ID,
		"correction_cycles": subtask.CorrectionCount,
	})
	return false, err
}

// Decide applies a human verdict to a pending checkpoint.
func (t *Trigger) Decide(ctx context.Context, checkpointID string, decision model.UserDecision, feedback string) error {
	cp, err := t.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	if cp.Status != model.CheckpointPendingReview {
		return orcherr.InvalidState("checkpoint %s already decided (%s)", checkpointID, cp.Status)
	}
	task, err := t.store.GetTask(ctx, cp.TaskID)
	if err != nil {
		return err
	}

	switch decision {
	case model.DecisionAccept:
		if err := t.store.DecideCheckpoint(ctx, checkpointID, decision, feedback, model.CheckpointApproved); err != nil {
			return err
		}
		if err := t.store.UpdateTaskStatus(ctx, task.ID, task.Status, model.TaskInProgress, task.Version); err != nil {
			return err
		}
		t.observeWait(cp)
		t.publishStatus(ctx, task.ID, model.TaskInProgress)
		return nil

	case model.DecisionCorrect:
		return t.correct(ctx, cp, task, feedback)

	case model.DecisionReject:
		if err := t.store.DecideCheckpoint(ctx, checkpointID, decision, feedback, model.CheckpointRejected); err != nil {
			return err
		}
		if err := t.store.UpdateTaskStatus(ctx, task.ID, task.Status, model.TaskCancelled, task.Version); err != nil {
			return err
		}
		if _, err := t.store.CancelNonTerminalSubtasks(ctx, task.ID); err != nil {
			return err
		}
		t.observeWait(cp)
		t.publishStatus(ctx, task.ID, model.TaskCancelled)
		return nil

	default:
		return orcherr.Validation("unknown checkpoint decision %q", decision)
	}
}

// correct spawns code_fix subtasks from the reviewer's feedback, links
// them through Corrections, and flips the affected subtasks to
// correcting.
func (t *Trigger) correct(ctx context.Context, cp *model.Checkpoint, task *model.Task, feedback string) error {
	var fixes []*model.Subtask
	var affected []string
	for _, subtaskID := range cp.SubtasksCompleted {
		sub, err := t.store.GetSubtask(ctx, subtaskID)
		if err != nil {
			return err
		}
		ok, err := t.GuardCorrections(ctx, task, sub)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		fix := &model.Subtask{
			ID:              uuid.NewString(),
			TaskID:          task.ID,
			Name:            fmt.Sprintf("Fix: %s", sub.Name),
			Description:     feedback,
			Type:            model.SubtaskCodeFix,
			Status:          model.SubtaskStatusPending,
			RecommendedTool: sub.RecommendedTool,
			Complexity:      sub.Complexity,
			Priority:        sub.Priority + 1,
		}
		fixes = append(fixes, fix)
		affected = append(affected, sub.ID)
	}
	if len(fixes) == 0 {
		// Every covered subtask exhausted its correction budget; the
		// manual checkpoint raised by GuardCorrections takes over.
		return t.store.DecideCheckpoint(ctx, cp.ID, model.DecisionCorrect, feedback, model.CheckpointCorrected)
	}

	if err := t.store.InsertSubtaskDAG(ctx, task.ID, fixes); err != nil {
		return err
	}
	for i, fix := range fixes {
		corr := &model.Correction{
			ID:           uuid.NewString(),
			CheckpointID: cp.ID,
			SubtaskID:    affected[i],
			Type:         model.CorrectionType(fix.Type),
			Description:  feedback,
			Result:       model.CorrectionPending,
		}
		if err := t.store.CreateCorrection(ctx, corr); err != nil {
			return err
		}
	}
	if err := t.store.SetSubtaskCorrecting(ctx, affected); err != nil {
		return err
	}
	if err := t.store.DecideCheckpoint(ctx, cp.ID, model.DecisionCorrect, feedback, model.CheckpointCorrected); err != nil {
		return err
	}
	if err := t.store.UpdateTaskStatus(ctx, task.ID, task.Status, model.TaskInProgress, task.Version); err != nil {
		return err
	}
	t.observeWait(cp)
	t.publishStatus(ctx, task.ID, model.TaskInProgress)
	return nil
}

// RollbackPreview enumerates exactly what ExecuteRollback would change,
// so the destructive operation can be reviewed first.
func (t *Trigger) RollbackPreview(ctx context.Context, checkpointID string) (*store.RollbackResult, error) {
	cp, err := t.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	subs, err := t.store.ListSubtasksByTask(ctx, cp.TaskID)
	if err != nil {
		return nil, err
	}
	later, err := t.store.ListCheckpointsAfter(ctx, cp.TaskID, checkpointID)
	if err != nil {
		return nil, err
	}

	preview := &store.RollbackResult{}
	completedBefore := 0
	for _, sub := range subs {
		if sub.Status != model.SubtaskStatusCompleted {
			continue
		}
		if sub.CompletedAt == nil || !sub.CompletedAt.After(cp.CreatedAt) {
			completedBefore++
			continue
		}
		preview.ResetSubtaskIDs = append(preview.ResetSubtaskIDs, sub.ID)
	}
	for _, c := range later {
		preview.DeletedCheckpointIDs = append(preview.DeletedCheckpointIDs, c.ID)
	}
	preview.NewProgress = model.Progress(completedBefore, len(subs))
	return preview, nil
}

// ExecuteRollback resets every subtask completed after the checkpoint,
// deletes later checkpoints (and optionally their evaluations), and
// recomputes task progress, all in one store transaction. Re-applying a
// rollback is idempotent: the second pass finds nothing left to reset.
func (t *Trigger) ExecuteRollback(ctx context.Context, checkpointID string, deleteEvaluations bool) (*store.RollbackResult, error) {
	return t.store.RollbackToCheckpoint(ctx, checkpointID, deleteEvaluations)
}

func (t *Trigger) observeWait(cp *model.Checkpoint) {
	metrics.CheckpointWaitSeconds.Observe(time.Since(cp.CreatedAt).Seconds())
}

func (t *Trigger) publishStatus(ctx context.Context, taskID string, status model.TaskStatus) {
	if t.bus == nil {
		return
	}
	_ = t.bus.Publish(ctx, taskID, eventbus.Envelope{
		Type: eventbus.EventStatus,
		Data: map[string]any{"status": string(status)},
	})
}
