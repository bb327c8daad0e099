package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/store"
)

func seed(t *testing.T) (*store.MemoryStore, *Trigger, *model.Task, []*model.Subtask) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()

	task := &model.Task{ID: uuid.NewString(), Description: "d", Type: model.TaskDevelopFeature}
	require.NoError(t, st.CreateTask(ctx, task))
	require.NoError(t, st.UpdateTaskStatus(ctx, task.ID, model.TaskPending, model.TaskInitializing, task.Version))
	fresh, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, st.UpdateTaskStatus(ctx, task.ID, model.TaskInitializing, model.TaskInProgress, fresh.Version))

	var subs []*model.Subtask
	for _, name := range []string{"Code Generation", "Code Review", "Test Generation"} {
		subs = append(subs, &model.Subtask{
			ID:     uuid.NewString(),
			TaskID: task.ID,
			Name:   name,
			Type:   model.SubtaskCodeGeneration,
			Status: model.SubtaskStatusPending,
		})
	}
	require.NoError(t, st.InsertSubtaskDAG(ctx, task.ID, subs))

	fresh, err = st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	return st, NewTrigger(st, nil, DefaultConfig()), fresh, subs
}

func completeSubtask(t *testing.T, st *store.MemoryStore, sub *model.Subtask) {
	t.Helper()
	ctx := context.Background()
	got, err := st.GetSubtask(ctx, sub.ID)
	require.NoError(t, err)
	require.NoError(t, st.ReleaseSubtask(ctx, sub.ID, model.SubtaskStatusCompleted, nil, "", got.Version))
}

func TestOnEvaluation_LowScoreSuspendsTask(t *testing.T) {
	st, tr, task, subs := seed(t)
	ctx := context.Background()

	eval := &model.Evaluation{ID: uuid.NewString(), SubtaskID: subs[0].ID, OverallScore: 5.4}
	require.NoError(t, tr.OnEvaluation(ctx, task, subs[0], eval))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCheckpoint, got.Status)

	cps, err := st.ListCheckpoints(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, model.TriggerLowEvaluationScore, cps[0].TriggerReason)
	require.Equal(t, model.CheckpointPendingReview, cps[0].Status)
}

func TestOnEvaluation_HighScoreIsIgnored(t *testing.T) {
	st, tr, task, subs := seed(t)
	ctx := context.Background()

	eval := &model.Evaluation{ID: uuid.NewString(), SubtaskID: subs[0].ID, OverallScore: 8.9}
	require.NoError(t, tr.OnEvaluation(ctx, task, subs[0], eval))

	cps, err := st.ListCheckpoints(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, cps)
}

func TestCreate_GuardrailsSuppressDuplicates(t *testing.T) {
	st, tr, task, _ := seed(t)
	ctx := context.Background()

	cp, err := tr.Create(ctx, task, model.TriggerManual, nil)
	require.NoError(t, err)
	require.NotNil(t, cp)

	// The task is now in checkpoint: a second trigger does nothing.
	again, err := tr.Create(ctx, task, model.TriggerManual, nil)
	require.NoError(t, err)
	require.Nil(t, again)

	cps, err := st.ListCheckpoints(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
}

func TestOnCompletion_CadenceRule(t *testing.T) {
	st, _, task, _ := seed(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.CompletionInterval = 2
	tr := NewTrigger(st, nil, cfg)

	subs, err := st.ListSubtasksByTask(ctx, task.ID)
	require.NoError(t, err)

	completeSubtask(t, st, subs[0])
	require.NoError(t, tr.OnCompletion(ctx, task, subs[0]))
	cps, err := st.ListCheckpoints(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, cps, "one completion is below the cadence interval")

	completeSubtask(t, st, subs[1])
	require.NoError(t, tr.OnCompletion(ctx, task, subs[1]))
	cps, err = st.ListCheckpoints(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, model.TriggerPeriodic, cps[0].TriggerReason)
}

func TestDecide_Accept(t *testing.T) {
	st, tr, task, _ := seed(t)
	ctx := context.Background()

	cp, err := tr.Create(ctx, task, model.TriggerManual, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Decide(ctx, cp.ID, model.DecisionAccept, "looks good"))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskInProgress, got.Status)

	decided, err := st.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, model.CheckpointApproved, decided.Status)
	require.NotNil(t, decided.UserDecision)
	require.Equal(t, model.DecisionAccept, *decided.UserDecision)

	// A decided checkpoint refuses a second verdict.
	require.Error(t, tr.Decide(ctx, cp.ID, model.DecisionReject, ""))
}

func TestDecide_Reject(t *testing.T) {
	st, tr, task, subs := seed(t)
	ctx := context.Background()

	cp, err := tr.Create(ctx, task, model.TriggerManual, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Decide(ctx, cp.ID, model.DecisionReject, "not what I asked for"))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCancelled, got.Status)

	for _, s := range subs {
		sub, err := st.GetSubtask(ctx, s.ID)
		require.NoError(t, err)
		require.Equal(t, model.SubtaskStatusCancelled, sub.Status)
	}
}

func TestDecide_CorrectSpawnsFixSubtasks(t *testing.T) {
	st, tr, task, subs := seed(t)
	ctx := context.Background()

	completeSubtask(t, st, subs[0])
	cp, err := tr.Create(ctx, task, model.TriggerReviewIssuesFound, nil)
	require.NoError(t, err)
	require.Equal(t, []string{subs[0].ID}, cp.SubtasksCompleted)

	require.NoError(t, tr.Decide(ctx, cp.ID, model.DecisionCorrect, "rename the exported symbols"))

	all, err := st.ListSubtasksByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, all, 4, "one fix subtask appended")

	var fix *model.Subtask
	for _, s := range all {
		if s.Type == model.SubtaskCodeFix {
			fix = s
		}
	}
	require.NotNil(t, fix)
	require.Equal(t, "rename the exported symbols", fix.Description)
	require.Equal(t, model.SubtaskStatusPending, fix.Status)

	affected, err := st.GetSubtask(ctx, subs[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskStatusCorrecting, affected.Status)
	require.Equal(t, 1, affected.CorrectionCount)

	corrections, err := st.ListCorrections(ctx, cp.ID)
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	require.Equal(t, subs[0].ID, corrections[0].SubtaskID)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskInProgress, got.Status)
}

func TestGuardCorrections_BoundsAutoFixes(t *testing.T) {
	st, tr, task, subs := seed(t)
	ctx := context.Background()

	require.NoError(t, st.SetSubtaskCorrecting(ctx, []string{subs[0].ID}))
	require.NoError(t, st.SetSubtaskCorrecting(ctx, []string{subs[0].ID}))
	require.NoError(t, st.SetSubtaskCorrecting(ctx, []string{subs[0].ID}))

	sub, err := st.GetSubtask(ctx, subs[0].ID)
	require.NoError(t, err)
	require.Equal(t, 3, sub.CorrectionCount)

	ok, err := tr.GuardCorrections(ctx, task, sub)
	require.NoError(t, err)
	require.False(t, ok, "the third cycle exhausts the budget")

	cps, err := st.ListCheckpoints(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, model.TriggerManual, cps[0].TriggerReason)
}

func TestRollback_PreviewMatchesExecutionAndIsIdempotent(t *testing.T) {
	st, tr, task, subs := seed(t)
	ctx := context.Background()

	completeSubtask(t, st, subs[0])
	cp, err := tr.Create(ctx, task, model.TriggerPeriodic, nil)
	require.NoError(t, err)
	// Return the task to in_progress so later completions land "after"
	// the checkpoint.
	require.NoError(t, tr.Decide(ctx, cp.ID, model.DecisionAccept, ""))

	time.Sleep(2 * time.Millisecond)
	completeSubtask(t, st, subs[1])
	completeSubtask(t, st, subs[2])

	preview, err := tr.RollbackPreview(ctx, cp.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{subs[1].ID, subs[2].ID}, preview.ResetSubtaskIDs)

	result, err := tr.ExecuteRollback(ctx, cp.ID, true)
	require.NoError(t, err)
	require.ElementsMatch(t, preview.ResetSubtaskIDs, result.ResetSubtaskIDs)
	require.Equal(t, 33, result.NewProgress)

	for _, id := range result.ResetSubtaskIDs {
		sub, err := st.GetSubtask(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.SubtaskStatusPending, sub.Status)
		require.Nil(t, sub.CompletedAt)
		require.Empty(t, sub.Output)
	}

	// Applying the rollback again changes nothing further.
	second, err := tr.ExecuteRollback(ctx, cp.ID, true)
	require.NoError(t, err)
	require.Empty(t, second.ResetSubtaskIDs)
	require.Equal(t, result.NewProgress, second.NewProgress)
}
