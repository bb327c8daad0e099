package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/orcherr"
)

func requireCode(t *testing.T, err error, code orcherr.Code) {
	t.Helper()
	var oe *orcherr.Error
	require.True(t, errors.As(err, &oe), "expected taxonomy error, got %v", err)
	require.Equal(t, code, oe.Code)
}

func TestVersionedWrites_StaleVersionFailsLoudly(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	task := &model.Task{ID: "t1", Description: "d", Type: model.TaskBugFix}
	require.NoError(t, st.CreateTask(ctx, task))
	require.Equal(t, 1, task.Version)

	require.NoError(t, st.UpdateTaskStatus(ctx, "t1", model.TaskPending, model.TaskInitializing, 1))

	// The first writer bumped the version; a second writer holding the
	// stale version must fail, not silently overwrite.
	err := st.UpdateTaskStatus(ctx, "t1", model.TaskInitializing, model.TaskInProgress, 1)
	requireCode(t, err, orcherr.CodeVersionConflict)

	err = st.SetTaskProgress(ctx, "t1", 50, 1)
	requireCode(t, err, orcherr.CodeVersionConflict)
}

func TestAllocateSubtask_RaceLoserGetsConflict(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	task := &model.Task{ID: "t1", Description: "d", Type: model.TaskBugFix}
	require.NoError(t, st.CreateTask(ctx, task))
	sub := &model.Subtask{ID: "s1", TaskID: "t1", Name: "Fix", Type: model.SubtaskCodeFix, Status: model.SubtaskStatusPending}
	require.NoError(t, st.InsertSubtaskDAG(ctx, "t1", []*model.Subtask{sub}))

	for _, id := range []string{"w1", "w2"} {
		_, err := st.UpsertWorker(ctx, &model.Worker{ID: id, MachineID: id})
		require.NoError(t, err)
	}

	require.NoError(t, st.AllocateSubtask(ctx, "s1", "w1", "claude_code", 1))
	err := st.AllocateSubtask(ctx, "s1", "w2", "claude_code", 1)
	requireCode(t, err, orcherr.CodeVersionConflict)

	got, err := st.GetSubtask(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "w1", *got.AssignedWorker)
}

func TestAllocateSubtask_RejectsTerminalStates(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	task := &model.Task{ID: "t1", Description: "d", Type: model.TaskBugFix}
	require.NoError(t, st.CreateTask(ctx, task))
	sub := &model.Subtask{ID: "s1", TaskID: "t1", Name: "Fix", Type: model.SubtaskCodeFix, Status: model.SubtaskStatusPending}
	require.NoError(t, st.InsertSubtaskDAG(ctx, "t1", []*model.Subtask{sub}))
	_, err := st.UpsertWorker(ctx, &model.Worker{ID: "w1", MachineID: "m1"})
	require.NoError(t, err)

	require.NoError(t, st.AllocateSubtask(ctx, "s1", "w1", "claude_code", 1))
	require.NoError(t, st.ReleaseSubtask(ctx, "s1", model.SubtaskStatusCompleted, nil, "", 2))

	err = st.AllocateSubtask(ctx, "s1", "w1", "claude_code", 3)
	requireCode(t, err, orcherr.CodeInvalidState)
}

func TestReapWorker_IsAtomicOverBothEffects(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	task := &model.Task{ID: "t1", Description: "d", Type: model.TaskBugFix}
	require.NoError(t, st.CreateTask(ctx, task))
	sub := &model.Subtask{ID: "s1", TaskID: "t1", Name: "Fix", Type: model.SubtaskCodeFix, Status: model.SubtaskStatusPending}
	require.NoError(t, st.InsertSubtaskDAG(ctx, "t1", []*model.Subtask{sub}))
	w, err := st.UpsertWorker(ctx, &model.Worker{ID: "w1", MachineID: "m1"})
	require.NoError(t, err)
	require.NoError(t, st.AllocateSubtask(ctx, "s1", w.ID, "claude_code", 1))

	requeued, err := st.ReapWorker(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, requeued)

	gone, err := st.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, model.WorkerOffline, gone.Status)
	require.Empty(t, gone.CurrentTask)

	orphan, err := st.GetSubtask(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SubtaskStatusQueued, orphan.Status)
	require.Nil(t, orphan.AssignedWorker)
}

func TestCountsDistinguishLiveAndInProgress(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	task := &model.Task{ID: "t1", Description: "d", Type: model.TaskBugFix}
	require.NoError(t, st.CreateTask(ctx, task))
	subs := []*model.Subtask{
		{ID: "s1", TaskID: "t1", Name: "a", Type: model.SubtaskCodeFix, Status: model.SubtaskStatusPending},
		{ID: "s2", TaskID: "t1", Name: "b", Type: model.SubtaskCodeFix, Status: model.SubtaskStatusPending},
	}
	require.NoError(t, st.InsertSubtaskDAG(ctx, "t1", subs))
	_, err := st.UpsertWorker(ctx, &model.Worker{ID: "w1", MachineID: "m1"})
	require.NoError(t, err)

	require.NoError(t, st.AllocateSubtask(ctx, "s1", "w1", "claude_code", 1))
	require.NoError(t, st.MarkSubtaskQueued(ctx, "s2", 1))

	live, err := st.CountLiveSubtasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, live)

	inProgress, err := st.CountInProgressSubtasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, inProgress)
}
