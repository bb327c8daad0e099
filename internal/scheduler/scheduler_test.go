package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/allocator"
	"github.com/taskmesh/orchestrator/internal/decomposer"
	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/store"
)

type fixture struct {
	store *store.MemoryStore
	sched *Scheduler
	alloc *allocator.Allocator
	dec   *decomposer.Decomposer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	alloc := allocator.New(st, nil, nil, allocator.DefaultConfig())
	return &fixture{
		store: st,
		sched: New(st, nil, alloc, nil, nil, cfg),
		alloc: alloc,
		dec:   decomposer.New(st, decomposer.NewRegistry()),
	}
}

func (f *fixture) addWorker(t *testing.T, tools ...string) *model.Worker {
	t.Helper()
	w, err := f.store.UpsertWorker(context.Background(), &model.Worker{
		ID:        uuid.NewString(),
		MachineID: uuid.NewString(),
		Tools:     tools,
	})
	require.NoError(t, err)
	return w
}

func (f *fixture) addDecomposedTask(t *testing.T) (*model.Task, []*model.Subtask) {
	t.Helper()
	ctx := context.Background()
	task := &model.Task{ID: uuid.NewString(), Description: "feature", Type: model.TaskDevelopFeature}
	require.NoError(t, f.store.CreateTask(ctx, task))
	subtasks, err := f.dec.Decompose(ctx, task)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateTaskStatus(ctx, task.ID, model.TaskPending, model.TaskInitializing, task.Version))
	fresh, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	return fresh, subtasks
}

func (f *fixture) complete(t *testing.T, subtaskID string) {
	t.Helper()
	ctx := context.Background()
	sub, err := f.store.GetSubtask(ctx, subtaskID)
	require.NoError(t, err)
	require.NoError(t, f.alloc.Release(ctx, sub, model.SubtaskStatusCompleted, map[string]any{"ok": true}, ""))
	require.NoError(t, f.sched.HandleCompletion(ctx, subtaskID))
}

func subtaskByName(t *testing.T, subs []*model.Subtask, name string) *model.Subtask {
	t.Helper()
	for _, s := range subs {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no subtask named %s", name)
	return nil
}

func TestCycle_AllocatesOnlyReadySubtasks(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.addWorker(t, "claude_code")
	task, subs := f.addDecomposedTask(t)

	report := f.sched.Cycle(ctx)
	require.Empty(t, report.Errors)
	require.Equal(t, 1, report.TasksProcessed)
	require.Equal(t, 1, report.SubtasksAllocated, "only the dependency-free root is ready")

	gen, err := f.store.GetSubtask(ctx, subtaskByName(t, subs, "Code Generation").ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskStatusInProgress, gen.Status)

	review, err := f.store.GetSubtask(ctx, subtaskByName(t, subs, "Code Review").ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskStatusPending, review.Status)

	promoted, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskInProgress, promoted.Status)
}

func TestHappyPath_ProgressAndCompletion(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.addWorker(t, "claude_code")
	task, subs := f.addDecomposedTask(t)

	report := f.sched.Cycle(ctx)
	require.Equal(t, 1, report.SubtasksAllocated)
	f.complete(t, subtaskByName(t, subs, "Code Generation").ID)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 25, got.Progress)

	report = f.sched.Cycle(ctx)
	require.Equal(t, 1, report.SubtasksAllocated)
	f.complete(t, subtaskByName(t, subs, "Code Review").ID)

	got, err = f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 50, got.Progress)

	// Review done: tests and docs are both ready now.
	report = f.sched.Cycle(ctx)
	require.Equal(t, 1, report.SubtasksAllocated, "single worker at cap one takes one of the two")
	require.Equal(t, 1, report.SubtasksQueued)

	f.complete(t, subtaskByName(t, subs, "Test Generation").ID)
	report = f.sched.Cycle(ctx)
	require.Equal(t, 1, report.SubtasksAllocated)
	f.complete(t, subtaskByName(t, subs, "Documentation").ID)

	got, err = f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, model.TaskCompleted, got.Status)
}

func TestQueueAndDrain_WorkerArrivesLater(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	_, subs := f.addDecomposedTask(t)

	report := f.sched.Cycle(ctx)
	require.Zero(t, report.SubtasksAllocated)
	require.Equal(t, 1, report.SubtasksQueued)

	gen, err := f.store.GetSubtask(ctx, subtaskByName(t, subs, "Code Generation").ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskStatusQueued, gen.Status)

	f.addWorker(t, "claude_code")
	report = f.sched.Cycle(ctx)
	require.Equal(t, 1, report.SubtasksAllocated)

	gen, err = f.store.GetSubtask(ctx, gen.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskStatusInProgress, gen.Status)
}

func TestCycle_RespectsGlobalCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalCap = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.addWorker(t, "claude_code")
	f.addWorker(t, "claude_code")
	f.addDecomposedTask(t)
	f.addDecomposedTask(t)

	report := f.sched.Cycle(ctx)
	require.Equal(t, 1, report.SubtasksAllocated)

	inProgress, err := f.store.CountInProgressSubtasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, inProgress)
}

func TestCycle_SkipsCheckpointedTasks(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.addWorker(t, "claude_code")
	task, _ := f.addDecomposedTask(t)
	require.NoError(t, f.store.UpdateTaskStatus(ctx, task.ID, task.Status, model.TaskCheckpoint, task.Version))

	report := f.sched.Cycle(ctx)
	require.Zero(t, report.SubtasksAllocated)
	require.Zero(t, report.SubtasksQueued)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.addWorker(t, "claude_code")
	task, subs := f.addDecomposedTask(t)
	f.sched.Cycle(ctx)

	require.NoError(t, f.sched.CancelTask(ctx, task.ID))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCancelled, got.Status)
	for _, s := range subs {
		sub, err := f.store.GetSubtask(ctx, s.ID)
		require.NoError(t, err)
		require.Equal(t, model.SubtaskStatusCancelled, sub.Status)
	}

	// Cancelling again is a no-op.
	require.NoError(t, f.sched.CancelTask(ctx, task.ID))
}

func TestOrderReady(t *testing.T) {
	now := time.Now()
	low := &model.Subtask{ID: "low", Priority: 1, CreatedAt: now}
	high := &model.Subtask{ID: "high", Priority: 9, CreatedAt: now.Add(time.Second)}
	midOld := &model.Subtask{ID: "mid-old", Priority: 5, CreatedAt: now}
	midNew := &model.Subtask{ID: "mid-new", Priority: 5, CreatedAt: now.Add(time.Second)}

	ordered := orderReady([]*model.Subtask{low, midNew, high, midOld})
	require.Equal(t, []string{"high", "mid-old", "mid-new", "low"},
		[]string{ordered[0].ID, ordered[1].ID, ordered[2].ID, ordered[3].ID})
}

func TestStats(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.addWorker(t, "claude_code")
	f.addDecomposedTask(t)
	f.sched.Cycle(ctx)

	stats := f.sched.Stats(ctx)
	require.Equal(t, DefaultConfig().GlobalCap, stats.GlobalCap)
	require.Equal(t, 1, stats.InProgressCount)
}
