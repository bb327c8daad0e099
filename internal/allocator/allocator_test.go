package allocator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/store"
)

func seedWorker(t *testing.T, st *store.MemoryStore, machineID string, tools []string, pressure model.ResourcePressure, onPrem bool) *model.Worker {
	t.Helper()
	w, err := st.UpsertWorker(context.Background(), &model.Worker{
		ID:         uuid.NewString(),
		MachineID:  machineID,
		Tools:      tools,
		SystemInfo: model.SystemInfo{OS: "linux", OnPrem: onPrem},
	})
	require.NoError(t, err)
	require.NoError(t, st.IngestHeartbeat(context.Background(), w.ID, pressure, w.LastHeartbeat))
	got, err := st.GetWorker(context.Background(), w.ID)
	require.NoError(t, err)
	return got
}

func seedTaskWithSubtask(t *testing.T, st *store.MemoryStore, privacy model.PrivacyLevel, tool string) (*model.Task, *model.Subtask) {
	t.Helper()
	ctx := context.Background()
	task := &model.Task{ID: uuid.NewString(), Description: "d", Type: model.TaskDevelopFeature, PrivacyLevel: privacy}
	require.NoError(t, st.CreateTask(ctx, task))
	sub := &model.Subtask{
		ID:              uuid.NewString(),
		TaskID:          task.ID,
		Name:            "Code Generation",
		Type:            model.SubtaskCodeGeneration,
		Status:          model.SubtaskStatusPending,
		RecommendedTool: tool,
		Complexity:      2,
		Priority:        5,
	}
	require.NoError(t, st.InsertSubtaskDAG(ctx, task.ID, []*model.Subtask{sub}))
	return task, sub
}

func TestToolMatch(t *testing.T) {
	w := &model.Worker{Tools: []string{"claude_code"}}

	score, tool := toolMatch(w, "claude_code")
	require.Equal(t, 1.0, score)
	require.Equal(t, "claude_code", tool)

	score, tool = toolMatch(w, "gemini_cli")
	require.Equal(t, 0.7, score)
	require.Equal(t, "claude_code", tool)

	score, _ = toolMatch(w, "terraform")
	require.Zero(t, score)

	score, _ = toolMatch(w, "")
	require.Equal(t, 1.0, score)
}

func TestResourceFit(t *testing.T) {
	require.InDelta(t, 1.0, resourceFit(model.ResourcePressure{}), 1e-9)
	require.InDelta(t, 0.4, resourceFit(model.ResourcePressure{CPUPercent: 60}), 1e-9)
	require.Zero(t, resourceFit(model.ResourcePressure{MemoryPercent: 130}))
}

func TestOverloadedThresholds(t *testing.T) {
	a := New(store.NewMemoryStore(), nil, nil, DefaultConfig())

	require.False(t, a.overloaded(model.ResourcePressure{CPUPercent: 79, MemoryPercent: 84, DiskPercent: 89}))
	require.True(t, a.overloaded(model.ResourcePressure{CPUPercent: 80}))
	require.True(t, a.overloaded(model.ResourcePressure{MemoryPercent: 85}))
	require.True(t, a.overloaded(model.ResourcePressure{DiskPercent: 90}))
}

func TestCandidates_RankingAndTieBreak(t *testing.T) {
	st := store.NewMemoryStore()
	a := New(st, nil, nil, DefaultConfig())
	ctx := context.Background()

	// Identical workers: the tie must break on lexicographically lower id.
	w1 := seedWorker(t, st, "m1", []string{"claude_code"}, model.ResourcePressure{CPUPercent: 10}, false)
	w2 := seedWorker(t, st, "m2", []string{"claude_code"}, model.ResourcePressure{CPUPercent: 10}, false)

	task, sub := seedTaskWithSubtask(t, st, model.PrivacyNormal, "claude_code")
	candidates, err := a.Candidates(ctx, task, sub)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.InDelta(t, candidates[0].Score, candidates[1].Score, 1e-9)
	lower := w1.ID
	if w2.ID < lower {
		lower = w2.ID
	}
	require.Equal(t, lower, candidates[0].Worker.ID)
}

func TestCandidates_ExcludesOverloadedAndIncapable(t *testing.T) {
	st := store.NewMemoryStore()
	a := New(st, nil, nil, DefaultConfig())
	ctx := context.Background()

	seedWorker(t, st, "hot", []string{"claude_code"}, model.ResourcePressure{CPUPercent: 95}, false)
	seedWorker(t, st, "wrong-tools", []string{"terraform"}, model.ResourcePressure{}, false)
	capable := seedWorker(t, st, "ok", []string{"claude_code"}, model.ResourcePressure{CPUPercent: 10}, false)

	task, sub := seedTaskWithSubtask(t, st, model.PrivacyNormal, "claude_code")
	candidates, err := a.Candidates(ctx, task, sub)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, capable.ID, candidates[0].Worker.ID)
}

func TestCandidates_NearMatchRanksBelowExact(t *testing.T) {
	st := store.NewMemoryStore()
	a := New(st, nil, nil, DefaultConfig())
	ctx := context.Background()

	near := seedWorker(t, st, "near", []string{"gemini_cli"}, model.ResourcePressure{}, false)
	exact := seedWorker(t, st, "exact", []string{"claude_code"}, model.ResourcePressure{}, false)

	task, sub := seedTaskWithSubtask(t, st, model.PrivacyNormal, "claude_code")
	candidates, err := a.Candidates(ctx, task, sub)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, exact.ID, candidates[0].Worker.ID)
	require.Equal(t, near.ID, candidates[1].Worker.ID)
	require.Equal(t, "gemini_cli", candidates[1].Tool)
}

func TestAllocate_BindsBestWorker(t *testing.T) {
	st := store.NewMemoryStore()
	a := New(st, nil, nil, DefaultConfig())
	ctx := context.Background()

	w := seedWorker(t, st, "m1", []string{"claude_code"}, model.ResourcePressure{}, false)
	task, sub := seedTaskWithSubtask(t, st, model.PrivacyNormal, "claude_code")

	outcome, err := a.Allocate(ctx, task, sub)
	require.NoError(t, err)
	require.False(t, outcome.Queued)
	require.Equal(t, w.ID, outcome.Worker.ID)

	bound, err := st.GetSubtask(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskStatusInProgress, bound.Status)
	require.NotNil(t, bound.AssignedWorker)
	require.Equal(t, w.ID, *bound.AssignedWorker)
	require.NotNil(t, bound.StartedAt)

	worker, err := st.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, model.WorkerBusy, worker.Status)
}

func TestAllocate_QueuesWhenNoWorkers(t *testing.T) {
	st := store.NewMemoryStore()
	a := New(st, nil, nil, DefaultConfig())
	ctx := context.Background()

	task, sub := seedTaskWithSubtask(t, st, model.PrivacyNormal, "claude_code")

	outcome, err := a.Allocate(ctx, task, sub)
	require.NoError(t, err)
	require.True(t, outcome.Queued)

	queued, err := st.GetSubtask(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskStatusQueued, queued.Status)
	require.Nil(t, queued.AssignedWorker)
}

func TestAllocate_PerWorkerCap(t *testing.T) {
	st := store.NewMemoryStore()
	a := New(st, nil, nil, DefaultConfig())
	ctx := context.Background()

	seedWorker(t, st, "m1", []string{"claude_code"}, model.ResourcePressure{}, false)

	task1, sub1 := seedTaskWithSubtask(t, st, model.PrivacyNormal, "claude_code")
	outcome, err := a.Allocate(ctx, task1, sub1)
	require.NoError(t, err)
	require.False(t, outcome.Queued)

	// The only worker is at its cap of one: the next subtask queues.
	task2, sub2 := seedTaskWithSubtask(t, st, model.PrivacyNormal, "claude_code")
	outcome, err = a.Allocate(ctx, task2, sub2)
	require.NoError(t, err)
	require.True(t, outcome.Queued)
}

func TestAllocate_SensitiveTaskRequiresOnPrem(t *testing.T) {
	st := store.NewMemoryStore()
	a := New(st, nil, nil, DefaultConfig())
	ctx := context.Background()

	seedWorker(t, st, "cloud", []string{"claude_code"}, model.ResourcePressure{}, false)

	task, sub := seedTaskWithSubtask(t, st, model.PrivacySensitive, "claude_code")
	outcome, err := a.Allocate(ctx, task, sub)
	require.NoError(t, err)
	require.True(t, outcome.Queued, "an off-prem worker must never take a sensitive task")

	onPrem := seedWorker(t, st, "dc", []string{"claude_code"}, model.ResourcePressure{}, true)
	requeued, err := st.GetSubtask(ctx, sub.ID)
	require.NoError(t, err)
	outcome, err = a.Allocate(ctx, task, requeued)
	require.NoError(t, err)
	require.False(t, outcome.Queued)
	require.Equal(t, onPrem.ID, outcome.Worker.ID)
}

func TestRelease_SetsOutcomeAndFreesWorker(t *testing.T) {
	st := store.NewMemoryStore()
	a := New(st, nil, nil, DefaultConfig())
	ctx := context.Background()

	w := seedWorker(t, st, "m1", []string{"claude_code"}, model.ResourcePressure{}, false)
	task, sub := seedTaskWithSubtask(t, st, model.PrivacyNormal, "claude_code")

	_, err := a.Allocate(ctx, task, sub)
	require.NoError(t, err)

	bound, err := st.GetSubtask(ctx, sub.ID)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, bound, model.SubtaskStatusCompleted, map[string]any{"out": "ok"}, ""))

	done, err := st.GetSubtask(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, model.SubtaskStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	worker, err := st.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	require.NotEqual(t, model.WorkerBusy, worker.Status)
}
