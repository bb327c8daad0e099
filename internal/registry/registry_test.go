package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/store"
)

func TestRegister_IdempotentOnMachineID(t *testing.T) {
	st := store.NewMemoryStore()
	r := New(st)
	ctx := context.Background()

	first, err := r.Register(ctx, "machine-1", "build-box", model.SystemInfo{OS: "linux"}, []string{"claude_code"})
	require.NoError(t, err)

	second, err := r.Register(ctx, "machine-1", "build-box-renamed", model.SystemInfo{OS: "linux"}, []string{"claude_code", "gemini_cli"})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "re-registration must return the existing worker id")
	require.Equal(t, "build-box-renamed", second.MachineName)
	require.Equal(t, []string{"claude_code", "gemini_cli"}, second.Tools)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRegister_RequiresMachineID(t *testing.T) {
	r := New(store.NewMemoryStore())
	_, err := r.Register(context.Background(), "", "x", model.SystemInfo{}, nil)
	require.Error(t, err)
}

func TestHeartbeat_UpdatesPressureAndLiveness(t *testing.T) {
	st := store.NewMemoryStore()
	r := New(st)
	ctx := context.Background()

	w, err := r.Register(ctx, "machine-1", "box", model.SystemInfo{}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(ctx, w.ID, model.ResourcePressure{CPUPercent: 42}))
	got, err := r.Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, 42.0, got.Pressure.CPUPercent)
	require.False(t, got.LastHeartbeat.IsZero())
}

func TestDeregister_RequeuesHeldWork(t *testing.T) {
	st := store.NewMemoryStore()
	r := New(st)
	ctx := context.Background()

	w, err := r.Register(ctx, "machine-1", "box", model.SystemInfo{}, []string{"claude_code"})
	require.NoError(t, err)

	task := &model.Task{ID: "t1", Description: "d", Type: model.TaskBugFix}
	require.NoError(t, st.CreateTask(ctx, task))
	sub := &model.Subtask{ID: "s1", TaskID: task.ID, Name: "Fix", Type: model.SubtaskCodeFix, Status: model.SubtaskStatusPending}
	require.NoError(t, st.InsertSubtaskDAG(ctx, task.ID, []*model.Subtask{sub}))
	require.NoError(t, st.AllocateSubtask(ctx, sub.ID, w.ID, "claude_code", 1))

	requeued, err := r.Deregister(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, requeued)

	gone, err := r.Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, model.WorkerOffline, gone.Status)
}
