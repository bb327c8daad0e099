package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/model"
	"github.com/taskmesh/orchestrator/internal/store"
)

func TestStateCollector_EmitsOnDemand(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.CreateTask(ctx, &model.Task{ID: "t1", Description: "d", Type: model.TaskBugFix}))
	require.NoError(t, st.CreateTask(ctx, &model.Task{ID: "t2", Description: "d", Type: model.TaskBugFix}))
	_, err := st.UpsertWorker(ctx, &model.Worker{ID: "w1", MachineID: "m1"})
	require.NoError(t, err)

	c := NewStateCollector(st)

	// One task series (pending=2), one worker series (online=1), no
	// subtask series yet.
	require.Equal(t, 2, testutil.CollectAndCount(c))

	sub := &model.Subtask{ID: "s1", TaskID: "t1", Name: "Fix", Type: model.SubtaskCodeFix, Status: model.SubtaskStatusPending}
	require.NoError(t, st.InsertSubtaskDAG(ctx, "t1", []*model.Subtask{sub}))
	require.Equal(t, 3, testutil.CollectAndCount(c), "a fresh scrape reflects the new subtask without any push")
}
