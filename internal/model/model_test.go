package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestProgress(t *testing.T) {
	cases := []struct {
		name      string
		completed int
		total     int
		want      int
	}{
		{"empty task", 0, 0, 0},
		{"none done", 0, 4, 0},
		{"one of four", 1, 4, 25},
		{"floor applies", 1, 3, 33},
		{"two of three", 2, 3, 66},
		{"all done", 4, 4, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Progress(tc.completed, tc.total))
		})
	}
}

func TestOverallScore_WeightedMean(t *testing.T) {
	w := DefaultEvaluationWeights()

	e := &Evaluation{
		CodeQuality:  f(8),
		Completeness: f(8),
		Security:     f(8),
		Architecture: f(8),
		Testability:  f(8),
	}
	require.InDelta(t, 8.0, OverallScore(e, w), 1e-9)
}

func TestOverallScore_RenormalizesOverPresentDimensions(t *testing.T) {
	w := DefaultEvaluationWeights()

	// Only three dimensions present: weights renormalize over them.
	e := &Evaluation{
		CodeQuality:  f(5),
		Completeness: f(6),
		Security:     f(5.5),
	}
	want := (5*0.25 + 6*0.25 + 5.5*0.2) / (0.25 + 0.25 + 0.2)
	require.InDelta(t, want, OverallScore(e, w), 1e-9)
	require.Less(t, OverallScore(e, w), 7.0)
}

func TestOverallScore_AllNil(t *testing.T) {
	require.Zero(t, OverallScore(&Evaluation{}, DefaultEvaluationWeights()))
}

func TestStatusHelpers(t *testing.T) {
	require.True(t, TaskCompleted.IsTerminal())
	require.True(t, TaskCancelled.IsTerminal())
	require.False(t, TaskCheckpoint.IsTerminal())

	require.True(t, SubtaskStatusQueued.IsLive())
	require.True(t, SubtaskStatusInProgress.IsLive())
	require.False(t, SubtaskStatusPending.IsLive())
	require.True(t, SubtaskStatusCancelled.IsTerminal())
}

func TestDependenciesSatisfied(t *testing.T) {
	completed := map[string]struct{}{"a": {}, "b": {}}
	require.True(t, DependenciesSatisfied(nil, completed))
	require.True(t, DependenciesSatisfied([]string{"a"}, completed))
	require.True(t, DependenciesSatisfied([]string{"a", "b"}, completed))
	require.False(t, DependenciesSatisfied([]string{"a", "c"}, completed))
}

func TestWorkerStaleness(t *testing.T) {
	now := time.Now()
	w := &Worker{LastHeartbeat: now.Add(-3 * time.Minute)}
	require.True(t, w.IsStale(now, 2*time.Minute))
	require.False(t, w.IsStale(now, 5*time.Minute))

	never := &Worker{}
	require.True(t, never.IsStale(now, time.Minute))
}

func TestResourcePressureMax(t *testing.T) {
	p := ResourcePressure{CPUPercent: 40, MemoryPercent: 85, DiskPercent: 10}
	require.Equal(t, 85.0, p.Max())
}
