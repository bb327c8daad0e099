package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/allocator"
	"github.com/taskmesh/orchestrator/internal/model"
)

func candidates(scores ...float64) []allocator.Candidate {
	out := make([]allocator.Candidate, len(scores))
	for i, s := range scores {
		out[i] = allocator.Candidate{Worker: &model.Worker{ID: string(rune('a' + i))}, Score: s}
	}
	return out
}

func TestSelect_PureExploitTakesTop(t *testing.T) {
	r := New(0)
	for i := 0; i < 100; i++ {
		require.Zero(t, r.Select(candidates(0.9, 0.8, 0.7)))
	}
}

func TestSelect_PureExploreNeverTakesTop(t *testing.T) {
	r := New(1)
	for i := 0; i < 100; i++ {
		pick := r.Select(candidates(0.9, 0.8, 0.7))
		require.Greater(t, pick, 0)
		require.Less(t, pick, 3)
	}
}

func TestSelect_SingleCandidate(t *testing.T) {
	r := New(1)
	require.Zero(t, r.Select(candidates(0.5)))
	require.Zero(t, r.Select(nil))
}

func TestSelect_ZeroScoresStillExplore(t *testing.T) {
	r := New(1)
	for i := 0; i < 50; i++ {
		pick := r.Select(candidates(0, 0, 0))
		require.Greater(t, pick, 0)
	}
}
