package idempotency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBegin_FirstClaimWins(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	prior, fresh := s.Begin(ctx, "result:s1:w1", Record{SubtaskID: "s1", Status: "completed"})
	require.True(t, fresh)
	require.Nil(t, prior)
}

func TestBegin_ReplayReturnsPriorRecord(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	_, fresh := s.Begin(ctx, "result:s1:w1", Record{SubtaskID: "s1", Status: "completed"})
	require.True(t, fresh)

	prior, fresh := s.Begin(ctx, "result:s1:w1", Record{SubtaskID: "s1", Status: "failed"})
	require.False(t, fresh)
	require.NotNil(t, prior)
	require.Equal(t, "completed", prior.Status, "the replay sees the first outcome, not its own")
}

func TestBegin_DistinctKeysAreIndependent(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	_, fresh := s.Begin(ctx, "result:s1:w1", Record{SubtaskID: "s1"})
	require.True(t, fresh)
	_, fresh = s.Begin(ctx, "result:s2:w1", Record{SubtaskID: "s2"})
	require.True(t, fresh)
}
