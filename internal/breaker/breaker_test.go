package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Name:             "test",
		FailureThreshold: 3,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 2,
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 2; i++ {
		ok, _ := b.Allow()
		require.True(t, ok)
		b.RecordFailure()
	}
	require.Equal(t, Closed, b.State())

	ok, _ := b.Allow()
	require.True(t, ok)
	b.RecordFailure()
	require.Equal(t, Open, b.State())
}

func TestBreaker_RejectsFastWhileOpen(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())

	ok, retryAfter := b.Allow()
	require.False(t, ok)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())

	time.Sleep(25 * time.Millisecond)

	ok, _ := b.Allow()
	require.True(t, ok)
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	require.Equal(t, HalfOpen, b.State())
	b.RecordSuccess()
	require.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)

	ok, _ := b.Allow()
	require.True(t, ok)
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure()
	require.Equal(t, Open, b.State())
}

func TestBreaker_Call(t *testing.T) {
	b := New(testConfig())
	err := b.Call(func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, Closed, b.State())
}
