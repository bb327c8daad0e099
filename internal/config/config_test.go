package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, 30*time.Second, cfg.SchedulerInterval)
	require.Equal(t, 20, cfg.MaxConcurrentSubtasks)
	require.Equal(t, 1, cfg.MaxSubtasksPerWorker)
	require.Equal(t, 120*time.Second, cfg.HeartbeatTimeout)
	require.InDelta(t, 0.50, cfg.ToolWeight, 1e-9)
	require.InDelta(t, 7.0, cfg.EvaluationThreshold, 1e-9)
	require.Equal(t, 24*time.Hour, cfg.CheckpointTimeout)
	require.Equal(t, 3, cfg.MaxCorrectionCycles)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_SUBTASKS", "7")
	t.Setenv("SCHEDULER_INTERVAL", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MaxConcurrentSubtasks)
	require.Equal(t, 10*time.Second, cfg.SchedulerInterval)
}

func TestValidate_WeightsMustSumToOne(t *testing.T) {
	t.Setenv("ALLOC_TOOL_WEIGHT", "0.9")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate_ProductionNeedsSecret(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SECRET_KEY", "short")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("SECRET_KEY", "0123456789abcdef0123456789abcdef")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "production", cfg.Environment)
}

func TestValidate_ProductionRejectsWildcardCORS(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SECRET_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("CORS_ORIGINS", "*")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate_HeartbeatOrdering(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "60s")
	t.Setenv("HEARTBEAT_TIMEOUT", "30s")
	_, err := Load()
	require.Error(t, err)
}
