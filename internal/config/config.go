// Package config loads the orchestrator's configuration from environment
// variables (with optional .env for local development) into one typed,
// validated struct, injected explicitly into components from main rather
// than read ambiently.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full tunable surface of the engine.
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`
	ReplicaID   string `mapstructure:"REPLICA_ID"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	RedisPass   string `mapstructure:"REDIS_PASSWORD"`
	RedisDB     int    `mapstructure:"REDIS_DB"`

	// SecretKey is consumed by the edge process, not the core; it is
	// validated here so a misconfigured deployment fails at startup
	// rather than at first request.
	SecretKey   string   `mapstructure:"SECRET_KEY"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	MetricsAddr string `mapstructure:"METRICS_ADDR"`

	SchedulerInterval          time.Duration `mapstructure:"SCHEDULER_INTERVAL"`
	MaxConcurrentSubtasks      int           `mapstructure:"MAX_CONCURRENT_SUBTASKS"`
	MaxSubtasksPerWorker       int           `mapstructure:"MAX_SUBTASKS_PER_WORKER"`
	AllocationBatchSize        int           `mapstructure:"ALLOCATION_BATCH_SIZE"`
	MaxQueueAllocationAttempts int           `mapstructure:"MAX_QUEUE_ALLOCATION_ATTEMPTS"`

	HeartbeatInterval   time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout    time.Duration `mapstructure:"HEARTBEAT_TIMEOUT"`
	HealthCheckInterval time.Duration `mapstructure:"HEALTH_CHECK_INTERVAL"`

	ToolWeight     float64 `mapstructure:"ALLOC_TOOL_WEIGHT"`
	ResourceWeight float64 `mapstructure:"ALLOC_RESOURCE_WEIGHT"`
	PrivacyWeight  float64 `mapstructure:"ALLOC_PRIVACY_WEIGHT"`
	ExplorationEps float64 `mapstructure:"ROUTER_EPSILON"`

	EvaluationThreshold       float64       `mapstructure:"EVALUATION_THRESHOLD"`
	SubtaskCompletionInterval int           `mapstructure:"SUBTASK_COMPLETION_INTERVAL"`
	CheckpointTimeout         time.Duration `mapstructure:"CHECKPOINT_TIMEOUT"`
	MaxCorrectionCycles       int           `mapstructure:"MAX_CORRECTION_CYCLES"`

	BreakerFailureThreshold int           `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerRecoveryTimeout  time.Duration `mapstructure:"BREAKER_RECOVERY_TIMEOUT"`
	BreakerSuccessThreshold int           `mapstructure:"BREAKER_SUCCESS_THRESHOLD"`
	BreakerHalfOpenMaxCalls int           `mapstructure:"BREAKER_HALF_OPEN_MAX_CALLS"`

	MailboxTTL   time.Duration `mapstructure:"MAILBOX_TTL"`
	LeaderTTL    time.Duration `mapstructure:"LEADER_TTL"`
	QueryTimeout time.Duration `mapstructure:"DB_QUERY_TIMEOUT"`
}

// Load reads configuration from the environment, layering an optional
// .env file underneath for local development.
func Load() (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("REPLICA_ID", "")
	v.SetDefault("DATABASE_URL", "postgres://localhost:5432/orchestrator")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("SECRET_KEY", "")
	v.SetDefault("CORS_ORIGINS", "")
	v.SetDefault("METRICS_ADDR", ":9090")

	v.SetDefault("SCHEDULER_INTERVAL", "30s")
	v.SetDefault("MAX_CONCURRENT_SUBTASKS", 20)
	v.SetDefault("MAX_SUBTASKS_PER_WORKER", 1)
	v.SetDefault("ALLOCATION_BATCH_SIZE", 50)
	v.SetDefault("MAX_QUEUE_ALLOCATION_ATTEMPTS", 100)

	v.SetDefault("HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("HEARTBEAT_TIMEOUT", "120s")
	v.SetDefault("HEALTH_CHECK_INTERVAL", "30s")

	v.SetDefault("ALLOC_TOOL_WEIGHT", 0.50)
	v.SetDefault("ALLOC_RESOURCE_WEIGHT", 0.30)
	v.SetDefault("ALLOC_PRIVACY_WEIGHT", 0.20)
	v.SetDefault("ROUTER_EPSILON", 0.1)

	v.SetDefault("EVALUATION_THRESHOLD", 7.0)
	v.SetDefault("SUBTASK_COMPLETION_INTERVAL", 5)
	v.SetDefault("CHECKPOINT_TIMEOUT", "24h")
	v.SetDefault("MAX_CORRECTION_CYCLES", 3)

	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("BREAKER_RECOVERY_TIMEOUT", "30s")
	v.SetDefault("BREAKER_SUCCESS_THRESHOLD", 2)
	v.SetDefault("BREAKER_HALF_OPEN_MAX_CALLS", 3)

	v.SetDefault("MAILBOX_TTL", "1h")
	v.SetDefault("LEADER_TTL", "15s")
	v.SetDefault("DB_QUERY_TIMEOUT", "30s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitOrigins(v.GetString("CORS_ORIGINS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would misbehave at runtime rather
// than letting them limp along.
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if len(c.SecretKey) < 32 {
			return fmt.Errorf("SECRET_KEY must be at least 32 bytes in production")
		}
		for _, o := range c.CORSOrigins {
			if o == "*" {
				return fmt.Errorf("CORS_ORIGINS must be an explicit list in production, not *")
			}
		}
	}
	if c.MaxConcurrentSubtasks <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SUBTASKS must be positive")
	}
	if c.MaxSubtasksPerWorker <= 0 {
		return fmt.Errorf("MAX_SUBTASKS_PER_WORKER must be positive")
	}
	sum := c.ToolWeight + c.ResourceWeight + c.PrivacyWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("allocation weights must sum to 1, got %.2f", sum)
	}
	if c.ExplorationEps < 0 || c.ExplorationEps > 1 {
		return fmt.Errorf("ROUTER_EPSILON must be in [0,1]")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must exceed HEARTBEAT_INTERVAL")
	}
	return nil
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
