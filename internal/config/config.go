// Package config loads the orchestrator's environment-sourced
// configuration (spec §6), following the teacher's pattern of one
// struct per concern assembled into a root Config.
package config

import (
	"fmt"
	"time"

	"github.com/vidforge/orchestrator/internal/env"
)

// Config is the root configuration for the orchestrator binary.
type Config struct {
	HTTPPort string `env:"ORCH_HTTP_PORT" default:"8080"`
	Env      string `env:"ORCH_ENV" default:"dev"`
	APIKey   string `env:"API_KEY"`

	Store     StoreConfig
	Workers   WorkerConfig
	Poll      PollConfig
	Webhook   WebhookConfig
	Executor  ExecutorConfig
	Observ    ObservabilityConfig
}

// StoreConfig selects and configures the job store implementation
// (§4.1, §6 "Durability choice is external configuration").
type StoreConfig struct {
	// Backend is "MEMORY" or "REDIS" (QUEUE_STORAGE in spec §6).
	Backend  string `env:"QUEUE_STORAGE" default:"MEMORY"`
	RedisURL string `env:"REDIS_URL"`
	JobTTL   time.Duration `env:"JOB_TTL_SECONDS" default:"86400s"`
}

// WorkerConfig holds the two independent concurrency bounds (§3.1,
// §4.6): the shared remote-fleet counter and the local pool's own
// semaphore.
type WorkerConfig struct {
	MaxRemoteWorkers    int `env:"MAX_REMOTE_WORKERS" default:"3"`
	MaxLocalConcurrency int `env:"MAX_LOCAL_CONCURRENCY" default:"2"`
}

// PollConfig holds the monitor's three ticker intervals (§4.4).
type PollConfig struct {
	PollInterval      time.Duration `env:"POLL_INTERVAL_MS" default:"5000ms"`
	TimeoutCheck      time.Duration `env:"TIMEOUT_CHECK_MS" default:"60000ms"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL_MS" default:"300000ms"`
}

// WebhookConfig configures the notifier (§4.8) and its optional
// Postgres-backed dead-letter queue.
type WebhookConfig struct {
	Secret      string `env:"WEBHOOK_SECRET"`
	MaxAttempts int    `env:"WEBHOOK_MAX_ATTEMPTS" default:"3"`
	DLQDSN      string `env:"WEBHOOK_DLQ_DSN"`
	SlackToken  string `env:"ALERT_SLACK_TOKEN"`
	SlackChannel string `env:"ALERT_SLACK_CHANNEL"`
}

// ExecutorConfig configures the remote executor HTTP client (§4.3).
type ExecutorConfig struct {
	BaseURL string        `env:"EXECUTOR_BASE_URL"`
	Timeout time.Duration `env:"EXECUTOR_TIMEOUT_MS" default:"30000ms"`
}

// ObservabilityConfig gates OpenTelemetry initialization.
type ObservabilityConfig struct {
	OTelEnabled   bool   `env:"OTEL_ENABLED" default:"true"`
	OTelCollector string `env:"OTEL_COLLECTOR" default:"localhost:4317"`
	ServiceName   string `env:"OTEL_SERVICE_NAME" default:"job-orchestrator"`
}

// Load parses environment variables into Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "MEMORY":
	case "REDIS":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUEUE_STORAGE is REDIS")
		}
	default:
		return fmt.Errorf("unknown QUEUE_STORAGE: %s", c.Store.Backend)
	}

	if c.Workers.MaxRemoteWorkers <= 0 {
		return fmt.Errorf("MAX_REMOTE_WORKERS must be positive")
	}
	if c.Workers.MaxLocalConcurrency <= 0 {
		return fmt.Errorf("MAX_LOCAL_CONCURRENCY must be positive")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}

	return nil
}
