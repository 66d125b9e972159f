package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearOrchEnv() {
	for _, k := range []string{
		"ORCH_HTTP_PORT", "ORCH_ENV", "API_KEY",
		"QUEUE_STORAGE", "REDIS_URL", "JOB_TTL_SECONDS",
		"MAX_REMOTE_WORKERS", "MAX_LOCAL_CONCURRENCY",
		"POLL_INTERVAL_MS", "TIMEOUT_CHECK_MS", "RECONCILE_INTERVAL_MS",
		"WEBHOOK_SECRET", "WEBHOOK_MAX_ATTEMPTS", "WEBHOOK_DLQ_DSN",
		"ALERT_SLACK_TOKEN", "ALERT_SLACK_CHANNEL",
		"EXECUTOR_BASE_URL", "EXECUTOR_TIMEOUT_MS",
		"OTEL_ENABLED", "OTEL_COLLECTOR", "OTEL_SERVICE_NAME",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_DefaultsRequireAPIKey(t *testing.T) {
	clearOrchEnv()

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_KEY")
}

func TestLoad_Defaults(t *testing.T) {
	clearOrchEnv()
	t.Setenv("API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "MEMORY", cfg.Store.Backend)
	assert.Equal(t, 3, cfg.Workers.MaxRemoteWorkers)
	assert.Equal(t, 2, cfg.Workers.MaxLocalConcurrency)
	assert.Equal(t, 5000*time.Millisecond, cfg.Poll.PollInterval)
	assert.Equal(t, 60000*time.Millisecond, cfg.Poll.TimeoutCheck)
	assert.Equal(t, 300000*time.Millisecond, cfg.Poll.ReconcileInterval)
	assert.Equal(t, 86400*time.Second, cfg.Store.JobTTL)
	assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
}

func TestLoad_RedisBackendRequiresURL(t *testing.T) {
	clearOrchEnv()
	t.Setenv("API_KEY", "test-key")
	t.Setenv("QUEUE_STORAGE", "REDIS")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestLoad_RedisBackendWithURL(t *testing.T) {
	clearOrchEnv()
	t.Setenv("API_KEY", "test-key")
	t.Setenv("QUEUE_STORAGE", "REDIS")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "REDIS", cfg.Store.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Store.RedisURL)
}

func TestLoad_UnknownBackend(t *testing.T) {
	clearOrchEnv()
	t.Setenv("API_KEY", "test-key")
	t.Setenv("QUEUE_STORAGE", "FILESYSTEM")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_STORAGE")
}

func TestLoad_RejectsNonPositiveWorkerCounts(t *testing.T) {
	clearOrchEnv()
	t.Setenv("API_KEY", "test-key")
	t.Setenv("MAX_REMOTE_WORKERS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_REMOTE_WORKERS")
}
