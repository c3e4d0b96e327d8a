package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "nats", cfg.Queue.Backend)
	assert.Equal(t, 10000, cfg.Queue.Capacity)
	assert.Equal(t, 200*time.Millisecond, cfg.Queue.MaxWait)
	assert.Equal(t, 2, cfg.Worker.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Health.TTL)
	assert.True(t, cfg.Worker.Reconcile)
	assert.Equal(t, time.Duration(0), cfg.Idempotency.MarkerTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROCESSOR_DEFAULT_URL", "http://default:8080")
	t.Setenv("PROCESSOR_FALLBACK_URL", "http://fallback:8080")
	t.Setenv("REDIS_HOST", "redis:6379")
	t.Setenv("NATS_MAX_ACK_PENDING", "80")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("HEALTH_TTL", "3s")
	t.Setenv("QUEUE_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://default:8080", cfg.Processor.DefaultURL)
	assert.Equal(t, "http://fallback:8080", cfg.Processor.FallbackURL)
	assert.Equal(t, "redis:6379", cfg.Redis.Host)
	assert.Equal(t, 80, cfg.Nats.MaxAckPending)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, 3*time.Second, cfg.Health.TTL)
	assert.Equal(t, "memory", cfg.Queue.Backend)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("summary:\n  backend: postgres\nworker:\n  max_attempts: 3\n  reconcile: false\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Summary.Backend)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.False(t, cfg.Worker.Reconcile)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Queue.Backend = "kafka"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Summary.Backend = "mongo"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Worker.Count = 0
	assert.Error(t, bad.Validate())
}
