package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServiceDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/hubcoord")

	cfg, err := LoadService()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 60*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 8, cfg.ContentionMaxRetries)
	assert.Equal(t, 20*time.Millisecond, cfg.ContentionBaseDelay)
	assert.Nil(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoadServiceRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := LoadService()
	if err == nil {
		t.Fatal("expected an error without DATABASE_URL")
	}
}

func TestLoadWorkerOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/hubcoord")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092,")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("HANDLER_TIMEOUT_SECONDS", "40")
	t.Setenv("WORKER_HEALTH_ADDR", ":9999")
	t.Setenv("DLQ_DRAIN_BATCH_SIZE", "25")

	cfg, err := LoadWorker()
	require.NoError(t, err)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 16, cfg.Concurrency)
	assert.Equal(t, 40*time.Second, cfg.HandlerTimeout)
	assert.Equal(t, ":9999", cfg.HealthListenAddr)
	assert.Equal(t, 25, cfg.DrainBatchSize)
	assert.Equal(t, 5*time.Second, cfg.DrainInterval)
}

func TestIntEnvRejectsGarbage(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/hubcoord")
	t.Setenv("RETRY_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("CONTENTION_MAX_RETRIES", "-3")

	cfg, err := LoadService()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 8, cfg.ContentionMaxRetries)
}
