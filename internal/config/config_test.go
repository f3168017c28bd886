package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 100, cfg.DispatcherBatchSize)
	assert.Equal(t, 5, cfg.DispatcherMaxRetry)
	assert.Equal(t, 50, cfg.CompensationBatchSize)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "prod")
	t.Setenv("OUTBOX_BATCH_SIZE", "250")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 250, cfg.DispatcherBatchSize)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestIsEnvHelpers(t *testing.T) {
	t.Parallel()
	assert.True(t, Config{AppEnv: "dev"}.IsDev())
	assert.True(t, Config{AppEnv: "PROD"}.IsProd())
	assert.True(t, Config{AppEnv: "Test"}.IsTest())
	assert.False(t, Config{AppEnv: "prod"}.IsDev())
}

func TestLoadWithFileMissingPathFallsBackToEnv(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadWithFile("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
}

func TestLoadWithFileOverlay(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("appEnv: prod\n"), 0o600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	// APP_ENV envDefault applies since no env var is set, per documented
	// "environment always wins" precedence.
	assert.Equal(t, "dev", cfg.AppEnv)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APP_ENV", "PORT", "DB_URL", "KAFKA_BROKERS", "AMQP_URL",
		"OUTBOX_BATCH_SIZE", "OUTBOX_MAX_RETRY", "OUTBOX_POLL_INTERVAL_SECONDS",
		"COMPENSATION_BATCH_SIZE", "COMPENSATION_POLL_INTERVAL_SECONDS",
		"REDIS_URL", "OUTBOX_DEBUG",
	} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}
