package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"grid-engine/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{"mode":"paper"}`))
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 10, cfg.Engine.ReconcileIntervalSec)
	assert.Equal(t, 300, cfg.Engine.HealthCheckIntervalSec)
	assert.Equal(t, 3, cfg.Exchange.RetryAttempts)
	assert.Equal(t, "0 9 * * *", cfg.DailySummaryCron)
	assert.Equal(t, "grid:events", cfg.Redis.Stream)
}

func TestLoadConfigKeepsExplicitValues(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{
		"mode": "live",
		"engine": {"health_check_interval_sec": 60, "max_consecutive_errors": 2},
		"exchange": {"requests_per_second": 5, "burst": 5}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Engine.HealthCheckIntervalSec)
	assert.Equal(t, 2, cfg.Engine.MaxConsecutiveErrors)
	assert.Equal(t, 5.0, cfg.Exchange.RequestsPerSecond)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv(EnvDatabaseDSN, "file:override.db")
	t.Setenv(EnvRedisAddr, "127.0.0.1:6380")
	t.Setenv(EnvControlToken, "s3cret")

	cfg, err := LoadConfig(writeConfig(t, `{"control_token":"from-file"}`))
	require.NoError(t, err)
	assert.Equal(t, "file:override.db", cfg.Database.DSN)
	assert.Equal(t, "127.0.0.1:6380", cfg.Redis.Addr)
	assert.Equal(t, "s3cret", cfg.ControlToken)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"mode":"backtest"}`))
	assert.True(t, errors.Is(err, errs.ErrInvalidConfig))

	_, err = LoadConfig(writeConfig(t, `{"database":{"driver":"mysql","dsn":"x"}}`))
	assert.True(t, errors.Is(err, errs.ErrInvalidConfig))

	_, err = LoadConfig(writeConfig(t, `{not json`))
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("GRID_TEST_VALUE=from-dotenv\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("GRID_TEST_VALUE") })

	assert.True(t, LoadEnv(path))
	assert.Equal(t, "from-dotenv", os.Getenv("GRID_TEST_VALUE"))
	assert.False(t, LoadEnv(filepath.Join(t.TempDir(), "nope.env")))
}
