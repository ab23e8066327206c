package config_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/deepwork/internal/config"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("DEEPWORK_API_KEY", "secret")
	env, err := config.LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "3100", env.HTTPPort)
	assert.Equal(t, "local", env.StorageEnv.Type)
	assert.Equal(t, 4, env.MaxConcurrentTasks)
	assert.Equal(t, 30*time.Minute, env.ExecutorTimeout)
	assert.Equal(t, 256, env.SubscriberBuffer)
	assert.Equal(t, "claude", env.ExecutorEnv.Backend)
	assert.Equal(t, slog.LevelDebug, env.SlogLevel())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DEEPWORK_API_KEY", "secret")
	t.Setenv("DEEPWORK_MAX_CONCURRENT_TASKS", "0")
	t.Setenv("DEEPWORK_EXECUTOR_TIMEOUT", "90s")
	t.Setenv("DEEPWORK_STORAGE_TYPE", "sqlite")
	t.Setenv("DEEPWORK_LOG_LEVEL", "warn")
	env, err := config.LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, 0, env.MaxConcurrentTasks)
	assert.Equal(t, 90*time.Second, env.ExecutorTimeout)
	assert.Equal(t, "sqlite", env.StorageEnv.Type)
	assert.Equal(t, slog.LevelWarn, env.SlogLevel())
}

func TestLoadEnvRequiresAPIKey(t *testing.T) {
	t.Setenv("DEEPWORK_API_KEY", "")
	require.NoError(t, os.Unsetenv("DEEPWORK_API_KEY"))
	_, err := config.LoadEnv()
	assert.Error(t, err)
}
