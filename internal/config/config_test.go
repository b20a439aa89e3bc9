package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronoplan/internal/config"
	"chronoplan/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.DefaultTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Executors)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "chronoplan.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
http:
  addr: ":9090"
scheduler:
  workers: 3
  tick_interval: 500ms
executors:
  reminder:
    url: http://localhost:7000/hooks/reminder
    timeout: 5s
    rate_per_sec: 2
`), 0o600))
	t.Setenv("CHRONOPLAN_SCHEDULER_WORKERS", "5")
	t.Setenv("CHRONOPLAN_LOG_FORMAT", "json")

	cfg, err := config.Load(viper.New(), file)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 5, cfg.Scheduler.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, "json", cfg.Log.Format)

	ec, ok := cfg.ExecutorFor(domain.ModuleReminder)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:7000/hooks/reminder", ec.URL)
	assert.Equal(t, 5*time.Second, ec.Timeout)
	assert.InDelta(t, 2.0, ec.RatePerSec, 0.001)

	_, ok = cfg.ExecutorFor(domain.ModuleGoal)
	assert.False(t, ok)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad level":      "log:\n  level: loud\n",
		"zero workers":   "scheduler:\n  workers: 0\n",
		"unknown module": "executors:\n  chat:\n    url: http://localhost/x\n",
		"missing url":    "executors:\n  goal:\n    timeout: 1s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(file, []byte(body), 0o600))
			_, err := config.Load(viper.New(), file)
			assert.Error(t, err)
		})
	}
}
