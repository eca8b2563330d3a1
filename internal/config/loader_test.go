package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Orchestrator.MaxConcurrentRuns)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.ApprovalTimeout)
	assert.Equal(t, 30*time.Second, cfg.Executor.ActionTimeout)
	assert.Equal(t, 2, cfg.Executor.MaxRetries)
	assert.Equal(t, 256, cfg.Streaming.RingCapacity)
	assert.Equal(t, "none", cfg.Checkpoint.Backend)
	assert.Equal(t, 8081, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Observability.Logging.Level)
	assert.False(t, cfg.UsesRedis())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autopilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orchestrator:
  max_concurrent_runs: 5
  approval_timeout: 90s
executor:
  max_retries: 0
checkpoint:
  backend: redis
http:
  port: 9000
`), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("AUTOPILOT_HTTP_PORT", "9100")
	t.Setenv("AUTOPILOT_ORCHESTRATOR_APPROVAL_TIMEOUT", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrentRuns)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.ApprovalTimeout)
	assert.Equal(t, 0, cfg.Executor.MaxRetries)
	assert.Equal(t, 9100, cfg.HTTP.Port)
	assert.True(t, cfg.UsesRedis())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero runs":       "orchestrator:\n  max_concurrent_runs: 0\n",
		"unknown backend": "checkpoint:\n  backend: mongo\n",
		"sql without dsn": "checkpoint:\n  backend: postgres\n",
		"bad port":        "http:\n  port: 70000\n",
		"bad rate store":  "compliance:\n  rate_store: etcd\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "autopilot.yaml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
			t.Setenv("CONFIG_PATH", path)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator: [unclosed"), 0o644))
	t.Setenv("CONFIG_PATH", path)
	_, err := Load()
	assert.Error(t, err)
}
