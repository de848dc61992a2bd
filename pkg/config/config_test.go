package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/infrastructure/executor"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "stepflow.db", cfg.DatabasePath)
	assert.Equal(t, executor.BackendThreadpool, cfg.Executor)
	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.Equal(t, MemoryBroadcasterURL, cfg.WebsocketBroadcasterURL)
	assert.True(t, cfg.EnableWebsockets)
	assert.False(t, cfg.EnableDistlock)
	assert.Equal(t, DistlockMemory, cfg.DistlockBackend)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Testing)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
executor: queue
cache_uri: redis://localhost:6379/0
max_workers: 4
log_level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, executor.BackendQueue, cfg.Executor)
	assert.Equal(t, "redis://localhost:6379/0", cfg.CacheURI)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Untouched fields keep their defaults.
	assert.Equal(t, "stepflow.db", cfg.DatabasePath)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STEPFLOW_LISTEN_ADDR", ":7070")
	t.Setenv("STEPFLOW_MAX_WORKERS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.MaxWorkers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown executor": func(c *Config) {
			c.Executor = "celery"
		},
		"queue without cache uri": func(c *Config) {
			c.Executor = executor.BackendQueue
			c.CacheURI = ""
		},
		"unknown distlock backend": func(c *Config) {
			c.DistlockBackend = "zookeeper"
		},
		"redis distlock without cache uri": func(c *Config) {
			c.EnableDistlock = true
			c.DistlockBackend = DistlockRedis
			c.CacheURI = ""
		},
		"unsupported broadcaster url": func(c *Config) {
			c.WebsocketBroadcasterURL = "amqp://broker"
		},
		"zero workers": func(c *Config) {
			c.MaxWorkers = 0
		},
		"negative monitor interval": func(c *Config) {
			c.WorkerStatusIntervalSeconds = -1
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	valid := Defaults()
	assert.NoError(t, valid.Validate())

	queue := Defaults()
	queue.Executor = executor.BackendQueue
	queue.CacheURI = "redis://localhost:6379/0"
	assert.NoError(t, queue.Validate())
}

func TestWorkerStatusInterval(t *testing.T) {
	cfg := Defaults()
	cfg.WorkerStatusIntervalSeconds = 15
	assert.Equal(t, "15s", cfg.WorkerStatusInterval().String())
}
