// Package config loads the engine configuration from a YAML file and
// STEPFLOW_-prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/executor"
)

// Config is the full engine configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// DatabasePath is the bbolt file backing the process store.
	DatabasePath string `mapstructure:"database_path"`

	// Executor selects the execution backend: threadpool or queue.
	Executor string `mapstructure:"executor"`

	// MaxWorkers bounds the threadpool.
	MaxWorkers int `mapstructure:"max_workers"`

	// CacheURI is the Redis URL used by the queue executor, the Redis
	// broadcaster and the Redis lock backend.
	CacheURI string `mapstructure:"cache_uri"`

	// WebsocketBroadcasterURL selects the broadcast backend: "memory://" or
	// a Redis URL.
	WebsocketBroadcasterURL string `mapstructure:"websocket_broadcaster_url"`

	EnableWebsockets bool `mapstructure:"enable_websockets"`

	EnableDistlock  bool   `mapstructure:"enable_distlock"`
	DistlockBackend string `mapstructure:"distlock_backend"`

	WorkerStatusIntervalSeconds int `mapstructure:"worker_status_interval_seconds"`

	// AuthToken is the bearer token websocket clients present. Empty
	// disables authentication.
	AuthToken string `mapstructure:"auth_token"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// Testing makes executors run jobs synchronously.
	Testing bool `mapstructure:"testing"`
}

// Lock backend names.
const (
	DistlockMemory = "memory"
	DistlockRedis  = "redis"
)

// MemoryBroadcasterURL selects the in-process broadcast backend.
const MemoryBroadcasterURL = "memory://"

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:                  ":8080",
		DatabasePath:                "stepflow.db",
		Executor:                    executor.BackendThreadpool,
		MaxWorkers:                  10,
		WebsocketBroadcasterURL:     MemoryBroadcasterURL,
		EnableWebsockets:            true,
		EnableDistlock:              false,
		DistlockBackend:             DistlockMemory,
		WorkerStatusIntervalSeconds: 10,
		LogLevel:                    "info",
	}
}

// Load reads the configuration from the optional file and the environment.
func Load(cfgFile string) (Config, error) {
	v := viper.New()

	defaults := Defaults()
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("database_path", defaults.DatabasePath)
	v.SetDefault("executor", defaults.Executor)
	v.SetDefault("max_workers", defaults.MaxWorkers)
	v.SetDefault("websocket_broadcaster_url", defaults.WebsocketBroadcasterURL)
	v.SetDefault("enable_websockets", defaults.EnableWebsockets)
	v.SetDefault("enable_distlock", defaults.EnableDistlock)
	v.SetDefault("distlock_backend", defaults.DistlockBackend)
	v.SetDefault("worker_status_interval_seconds", defaults.WorkerStatusIntervalSeconds)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_json", false)
	v.SetDefault("testing", false)

	v.SetEnvPrefix("STEPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.New(errors.CodeIoError, "config", "cannot read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.New(errors.CodeInvalidState, "config", "cannot decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	switch c.Executor {
	case executor.BackendThreadpool, executor.BackendQueue:
	default:
		return errors.Newf(errors.CodeInvalidState, "config", "unknown executor %q", c.Executor)
	}
	if c.Executor == executor.BackendQueue && c.CacheURI == "" {
		return errors.New(errors.CodeInvalidState, "config", "the queue executor requires cache_uri", nil)
	}

	switch c.DistlockBackend {
	case DistlockMemory, DistlockRedis:
	default:
		return errors.Newf(errors.CodeInvalidState, "config", "unknown distlock backend %q", c.DistlockBackend)
	}
	if c.EnableDistlock && c.DistlockBackend == DistlockRedis && c.CacheURI == "" {
		return errors.New(errors.CodeInvalidState, "config", "the redis lock backend requires cache_uri", nil)
	}

	if c.WebsocketBroadcasterURL != MemoryBroadcasterURL &&
		!strings.HasPrefix(c.WebsocketBroadcasterURL, "redis://") &&
		!strings.HasPrefix(c.WebsocketBroadcasterURL, "rediss://") {
		return errors.Newf(errors.CodeInvalidState, "config",
			"unsupported broadcaster url %q", c.WebsocketBroadcasterURL)
	}

	if c.MaxWorkers < 1 {
		return errors.New(errors.CodeInvalidState, "config", "max_workers must be at least 1", nil)
	}
	if c.WorkerStatusIntervalSeconds < 0 {
		return errors.New(errors.CodeInvalidState, "config", "worker_status_interval_seconds must not be negative", nil)
	}
	return nil
}

// WorkerStatusInterval returns the monitor cadence as a duration.
func (c Config) WorkerStatusInterval() time.Duration {
	return time.Duration(c.WorkerStatusIntervalSeconds) * time.Second
}
