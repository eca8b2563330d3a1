package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration of the autopilot service
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Compliance    ComplianceConfig    `mapstructure:"compliance"`
	Streaming     StreamingConfig     `mapstructure:"streaming"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Browser       BrowserConfig       `mapstructure:"browser"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
}

type OrchestratorConfig struct {
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"`
	ApprovalTimeout   time.Duration `mapstructure:"approval_timeout"`
	RetainStopped     time.Duration `mapstructure:"retain_stopped"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type ExecutorConfig struct {
	ActionTimeout    time.Duration `mapstructure:"action_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	ActionsPerSecond float64       `mapstructure:"actions_per_second"`
	Burst            int           `mapstructure:"burst"`
	// Breaker guards adapter calls per action category
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxFailures uint32        `mapstructure:"max_failures"`
}

type ComplianceConfig struct {
	// PolicyFile is a YAML document with rate_limits, do_not_contact and
	// approval_required; it is watched for changes.
	PolicyFile       string    `mapstructure:"policy_file"`
	ApprovalRequired []string  `mapstructure:"approval_required"`
	RateStore        string    `mapstructure:"rate_store"` // memory | redis
	OPA              OPAConfig `mapstructure:"opa"`
}

type OPAConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Mode        string `mapstructure:"mode"`
	Path        string `mapstructure:"path"`
	FailClosed  bool   `mapstructure:"fail_closed"`
	Environment string `mapstructure:"environment"`
}

type StreamingConfig struct {
	RingCapacity int   `mapstructure:"ring_capacity"`
	RedisMirror  bool  `mapstructure:"redis_mirror"`
	MaxLen       int64 `mapstructure:"max_len"`
}

type CheckpointConfig struct {
	Backend        string        `mapstructure:"backend"` // none | redis | postgres | sqlite
	DSN            string        `mapstructure:"dsn"`
	TTL            time.Duration `mapstructure:"ttl"`
	MaxConnections int           `mapstructure:"max_connections"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BrowserConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Token   string        `mapstructure:"token"`
}

type HTTPConfig struct {
	Port      int    `mapstructure:"port"`
	AuthToken string `mapstructure:"auth_token"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("orchestrator.max_concurrent_runs", 3)
	v.SetDefault("orchestrator.approval_timeout", 5*time.Minute)
	v.SetDefault("orchestrator.retain_stopped", time.Hour)
	v.SetDefault("orchestrator.cleanup_interval", 10*time.Minute)
	v.SetDefault("orchestrator.shutdown_timeout", 30*time.Second)

	v.SetDefault("executor.action_timeout", 30*time.Second)
	v.SetDefault("executor.max_retries", 2)
	v.SetDefault("executor.backoff_base", 500*time.Millisecond)
	v.SetDefault("executor.backoff_max", 5*time.Second)
	v.SetDefault("executor.actions_per_second", 0)
	v.SetDefault("executor.burst", 1)
	v.SetDefault("executor.breaker.enabled", true)
	v.SetDefault("executor.breaker.max_requests", 1)
	v.SetDefault("executor.breaker.interval", time.Minute)
	v.SetDefault("executor.breaker.timeout", 30*time.Second)
	v.SetDefault("executor.breaker.max_failures", 5)

	v.SetDefault("compliance.policy_file", "")
	v.SetDefault("compliance.approval_required", []string{})
	v.SetDefault("compliance.rate_store", "memory")
	v.SetDefault("compliance.opa.enabled", false)
	v.SetDefault("compliance.opa.mode", "enforce")
	v.SetDefault("compliance.opa.path", "/app/config/opa/policies")
	v.SetDefault("compliance.opa.fail_closed", false)
	v.SetDefault("compliance.opa.environment", "dev")

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.redis_mirror", false)
	v.SetDefault("streaming.max_len", 1000)

	v.SetDefault("checkpoint.backend", "none")
	v.SetDefault("checkpoint.dsn", "")
	v.SetDefault("checkpoint.ttl", 7*24*time.Hour)
	v.SetDefault("checkpoint.max_connections", 10)
	v.SetDefault("checkpoint.store_timeout", 5*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("browser.base_url", "")
	v.SetDefault("browser.timeout", 30*time.Second)
	v.SetDefault("browser.token", "")

	v.SetDefault("http.port", 8081)
	v.SetDefault("http.auth_token", "")
	v.SetDefault("http.jwt_secret", "")

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 2112)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "autopilot")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load reads autopilot.yaml from CONFIG_PATH (default
// /app/config/autopilot.yaml) and applies AUTOPILOT_ env overrides, e.g.
// AUTOPILOT_ORCHESTRATOR_MAX_CONCURRENT_RUNS. A missing file is not an
// error; defaults and env still apply.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "/app/config/autopilot.yaml"
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the service cannot start with
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrentRuns < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_runs must be at least 1, got %d", c.Orchestrator.MaxConcurrentRuns)
	}
	if c.Orchestrator.ApprovalTimeout <= 0 {
		return fmt.Errorf("orchestrator.approval_timeout must be positive, got %s", c.Orchestrator.ApprovalTimeout)
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries cannot be negative, got %d", c.Executor.MaxRetries)
	}
	if c.Executor.ActionTimeout <= 0 {
		return fmt.Errorf("executor.action_timeout must be positive, got %s", c.Executor.ActionTimeout)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Checkpoint.Backend {
	case "none", "redis":
	case "postgres", "sqlite":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint.dsn is required for the %s backend", c.Checkpoint.Backend)
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	switch c.Compliance.RateStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown compliance.rate_store %q", c.Compliance.RateStore)
	}
	return nil
}

// UsesRedis reports whether any component needs the Redis client
func (c *Config) UsesRedis() bool {
	return c.Checkpoint.Backend == "redis" || c.Compliance.RateStore == "redis" || c.Streaming.RedisMirror
}
