// Package config loads the warehouse configuration from a YAML file and
// WAREHOUSE_ environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/lineage"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/logging"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/pipeline"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/platform"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/queue"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/retry"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/telemetry"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/tls"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/tracing"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/warehouse"
)

// EnvPrefix prefixes every environment override, e.g. WAREHOUSE_GITLAB_TOKEN
const EnvPrefix = "WAREHOUSE"

type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	GitLab     GitLabConfig     `mapstructure:"gitlab"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Server     ServerConfig     `mapstructure:"server"`
	Taxonomy   TaxonomyConfig   `mapstructure:"taxonomy"`
	Lineage    LineageConfig    `mapstructure:"lineage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type DatabaseConfig struct {
	Type            string        `mapstructure:"type"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// CacheSize bounds the in-process dimension id cache
	CacheSize int `mapstructure:"cache_size"`
}

type GitLabConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
	// ProjectURL builds job links when webhooks carry no homepage
	ProjectURL        string  `mapstructure:"project_url"`
	WebhookSecret     string  `mapstructure:"webhook_secret"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxRetries        int     `mapstructure:"max_retries"`
	// TimingsArtifact is the artifact path build jobs write install timers to
	TimingsArtifact string `mapstructure:"timings_artifact"`
}

type PrometheusConfig struct {
	// URL is empty when jobs run outside an instrumented cluster
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type RedisConfig struct {
	// URL selects the Redis stream queue; empty runs an in-process queue
	URL         string        `mapstructure:"url"`
	Password    string        `mapstructure:"password"`
	Stream      string        `mapstructure:"stream"`
	Group       string        `mapstructure:"group"`
	Block       time.Duration `mapstructure:"block"`
	ClaimIdle   time.Duration `mapstructure:"claim_idle"`
	MaxAttempts int64         `mapstructure:"max_attempts"`
}

type WorkerConfig struct {
	// Concurrency 0 means one consumer per CPU
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIKey          string        `mapstructure:"api_key"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLSEnabled      bool          `mapstructure:"tls_enabled"`
	TLS             tls.Config    `mapstructure:"tls"`
}

type TaxonomyConfig struct {
	// Path is empty to use the embedded taxonomy
	Path string `mapstructure:"path"`
}

type LineageConfig struct {
	AutoRetryReasons []string `mapstructure:"auto_retry_reasons"`
	MaxAutoRetries   int      `mapstructure:"max_auto_retries"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	// Dir additionally writes logs to <dir>/<component>.log
	Dir string `mapstructure:"dir"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Environment string  `mapstructure:"environment"`
}

// DefaultPath is $HOME/.ci-warehouse/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ci-warehouse", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	policy := lineage.DefaultPolicy()
	backoff := retry.DefaultConfig()

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "ci-warehouse.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.cache_size", 4096)

	v.SetDefault("gitlab.url", "https://gitlab.spack.io")
	v.SetDefault("gitlab.token", "")
	v.SetDefault("gitlab.project_url", "")
	v.SetDefault("gitlab.webhook_secret", "")
	v.SetDefault("gitlab.requests_per_second", 10.0)
	v.SetDefault("gitlab.burst", 20)
	v.SetDefault("gitlab.max_retries", backoff.MaxRetries)
	v.SetDefault("gitlab.timings_artifact", pipeline.DefaultTimingsArtifact)

	v.SetDefault("prometheus.url", "")
	v.SetDefault("prometheus.timeout", 30*time.Second)
	v.SetDefault("prometheus.max_retries", backoff.MaxRetries)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.stream", "ci-warehouse:jobs")
	v.SetDefault("redis.group", "ci-warehouse")
	v.SetDefault("redis.block", 5*time.Second)
	v.SetDefault("redis.claim_idle", 5*time.Minute)
	v.SetDefault("redis.max_attempts", queue.DefaultMaxAttempts)

	v.SetDefault("worker.concurrency", 0)
	v.SetDefault("worker.poll_interval", time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.tls.cert_file", "certs/server.crt")
	v.SetDefault("server.tls.key_file", "certs/server.key")
	v.SetDefault("server.tls.ca_file", "")
	v.SetDefault("server.tls.auto_generate", true)
	v.SetDefault("server.tls.hosts", []string{})

	v.SetDefault("taxonomy.path", "")

	v.SetDefault("lineage.auto_retry_reasons", policy.AutoRetryReasons)
	v.SetDefault("lineage.max_auto_retries", policy.MaxAutoRetries)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.dir", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.environment", "production")
}

// Load reads path when given, otherwise the default path when it exists.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if def := DefaultPath(); def != "" {
			if _, err := os.Stat(def); err == nil {
				path = def
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	if (c.Database.Type == "postgres" || c.Database.Type == "postgresql") && c.Database.DSN == "" {
		return errors.New("database.dsn is required for postgres")
	}
	if c.Database.CacheSize <= 0 {
		return errors.New("database.cache_size must be positive")
	}
	if c.Lineage.MaxAutoRetries < 0 {
		return errors.New("lineage.max_auto_retries must not be negative")
	}
	if c.Redis.MaxAttempts <= 0 {
		return errors.New("redis.max_attempts must be positive")
	}
	return nil
}

// Store returns the warehouse connection settings
func (c *Config) Store() warehouse.Config {
	return warehouse.Config{
		Type:            c.Database.Type,
		DSN:             c.Database.DSN,
		Path:            c.Database.Path,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

// Platform returns the GitLab client settings
func (c *Config) Platform() platform.GitLabConfig {
	backoff := retry.DefaultConfig()
	backoff.MaxRetries = c.GitLab.MaxRetries
	return platform.GitLabConfig{
		BaseURL: c.GitLab.URL,
		Token:   c.GitLab.Token,
		Retry:   backoff,
	}
}

// Telemetry returns the Prometheus settings
func (c *Config) Telemetry() telemetry.PrometheusConfig {
	backoff := retry.DefaultConfig()
	backoff.MaxRetries = c.Prometheus.MaxRetries
	return telemetry.PrometheusConfig{
		Address: c.Prometheus.URL,
		Timeout: c.Prometheus.Timeout,
		Retry:   backoff,
	}
}

// Queue returns the Redis stream settings
func (c *Config) Queue() queue.RedisConfig {
	return queue.RedisConfig{
		URL:         c.Redis.URL,
		Password:    c.Redis.Password,
		Stream:      c.Redis.Stream,
		Group:       c.Redis.Group,
		Block:       c.Redis.Block,
		ClaimIdle:   c.Redis.ClaimIdle,
		MaxAttempts: c.Redis.MaxAttempts,
	}
}

// Policy returns the retry lineage policy
func (c *Config) Policy() lineage.Policy {
	return lineage.Policy{
		AutoRetryReasons: c.Lineage.AutoRetryReasons,
		MaxAutoRetries:   c.Lineage.MaxAutoRetries,
	}
}

// Tracer returns the OpenTelemetry settings
func (c *Config) Tracer(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    "ci-warehouse",
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		OTLPEndpoint:   c.Tracing.Endpoint,
		Insecure:       c.Tracing.Insecure,
		SampleRatio:    c.Tracing.SampleRatio,
		Enabled:        c.Tracing.Enabled,
	}
}

// Logger creates the logger for component, also writing to Logging.Dir when set
func (c *Config) Logger(component string) (*logging.Logger, error) {
	level := logging.ParseLevel(c.Logging.Level)
	if c.Logging.Dir == "" {
		return logging.NewLogger(level, c.Logging.JSON), nil
	}
	return logging.NewFileLogger(c.Logging.Dir, component, level, c.Logging.JSON)
}
