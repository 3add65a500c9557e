// Package config loads and validates the orchestrator configuration.
//
// Configuration comes from drover.yaml plus DROVER_* environment
// overrides. Every knob has a default, so the process boots with no file
// at all; validation clamps out-of-range values and warns instead of
// failing wherever a safe fallback exists.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/budget"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/executor"
	"github.com/droverhq/drover/internal/mailbox"
	"github.com/droverhq/drover/internal/policy"
	"github.com/droverhq/drover/internal/tracing"
	"github.com/droverhq/drover/internal/tracker"
	"github.com/droverhq/drover/internal/workflow"
)

// Config is the full orchestrator configuration tree. Sections owned by a
// subsystem reuse that package's config type directly, so the yaml layout
// and the code consuming it cannot drift apart.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Hierarchy HierarchyConfig `mapstructure:"hierarchy"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Dispatch  dispatch.Config `mapstructure:"dispatch"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Mailbox   MailboxConfig   `mapstructure:"mailbox"`
	Executor  executor.Config `mapstructure:"executor"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Policy    policy.Config   `mapstructure:"policy"`
	Tracker   tracker.Config  `mapstructure:"tracker"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	Health    HealthConfig    `mapstructure:"health"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
}

// ServiceConfig covers the two HTTP listeners: the public gateway and the
// admin mux (health, metrics, ops).
type ServiceConfig struct {
	Port               int           `mapstructure:"port"`
	AdminPort          int           `mapstructure:"admin_port"`
	GracefulTimeout    time.Duration `mapstructure:"graceful_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes     int           `mapstructure:"max_header_bytes"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	CORSOrigins        []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// ClientConfig converts the section into the db package's config.
func (c DatabaseConfig) ClientConfig() *db.Config {
	return &db.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Database:        c.Database,
		SSLMode:         c.SSLMode,
		MaxConnections:  c.MaxConnections,
		IdleConnections: c.IdleConnections,
		MaxLifetime:     c.MaxLifetime,
	}
}

// RedisConfig enables the optional Redis-backed features (event stream
// mirror, gateway rate limiting, idempotency replay). An empty URL turns
// them all off.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// LoggingConfig controls the zap logger built at boot.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// Build constructs the process logger from the section.
func (c LoggingConfig) Build() (*zap.Logger, error) {
	var zcfg zap.Config
	if c.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if c.Encoding != "" {
		zcfg.Encoding = c.Encoding
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// AuthConfig controls gateway authentication.
type AuthConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	SkipAuth          bool          `mapstructure:"skip_auth"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	AccessTokenExpiry time.Duration `mapstructure:"access_token_expiry"`
}

// HierarchyConfig bounds the agent tree.
type HierarchyConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// BudgetConfig tunes backpressure and usage-recording idempotency.
type BudgetConfig struct {
	BackpressureThreshold  float64       `mapstructure:"backpressure_threshold"`
	MaxBackpressureDelayMs int           `mapstructure:"max_backpressure_delay_ms"`
	IdempotencyTTL         time.Duration `mapstructure:"idempotency_ttl"`
}

// Options converts the section into budget manager options.
func (c BudgetConfig) Options() budget.Options {
	return budget.Options{
		BackpressureThreshold:  c.BackpressureThreshold,
		MaxBackpressureDelayMs: c.MaxBackpressureDelayMs,
		IdempotencyTTL:         c.IdempotencyTTL,
	}
}

// WorkflowConfig wraps the workflow subsystem knobs.
type WorkflowConfig struct {
	Poller workflow.PollerConfig `mapstructure:"poller"`
}

// MailboxConfig wraps the mailbox subsystem knobs.
type MailboxConfig struct {
	Retention mailbox.RetentionConfig `mapstructure:"retention"`
}

// WorkspaceConfig locates agent workspaces on disk.
type WorkspaceConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// StreamingConfig tunes the in-process event stream and its Redis mirror.
type StreamingConfig struct {
	RingCapacity  int  `mapstructure:"ring_capacity"`
	MirrorEnabled bool `mapstructure:"mirror_enabled"`
}

// HealthConfig tunes the background dependency checks.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
}

// PricingConfig points at an optional models.yaml overlaying the built-in
// per-model rates. Empty means built-ins only.
type PricingConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads drover.yaml and environment overrides into a validated
// Config. CONFIG_PATH may name either the file itself or a directory
// containing it; without it the usual search paths apply. A missing file
// is not an error, the defaults plus environment stand alone.
func Load(logger *zap.Logger) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			v.SetConfigName("drover")
			v.SetConfigType("yaml")
			v.AddConfigPath(path)
		} else {
			v.SetConfigFile(path)
		}
	} else {
		v.SetConfigName("drover")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logger.Warn("No configuration file found, using defaults and environment")
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		logger.Info("Configuration loaded", zap.String("file", v.ConfigFileUsed()))
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromMap decodes an already-parsed configuration document, as delivered
// by the hot-reload manager, into a validated Config.
func FromMap(raw map[string]interface{}, logger *zap.Logger) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := v.MergeConfigMap(raw); err != nil {
		return nil, fmt.Errorf("failed to merge config document: %w", err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate clamps out-of-range values in place, warning for each, and
// errors only where no safe fallback exists.
func (c *Config) Validate(logger *zap.Logger) error {
	clampInt := func(field string, val *int, def int) {
		if *val <= 0 {
			logger.Warn("Config value out of range, using default",
				zap.String("field", field), zap.Int("value", *val), zap.Int("default", def))
			*val = def
		}
	}
	clampDur := func(field string, val *time.Duration, def time.Duration) {
		if *val <= 0 {
			logger.Warn("Config value out of range, using default",
				zap.String("field", field), zap.Duration("value", *val), zap.Duration("default", def))
			*val = def
		}
	}

	clampInt("service.port", &c.Service.Port, 8080)
	clampInt("service.admin_port", &c.Service.AdminPort, 8081)
	if c.Service.AdminPort == c.Service.Port {
		logger.Warn("Admin port collides with service port, shifting",
			zap.Int("port", c.Service.Port))
		c.Service.AdminPort = c.Service.Port + 1
	}
	clampDur("service.graceful_timeout", &c.Service.GracefulTimeout, 30*time.Second)
	clampDur("service.read_timeout", &c.Service.ReadTimeout, 15*time.Second)
	clampDur("service.write_timeout", &c.Service.WriteTimeout, 30*time.Second)
	clampInt("service.max_header_bytes", &c.Service.MaxHeaderBytes, 1<<20)
	if c.Service.RateLimitPerMinute < 0 {
		logger.Warn("Negative rate limit, disabling",
			zap.Int("value", c.Service.RateLimitPerMinute))
		c.Service.RateLimitPerMinute = 0
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	clampInt("database.port", &c.Database.Port, 5432)
	if c.Database.User == "" {
		c.Database.User = "drover"
	}
	if c.Database.Database == "" {
		c.Database.Database = "drover"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	clampInt("database.max_connections", &c.Database.MaxConnections, 25)
	clampInt("database.idle_connections", &c.Database.IdleConnections, 5)
	clampDur("database.max_lifetime", &c.Database.MaxLifetime, 5*time.Minute)

	if c.Auth.Enabled && !c.Auth.SkipAuth && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth is enabled")
	}
	if !c.Auth.Enabled {
		logger.Warn("API authentication is disabled")
	}
	clampDur("auth.access_token_expiry", &c.Auth.AccessTokenExpiry, 15*time.Minute)

	clampInt("hierarchy.max_depth", &c.Hierarchy.MaxDepth, 10)
	if c.Hierarchy.MaxDepth > 32 {
		logger.Warn("Hierarchy depth clamped to hard ceiling",
			zap.Int("value", c.Hierarchy.MaxDepth), zap.Int("ceiling", 32))
		c.Hierarchy.MaxDepth = 32
	}

	if c.Budget.BackpressureThreshold <= 0 || c.Budget.BackpressureThreshold > 1 {
		logger.Warn("Backpressure threshold out of (0,1], using default",
			zap.Float64("value", c.Budget.BackpressureThreshold))
		c.Budget.BackpressureThreshold = 0.8
	}
	if c.Budget.MaxBackpressureDelayMs < 0 {
		c.Budget.MaxBackpressureDelayMs = 0
	}
	clampDur("budget.idempotency_ttl", &c.Budget.IdempotencyTTL, time.Hour)

	// Dispatch, workflow poller, and mailbox retention constructors apply
	// their own zero-value fallbacks, so only nonsense needs catching here.
	if c.Dispatch.Concurrency > 256 {
		logger.Warn("Dispatch concurrency clamped", zap.Int("value", c.Dispatch.Concurrency))
		c.Dispatch.Concurrency = 256
	}

	if c.Executor.Endpoint == "" {
		c.Executor.Endpoint = "http://localhost:8090"
	}
	c.Executor.Endpoint = strings.TrimRight(c.Executor.Endpoint, "/")

	if c.Workspace.BasePath == "" {
		c.Workspace.BasePath = "./workspaces"
	}

	clampInt("streaming.ring_capacity", &c.Streaming.RingCapacity, 256)
	if c.Streaming.RingCapacity > 65536 {
		logger.Warn("Streaming ring capacity clamped", zap.Int("value", c.Streaming.RingCapacity))
		c.Streaming.RingCapacity = 65536
	}
	// MirrorEnabled only takes effect when a Redis URL is configured; the
	// default config leaves it on so setting redis.url is the single switch.
	if c.Redis.URL == "" {
		c.Streaming.MirrorEnabled = false
	}

	c.Policy.Normalize()

	if c.Tracker.Enabled && len(c.Tracker.Rules) == 0 {
		logger.Warn("Tracker integration enabled with no spawn rules")
	}

	if c.Tracing.Enabled && c.Tracing.OTLPEndpoint == "" {
		logger.Warn("Tracing enabled without an OTLP endpoint, disabling")
		c.Tracing.Enabled = false
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "drover-orchestrator"
	}

	clampDur("health.check_interval", &c.Health.CheckInterval, 30*time.Second)
	clampDur("health.check_timeout", &c.Health.CheckTimeout, 5*time.Second)

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.admin_port", 8081)
	v.SetDefault("service.graceful_timeout", 30*time.Second)
	v.SetDefault("service.read_timeout", 15*time.Second)
	v.SetDefault("service.write_timeout", 30*time.Second)
	v.SetDefault("service.max_header_bytes", 1<<20)
	v.SetDefault("service.rate_limit_per_minute", 120)
	v.SetDefault("service.cors_origins", []string{"*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "drover")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "drover")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.url", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.encoding", "json")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.skip_auth", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.access_token_expiry", 15*time.Minute)

	v.SetDefault("hierarchy.max_depth", 10)

	v.SetDefault("budget.backpressure_threshold", 0.8)
	v.SetDefault("budget.max_backpressure_delay_ms", 5000)
	v.SetDefault("budget.idempotency_ttl", time.Hour)

	v.SetDefault("dispatch.interval", 2*time.Second)
	v.SetDefault("dispatch.batch_size", 8)
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.call_timeout", 120*time.Second)
	v.SetDefault("dispatch.tick_timeout", 5*time.Minute)
	v.SetDefault("dispatch.rate_per_second", 5.0)
	v.SetDefault("dispatch.rate_burst", 4)
	v.SetDefault("dispatch.estimate_tokens", 1000)
	v.SetDefault("dispatch.stale_after", 10*time.Minute)

	v.SetDefault("workflow.poller.interval", 5*time.Second)
	v.SetDefault("workflow.poller.batch_size", 100)
	v.SetDefault("workflow.poller.stale_spawn_after", 60*time.Second)
	v.SetDefault("workflow.poller.tick_timeout", 30*time.Second)

	v.SetDefault("mailbox.retention.interval", 10*time.Minute)
	v.SetDefault("mailbox.retention.max_age", 24*time.Hour)
	v.SetDefault("mailbox.retention.history_max_age", 7*24*time.Hour)
	v.SetDefault("mailbox.retention.batch_size", 1000)

	v.SetDefault("executor.endpoint", "http://localhost:8090")
	v.SetDefault("executor.timeout", 120*time.Second)
	v.SetDefault("executor.model_hint", "")

	v.SetDefault("workspace.base_path", "./workspaces")

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.mirror_enabled", true)

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.mode", "dry-run")
	v.SetDefault("policy.path", "")
	v.SetDefault("policy.fail_closed", false)
	v.SetDefault("policy.environment", "dev")
	v.SetDefault("policy.cache_size", 1000)
	v.SetDefault("policy.cache_ttl", 5*time.Minute)

	v.SetDefault("tracker.enabled", false)
	v.SetDefault("tracker.max_body_bytes", 1<<20)
	v.SetDefault("tracker.timeout", 10*time.Second)
	v.SetDefault("tracker.rate_per_second", 2.0)
	v.SetDefault("tracker.rate_burst", 5)
	v.SetDefault("tracker.queue_size", 256)
	v.SetDefault("tracker.max_attempts", 3)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "drover-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "")

	v.SetDefault("health.check_interval", 30*time.Second)
	v.SetDefault("health.check_timeout", 5*time.Second)

	v.SetDefault("pricing.path", "")
}
