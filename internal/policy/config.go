package policy

import "time"

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration
type Config struct {
	// Enabled controls whether the policy engine is active
	Enabled bool `mapstructure:"enabled"`

	// Mode controls enforcement behavior
	Mode Mode `mapstructure:"mode"`

	// Path to a directory of .rego policy files. When set, the directory
	// replaces the embedded baseline policy entirely.
	Path string `mapstructure:"path"`

	// FailClosed determines behavior when policies can't be loaded or
	// evaluated. true: deny spawns on failure. false: admit them (fail-open).
	FailClosed bool `mapstructure:"fail_closed"`

	// Environment context passed to every evaluation
	Environment string `mapstructure:"environment"`

	// CacheSize bounds the decision cache entry count
	CacheSize int `mapstructure:"cache_size"`

	// CacheTTL bounds how long a cached decision stays valid
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// DefaultConfig returns the engine defaults: disabled, dry-run when turned
// on, embedded baseline policy only.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Mode:        ModeDryRun,
		FailClosed:  false,
		Environment: "dev",
		CacheSize:   1000,
		CacheTTL:    5 * time.Minute,
	}
}

// Normalize validates the mode and reconciles it with Enabled. An
// unrecognized or empty mode falls back to off, and off disables the engine.
func (c *Config) Normalize() {
	switch c.Mode {
	case ModeDryRun, ModeEnforce:
	default:
		c.Mode = ModeOff
	}
	if c.Mode == ModeOff {
		c.Enabled = false
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
}
