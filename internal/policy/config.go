package policy

import (
	"os"
	"strconv"
	"strings"
	"time"
)

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
	Enabled bool

	// Mode controls policy enforcement behavior
	Mode Mode

	// Path to the directory containing .rego policy files
	Path string

	// FailClosed determines behavior when policies can't be loaded or evaluated
	// true: block actions
	// false: let the remaining compliance checks decide (fail-open)
	FailClosed bool

	// Environment is passed to rules as input.environment
	Environment string

	// CacheSize and CacheTTL bound the decision cache
	CacheSize int
	CacheTTL  time.Duration
}

// LoadConfig loads policy configuration from environment variables
func LoadConfig() *Config {
	config := &Config{
		Enabled:     getEnvBool("AUTOPILOT_POLICY_ENABLED", false),
		Mode:        Mode(getEnvString("AUTOPILOT_POLICY_MODE", "off")),
		Path:        getEnvString("AUTOPILOT_POLICY_PATH", "/app/config/opa/policies"),
		FailClosed:  getEnvBool("AUTOPILOT_POLICY_FAIL_CLOSED", false),
		Environment: getEnvString("ENVIRONMENT", "dev"),
		CacheSize:   getEnvInt("AUTOPILOT_POLICY_CACHE_SIZE", 1000),
		CacheTTL:    time.Duration(getEnvInt("AUTOPILOT_POLICY_CACHE_TTL_SECONDS", 300)) * time.Second,
	}
	config.Normalize()
	return config
}

// Normalize validates the mode and disables the engine when it is off
func (c *Config) Normalize() {
	switch c.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
		// Valid modes
	default:
		// Invalid or empty mode, default to off
		c.Mode = ModeOff
	}
	if c.Mode == ModeOff {
		c.Enabled = false
	}
}

// getEnvString returns environment variable value or default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns environment variable as boolean or default
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Parse common boolean representations
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on", "enable", "enabled":
		return true
	case "false", "0", "no", "off", "disable", "disabled":
		return false
	default:
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		return defaultValue
	}
}

// getEnvInt returns environment variable as integer or default
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return defaultValue
}
