package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.taskgraph/config.json
// Project: .taskgraph/config.json (relative to cwd)
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskgraph", "config.json"), filepath.Join(".taskgraph", "config.json"), nil
}

// LoadDefault loads configuration from DefaultPaths.
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// mergeConfigFile decodes a JSON config file on top of base. Fields present in
// the file override base; agent quotas merge by name.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	agents := base.Agents
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// An explicit "agents": null must not drop inherited quotas
	if base.Agents == nil {
		base.Agents = agents
	}
	if base.Agents == nil {
		base.Agents = map[string]QuotaConfig{}
	}
	return nil
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_tasks must be at least 1, got %d", c.MaxConcurrentTasks))
	}
	if c.DefaultTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("default_timeout must not be negative"))
	}
	if c.DefaultMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("default_max_retries must not be negative"))
	}
	if c.TickInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval must be positive"))
	}
	if c.Retention.Duration < 0 {
		errs = append(errs, fmt.Errorf("retention must not be negative"))
	}
	if c.RateWindow.Duration < 0 {
		errs = append(errs, fmt.Errorf("rate_window must not be negative"))
	}
	if err := validateQuota("defaults", c.Defaults); err != nil {
		errs = append(errs, err)
	}
	for name, q := range c.Agents {
		if name == "" {
			errs = append(errs, fmt.Errorf("agent name must not be empty"))
			continue
		}
		if err := validateQuota("agents."+name, q); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Retry.BaseDelay.Duration < 0 || c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		errs = append(errs, fmt.Errorf("retry delays must satisfy 0 <= base_delay <= max_delay"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be within [0, 1]"))
	}
	switch c.Adaptive.Strategy {
	case "aimd", "fixed":
	default:
		errs = append(errs, fmt.Errorf("unknown adaptive.strategy %q", c.Adaptive.Strategy))
	}
	if c.Adaptive.DecreaseFactor <= 0 || c.Adaptive.DecreaseFactor >= 1 {
		errs = append(errs, fmt.Errorf("adaptive.decrease_factor must be within (0, 1)"))
	}
	if c.Adaptive.LowWater > c.Adaptive.HighWater {
		errs = append(errs, fmt.Errorf("adaptive.low_water must not exceed adaptive.high_water"))
	}
	if c.Adaptive.Floor > c.MaxConcurrentTasks {
		errs = append(errs, fmt.Errorf("adaptive.floor %d exceeds max_concurrent_tasks %d", c.Adaptive.Floor, c.MaxConcurrentTasks))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func validateQuota(name string, q QuotaConfig) error {
	if q.MaxConcurrentTasks < 0 || q.MaxRequestsPerMinute < 0 || q.MaxMemoryMB < 0 {
		return fmt.Errorf("%s: ceilings must not be negative", name)
	}
	return nil
}
