package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes JSON strings like "30s".
// Plain numbers are accepted as nanoseconds.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val)
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// QuotaConfig holds one agent's ceilings. Zero means unlimited.
type QuotaConfig struct {
	MaxConcurrentTasks   int `json:"max_concurrent_tasks,omitempty"`
	MaxRequestsPerMinute int `json:"max_requests_per_minute,omitempty"`
	MaxMemoryMB          int `json:"max_memory_mb,omitempty"`
}

// RetryConfig configures the delay between attempts.
type RetryConfig struct {
	BaseDelay  Duration `json:"base_delay"`
	MaxDelay   Duration `json:"max_delay"`
	Multiplier float64  `json:"multiplier"`
	Jitter     float64  `json:"jitter"` // Randomization factor, 0 disables
}

// BreakerConfig configures per-agent circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"` // Consecutive failures that trip the breaker, 0 disables
	OpenTimeout      Duration `json:"open_timeout"`
	HalfOpenRequests int      `json:"half_open_requests"`
}

// AdaptiveConfig tunes the concurrency controller.
type AdaptiveConfig struct {
	Strategy         string   `json:"strategy"` // "aimd" or "fixed"
	WindowSize       int      `json:"window_size"`
	MinSamples       int      `json:"min_samples"`
	Cooldown         Duration `json:"cooldown"`
	Step             int      `json:"step"`
	DecreaseFactor   float64  `json:"decrease_factor"`
	Floor            int      `json:"floor"`
	LowWater         float64  `json:"low_water"`
	HighWater        float64  `json:"high_water"`
	LatencyTolerance float64  `json:"latency_tolerance"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level"`          // panic, fatal, error, warn, info, debug, trace
	Format string `json:"format"`         // "text" or "json"
	File   string `json:"file,omitempty"` // Empty writes to stderr
}

// HistoryConfig configures the finished-task store.
type HistoryConfig struct {
	Path string `json:"path,omitempty"` // SQLite file, empty disables recording
}

// Config is the top-level configuration.
type Config struct {
	MaxConcurrentTasks int                    `json:"max_concurrent_tasks"` // Global ceiling
	DefaultTimeout     Duration               `json:"default_timeout"`
	DefaultMaxRetries  int                    `json:"default_max_retries"`
	TickInterval       Duration               `json:"tick_interval"`
	Retention          Duration               `json:"retention"` // 0 keeps finished tasks forever
	RateWindow         Duration               `json:"rate_window,omitempty"` // Window for max_requests_per_minute, default one minute
	Defaults           QuotaConfig            `json:"defaults"`
	Agents             map[string]QuotaConfig `json:"agents"`
	Retry              RetryConfig            `json:"retry"`
	Breaker            BreakerConfig          `json:"breaker"`
	Adaptive           AdaptiveConfig         `json:"adaptive"`
	Log                LogConfig              `json:"log"`
	History            HistoryConfig          `json:"history"`
}
