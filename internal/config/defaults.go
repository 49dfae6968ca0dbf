package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentTasks: 8,
		DefaultTimeout:     Duration{5 * time.Minute},
		DefaultMaxRetries:  2,
		TickInterval:       Duration{time.Second},
		Agents:             map[string]QuotaConfig{},
		Retry: RetryConfig{
			BaseDelay:  Duration{500 * time.Millisecond},
			MaxDelay:   Duration{30 * time.Second},
			Multiplier: 2.0,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      Duration{30 * time.Second},
			HalfOpenRequests: 3,
		},
		Adaptive: AdaptiveConfig{
			Strategy:         "aimd",
			WindowSize:       50,
			MinSamples:       10,
			Cooldown:         Duration{5 * time.Second},
			Step:             1,
			DecreaseFactor:   0.5,
			Floor:            1,
			LowWater:         0.05,
			HighWater:        0.25,
			LatencyTolerance: 0.10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
