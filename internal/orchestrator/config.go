package orchestrator

import (
	"fmt"
	"time"

	"github.com/aristath/taskgraph/internal/adaptive"
	"github.com/aristath/taskgraph/internal/config"
	"github.com/aristath/taskgraph/internal/resource"
)

// ResourceConfig is the hot-reloadable part of the configuration.
type ResourceConfig struct {
	MaxConcurrentTasks int                       // Global ceiling (default 8)
	Defaults           resource.Quota            // Quota for agents not listed in Agents
	Agents             map[string]resource.Quota // Per-agent quotas
}

// Validate rejects negative ceilings.
func (rc ResourceConfig) Validate() error {
	if rc.MaxConcurrentTasks < 0 {
		return fmt.Errorf("max concurrent tasks must not be negative, got %d", rc.MaxConcurrentTasks)
	}
	check := func(name string, q resource.Quota) error {
		if q.MaxConcurrentTasks < 0 || q.MaxRequestsPerMinute < 0 || q.MaxMemoryMB < 0 {
			return fmt.Errorf("quota %s: ceilings must not be negative", name)
		}
		return nil
	}
	if err := check("defaults", rc.Defaults); err != nil {
		return err
	}
	for name, q := range rc.Agents {
		if err := check(name, q); err != nil {
			return err
		}
	}
	return nil
}

// Config configures an Orchestrator.
type Config struct {
	Resources         ResourceConfig
	DefaultTimeout    time.Duration // Per-attempt timeout when WithTimeout is not given; 0 disables
	DefaultMaxRetries int
	TickInterval      time.Duration // Coarse wake-up for rate windows and eviction (default 1s)
	Retention         time.Duration // How long finished tasks stay queryable; 0 keeps them forever
	RateWindow        time.Duration // Window for MaxRequestsPerMinute (default one minute)
	Retry             RetryConfig
	Breaker           BreakerConfig
	Strategy          adaptive.Strategy // nil uses AIMD with default tuning
	AdaptiveWindow    int
	AdaptiveCooldown  time.Duration
}

// DefaultConfig returns the defaults used by New for unset fields.
func DefaultConfig() Config {
	return Config{
		Resources:         ResourceConfig{MaxConcurrentTasks: 8},
		DefaultTimeout:    5 * time.Minute,
		DefaultMaxRetries: 2,
		TickInterval:      time.Second,
		Retry:             DefaultRetryConfig(),
		Breaker:           DefaultBreakerConfig(),
	}
}

// FromConfig converts the file configuration.
func FromConfig(cfg *config.Config) Config {
	out := Config{
		Resources:         ResourcesFromConfig(cfg),
		DefaultTimeout:    cfg.DefaultTimeout.Duration,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		TickInterval:      cfg.TickInterval.Duration,
		Retention:         cfg.Retention.Duration,
		RateWindow:        cfg.RateWindow.Duration,
		Retry: RetryConfig{
			BaseDelay:           cfg.Retry.BaseDelay.Duration,
			MaxDelay:            cfg.Retry.MaxDelay.Duration,
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.Jitter,
		},
		Breaker: BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout.Duration,
			HalfOpenRequests: uint32(max(cfg.Breaker.HalfOpenRequests, 0)),
		},
		AdaptiveWindow:   cfg.Adaptive.WindowSize,
		AdaptiveCooldown: cfg.Adaptive.Cooldown.Duration,
	}

	switch cfg.Adaptive.Strategy {
	case "fixed":
		out.Strategy = adaptive.Fixed{}
	default:
		out.Strategy = adaptive.AIMD{
			Step:             cfg.Adaptive.Step,
			DecreaseFactor:   cfg.Adaptive.DecreaseFactor,
			Floor:            cfg.Adaptive.Floor,
			LowWater:         cfg.Adaptive.LowWater,
			HighWater:        cfg.Adaptive.HighWater,
			LatencyTolerance: cfg.Adaptive.LatencyTolerance,
			MinSamples:       cfg.Adaptive.MinSamples,
		}
	}
	return out
}

// ResourcesFromConfig extracts the hot-reloadable ceilings.
func ResourcesFromConfig(cfg *config.Config) ResourceConfig {
	agents := make(map[string]resource.Quota, len(cfg.Agents))
	for name, q := range cfg.Agents {
		agents[name] = quota(q)
	}
	return ResourceConfig{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		Defaults:           quota(cfg.Defaults),
		Agents:             agents,
	}
}

func quota(q config.QuotaConfig) resource.Quota {
	return resource.Quota{
		MaxConcurrentTasks:   q.MaxConcurrentTasks,
		MaxRequestsPerMinute: q.MaxRequestsPerMinute,
		MaxMemoryMB:          q.MaxMemoryMB,
	}
}
