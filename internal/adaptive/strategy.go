package adaptive

import (
	"fmt"
	"math"
	"time"
)

// Default AIMD tuning.
const (
	DefaultStep             = 1
	DefaultDecreaseFactor   = 0.5
	DefaultLowWater         = 0.05
	DefaultHighWater        = 0.25
	DefaultLatencyTolerance = 0.10
	DefaultMinSamples       = 10
)

// AIMD is additive-increase/multiplicative-decrease. The limit grows by Step
// while the error rate stays under LowWater and mean latency is not worse than
// the previous window by more than LatencyTolerance. It is multiplied by
// DecreaseFactor when the error rate exceeds HighWater. The result is always
// within [Floor, Ceiling].
type AIMD struct {
	Step             int
	DecreaseFactor   float64
	Floor            int
	Ceiling          int
	LowWater         float64
	HighWater        float64
	LatencyTolerance float64 // Fractional slack over the previous mean
	MinSamples       int     // Decisions wait for this many samples
}

// DefaultAIMD returns an AIMD bounded by [floor, ceiling] with default tuning.
func DefaultAIMD(floor, ceiling int) AIMD {
	return AIMD{
		Step:             DefaultStep,
		DecreaseFactor:   DefaultDecreaseFactor,
		Floor:            floor,
		Ceiling:          ceiling,
		LowWater:         DefaultLowWater,
		HighWater:        DefaultHighWater,
		LatencyTolerance: DefaultLatencyTolerance,
		MinSamples:       DefaultMinSamples,
	}
}

// Next implements Strategy.
func (a AIMD) Next(current int, stats Stats) Decision {
	none := func(reason string) Decision {
		return Decision{Action: ActionNone, Previous: current, Limit: current, Reason: reason}
	}

	if stats.Samples < a.MinSamples || stats.Samples == 0 {
		return none(fmt.Sprintf("%d/%d samples", stats.Samples, a.MinSamples))
	}

	if stats.ErrorRate > a.HighWater {
		next := a.clamp(int(math.Floor(float64(current) * a.DecreaseFactor)))
		if next >= current {
			return none(fmt.Sprintf("error rate %.2f above %.2f but already at floor %d", stats.ErrorRate, a.HighWater, a.Floor))
		}
		return Decision{
			Action:   ActionDecrease,
			Previous: current,
			Limit:    next,
			Reason:   fmt.Sprintf("error rate %.2f above high-water %.2f", stats.ErrorRate, a.HighWater),
		}
	}

	if stats.ErrorRate < a.LowWater && a.latencyStable(stats) {
		next := a.clamp(current + a.Step)
		if next <= current {
			return none(fmt.Sprintf("healthy but already at ceiling %d", a.Ceiling))
		}
		return Decision{
			Action:   ActionIncrease,
			Previous: current,
			Limit:    next,
			Reason:   fmt.Sprintf("error rate %.2f below low-water %.2f, mean latency %s", stats.ErrorRate, a.LowWater, stats.MeanLatency.Round(time.Millisecond)),
		}
	}

	return none(fmt.Sprintf("error rate %.2f, mean latency %s", stats.ErrorRate, stats.MeanLatency.Round(time.Millisecond)))
}

func (a AIMD) latencyStable(stats Stats) bool {
	if stats.PrevMeanLatency <= 0 {
		return true
	}
	limit := float64(stats.PrevMeanLatency) * (1 + a.LatencyTolerance)
	return float64(stats.MeanLatency) <= limit
}

func (a AIMD) clamp(n int) int {
	floor := max(a.Floor, 1)
	if n < floor {
		n = floor
	}
	if a.Ceiling > 0 && n > a.Ceiling {
		n = a.Ceiling
	}
	return n
}

// Fixed never changes the limit.
type Fixed struct{}

// Next implements Strategy.
func (Fixed) Next(current int, _ Stats) Decision {
	return Decision{Action: ActionNone, Previous: current, Limit: current, Reason: "fixed limit"}
}
