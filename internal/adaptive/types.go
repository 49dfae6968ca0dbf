// Package adaptive adjusts the global concurrency limit from recent task
// latency and outcome telemetry.
package adaptive

import "time"

// Outcome classifies how a single attempt ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

// String returns the lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sample is one observed attempt.
type Sample struct {
	Duration time.Duration
	Outcome  Outcome
}

// Stats summarizes the current window of samples.
type Stats struct {
	Samples         int
	Failures        int // Includes timeouts
	Timeouts        int
	ErrorRate       float64
	MeanLatency     time.Duration
	PrevMeanLatency time.Duration // Mean of the window before the last change, zero if none
}

// Action represents the direction of a limit change.
type Action string

const (
	// ActionIncrease raises the limit.
	ActionIncrease Action = "increase"

	// ActionDecrease lowers the limit.
	ActionDecrease Action = "decrease"

	// ActionNone leaves the limit unchanged.
	ActionNone Action = "none"
)

// String returns the string representation of the action.
func (a Action) String() string {
	return string(a)
}

// Decision is the result of evaluating a Strategy.
type Decision struct {
	// Action is the direction of the change.
	Action Action

	// Previous is the limit before the decision.
	Previous int

	// Limit is the new limit. Equal to Previous when Action is ActionNone.
	Limit int

	// Reason is a human-readable explanation of the decision.
	Reason string
}

// Strategy computes the next concurrency limit.
type Strategy interface {
	Next(current int, stats Stats) Decision
}
