package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskgraph/internal/orchestrator"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// Echo returns an executor that yields Definition.Input unchanged.
func Echo() orchestrator.ExecutorFunc {
	return func(ctx context.Context, def scheduler.Definition) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return def.Input, nil
	}
}

// Sleep returns an executor that waits for the duration in Definition.Input
// (for example "250ms") and honours cancellation.
func Sleep() orchestrator.ExecutorFunc {
	return func(ctx context.Context, def scheduler.Definition) (string, error) {
		d, err := time.ParseDuration(strings.TrimSpace(def.Input))
		if err != nil {
			return "", orchestrator.Permanent(fmt.Errorf("sleep: %w", err))
		}

		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return "slept " + d.String(), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
