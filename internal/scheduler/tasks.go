package scheduler

import (
	"context"
	"time"

	"grimm.is/tunnelboard/internal/logging"
)

// Sweeper is anything that discards expired state and reports how much.
type Sweeper interface {
	Sweep() int
}

// SweeperFunc adapts a function to Sweeper.
type SweeperFunc func() int

func (f SweeperFunc) Sweep() int { return f() }

// Pruner removes old persisted records.
type Pruner interface {
	Prune() (int64, error)
}

// NewSessionSweepTask periodically drops expired sessions.
func NewSessionSweepTask(sessions Sweeper, interval time.Duration, logger *logging.Logger) *Task {
	return &Task{
		ID:          "session-sweep",
		Name:        "Session Sweep",
		Description: "Remove expired login sessions",
		Schedule:    Every(interval),
		Enabled:     true,
		Func: func(ctx context.Context) error {
			if n := sessions.Sweep(); n > 0 && logger != nil {
				logger.Debug("swept expired sessions", "count", n)
			}
			return nil
		},
	}
}

// NewRateLimitCleanupTask drops idle login rate-limit buckets.
func NewRateLimitCleanupTask(cleanup Sweeper, interval time.Duration) *Task {
	return &Task{
		ID:          "ratelimit-cleanup",
		Name:        "Rate Limit Cleanup",
		Description: "Forget idle login rate-limit buckets",
		Schedule:    Every(interval),
		Enabled:     true,
		Func: func(ctx context.Context) error {
			cleanup.Sweep()
			return nil
		},
	}
}

// NewAuditPruneTask removes audit events past retention.
func NewAuditPruneTask(store Pruner, schedule Schedule, logger *logging.Logger) *Task {
	return &Task{
		ID:          "audit-prune",
		Name:        "Audit Prune",
		Description: "Delete audit events older than the retention period",
		Schedule:    schedule,
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     time.Minute,
		Func: func(ctx context.Context) error {
			n, err := store.Prune()
			if err != nil {
				return err
			}
			if n > 0 && logger != nil {
				logger.Info("pruned audit events", "count", n)
			}
			return nil
		},
	}
}
