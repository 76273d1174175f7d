package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conveyor/job"
)

// TimeoutLookup returns the execution deadline for a task type. Zero means
// no deadline.
type TimeoutLookup func(taskType string) time.Duration

// Timeout returns middleware that enforces a per-task execution deadline.
// When the deadline passes the handler context is cancelled and the
// handler should return context.DeadlineExceeded, which the worker retries.
func Timeout(logger *slog.Logger, lookup TimeoutLookup) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if d := lookup(j.TaskType); d > 0 {
			logger.Debug("job timeout set",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}

// RegistryTimeouts looks timeouts up in the options registered with r.
func RegistryTimeouts(r *job.Registry) TimeoutLookup {
	return func(taskType string) time.Duration {
		return r.Options(taskType).Timeout
	}
}
