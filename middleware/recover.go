package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/conveyor/job"
)

// PanicError is returned by Recover when a handler panics. The worker
// treats it as a retryable failure.
type PanicError struct {
	TaskType string
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in task %s: %v", e.TaskType, e.Value)
}

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to *PanicError and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("task_type", j.TaskType),
					slog.String("job_id", j.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = &PanicError{TaskType: j.TaskType, Value: r}
			}
		}()
		return next(ctx)
	}
}
