// Package worker provides the job execution engine: an Executor that
// invokes registered handlers through middleware and routes their outcome
// to the store, and a Pool of slot loops that claim jobs and execute them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/middleware"
)

// ErrShuttingDown is the cancellation cause of handlers abandoned when the
// shutdown grace period runs out. Their jobs are left to the reaper.
var ErrShuttingDown = errors.New("conveyor: worker shutting down")

// Executor runs a single claimed job through middleware and the registered
// handler, then applies the outcome with exactly one store call.
//
//	nil                          -> Ack
//	job.Abort(err)               -> Kill
//	job.Permanent(err)           -> Fail
//	job.RescheduleAfter/At       -> Reschedule
//	any other error, panic,
//	decode failure, unknown task -> Retry
//
// No store call is made when the lease was lost while the handler ran or
// the pool abandoned the job during shutdown.
type Executor struct {
	registry   *job.Registry
	extensions *ext.Registry
	store      job.Store
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	store job.Store,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		extensions: extensions,
		store:      store,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs j, which the caller holds under l. ctx is the handler
// context; its cancellation cause tells a lost lease (conveyor.ErrNotOwned)
// and a shutdown (ErrShuttingDown) apart from an ordinary failure.
func (e *Executor) Execute(ctx context.Context, j *job.Job, l job.Lease) error {
	e.extensions.EmitJobStarted(ctx, j)

	start := time.Now()
	runErr := e.run(job.WithInfo(ctx, j), j)
	elapsed := time.Since(start)

	switch cause := context.Cause(ctx); {
	case errors.Is(cause, conveyor.ErrNotOwned):
		e.logger.Debug("discarding result of job with lost lease",
			slog.String("job_id", j.ID.String()),
			slog.String("task_type", j.TaskType),
		)
		return nil
	case errors.Is(cause, ErrShuttingDown):
		e.logger.Warn("job abandoned at shutdown",
			slog.String("job_id", j.ID.String()),
			slog.String("task_type", j.TaskType),
		)
		return nil
	}

	// Outcome calls must land even though the handler context may be done.
	sctx := context.WithoutCancel(ctx)
	err := e.route(sctx, j, l, runErr, elapsed)
	if errors.Is(err, conveyor.ErrNotOwned) {
		e.logger.Debug("lease taken over before outcome was recorded",
			slog.String("job_id", j.ID.String()),
		)
		return nil
	}
	if err != nil {
		e.logger.Error("failed to record job outcome",
			slog.String("job_id", j.ID.String()),
			slog.String("task_type", j.TaskType),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// run invokes the handler chain. A panic that escapes the chain becomes a
// *middleware.PanicError so one job cannot take the process down.
func (e *Executor) run(ctx context.Context, j *job.Job) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job panicked outside recover middleware",
				slog.String("task_type", j.TaskType),
				slog.String("job_id", j.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			retErr = &middleware.PanicError{TaskType: j.TaskType, Value: r}
		}
	}()

	handler, ok := e.registry.Get(j.TaskType)
	if !ok {
		return fmt.Errorf("%w: %q", conveyor.ErrUnknownTaskType, j.TaskType)
	}
	return e.mw(ctx, j, func(ctx context.Context) error {
		return handler(ctx, j.Payload)
	})
}

func (e *Executor) route(ctx context.Context, j *job.Job, l job.Lease, runErr error, elapsed time.Duration) error {
	if runErr == nil {
		if err := e.store.Ack(ctx, l); err != nil {
			return err
		}
		e.extensions.EmitJobDone(ctx, j, elapsed)
		return nil
	}

	if rs, ok := job.AsReschedule(runErr); ok {
		runAt := rs.RunAt(conveyor.Now())
		if err := e.store.Reschedule(ctx, l, runAt); err != nil {
			return err
		}
		e.extensions.EmitJobRescheduled(ctx, j, runAt)
		return nil
	}

	if job.IsAbort(runErr) {
		if err := e.store.Kill(ctx, l, runErr); err != nil {
			return err
		}
		e.extensions.EmitJobKilled(ctx, j, runErr)
		return nil
	}

	if job.IsPermanent(runErr) {
		if err := e.store.Fail(ctx, l, runErr); err != nil {
			return err
		}
		e.extensions.EmitJobFailed(ctx, j, runErr)
		return nil
	}

	state, err := e.store.Retry(ctx, l, runErr)
	if err != nil {
		return err
	}
	if state == job.StateKilled {
		e.logger.Warn("job killed after exhausting attempts",
			slog.String("job_id", j.ID.String()),
			slog.String("task_type", j.TaskType),
			slog.Int("max_attempts", j.MaxAttempts),
			slog.String("error", runErr.Error()),
		)
		e.extensions.EmitJobKilled(ctx, j, fmt.Errorf("%w: %w", conveyor.ErrExhausted, runErr))
		return nil
	}
	e.extensions.EmitJobRetrying(ctx, j, runErr)
	return nil
}
