// Package ext defines the extension system for Conveyor.
// Extensions are notified of lifecycle events (job pushed, done, retried,
// reclaimed, etc.) and can react to them with logging, metrics or audit.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobPushed is called after a job is persisted.
type JobPushed interface {
	OnJobPushed(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a claimed job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobDone is called after a job is acknowledged.
type JobDone interface {
	OnJobDone(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when a failed job goes back to pending.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, cause error) error
}

// JobKilled is called when a job is killed, either by an abort or because
// its attempts ran out.
type JobKilled interface {
	OnJobKilled(ctx context.Context, j *job.Job, reason error) error
}

// JobFailed is called when a handler reports a permanent failure.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, cause error) error
}

// JobRescheduled is called when a handler asks to run again later.
type JobRescheduled interface {
	OnJobRescheduled(ctx context.Context, j *job.Job, runAt time.Time) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// JobsReclaimed is called after a reap pass reclaimed orphaned jobs.
type JobsReclaimed interface {
	OnJobsReclaimed(ctx context.Context, count int64) error
}

// ScheduleFired is called when a schedule entry fires and pushes a job.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, name string, jobID id.JobID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
