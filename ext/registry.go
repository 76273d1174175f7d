package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register must complete before the first emit; emits are then safe for
// concurrent use.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobPushed      []entry[JobPushed]
	jobStarted     []entry[JobStarted]
	jobDone        []entry[JobDone]
	jobRetrying    []entry[JobRetrying]
	jobKilled      []entry[JobKilled]
	jobFailed      []entry[JobFailed]
	jobRescheduled []entry[JobRescheduled]
	jobsReclaimed  []entry[JobsReclaimed]
	scheduleFired  []entry[ScheduleFired]
	shutdown       []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobPushed); ok {
		r.jobPushed = append(r.jobPushed, entry[JobPushed]{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, entry[JobStarted]{name, h})
	}
	if h, ok := e.(JobDone); ok {
		r.jobDone = append(r.jobDone, entry[JobDone]{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, entry[JobRetrying]{name, h})
	}
	if h, ok := e.(JobKilled); ok {
		r.jobKilled = append(r.jobKilled, entry[JobKilled]{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, entry[JobFailed]{name, h})
	}
	if h, ok := e.(JobRescheduled); ok {
		r.jobRescheduled = append(r.jobRescheduled, entry[JobRescheduled]{name, h})
	}
	if h, ok := e.(JobsReclaimed); ok {
		r.jobsReclaimed = append(r.jobsReclaimed, entry[JobsReclaimed]{name, h})
	}
	if h, ok := e.(ScheduleFired); ok {
		r.scheduleFired = append(r.scheduleFired, entry[ScheduleFired]{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, entry[Shutdown]{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobPushed notifies all extensions that implement JobPushed.
func (r *Registry) EmitJobPushed(ctx context.Context, j *job.Job) {
	for _, e := range r.jobPushed {
		if err := e.hook.OnJobPushed(ctx, j); err != nil {
			r.logHookError("OnJobPushed", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobDone notifies all extensions that implement JobDone.
func (r *Registry) EmitJobDone(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobDone {
		if err := e.hook.OnJobDone(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobDone", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, cause error) {
	for _, e := range r.jobRetrying {
		if err := e.hook.OnJobRetrying(ctx, j, cause); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobKilled notifies all extensions that implement JobKilled.
func (r *Registry) EmitJobKilled(ctx context.Context, j *job.Job, reason error) {
	for _, e := range r.jobKilled {
		if err := e.hook.OnJobKilled(ctx, j, reason); err != nil {
			r.logHookError("OnJobKilled", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, cause error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, cause); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRescheduled notifies all extensions that implement JobRescheduled.
func (r *Registry) EmitJobRescheduled(ctx context.Context, j *job.Job, runAt time.Time) {
	for _, e := range r.jobRescheduled {
		if err := e.hook.OnJobRescheduled(ctx, j, runAt); err != nil {
			r.logHookError("OnJobRescheduled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitJobsReclaimed notifies all extensions that implement JobsReclaimed.
func (r *Registry) EmitJobsReclaimed(ctx context.Context, count int64) {
	for _, e := range r.jobsReclaimed {
		if err := e.hook.OnJobsReclaimed(ctx, count); err != nil {
			r.logHookError("OnJobsReclaimed", e.name, err)
		}
	}
}

// EmitScheduleFired notifies all extensions that implement ScheduleFired.
func (r *Registry) EmitScheduleFired(ctx context.Context, name string, jobID id.JobID) {
	for _, e := range r.scheduleFired {
		if err := e.hook.OnScheduleFired(ctx, name, jobID); err != nil {
			r.logHookError("OnScheduleFired", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
