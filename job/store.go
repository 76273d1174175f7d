package job

import (
	"context"
	"time"

	"github.com/xraph/conveyor/id"
)

// ReapOptions controls one orphan reclaim pass.
type ReapOptions struct {
	// Visibility is how long a lease may go without a heartbeat.
	Visibility time.Duration

	// CountAttempt makes the reclaim count as a failed attempt. An
	// exhausted job is then killed instead of returned to pending.
	CountAttempt bool

	// Limit caps the number of jobs reclaimed. Zero means no cap.
	Limit int
}

// ListOptions filters ListJobs.
type ListOptions struct {
	// State restricts results to one state. Empty means all states.
	State State

	// TaskType restricts results to one task type.
	TaskType string

	Limit  int
	Offset int
}

// Store is the Storage Contract. Every method must be safe under concurrent
// use from many worker processes sharing one backend.
//
// Methods taking a Lease fail with conveyor.ErrNotOwned unless the job is
// still running under that exact worker ID and token; the check and the
// write are atomic within the backend.
type Store interface {
	// Push inserts a new pending job. It fails with
	// conveyor.ErrJobAlreadyExists when the ID is taken and with
	// conveyor.ErrBackendUnavailable when the backend cannot be reached.
	Push(ctx context.Context, j *Job) error

	// ClaimNext atomically moves the oldest eligible pending job
	// (run_at <= now, ties in insertion order) to running under workerID
	// and returns it. It returns nil, nil when nothing is claimable.
	ClaimNext(ctx context.Context, workerID id.WorkerID, visibility time.Duration) (*Job, error)

	// Ack moves a running job to done.
	Ack(ctx context.Context, l Lease) error

	// Retry applies the store's retry policy. The job goes back to
	// pending with one more attempt and a later run_at, or to killed when
	// attempts are exhausted. The resulting state is returned.
	Retry(ctx context.Context, l Lease, cause error) (State, error)

	// Reschedule returns a running job to pending at runAt without
	// touching its attempts.
	Reschedule(ctx context.Context, l Lease, runAt time.Time) error

	// Kill moves a running job to killed.
	Kill(ctx context.Context, l Lease, reason error) error

	// Fail moves a running job to failed.
	Fail(ctx context.Context, l Lease, cause error) error

	// Heartbeat refreshes lock_at of a running job.
	Heartbeat(ctx context.Context, l Lease) error

	// ReapOrphans returns running jobs whose lock_at is older than
	// opts.Visibility to pending and reports how many were reclaimed.
	ReapOrphans(ctx context.Context, opts ReapOptions) (int64, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobs returns jobs ordered by run_at.
	ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error)

	// CountJobs counts jobs in the given state.
	CountJobs(ctx context.Context, state State) (int64, error)

	// Vacuum deletes done jobs finished before olderThan.
	Vacuum(ctx context.Context, olderThan time.Time) (int64, error)
}
