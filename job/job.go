package job

import (
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job waits for its run_at and a free worker.
	StatePending State = "pending"
	// StateRunning means a worker holds a lease on the job.
	StateRunning State = "running"
	// StateDone means the job finished successfully.
	StateDone State = "done"
	// StateFailed means the handler reported a permanent failure.
	StateFailed State = "failed"
	// StateKilled means the job ran out of attempts or was aborted.
	StateKilled State = "killed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateKilled
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateDone, StateFailed, StateKilled:
		return true
	}
	return false
}

// OrphanMarker is recorded as last_error when a lease expires unacknowledged.
const OrphanMarker = "orphaned: lease expired"

// Job represents a unit of work to be processed by a worker.
type Job struct {
	conveyor.Entity

	ID          id.JobID    `json:"id"`
	TaskType    string      `json:"task_type"`
	Payload     []byte      `json:"payload"`
	State       State       `json:"state"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	RunAt       time.Time   `json:"run_at"`
	LockBy      id.WorkerID `json:"lock_by,omitempty"`
	LockAt      *time.Time  `json:"lock_at,omitempty"`
	LeaseToken  int64       `json:"lease_token"`
	Reclaims    int         `json:"reclaims"`
	LastError   string      `json:"last_error,omitempty"`
	DoneAt      *time.Time  `json:"done_at,omitempty"`
}

// Lease returns the ownership claim a worker holds on this running job.
// The expiry is left zero; the claiming worker fills it in.
func (j *Job) Lease() Lease {
	l := Lease{
		JobID:    j.ID,
		WorkerID: j.LockBy,
		Token:    j.LeaseToken,
	}
	if j.LockAt != nil {
		l.LockedAt = *j.LockAt
	}
	return l
}

// Lease is the time-bounded ownership of a claimed job.
type Lease struct {
	JobID    id.JobID
	WorkerID id.WorkerID
	Token    int64
	LockedAt time.Time

	// ExpiresAt is LockedAt plus the visibility timeout requested at claim
	// time. It is process-local bookkeeping and never persisted.
	ExpiresAt time.Time
}

// Owns reports whether j is running under exactly this lease.
func (l Lease) Owns(j *Job) bool {
	return j.State == StateRunning &&
		j.LockBy.String() == l.WorkerID.String() &&
		j.LeaseToken == l.Token
}

// New builds a pending job for taskType from already-encoded payload bytes.
func New(taskType string, payload []byte, opts Options) (*Job, error) {
	jobID := id.NewJobID()
	if opts.ID != "" {
		parsed, err := id.ParseJobID(opts.ID)
		if err != nil {
			return nil, err
		}
		jobID = parsed
	}

	entity := conveyor.NewEntity()
	runAt := entity.CreatedAt
	switch {
	case !opts.RunAt.IsZero():
		runAt = opts.RunAt.UTC().Truncate(time.Millisecond)
	case opts.Delay > 0:
		runAt = runAt.Add(opts.Delay)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}

	return &Job{
		Entity:      entity,
		ID:          jobID,
		TaskType:    taskType,
		Payload:     payload,
		State:       StatePending,
		MaxAttempts: maxAttempts,
		RunAt:       runAt,
	}, nil
}
