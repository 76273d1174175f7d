package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/schedule"
)

// ── Job model ─────────────────────────────────────────────────────

// The seq column is filled by the database on insert and only used for
// ordering, so it is not mapped here.
type jobModel struct {
	bun.BaseModel `bun:"table:conveyor_jobs"`

	ID          string     `bun:"id,pk"`
	TaskType    string     `bun:"task_type,notnull"`
	Payload     []byte     `bun:"payload"`
	Status      string     `bun:"status,notnull"`
	Attempts    int        `bun:"attempts,notnull"`
	MaxAttempts int        `bun:"max_attempts,notnull"`
	RunAt       time.Time  `bun:"run_at,notnull"`
	LockBy      *string    `bun:"lock_by"`
	LockAt      *time.Time `bun:"lock_at"`
	LeaseToken  int64      `bun:"lease_token,notnull"`
	Reclaims    int        `bun:"reclaims,notnull"`
	LastError   *string    `bun:"last_error"`
	DoneAt      *time.Time `bun:"done_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:          j.ID.String(),
		TaskType:    j.TaskType,
		Payload:     j.Payload,
		Status:      string(job.StatePending),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		RunAt:       j.RunAt.UTC(),
		LeaseToken:  j.LeaseToken,
		Reclaims:    j.Reclaims,
		LastError:   nullString(j.LastError),
		CreatedAt:   j.CreatedAt.UTC(),
		UpdatedAt:   j.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/bun: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: conveyor.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:          parsedID,
		TaskType:    m.TaskType,
		Payload:     m.Payload,
		State:       job.State(m.Status),
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		RunAt:       m.RunAt.UTC(),
		LockAt:      utcPtr(m.LockAt),
		LeaseToken:  m.LeaseToken,
		Reclaims:    m.Reclaims,
		LastError:   derefString(m.LastError),
		DoneAt:      utcPtr(m.DoneAt),
	}

	if m.LockBy != nil && *m.LockBy != "" {
		worker, wErr := id.ParseWorkerID(*m.LockBy)
		if wErr != nil {
			return nil, fmt.Errorf("conveyor/bun: parse lock_by %q: %w", *m.LockBy, wErr)
		}
		j.LockBy = worker
	}

	return j, nil
}

// ── Schedule model ────────────────────────────────────────────────

type scheduleModel struct {
	bun.BaseModel `bun:"table:conveyor_schedules"`

	ID          string     `bun:"id,pk"`
	Name        string     `bun:"name,notnull,unique"`
	Spec        string     `bun:"spec,notnull"`
	TaskType    string     `bun:"task_type,notnull"`
	Payload     []byte     `bun:"payload"`
	MaxAttempts int        `bun:"max_attempts,notnull"`
	NextFireAt  time.Time  `bun:"next_fire_at,notnull"`
	LastFireAt  *time.Time `bun:"last_fire_at"`
	Enabled     bool       `bun:"enabled,notnull"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull"`
}

func toScheduleModel(e *schedule.Entry) *scheduleModel {
	return &scheduleModel{
		ID:          e.ID.String(),
		Name:        e.Name,
		Spec:        e.Spec,
		TaskType:    e.TaskType,
		Payload:     e.Payload,
		MaxAttempts: e.MaxAttempts,
		NextFireAt:  e.NextFireAt.UTC(),
		LastFireAt:  utcPtr(e.LastFireAt),
		Enabled:     e.Enabled,
		CreatedAt:   e.CreatedAt.UTC(),
		UpdatedAt:   e.UpdatedAt.UTC(),
	}
}

func fromScheduleModel(m *scheduleModel) (*schedule.Entry, error) {
	parsedID, err := id.ParseScheduleID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/bun: parse schedule id %q: %w", m.ID, err)
	}

	return &schedule.Entry{
		Entity: conveyor.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:          parsedID,
		Name:        m.Name,
		Spec:        m.Spec,
		TaskType:    m.TaskType,
		Payload:     m.Payload,
		MaxAttempts: m.MaxAttempts,
		NextFireAt:  m.NextFireAt.UTC(),
		LastFireAt:  utcPtr(m.LastFireAt),
		Enabled:     m.Enabled,
	}, nil
}
