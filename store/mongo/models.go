package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/schedule"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	ID          string     `bson:"_id"`
	TaskType    string     `bson:"task_type"`
	Payload     []byte     `bson:"payload"`
	Status      string     `bson:"status"`
	Attempts    int        `bson:"attempts"`
	MaxAttempts int        `bson:"max_attempts"`
	RunAt       time.Time  `bson:"run_at"`
	LockBy      string     `bson:"lock_by,omitempty"`
	LockAt      *time.Time `bson:"lock_at,omitempty"`
	LeaseToken  int64      `bson:"lease_token"`
	Reclaims    int        `bson:"reclaims"`
	LastError   string     `bson:"last_error,omitempty"`
	DoneAt      *time.Time `bson:"done_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:          j.ID.String(),
		TaskType:    j.TaskType,
		Payload:     j.Payload,
		Status:      string(job.StatePending),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		RunAt:       j.RunAt,
		LeaseToken:  j.LeaseToken,
		Reclaims:    j.Reclaims,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
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
		return nil, fmt.Errorf("conveyor/mongo: parse job id %q: %w", m.ID, err)
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
		LastError:   m.LastError,
		DoneAt:      utcPtr(m.DoneAt),
	}

	if m.LockBy != "" {
		worker, wErr := id.ParseWorkerID(m.LockBy)
		if wErr != nil {
			return nil, fmt.Errorf("conveyor/mongo: parse lock_by %q: %w", m.LockBy, wErr)
		}
		j.LockBy = worker
	}

	return j, nil
}

// ── Schedule model ────────────────────────────────────────────────

type scheduleModel struct {
	ID          string     `bson:"_id"`
	Name        string     `bson:"name"`
	Spec        string     `bson:"spec"`
	TaskType    string     `bson:"task_type"`
	Payload     []byte     `bson:"payload"`
	MaxAttempts int        `bson:"max_attempts"`
	NextFireAt  time.Time  `bson:"next_fire_at"`
	LastFireAt  *time.Time `bson:"last_fire_at,omitempty"`
	Enabled     bool       `bson:"enabled"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func toScheduleModel(e *schedule.Entry) *scheduleModel {
	return &scheduleModel{
		ID:          e.ID.String(),
		Name:        e.Name,
		Spec:        e.Spec,
		TaskType:    e.TaskType,
		Payload:     e.Payload,
		MaxAttempts: e.MaxAttempts,
		NextFireAt:  e.NextFireAt,
		LastFireAt:  e.LastFireAt,
		Enabled:     e.Enabled,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func fromScheduleModel(m *scheduleModel) (*schedule.Entry, error) {
	parsedID, err := id.ParseScheduleID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/mongo: parse schedule id %q: %w", m.ID, err)
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
