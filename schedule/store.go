package schedule

import (
	"context"
	"time"
)

// Store defines the persistence contract for schedule entries.
type Store interface {
	// SaveSchedule persists a new entry. Returns
	// conveyor.ErrDuplicateSchedule if the name already exists.
	SaveSchedule(ctx context.Context, e *Entry) error

	// GetSchedule retrieves an entry by name.
	GetSchedule(ctx context.Context, name string) (*Entry, error)

	// ListSchedules returns all entries ordered by name.
	ListSchedules(ctx context.Context) ([]*Entry, error)

	// AdvanceSchedule moves next_fire_at from expected to next only if it
	// still equals expected, and reports whether the swap happened.
	AdvanceSchedule(ctx context.Context, name string, expected, next time.Time) (bool, error)

	// RecordFire stores at as the entry's last_fire_at.
	RecordFire(ctx context.Context, name string, at time.Time) error

	// SetScheduleEnabled pauses or resumes an entry.
	SetScheduleEnabled(ctx context.Context, name string, enabled bool) error

	// DeleteSchedule removes an entry by name.
	DeleteSchedule(ctx context.Context, name string) error
}
