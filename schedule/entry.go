package schedule

import (
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
)

// Entry is a recurring producer: a recurrence rule plus the next time it
// fires. Each firing pushes one job of TaskType.
type Entry struct {
	conveyor.Entity

	ID          id.ScheduleID `json:"id"`
	Name        string        `json:"name"`
	Spec        string        `json:"spec"`
	TaskType    string        `json:"task_type"`
	Payload     []byte        `json:"payload,omitempty"`
	MaxAttempts int           `json:"max_attempts"`
	NextFireAt  time.Time     `json:"next_fire_at"`
	LastFireAt  *time.Time    `json:"last_fire_at,omitempty"`
	Enabled     bool          `json:"enabled"`
}
