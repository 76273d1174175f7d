package conveyor

import "time"

// Entity carries the lifecycle timestamps shared by persisted records.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with the current UTC time.
func NewEntity() Entity {
	now := Now()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Now returns the current UTC time truncated to milliseconds, the finest
// precision every supported backend round-trips losslessly.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
