package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/schedule"
)

// SaveSchedule stores a new schedule entry.
func (s *Store) SaveSchedule(ctx context.Context, e *schedule.Entry) error {
	args := append([]any{e.Name}, scheduleFields(e)...)
	n, err := saveScheduleScript.Run(ctx, s.client,
		[]string{s.keys.schedule(e.Name), s.keys.schedules()},
		args...,
	).Int64()
	if err != nil {
		return wrap("save schedule", err)
	}
	if n == 0 {
		return conveyor.ErrDuplicateSchedule
	}
	return nil
}

// GetSchedule retrieves a schedule entry by name.
func (s *Store) GetSchedule(ctx context.Context, name string) (*schedule.Entry, error) {
	m, err := s.client.HGetAll(ctx, s.keys.schedule(name)).Result()
	if err != nil {
		return nil, wrap("get schedule", err)
	}
	if len(m) == 0 {
		return nil, conveyor.ErrScheduleNotFound
	}
	return mapToSchedule(m)
}

// ListSchedules returns all schedule entries ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	names, err := s.client.SMembers(ctx, s.keys.schedules()).Result()
	if err != nil {
		return nil, wrap("list schedules", err)
	}
	sort.Strings(names)

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGetAll(ctx, s.keys.schedule(name))
	}
	if len(names) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, wrap("list schedules", err)
		}
	}

	entries := make([]*schedule.Entry, 0, len(names))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		e, err := mapToSchedule(cmd.Val())
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AdvanceSchedule compare-and-swaps next_fire_at.
func (s *Store) AdvanceSchedule(ctx context.Context, name string, expected, next time.Time) (bool, error) {
	n, err := advanceScript.Run(ctx, s.client,
		[]string{s.keys.schedule(name)},
		strconv.FormatInt(millis(expected), 10), millis(next), millis(conveyor.Now()),
	).Int64()
	if err != nil {
		return false, wrap("advance schedule", err)
	}
	if n == -1 {
		return false, conveyor.ErrScheduleNotFound
	}
	return n == 1, nil
}

// RecordFire stores the last fire time of an entry.
func (s *Store) RecordFire(ctx context.Context, name string, at time.Time) error {
	return s.updateSchedule(ctx, "record fire", name, "last_fire_at", millis(at))
}

// SetScheduleEnabled pauses or resumes an entry.
func (s *Store) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	return s.updateSchedule(ctx, "set schedule enabled", name, "enabled", boolField(enabled))
}

// DeleteSchedule removes a schedule entry.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.keys.schedule(name))
	pipe.SRem(ctx, s.keys.schedules(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("delete schedule", err)
	}
	if del.Val() == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

func (s *Store) updateSchedule(ctx context.Context, op, name, field string, value any) error {
	n, err := updateExistingScript.Run(ctx, s.client,
		[]string{s.keys.schedule(name)},
		field, value, "updated_at", millis(conveyor.Now()),
	).Int64()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func scheduleFields(e *schedule.Entry) []any {
	fields := []any{
		"id", e.ID.String(),
		"name", e.Name,
		"spec", e.Spec,
		"task_type", e.TaskType,
		"payload", e.Payload,
		"max_attempts", e.MaxAttempts,
		"next_fire_at", millis(e.NextFireAt),
		"enabled", boolField(e.Enabled),
		"created_at", millis(e.CreatedAt),
		"updated_at", millis(e.UpdatedAt),
	}
	if e.LastFireAt != nil {
		fields = append(fields, "last_fire_at", millis(*e.LastFireAt))
	}
	return fields
}

func mapToSchedule(m map[string]string) (*schedule.Entry, error) {
	sID, err := id.ParseScheduleID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse schedule id %q: %w", m["id"], err)
	}
	next, err := fromMillis(m["next_fire_at"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse next_fire_at of %s: %w", m["name"], err)
	}
	maxAttempts, _ := strconv.Atoi(m["max_attempts"]) //nolint:errcheck // written by this package

	e := &schedule.Entry{
		ID:          sID,
		Name:        m["name"],
		Spec:        m["spec"],
		TaskType:    m["task_type"],
		MaxAttempts: maxAttempts,
		NextFireAt:  next,
		LastFireAt:  optionalMillis(m["last_fire_at"]),
		Enabled:     m["enabled"] == "1",
	}
	if p := m["payload"]; p != "" {
		e.Payload = []byte(p)
	}
	if t := optionalMillis(m["created_at"]); t != nil {
		e.CreatedAt = *t
	}
	if t := optionalMillis(m["updated_at"]); t != nil {
		e.UpdatedAt = *t
	}
	return e, nil
}
