package bunstore

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/schedule"
)

// SaveSchedule persists a new schedule entry.
func (s *Store) SaveSchedule(ctx context.Context, e *schedule.Entry) error {
	_, err := s.db.NewInsert().Model(toScheduleModel(e)).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrDuplicateSchedule
		}
		return wrap("save schedule", err)
	}
	return nil
}

// GetSchedule retrieves a schedule entry by name.
func (s *Store) GetSchedule(ctx context.Context, name string) (*schedule.Entry, error) {
	m := new(scheduleModel)
	err := s.db.NewSelect().Model(m).Where("name = ?", name).Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrScheduleNotFound
		}
		return nil, wrap("get schedule", err)
	}
	return fromScheduleModel(m)
}

// ListSchedules returns all schedule entries ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	var models []scheduleModel
	if err := s.db.NewSelect().Model(&models).OrderExpr("name ASC").Scan(ctx); err != nil {
		return nil, wrap("list schedules", err)
	}

	entries := make([]*schedule.Entry, 0, len(models))
	for i := range models {
		e, err := fromScheduleModel(&models[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AdvanceSchedule compare-and-swaps next_fire_at.
func (s *Store) AdvanceSchedule(ctx context.Context, name string, expected, next time.Time) (bool, error) {
	res, err := s.db.NewUpdate().Model((*scheduleModel)(nil)).
		Set("next_fire_at = ?", next.UTC()).
		Set("updated_at = ?", conveyor.Now()).
		Where("name = ?", name).
		Where("next_fire_at = ?", expected.UTC()).
		Exec(ctx)
	if err != nil {
		return false, wrap("advance schedule", err)
	}
	if n, _ := res.RowsAffected(); n > 0 { //nolint:errcheck // driver always returns nil
		return true, nil
	}
	if err := s.scheduleExists(ctx, name); err != nil {
		return false, err
	}
	return false, nil
}

// RecordFire stores the last fire time of an entry.
func (s *Store) RecordFire(ctx context.Context, name string, at time.Time) error {
	return s.updateSchedule(ctx, "record fire", name, map[string]any{
		"last_fire_at": at.UTC(),
	})
}

// SetScheduleEnabled pauses or resumes an entry.
func (s *Store) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	return s.updateSchedule(ctx, "set schedule enabled", name, map[string]any{
		"enabled": enabled,
	})
}

// DeleteSchedule removes a schedule entry.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.db.NewDelete().Model((*scheduleModel)(nil)).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return wrap("delete schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // driver always returns nil
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

func (s *Store) updateSchedule(ctx context.Context, op, name string, cols map[string]any) error {
	q := s.db.NewUpdate().Model((*scheduleModel)(nil)).
		Set("updated_at = ?", conveyor.Now()).
		Where("name = ?", name)
	for col, v := range cols {
		q = q.Set("? = ?", bun.Ident(col), v)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return wrap(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // driver always returns nil
		return s.scheduleExists(ctx, name)
	}
	return nil
}

func (s *Store) scheduleExists(ctx context.Context, name string) error {
	exists, err := s.db.NewSelect().Model((*scheduleModel)(nil)).
		Where("name = ?", name).
		Exists(ctx)
	if err != nil {
		return wrap("check schedule", err)
	}
	if !exists {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}
