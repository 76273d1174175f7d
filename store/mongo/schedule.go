package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/schedule"
)

// SaveSchedule persists a new schedule entry. Name uniqueness relies on the
// index created by Migrate.
func (s *Store) SaveSchedule(ctx context.Context, e *schedule.Entry) error {
	if _, err := s.schedules.InsertOne(ctx, toScheduleModel(e)); err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return conveyor.ErrDuplicateSchedule
		}
		return wrap("save schedule", err)
	}
	return nil
}

// GetSchedule retrieves a schedule entry by name.
func (s *Store) GetSchedule(ctx context.Context, name string) (*schedule.Entry, error) {
	var m scheduleModel
	if err := s.schedules.FindOne(ctx, bson.M{"name": name}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, conveyor.ErrScheduleNotFound
		}
		return nil, wrap("get schedule", err)
	}
	return fromScheduleModel(&m)
}

// ListSchedules returns all schedule entries ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	cur, err := s.schedules.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, wrap("list schedules", err)
	}
	var models []scheduleModel
	if err := cur.All(ctx, &models); err != nil {
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
	res, err := s.schedules.UpdateOne(ctx,
		bson.M{"name": name, "next_fire_at": expected.UTC()},
		bson.M{"$set": bson.M{"next_fire_at": next.UTC(), "updated_at": conveyor.Now()}},
	)
	if err != nil {
		return false, wrap("advance schedule", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	if err := s.scheduleExists(ctx, name); err != nil {
		return false, err
	}
	return false, nil
}

// RecordFire stores the last fire time of an entry.
func (s *Store) RecordFire(ctx context.Context, name string, at time.Time) error {
	return s.updateSchedule(ctx, "record fire", name, bson.M{"last_fire_at": at.UTC()})
}

// SetScheduleEnabled pauses or resumes an entry.
func (s *Store) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	return s.updateSchedule(ctx, "set schedule enabled", name, bson.M{"enabled": enabled})
}

// DeleteSchedule removes an entry by name.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.schedules.DeleteOne(ctx, bson.M{"name": name})
	if err != nil {
		return wrap("delete schedule", err)
	}
	if res.DeletedCount == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

func (s *Store) updateSchedule(ctx context.Context, op, name string, set bson.M) error {
	set["updated_at"] = conveyor.Now()
	res, err := s.schedules.UpdateOne(ctx, bson.M{"name": name}, bson.M{"$set": set})
	if err != nil {
		return wrap(op, err)
	}
	if res.MatchedCount == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

func (s *Store) scheduleExists(ctx context.Context, name string) error {
	n, err := s.schedules.CountDocuments(ctx, bson.M{"name": name}, options.Count().SetLimit(1))
	if err != nil {
		return wrap("check schedule", err)
	}
	if n == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}
