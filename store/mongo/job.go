package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

const (
	pending = string(job.StatePending)
	running = string(job.StateRunning)
)

// Push persists a new pending job.
func (s *Store) Push(ctx context.Context, j *job.Job) error {
	if _, err := s.jobs.InsertOne(ctx, toJobModel(j)); err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return conveyor.ErrJobAlreadyExists
		}
		return wrap("push", err)
	}
	return nil
}

// ClaimNext atomically moves the oldest eligible pending job to running.
// FindOneAndUpdate is a single-document atomic operation, so two claimers
// can never receive the same job.
func (s *Store) ClaimNext(ctx context.Context, workerID id.WorkerID, _ time.Duration) (*job.Job, error) {
	now := conveyor.Now()

	filter := bson.M{
		"status": pending,
		"run_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     running,
			"lock_by":    workerID.String(),
			"lock_at":    now,
			"updated_at": now,
		},
		"$inc": bson.M{"lease_token": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "run_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var m jobModel
	if err := s.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, wrap("claim", err)
	}
	return fromJobModel(&m)
}

// owned is the filter matching the document still running under l.
func owned(l job.Lease) bson.M {
	return bson.M{
		"_id":         l.JobID.String(),
		"status":      running,
		"lock_by":     l.WorkerID.String(),
		"lease_token": l.Token,
	}
}

// release builds the update leaving running for state. Extra fields are
// merged into $set.
func release(state job.State, now time.Time, set bson.M) bson.M {
	if set == nil {
		set = bson.M{}
	}
	set["status"] = string(state)
	set["updated_at"] = now
	if state.Terminal() {
		set["done_at"] = now
	}
	return bson.M{
		"$set":   set,
		"$unset": bson.M{"lock_by": "", "lock_at": ""},
	}
}

// ownedUpdate applies update to the document held by l and maps a miss to
// the ownership error.
func (s *Store) ownedUpdate(ctx context.Context, op string, l job.Lease, update bson.M) error {
	res, err := s.jobs.UpdateOne(ctx, owned(l), update)
	if err != nil {
		return wrap(op, err)
	}
	if res.MatchedCount == 0 {
		return s.notOwned(ctx, l.JobID)
	}
	return nil
}

// notOwned distinguishes a vanished job from a lost lease.
func (s *Store) notOwned(ctx context.Context, jobID id.JobID) error {
	n, err := s.jobs.CountDocuments(ctx, bson.M{"_id": jobID.String()}, options.Count().SetLimit(1))
	if err != nil {
		return wrap("check job", err)
	}
	if n == 0 {
		return conveyor.ErrJobNotFound
	}
	return conveyor.ErrNotOwned
}

// Ack moves a running job to done.
func (s *Store) Ack(ctx context.Context, l job.Lease) error {
	return s.ownedUpdate(ctx, "ack", l, release(job.StateDone, conveyor.Now(), nil))
}

// Retry applies the retry policy to a running job. The decision is computed
// from a read of the owned document and written back with a filter on the
// same lease, so a concurrent reclaim makes the write miss.
func (s *Store) Retry(ctx context.Context, l job.Lease, cause error) (job.State, error) {
	var m jobModel
	if err := s.jobs.FindOne(ctx, owned(l)).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return "", s.notOwned(ctx, l.JobID)
		}
		return "", wrap("retry", err)
	}

	now := conveyor.Now()
	d := s.policy.Decide(backoff.Attempt{
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		PrevRunAt:   m.RunAt.UTC(),
		Now:         now,
		Cause:       cause,
	})

	result := job.StatePending
	set := bson.M{"attempts": d.Attempts}
	if d.Exhausted {
		result = job.StateKilled
	} else {
		set["run_at"] = d.NextRunAt
	}
	if cause != nil {
		set["last_error"] = cause.Error()
	}

	if err := s.ownedUpdate(ctx, "retry", l, release(result, now, set)); err != nil {
		return "", err
	}
	return result, nil
}

// Reschedule returns a running job to pending at runAt without touching its
// attempts.
func (s *Store) Reschedule(ctx context.Context, l job.Lease, runAt time.Time) error {
	set := bson.M{"run_at": runAt.UTC().Truncate(time.Millisecond)}
	return s.ownedUpdate(ctx, "reschedule", l, release(job.StatePending, conveyor.Now(), set))
}

// Kill moves a running job to killed.
func (s *Store) Kill(ctx context.Context, l job.Lease, reason error) error {
	return s.finish(ctx, "kill", l, job.StateKilled, reason)
}

// Fail moves a running job to failed.
func (s *Store) Fail(ctx context.Context, l job.Lease, cause error) error {
	return s.finish(ctx, "fail", l, job.StateFailed, cause)
}

func (s *Store) finish(ctx context.Context, op string, l job.Lease, state job.State, cause error) error {
	set := bson.M{}
	if cause != nil {
		set["last_error"] = cause.Error()
	}
	return s.ownedUpdate(ctx, op, l, release(state, conveyor.Now(), set))
}

// Heartbeat refreshes lock_at of a running job.
func (s *Store) Heartbeat(ctx context.Context, l job.Lease) error {
	now := conveyor.Now()
	return s.ownedUpdate(ctx, "heartbeat", l, bson.M{
		"$set": bson.M{"lock_at": now, "updated_at": now},
	})
}

// ReapOrphans returns running jobs whose lease expired to pending. Each
// candidate is reclaimed with an update filtered on its lease token and a
// stale lock_at, so a job heartbeated after the scan is left alone.
func (s *Store) ReapOrphans(ctx context.Context, opts job.ReapOptions) (int64, error) {
	now := conveyor.Now()
	cutoff := now.Add(-opts.Visibility)

	findOpts := options.Find().
		SetSort(bson.D{{Key: "lock_at", Value: 1}}).
		SetProjection(bson.M{"_id": 1, "lease_token": 1, "attempts": 1, "max_attempts": 1})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := s.jobs.Find(ctx, bson.M{
		"status":  running,
		"lock_at": bson.M{"$lt": cutoff},
	}, findOpts)
	if err != nil {
		return 0, wrap("reap scan", err)
	}
	var candidates []jobModel
	if err := cur.All(ctx, &candidates); err != nil {
		return 0, wrap("reap scan", err)
	}

	var reclaimed int64
	for i := range candidates {
		c := &candidates[i]
		state := job.StatePending
		update := release(state, now, bson.M{"last_error": job.OrphanMarker})
		inc := bson.M{"reclaims": 1}
		if opts.CountAttempt {
			if c.Attempts >= c.MaxAttempts {
				update = release(job.StateKilled, now, bson.M{"last_error": job.OrphanMarker})
			} else {
				inc["attempts"] = 1
			}
		}
		update["$inc"] = inc

		res, err := s.jobs.UpdateOne(ctx, bson.M{
			"_id":         c.ID,
			"status":      running,
			"lease_token": c.LeaseToken,
			"lock_at":     bson.M{"$lt": cutoff},
		}, update)
		if err != nil {
			return reclaimed, wrap("reap", err)
		}
		reclaimed += res.ModifiedCount
	}
	return reclaimed, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	if err := s.jobs.FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, wrap("get job", err)
	}
	return fromJobModel(&m)
}

// ListJobs returns jobs ordered by run_at then ID.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOptions) ([]*job.Job, error) {
	filter := bson.M{}
	if opts.State != "" {
		filter["status"] = string(opts.State)
	}
	if opts.TaskType != "" {
		filter["task_type"] = opts.TaskType
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "run_at", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.jobs.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, wrap("list jobs", err)
	}
	var models []jobModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, wrap("list jobs", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CountJobs counts jobs in the given state.
func (s *Store) CountJobs(ctx context.Context, state job.State) (int64, error) {
	n, err := s.jobs.CountDocuments(ctx, bson.M{"status": string(state)})
	if err != nil {
		return 0, wrap("count jobs", err)
	}
	return n, nil
}

// Vacuum deletes done jobs finished before olderThan.
func (s *Store) Vacuum(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.jobs.DeleteMany(ctx, bson.M{
		"status":  string(job.StateDone),
		"done_at": bson.M{"$lt": olderThan.UTC()},
	})
	if err != nil {
		return 0, wrap("vacuum", err)
	}
	return res.DeletedCount, nil
}
