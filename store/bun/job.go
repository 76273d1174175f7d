package bunstore

import (
	"context"
	"math"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

const (
	pending = string(job.StatePending)
	running = string(job.StateRunning)
)

// lockRows reports whether claim candidates must be row-locked. SQLite
// serialises writers, so it has no row locks and needs no clause.
func (s *Store) lockRows() bool {
	return s.dialect == dialect.PG || s.dialect == dialect.MySQL
}

// Push persists a new pending job. On PostgreSQL the insert also notifies
// NotifyChannel so Listener can wake idle pollers.
func (s *Store) Push(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
			return err
		}
		if s.dialect == dialect.PG {
			if _, err := tx.ExecContext(ctx, "SELECT pg_notify(?, ?)", NotifyChannel, m.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrJobAlreadyExists
		}
		return wrap("push", err)
	}
	return nil
}

// ClaimNext selects the oldest eligible pending job and moves it to running
// under workerID inside one transaction. Pending rows locked by a concurrent
// claimer are skipped rather than waited on.
func (s *Store) ClaimNext(ctx context.Context, workerID id.WorkerID, _ time.Duration) (*job.Job, error) {
	now := conveyor.Now()
	var claimed *jobModel

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var candidate jobModel
		q := tx.NewSelect().Model(&candidate).
			Column("id").
			Where("status = ?", pending).
			Where("run_at <= ?", now).
			OrderExpr("run_at ASC, seq ASC").
			Limit(1)
		if s.lockRows() {
			q = q.For("UPDATE SKIP LOCKED")
		}
		if err := q.Scan(ctx); err != nil {
			if isNoRows(err) {
				return nil
			}
			return err
		}

		res, err := tx.NewUpdate().Model((*jobModel)(nil)).
			Set("status = ?", running).
			Set("lock_by = ?", workerID.String()).
			Set("lock_at = ?", now).
			Set("lease_token = lease_token + 1").
			Set("updated_at = ?", now).
			Where("id = ?", candidate.ID).
			Where("status = ?", pending).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // driver always returns nil
			return nil
		}

		claimed = new(jobModel)
		return tx.NewSelect().Model(claimed).Where("id = ?", candidate.ID).Scan(ctx)
	})
	if err != nil {
		return nil, wrap("claim", err)
	}
	if claimed == nil {
		return nil, nil
	}
	return fromJobModel(claimed)
}

// owned restricts an update to the row still running under l.
func owned(q *bun.UpdateQuery, l job.Lease) *bun.UpdateQuery {
	return q.
		Where("id = ?", l.JobID.String()).
		Where("status = ?", running).
		Where("lock_by = ?", l.WorkerID.String()).
		Where("lease_token = ?", l.Token)
}

// ownedUpdate runs q restricted to l and maps a zero row count to the
// ownership error.
func (s *Store) ownedUpdate(ctx context.Context, op string, l job.Lease, q *bun.UpdateQuery) error {
	res, err := owned(q, l).Exec(ctx)
	if err != nil {
		return wrap(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // driver always returns nil
		return s.notOwned(ctx, l.JobID)
	}
	return nil
}

// notOwned distinguishes a vanished job from a lost lease.
func (s *Store) notOwned(ctx context.Context, jobID id.JobID) error {
	exists, err := s.db.NewSelect().Model((*jobModel)(nil)).
		Where("id = ?", jobID.String()).
		Exists(ctx)
	if err != nil {
		return wrap("check job", err)
	}
	if !exists {
		return conveyor.ErrJobNotFound
	}
	return conveyor.ErrNotOwned
}

func release(q *bun.UpdateQuery, state job.State, now time.Time) *bun.UpdateQuery {
	q = q.
		Set("status = ?", string(state)).
		Set("lock_by = NULL").
		Set("lock_at = NULL").
		Set("updated_at = ?", now)
	if state.Terminal() {
		q = q.Set("done_at = ?", now)
	}
	return q
}

// Ack moves a running job to done.
func (s *Store) Ack(ctx context.Context, l job.Lease) error {
	q := release(s.db.NewUpdate().Model((*jobModel)(nil)), job.StateDone, conveyor.Now())
	return s.ownedUpdate(ctx, "ack", l, q)
}

// Retry applies the retry policy to a running job. The owned row is read and
// rewritten in one transaction.
func (s *Store) Retry(ctx context.Context, l job.Lease, cause error) (job.State, error) {
	var (
		result  job.State
		missing bool
	)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var m jobModel
		q := tx.NewSelect().Model(&m).
			Column("attempts", "max_attempts", "run_at").
			Where("id = ?", l.JobID.String()).
			Where("status = ?", running).
			Where("lock_by = ?", l.WorkerID.String()).
			Where("lease_token = ?", l.Token)
		if s.lockRows() {
			q = q.For("UPDATE")
		}
		if err := q.Scan(ctx); err != nil {
			if isNoRows(err) {
				missing = true
				return nil
			}
			return err
		}

		now := conveyor.Now()
		d := s.policy.Decide(backoff.Attempt{
			Attempts:    m.Attempts,
			MaxAttempts: m.MaxAttempts,
			PrevRunAt:   m.RunAt.UTC(),
			Now:         now,
			Cause:       cause,
		})

		result = job.StatePending
		if d.Exhausted {
			result = job.StateKilled
		}
		upd := release(tx.NewUpdate().Model((*jobModel)(nil)), result, now).
			Set("attempts = ?", d.Attempts).
			Set("last_error = ?", errString(cause))
		if !d.Exhausted {
			upd = upd.Set("run_at = ?", d.NextRunAt)
		}
		res, err := owned(upd, l).Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // driver always returns nil
			missing = true
		}
		return nil
	})
	if err != nil {
		return "", wrap("retry", err)
	}
	if missing {
		return "", s.notOwned(ctx, l.JobID)
	}
	return result, nil
}

// Reschedule returns a running job to pending at runAt without touching its
// attempts.
func (s *Store) Reschedule(ctx context.Context, l job.Lease, runAt time.Time) error {
	q := release(s.db.NewUpdate().Model((*jobModel)(nil)), job.StatePending, conveyor.Now()).
		Set("run_at = ?", runAt.UTC().Truncate(time.Millisecond))
	return s.ownedUpdate(ctx, "reschedule", l, q)
}

// Kill moves a running job to killed.
func (s *Store) Kill(ctx context.Context, l job.Lease, reason error) error {
	q := release(s.db.NewUpdate().Model((*jobModel)(nil)), job.StateKilled, conveyor.Now())
	if reason != nil {
		q = q.Set("last_error = ?", reason.Error())
	}
	return s.ownedUpdate(ctx, "kill", l, q)
}

// Fail moves a running job to failed.
func (s *Store) Fail(ctx context.Context, l job.Lease, cause error) error {
	q := release(s.db.NewUpdate().Model((*jobModel)(nil)), job.StateFailed, conveyor.Now())
	if cause != nil {
		q = q.Set("last_error = ?", cause.Error())
	}
	return s.ownedUpdate(ctx, "fail", l, q)
}

// Heartbeat refreshes lock_at of a running job.
func (s *Store) Heartbeat(ctx context.Context, l job.Lease) error {
	now := conveyor.Now()
	q := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("lock_at = ?", now).
		Set("updated_at = ?", now)
	return s.ownedUpdate(ctx, "heartbeat", l, q)
}

// ReapOrphans returns running jobs whose lease expired to pending. Each
// candidate is reclaimed with its own conditional update keyed on the lease
// token, so a job that was heartbeated or finished after selection is left
// alone.
func (s *Store) ReapOrphans(ctx context.Context, opts job.ReapOptions) (int64, error) {
	now := conveyor.Now()
	cutoff := now.Add(-opts.Visibility)

	var candidates []jobModel
	q := s.db.NewSelect().Model(&candidates).
		Column("id", "lease_token", "attempts", "max_attempts").
		Where("status = ?", running).
		Where("lock_at < ?", cutoff).
		OrderExpr("lock_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return 0, wrap("reap select", err)
	}

	var reclaimed int64
	for i := range candidates {
		c := &candidates[i]
		state := job.StatePending
		upd := s.db.NewUpdate().Model((*jobModel)(nil)).
			Set("reclaims = reclaims + 1").
			Set("last_error = ?", job.OrphanMarker)
		if opts.CountAttempt {
			if c.Attempts >= c.MaxAttempts {
				state = job.StateKilled
			} else {
				upd = upd.Set("attempts = attempts + 1")
			}
		}
		res, err := release(upd, state, now).
			Where("id = ?", c.ID).
			Where("status = ?", running).
			Where("lease_token = ?", c.LeaseToken).
			Where("lock_at < ?", cutoff).
			Exec(ctx)
		if err != nil {
			return reclaimed, wrap("reap", err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		reclaimed += n
	}
	return reclaimed, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, wrap("get job", err)
	}
	return fromJobModel(m)
}

// ListJobs returns jobs ordered by run_at then insertion order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOptions) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).OrderExpr("run_at ASC, seq ASC")

	if opts.State != "" {
		q = q.Where("status = ?", string(opts.State))
	}
	if opts.TaskType != "" {
		q = q.Where("task_type = ?", opts.TaskType)
	}
	switch {
	case opts.Limit > 0:
		q = q.Limit(opts.Limit)
	case opts.Offset > 0:
		// MySQL and SQLite reject OFFSET without LIMIT.
		q = q.Limit(math.MaxInt32)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
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
	n, err := s.db.NewSelect().Model((*jobModel)(nil)).
		Where("status = ?", string(state)).
		Count(ctx)
	if err != nil {
		return 0, wrap("count jobs", err)
	}
	return int64(n), nil
}

// Vacuum deletes done jobs finished before olderThan.
func (s *Store) Vacuum(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.NewDelete().Model((*jobModel)(nil)).
		Where("status = ?", string(job.StateDone)).
		Where("done_at < ?", olderThan.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, wrap("vacuum", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("vacuum", err)
	}
	return n, nil
}
