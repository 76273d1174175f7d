package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

// Push stores the job Hash and adds it to the pending set.
func (s *Store) Push(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	args := []any{jID, millis(j.RunAt)}
	args = append(args, jobFields(j)...)

	n, err := pushScript.Run(ctx, s.client, []string{s.keys.job(jID), s.keys.pending()}, args...).Int64()
	if err != nil {
		return wrap("push", err)
	}
	if n == 0 {
		return conveyor.ErrJobAlreadyExists
	}
	return nil
}

// ClaimNext pops the oldest due job into the inflight set under workerID.
func (s *Store) ClaimNext(ctx context.Context, workerID id.WorkerID, _ time.Duration) (*job.Job, error) {
	now := conveyor.Now()
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.keys.pending(), s.keys.inflight()},
		millis(now), workerID.String(), s.keys.jobPrefix(),
	).Slice()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, wrap("claim", err)
	}
	return mapToJob(pairsToMap(res))
}

// transition moves a job owned by l out of the inflight set into dest.
func (s *Store) transition(ctx context.Context, op string, l job.Lease, dest string, score int64, fields ...any) error {
	jID := l.JobID.String()
	args := []any{jID, l.WorkerID.String(), strconv.FormatInt(l.Token, 10), score}
	args = append(args, fields...)

	n, err := transitionScript.Run(ctx, s.client,
		[]string{s.keys.job(jID), s.keys.inflight(), dest},
		args...,
	).Int64()
	if err != nil {
		return wrap(op, err)
	}
	return ownership(n)
}

func ownership(n int64) error {
	switch n {
	case -1:
		return conveyor.ErrJobNotFound
	case 0:
		return conveyor.ErrNotOwned
	}
	return nil
}

// Ack moves a running job to done.
func (s *Store) Ack(ctx context.Context, l job.Lease) error {
	now := millis(conveyor.Now())
	return s.transition(ctx, "ack", l, s.keys.done(), now,
		"status", string(job.StateDone), "done_at", now, "updated_at", now)
}

// Retry applies the retry policy to a running job. The decision is taken
// from a read of the job; the write is conditional on the lease still being
// current.
func (s *Store) Retry(ctx context.Context, l job.Lease, cause error) (job.State, error) {
	current, err := s.GetJob(ctx, l.JobID)
	if err != nil {
		return "", err
	}
	if !l.Owns(current) {
		return "", conveyor.ErrNotOwned
	}

	now := conveyor.Now()
	d := s.policy.Decide(backoff.Attempt{
		Attempts:    current.Attempts,
		MaxAttempts: current.MaxAttempts,
		PrevRunAt:   current.RunAt,
		Now:         now,
		Cause:       cause,
	})

	lastError := current.LastError
	if cause != nil {
		lastError = cause.Error()
	}
	ts := millis(now)

	if d.Exhausted {
		err = s.transition(ctx, "retry", l, s.keys.dead(), ts,
			"status", string(job.StateKilled), "attempts", d.Attempts,
			"last_error", lastError, "done_at", ts, "updated_at", ts)
		if err != nil {
			return "", err
		}
		return job.StateKilled, nil
	}

	next := millis(d.NextRunAt)
	err = s.transition(ctx, "retry", l, s.keys.pending(), next,
		"status", string(job.StatePending), "attempts", d.Attempts,
		"run_at", next, "last_error", lastError, "updated_at", ts)
	if err != nil {
		return "", err
	}
	return job.StatePending, nil
}

// Reschedule returns a running job to pending at runAt.
func (s *Store) Reschedule(ctx context.Context, l job.Lease, runAt time.Time) error {
	at := millis(runAt)
	return s.transition(ctx, "reschedule", l, s.keys.pending(), at,
		"status", string(job.StatePending), "run_at", at, "updated_at", millis(conveyor.Now()))
}

// Kill moves a running job to killed.
func (s *Store) Kill(ctx context.Context, l job.Lease, reason error) error {
	return s.finish(ctx, "kill", l, s.keys.dead(), job.StateKilled, reason)
}

// Fail moves a running job to failed.
func (s *Store) Fail(ctx context.Context, l job.Lease, cause error) error {
	return s.finish(ctx, "fail", l, s.keys.failed(), job.StateFailed, cause)
}

func (s *Store) finish(ctx context.Context, op string, l job.Lease, dest string, state job.State, cause error) error {
	now := millis(conveyor.Now())
	fields := []any{"status", string(state), "done_at", now, "updated_at", now}
	if cause != nil {
		fields = append(fields, "last_error", cause.Error())
	}
	return s.transition(ctx, op, l, dest, now, fields...)
}

// Heartbeat refreshes lock_at of a running job.
func (s *Store) Heartbeat(ctx context.Context, l job.Lease) error {
	jID := l.JobID.String()
	n, err := heartbeatScript.Run(ctx, s.client,
		[]string{s.keys.job(jID), s.keys.inflight()},
		jID, l.WorkerID.String(), strconv.FormatInt(l.Token, 10), millis(conveyor.Now()),
	).Int64()
	if err != nil {
		return wrap("heartbeat", err)
	}
	return ownership(n)
}

// ReapOrphans returns jobs whose lock_at is older than the visibility
// window to pending.
func (s *Store) ReapOrphans(ctx context.Context, opts job.ReapOptions) (int64, error) {
	now := conveyor.Now()
	countAttempt := "0"
	if opts.CountAttempt {
		countAttempt = "1"
	}
	n, err := reapScript.Run(ctx, s.client,
		[]string{s.keys.inflight(), s.keys.pending(), s.keys.dead()},
		millis(now.Add(-opts.Visibility)), opts.Limit, countAttempt,
		millis(now), s.keys.jobPrefix(), job.OrphanMarker,
	).Int64()
	if err != nil {
		return 0, wrap("reap", err)
	}
	return n, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m, err := s.client.HGetAll(ctx, s.keys.job(jobID.String())).Result()
	if err != nil {
		return nil, wrap("get job", err)
	}
	if len(m) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(m)
}

func (s *Store) stateKey(state job.State) (string, bool) {
	switch state {
	case job.StatePending:
		return s.keys.pending(), true
	case job.StateRunning:
		return s.keys.inflight(), true
	case job.StateDone:
		return s.keys.done(), true
	case job.StateFailed:
		return s.keys.failed(), true
	case job.StateKilled:
		return s.keys.dead(), true
	}
	return "", false
}

// ListJobs returns jobs ordered by run_at then ID. It loads every job of
// the selected states and is meant for inspection, not for hot paths.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOptions) ([]*job.Job, error) {
	states := []job.State{job.StatePending, job.StateRunning, job.StateDone, job.StateFailed, job.StateKilled}
	if opts.State != "" {
		states = []job.State{opts.State}
	}

	var ids []string
	for _, st := range states {
		key, ok := s.stateKey(st)
		if !ok {
			return []*job.Job{}, nil
		}
		members, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, wrap("list jobs", err)
		}
		ids = append(ids, members...)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, jID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.job(jID))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, wrap("list jobs", err)
		}
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		j, err := mapToJob(m)
		if err != nil {
			return nil, err
		}
		if opts.TaskType != "" && j.TaskType != opts.TaskType {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].RunAt.Equal(jobs[b].RunAt) {
			return jobs[a].RunAt.Before(jobs[b].RunAt)
		}
		return jobs[a].ID.String() < jobs[b].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return []*job.Job{}, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs counts jobs in the given state.
func (s *Store) CountJobs(ctx context.Context, state job.State) (int64, error) {
	key, ok := s.stateKey(state)
	if !ok {
		return 0, nil
	}
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrap("count jobs", err)
	}
	return n, nil
}

// Vacuum deletes done jobs finished before olderThan.
func (s *Store) Vacuum(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := vacuumScript.Run(ctx, s.client,
		[]string{s.keys.done()},
		millis(olderThan), s.keys.jobPrefix(),
	).Int64()
	if err != nil {
		return 0, wrap("vacuum", err)
	}
	return n, nil
}

// ── Encoding ──

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func optionalMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := fromMillis(s)
	if err != nil {
		return nil
	}
	return &t
}

func jobFields(j *job.Job) []any {
	return []any{
		"id", j.ID.String(),
		"task_type", j.TaskType,
		"payload", j.Payload,
		"status", string(job.StatePending),
		"attempts", j.Attempts,
		"max_attempts", j.MaxAttempts,
		"run_at", millis(j.RunAt),
		"lease_token", j.LeaseToken,
		"reclaims", j.Reclaims,
		"last_error", j.LastError,
		"created_at", millis(j.CreatedAt),
		"updated_at", millis(j.UpdatedAt),
	}
}

func pairsToMap(res []any) map[string]string {
	m := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)   //nolint:errcheck // HGETALL replies are strings
		v, _ := res[i+1].(string) //nolint:errcheck // HGETALL replies are strings
		m[k] = v
	}
	return m
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id %q: %w", m["id"], err)
	}
	runAt, err := fromMillis(m["run_at"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse run_at of %s: %w", m["id"], err)
	}

	attempts, _ := strconv.Atoi(m["attempts"])            //nolint:errcheck // written by this package
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])     //nolint:errcheck // written by this package
	token, _ := strconv.ParseInt(m["lease_token"], 10, 64) //nolint:errcheck // written by this package
	reclaims, _ := strconv.Atoi(m["reclaims"])            //nolint:errcheck // written by this package

	j := &job.Job{
		ID:          jID,
		TaskType:    m["task_type"],
		State:       job.State(m["status"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		RunAt:       runAt,
		LockAt:      optionalMillis(m["lock_at"]),
		LeaseToken:  token,
		Reclaims:    reclaims,
		LastError:   m["last_error"],
		DoneAt:      optionalMillis(m["done_at"]),
	}
	if p := m["payload"]; p != "" {
		j.Payload = []byte(p)
	}
	if t := optionalMillis(m["created_at"]); t != nil {
		j.CreatedAt = *t
	}
	if t := optionalMillis(m["updated_at"]); t != nil {
		j.UpdatedAt = *t
	}
	if w := m["lock_by"]; w != "" {
		worker, wErr := id.ParseWorkerID(w)
		if wErr != nil {
			return nil, fmt.Errorf("conveyor/redis: parse lock_by %q: %w", w, wErr)
		}
		j.LockBy = worker
	}
	return j, nil
}

// wrap annotates err with the operation and marks it as a backend failure.
func wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return conveyor.Unavailable(fmt.Errorf("conveyor/redis: %s: %w", op, err))
}
