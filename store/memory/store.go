// Package memory implements store.Store entirely in process memory. It is
// safe for concurrent use and follows the same ownership rules as the
// durable backends, which makes it the reference adapter for unit tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/schedule"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store      = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithRetryPolicy sets the policy applied by Retry.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(s *Store) { s.policy = p }
}

type record struct {
	job *job.Job
	seq uint64
}

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs      map[string]*record
	seq       uint64
	schedules map[string]*schedule.Entry
	policy    backoff.Policy
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:      make(map[string]*record),
		schedules: make(map[string]*schedule.Entry),
		policy:    backoff.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate, Ping, Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// Push persists a new pending job.
func (m *Store) Push(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conveyor.ErrJobAlreadyExists
	}
	cp := *j
	cp.State = job.StatePending
	cp.LockBy = id.Nil
	cp.LockAt = nil
	m.seq++
	m.jobs[key] = &record{job: &cp, seq: m.seq}
	return nil
}

// ClaimNext moves the oldest eligible pending job to running.
func (m *Store) ClaimNext(_ context.Context, workerID id.WorkerID, _ time.Duration) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := conveyor.Now()
	var best *record
	for _, r := range m.jobs {
		if r.job.State != job.StatePending || r.job.RunAt.After(now) {
			continue
		}
		if best == nil || r.job.RunAt.Before(best.job.RunAt) ||
			(r.job.RunAt.Equal(best.job.RunAt) && r.seq < best.seq) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}

	j := best.job
	j.State = job.StateRunning
	j.LockBy = workerID
	j.LockAt = &now
	j.LeaseToken++
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// owned returns the record held by l, or the error describing why it is not.
// Callers must hold m.mu.
func (m *Store) owned(l job.Lease) (*job.Job, error) {
	r, ok := m.jobs[l.JobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	if !l.Owns(r.job) {
		return nil, conveyor.ErrNotOwned
	}
	return r.job, nil
}

func release(j *job.Job, state job.State, now time.Time) {
	j.State = state
	j.LockBy = id.Nil
	j.LockAt = nil
	j.UpdatedAt = now
	if state.Terminal() {
		j.DoneAt = &now
	}
}

// Ack moves a running job to done.
func (m *Store) Ack(_ context.Context, l job.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(l)
	if err != nil {
		return err
	}
	release(j, job.StateDone, conveyor.Now())
	return nil
}

// Retry applies the retry policy to a running job.
func (m *Store) Retry(_ context.Context, l job.Lease, cause error) (job.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(l)
	if err != nil {
		return "", err
	}

	now := conveyor.Now()
	d := m.policy.Decide(backoff.Attempt{
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		PrevRunAt:   j.RunAt,
		Now:         now,
		Cause:       cause,
	})
	if cause != nil {
		j.LastError = cause.Error()
	}
	j.Attempts = d.Attempts
	if d.Exhausted {
		release(j, job.StateKilled, now)
		return job.StateKilled, nil
	}
	j.RunAt = d.NextRunAt
	release(j, job.StatePending, now)
	return job.StatePending, nil
}

// Reschedule returns a running job to pending at runAt.
func (m *Store) Reschedule(_ context.Context, l job.Lease, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(l)
	if err != nil {
		return err
	}
	j.RunAt = runAt.UTC().Truncate(time.Millisecond)
	release(j, job.StatePending, conveyor.Now())
	return nil
}

// Kill moves a running job to killed.
func (m *Store) Kill(_ context.Context, l job.Lease, reason error) error {
	return m.finish(l, job.StateKilled, reason)
}

// Fail moves a running job to failed.
func (m *Store) Fail(_ context.Context, l job.Lease, cause error) error {
	return m.finish(l, job.StateFailed, cause)
}

func (m *Store) finish(l job.Lease, state job.State, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(l)
	if err != nil {
		return err
	}
	if cause != nil {
		j.LastError = cause.Error()
	}
	release(j, state, conveyor.Now())
	return nil
}

// Heartbeat refreshes lock_at of a running job.
func (m *Store) Heartbeat(_ context.Context, l job.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(l)
	if err != nil {
		return err
	}
	now := conveyor.Now()
	j.LockAt = &now
	j.UpdatedAt = now
	return nil
}

// ReapOrphans returns expired running jobs to pending.
func (m *Store) ReapOrphans(_ context.Context, opts job.ReapOptions) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := conveyor.Now()
	cutoff := now.Add(-opts.Visibility)

	var reclaimed int64
	for _, r := range m.jobs {
		if opts.Limit > 0 && reclaimed >= int64(opts.Limit) {
			break
		}
		j := r.job
		if j.State != job.StateRunning || j.LockAt == nil || !j.LockAt.Before(cutoff) {
			continue
		}
		j.Reclaims++
		j.LastError = job.OrphanMarker
		state := job.StatePending
		if opts.CountAttempt {
			if j.Attempts >= j.MaxAttempts {
				state = job.StateKilled
			} else {
				j.Attempts++
			}
		}
		release(j, state, now)
		reclaimed++
	}
	return reclaimed, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	cp := *r.job
	return &cp, nil
}

// ListJobs returns jobs ordered by run_at then insertion order.
func (m *Store) ListJobs(_ context.Context, opts job.ListOptions) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*record, 0, len(m.jobs))
	for _, r := range m.jobs {
		if opts.State != "" && r.job.State != opts.State {
			continue
		}
		if opts.TaskType != "" && r.job.TaskType != opts.TaskType {
			continue
		}
		records = append(records, r)
	}
	sort.Slice(records, func(a, b int) bool {
		if !records[a].job.RunAt.Equal(records[b].job.RunAt) {
			return records[a].job.RunAt.Before(records[b].job.RunAt)
		}
		return records[a].seq < records[b].seq
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(records) {
			return []*job.Job{}, nil
		}
		records = records[opts.Offset:]
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}

	result := make([]*job.Job, len(records))
	for i, r := range records {
		cp := *r.job
		result[i] = &cp
	}
	return result, nil
}

// CountJobs counts jobs in the given state.
func (m *Store) CountJobs(_ context.Context, state job.State) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, r := range m.jobs {
		if r.job.State == state {
			count++
		}
	}
	return count, nil
}

// Vacuum deletes done jobs finished before olderThan.
func (m *Store) Vacuum(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, r := range m.jobs {
		if r.job.State == job.StateDone && r.job.DoneAt != nil && r.job.DoneAt.Before(olderThan) {
			delete(m.jobs, key)
			deleted++
		}
	}
	return deleted, nil
}

// ──────────────────────────────────────────────────
// Schedule Store
// ──────────────────────────────────────────────────

// SaveSchedule persists a new schedule entry.
func (m *Store) SaveSchedule(_ context.Context, e *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schedules[e.Name]; exists {
		return conveyor.ErrDuplicateSchedule
	}
	cp := *e
	m.schedules[e.Name] = &cp
	return nil
}

// GetSchedule retrieves a schedule entry by name.
func (m *Store) GetSchedule(_ context.Context, name string) (*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.schedules[name]
	if !ok {
		return nil, conveyor.ErrScheduleNotFound
	}
	cp := *e
	return &cp, nil
}

// ListSchedules returns all schedule entries ordered by name.
func (m *Store) ListSchedules(_ context.Context) ([]*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*schedule.Entry, 0, len(m.schedules))
	for _, e := range m.schedules {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Name < result[k].Name })
	return result, nil
}

// AdvanceSchedule compare-and-swaps next_fire_at.
func (m *Store) AdvanceSchedule(_ context.Context, name string, expected, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.schedules[name]
	if !ok {
		return false, conveyor.ErrScheduleNotFound
	}
	if !e.NextFireAt.Equal(expected) {
		return false, nil
	}
	e.NextFireAt = next
	e.UpdatedAt = conveyor.Now()
	return true, nil
}

// RecordFire stores the last fire time of an entry.
func (m *Store) RecordFire(_ context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.schedules[name]
	if !ok {
		return conveyor.ErrScheduleNotFound
	}
	t := at
	e.LastFireAt = &t
	e.UpdatedAt = conveyor.Now()
	return nil
}

// SetScheduleEnabled pauses or resumes an entry.
func (m *Store) SetScheduleEnabled(_ context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.schedules[name]
	if !ok {
		return conveyor.ErrScheduleNotFound
	}
	e.Enabled = enabled
	e.UpdatedAt = conveyor.Now()
	return nil
}

// DeleteSchedule removes a schedule entry.
func (m *Store) DeleteSchedule(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[name]; !ok {
		return conveyor.ErrScheduleNotFound
	}
	delete(m.schedules, name)
	return nil
}
