// Package storetest is the conformance suite for store.Store
// implementations. Every backend runs the same scenarios from its own
// tests:
//
//	func TestContract(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store {
//	        return memory.New(memory.WithRetryPolicy(storetest.Policy()))
//	    })
//	}
//
// Factories must return an empty store and should install Policy so that
// retried jobs become claimable again quickly.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/schedule"
	"github.com/xraph/conveyor/store"
)

// RetryDelay is the constant backoff installed by Policy.
const RetryDelay = 20 * time.Millisecond

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Policy returns the fast retry policy factories should install.
func Policy() backoff.Policy {
	return backoff.NewPolicy(backoff.NewConstant(RetryDelay))
}

// Run executes the whole suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"PushAndGet", testPushAndGet},
		{"PushDuplicate", testPushDuplicate},
		{"GetMissing", testGetMissing},
		{"ClaimEmpty", testClaimEmpty},
		{"ClaimSkipsFutureJobs", testClaimSkipsFuture},
		{"ClaimOrder", testClaimOrder},
		{"ClaimSetsLease", testClaimSetsLease},
		{"AtMostOneClaim", testAtMostOneClaim},
		{"EveryJobClaimedOnce", testEveryJobClaimedOnce},
		{"AckIdempotent", testAckIdempotent},
		{"ForeignLeaseRejected", testForeignLeaseRejected},
		{"RetryUntilKilled", testRetryUntilKilled},
		{"Reschedule", testReschedule},
		{"KillAndFail", testKillAndFail},
		{"Heartbeat", testHeartbeat},
		{"ReapOrphans", testReapOrphans},
		{"ReapSparesLiveLeases", testReapSparesLive},
		{"ReapCountsAttempt", testReapCountsAttempt},
		{"ListAndCount", testListAndCount},
		{"Vacuum", testVacuum},
		{"Schedules", testSchedules},
		{"AdvanceScheduleRace", testAdvanceScheduleRace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func newJob(t *testing.T, taskType string, runAt time.Time, maxAttempts int) *job.Job {
	t.Helper()
	opts := job.DefaultOptions()
	opts.MaxAttempts = maxAttempts
	opts.RunAt = runAt
	j, err := job.New(taskType, []byte(`{"n":1}`), opts)
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	return j
}

func push(t *testing.T, s store.Store, j *job.Job) {
	t.Helper()
	if err := s.Push(context.Background(), j); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func claim(t *testing.T, s store.Store, worker id.WorkerID) *job.Job {
	t.Helper()
	j, err := s.ClaimNext(context.Background(), worker, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	return j
}

// claimEventually polls until a job becomes claimable or a second passes.
func claimEventually(t *testing.T, s store.Store, worker id.WorkerID) *job.Job {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if j := claim(t, s, worker); j != nil {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a claimable job")
	return nil
}

func get(t *testing.T, s store.Store, jobID id.JobID) *job.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j
}

func assertUnlocked(t *testing.T, j *job.Job) {
	t.Helper()
	if !j.LockBy.IsNil() || j.LockAt != nil {
		t.Errorf("job %s in state %q still carries lock fields (%q, %v)", j.ID, j.State, j.LockBy, j.LockAt)
	}
}

// ──────────────────────────────────────────────────
// Push / Get
// ──────────────────────────────────────────────────

func testPushAndGet(t *testing.T, s store.Store) {
	in := newJob(t, "email", time.Now(), 3)
	push(t, s, in)

	got := get(t, s, in.ID)
	if got.ID.String() != in.ID.String() {
		t.Errorf("ID = %q, want %q", got.ID, in.ID)
	}
	if got.TaskType != "email" {
		t.Errorf("TaskType = %q, want email", got.TaskType)
	}
	if string(got.Payload) != `{"n":1}` {
		t.Errorf("Payload = %q", got.Payload)
	}
	if got.State != job.StatePending {
		t.Errorf("State = %q, want pending", got.State)
	}
	if got.Attempts != 0 || got.MaxAttempts != 3 {
		t.Errorf("Attempts/MaxAttempts = %d/%d, want 0/3", got.Attempts, got.MaxAttempts)
	}
	if !got.RunAt.Equal(in.RunAt) {
		t.Errorf("RunAt = %v, want %v", got.RunAt, in.RunAt)
	}
	assertUnlocked(t, got)
}

func testPushDuplicate(t *testing.T, s store.Store) {
	j := newJob(t, "email", time.Now(), 3)
	push(t, s, j)

	err := s.Push(context.Background(), j)
	if !errors.Is(err, conveyor.ErrJobAlreadyExists) {
		t.Fatalf("second Push error = %v, want ErrJobAlreadyExists", err)
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.GetJob(context.Background(), id.NewJobID())
	if !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Fatalf("GetJob error = %v, want ErrJobNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Claim
// ──────────────────────────────────────────────────

func testClaimEmpty(t *testing.T, s store.Store) {
	if j := claim(t, s, id.NewWorkerID()); j != nil {
		t.Fatalf("ClaimNext on empty store returned %s", j.ID)
	}
}

func testClaimSkipsFuture(t *testing.T, s store.Store) {
	push(t, s, newJob(t, "later", time.Now().Add(time.Hour), 3))

	if j := claim(t, s, id.NewWorkerID()); j != nil {
		t.Fatalf("claimed job %s before its run_at", j.ID)
	}
}

func testClaimOrder(t *testing.T, s store.Store) {
	now := conveyor.Now()
	b := newJob(t, "b", now.Add(-time.Second), 3)
	a := newJob(t, "a", now.Add(-2*time.Second), 3)
	push(t, s, b)
	time.Sleep(2 * time.Millisecond)
	push(t, s, a)
	time.Sleep(2 * time.Millisecond)
	c := newJob(t, "c", b.RunAt, 3)
	push(t, s, c)

	worker := id.NewWorkerID()
	for _, want := range []string{"a", "b", "c"} {
		got := claim(t, s, worker)
		if got == nil {
			t.Fatalf("expected to claim %q, got nothing", want)
		}
		if got.TaskType != want {
			t.Fatalf("claimed %q, want %q", got.TaskType, want)
		}
	}
	if extra := claim(t, s, worker); extra != nil {
		t.Fatalf("unexpected extra claim %s", extra.ID)
	}
}

func testClaimSetsLease(t *testing.T, s store.Store) {
	push(t, s, newJob(t, "email", time.Now(), 3))
	worker := id.NewWorkerID()

	got := claim(t, s, worker)
	if got == nil {
		t.Fatal("expected a claim")
	}
	if got.State != job.StateRunning {
		t.Errorf("State = %q, want running", got.State)
	}
	if got.LockBy.String() != worker.String() {
		t.Errorf("LockBy = %q, want %q", got.LockBy, worker)
	}
	if got.LockAt == nil {
		t.Fatal("LockAt not set on claim")
	}
	if got.LeaseToken <= 0 {
		t.Errorf("LeaseToken = %d, want > 0", got.LeaseToken)
	}

	stored := get(t, s, got.ID)
	if !got.Lease().Owns(stored) {
		t.Error("returned lease does not own the stored job")
	}
}

func testAtMostOneClaim(t *testing.T, s store.Store) {
	push(t, s, newJob(t, "solo", time.Now(), 3))

	const racers = 16
	var wins atomic.Int32
	var g errgroup.Group
	for range racers {
		g.Go(func() error {
			j, err := s.ClaimNext(context.Background(), id.NewWorkerID(), time.Minute)
			if err != nil {
				return err
			}
			if j != nil {
				wins.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got := wins.Load(); got != 1 {
		t.Fatalf("%d racers claimed the single job, want exactly 1", got)
	}
}

func testEveryJobClaimedOnce(t *testing.T, s store.Store) {
	const jobs = 20
	for range jobs {
		push(t, s, newJob(t, "bulk", time.Now(), 3))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var g errgroup.Group
	for range 6 {
		worker := id.NewWorkerID()
		g.Go(func() error {
			for {
				j, err := s.ClaimNext(context.Background(), worker, time.Minute)
				if err != nil {
					return err
				}
				if j == nil {
					return nil
				}
				mu.Lock()
				seen[j.ID.String()]++
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if len(seen) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", jobID, n)
		}
	}
}

// ──────────────────────────────────────────────────
// Outcomes
// ──────────────────────────────────────────────────

func testAckIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	push(t, s, newJob(t, "email", time.Now(), 3))
	j := claim(t, s, id.NewWorkerID())

	if err := s.Ack(ctx, j.Lease()); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	done := get(t, s, j.ID)
	if done.State != job.StateDone {
		t.Errorf("State = %q, want done", done.State)
	}
	if done.DoneAt == nil {
		t.Error("DoneAt not set")
	}
	assertUnlocked(t, done)

	if err := s.Ack(ctx, j.Lease()); !errors.Is(err, conveyor.ErrNotOwned) {
		t.Fatalf("second Ack error = %v, want ErrNotOwned", err)
	}
	again := get(t, s, j.ID)
	if again.State != job.StateDone || again.Attempts != done.Attempts {
		t.Errorf("second Ack changed the record: %+v", again)
	}
}

func testForeignLeaseRejected(t *testing.T, s store.Store) {
	ctx := context.Background()
	push(t, s, newJob(t, "email", time.Now(), 3))
	j := claim(t, s, id.NewWorkerID())

	wrongWorker := j.Lease()
	wrongWorker.WorkerID = id.NewWorkerID()
	staleToken := j.Lease()
	staleToken.Token--

	for name, l := range map[string]job.Lease{"worker": wrongWorker, "token": staleToken} {
		if err := s.Ack(ctx, l); !errors.Is(err, conveyor.ErrNotOwned) {
			t.Errorf("Ack with wrong %s: error = %v, want ErrNotOwned", name, err)
		}
		if err := s.Heartbeat(ctx, l); !errors.Is(err, conveyor.ErrNotOwned) {
			t.Errorf("Heartbeat with wrong %s: error = %v, want ErrNotOwned", name, err)
		}
		if _, err := s.Retry(ctx, l, errors.New("x")); !errors.Is(err, conveyor.ErrNotOwned) {
			t.Errorf("Retry with wrong %s: error = %v, want ErrNotOwned", name, err)
		}
	}

	if got := get(t, s, j.ID); got.State != job.StateRunning {
		t.Errorf("foreign lease changed state to %q", got.State)
	}
}

// Two workers race for one job; the winner fails it max_attempts times and
// the following failure kills it.
func testRetryUntilKilled(t *testing.T, s store.Store) {
	ctx := context.Background()
	pushed := newJob(t, "flaky", time.Now(), 3)
	push(t, s, pushed)

	w1, w2 := id.NewWorkerID(), id.NewWorkerID()
	results := make([]*job.Job, 2)
	var g errgroup.Group
	for i, w := range []id.WorkerID{w1, w2} {
		g.Go(func() error {
			j, err := s.ClaimNext(ctx, w, time.Minute)
			results[i] = j
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if (results[0] == nil) == (results[1] == nil) {
		t.Fatalf("exactly one racer must win, got %v and %v", results[0] != nil, results[1] != nil)
	}
	winner := results[0]
	worker := w1
	if winner == nil {
		winner, worker = results[1], w2
	}

	cause := errors.New("transient")
	prevRunAt := get(t, s, pushed.ID).RunAt
	for want := 1; want <= 3; want++ {
		state, err := s.Retry(ctx, winner.Lease(), cause)
		if err != nil {
			t.Fatalf("Retry %d: %v", want, err)
		}
		if state != job.StatePending {
			t.Fatalf("Retry %d state = %q, want pending", want, state)
		}
		got := get(t, s, pushed.ID)
		if got.Attempts != want {
			t.Fatalf("Attempts = %d, want %d", got.Attempts, want)
		}
		if got.State != job.StatePending {
			t.Fatalf("State = %q, want pending", got.State)
		}
		if got.RunAt.Before(prevRunAt) {
			t.Fatalf("run_at moved backwards: %v < %v", got.RunAt, prevRunAt)
		}
		if got.LastError != "transient" {
			t.Errorf("LastError = %q, want transient", got.LastError)
		}
		assertUnlocked(t, got)
		prevRunAt = got.RunAt

		winner = claimEventually(t, s, worker)
		if winner.ID.String() != pushed.ID.String() {
			t.Fatalf("reclaimed %s, want %s", winner.ID, pushed.ID)
		}
	}

	state, err := s.Retry(ctx, winner.Lease(), cause)
	if err != nil {
		t.Fatalf("final Retry: %v", err)
	}
	if state != job.StateKilled {
		t.Fatalf("final Retry state = %q, want killed", state)
	}
	killed := get(t, s, pushed.ID)
	if killed.State != job.StateKilled {
		t.Fatalf("State = %q, want killed", killed.State)
	}
	if killed.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3 (never above max)", killed.Attempts)
	}
	if killed.DoneAt == nil {
		t.Error("DoneAt not set on killed job")
	}
	assertUnlocked(t, killed)
	if j := claim(t, s, worker); j != nil {
		t.Errorf("killed job claimed again: %s", j.ID)
	}
}

func testReschedule(t *testing.T, s store.Store) {
	ctx := context.Background()
	push(t, s, newJob(t, "later", time.Now(), 3))
	j := claim(t, s, id.NewWorkerID())

	runAt := conveyor.Now().Add(time.Hour)
	if err := s.Reschedule(ctx, j.Lease(), runAt); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	got := get(t, s, j.ID)
	if got.State != job.StatePending {
		t.Errorf("State = %q, want pending", got.State)
	}
	if !got.RunAt.Equal(runAt) {
		t.Errorf("RunAt = %v, want %v", got.RunAt, runAt)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", got.Attempts)
	}
	assertUnlocked(t, got)
	if again := claim(t, s, id.NewWorkerID()); again != nil {
		t.Errorf("rescheduled job claimable before run_at")
	}
	if err := s.Reschedule(ctx, j.Lease(), runAt); !errors.Is(err, conveyor.ErrNotOwned) {
		t.Errorf("second Reschedule error = %v, want ErrNotOwned", err)
	}
}

func testKillAndFail(t *testing.T, s store.Store) {
	ctx := context.Background()
	push(t, s, newJob(t, "a", time.Now(), 3))
	push(t, s, newJob(t, "b", time.Now(), 3))
	worker := id.NewWorkerID()

	first := claim(t, s, worker)
	if err := s.Kill(ctx, first.Lease(), errors.New("aborted")); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	second := claim(t, s, worker)
	if err := s.Fail(ctx, second.Lease(), errors.New("bad input")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	killed := get(t, s, first.ID)
	if killed.State != job.StateKilled || killed.LastError != "aborted" || killed.DoneAt == nil {
		t.Errorf("killed job = state %q, last_error %q, done_at %v", killed.State, killed.LastError, killed.DoneAt)
	}
	assertUnlocked(t, killed)

	failed := get(t, s, second.ID)
	if failed.State != job.StateFailed || failed.LastError != "bad input" || failed.DoneAt == nil {
		t.Errorf("failed job = state %q, last_error %q, done_at %v", failed.State, failed.LastError, failed.DoneAt)
	}
	assertUnlocked(t, failed)

	if err := s.Kill(ctx, first.Lease(), nil); !errors.Is(err, conveyor.ErrNotOwned) {
		t.Errorf("Kill on terminal job error = %v, want ErrNotOwned", err)
	}
}

// ──────────────────────────────────────────────────
// Leases
// ──────────────────────────────────────────────────

func testHeartbeat(t *testing.T, s store.Store) {
	ctx := context.Background()
	push(t, s, newJob(t, "long", time.Now(), 3))
	j := claim(t, s, id.NewWorkerID())
	lockedAt := *j.LockAt

	time.Sleep(10 * time.Millisecond)
	if err := s.Heartbeat(ctx, j.Lease()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	got := get(t, s, j.ID)
	if got.LockAt == nil || !got.LockAt.After(lockedAt) {
		t.Errorf("LockAt = %v, want after %v", got.LockAt, lockedAt)
	}
	if got.LeaseToken != j.LeaseToken {
		t.Errorf("Heartbeat changed the lease token: %d -> %d", j.LeaseToken, got.LeaseToken)
	}

	if err := s.Ack(ctx, j.Lease()); err != nil {
		t.Fatalf("Ack after heartbeat: %v", err)
	}
	if err := s.Heartbeat(ctx, j.Lease()); !errors.Is(err, conveyor.ErrNotOwned) {
		t.Errorf("Heartbeat after Ack error = %v, want ErrNotOwned", err)
	}
}

func testReapOrphans(t *testing.T, s store.Store) {
	ctx := context.Background()
	push(t, s, newJob(t, "crashy", time.Now(), 3))
	abandoned := claim(t, s, id.NewWorkerID())

	time.Sleep(60 * time.Millisecond)
	n, err := s.ReapOrphans(ctx, job.ReapOptions{Visibility: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("ReapOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d jobs, want 1", n)
	}

	got := get(t, s, abandoned.ID)
	if got.State != job.StatePending {
		t.Errorf("State = %q, want pending", got.State)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 (orphan reclaim is not a failure)", got.Attempts)
	}
	if got.Reclaims != 1 {
		t.Errorf("Reclaims = %d, want 1", got.Reclaims)
	}
	if got.LastError != job.OrphanMarker {
		t.Errorf("LastError = %q, want %q", got.LastError, job.OrphanMarker)
	}
	assertUnlocked(t, got)

	if err := s.Ack(ctx, abandoned.Lease()); !errors.Is(err, conveyor.ErrNotOwned) {
		t.Errorf("Ack by reclaimed worker error = %v, want ErrNotOwned", err)
	}

	next := claim(t, s, id.NewWorkerID())
	if next == nil || next.ID.String() != abandoned.ID.String() {
		t.Fatal("reclaimed job must be claimable again")
	}
	if next.LeaseToken == abandoned.LeaseToken {
		t.Error("new claim must carry a new lease token")
	}

	n, err = s.ReapOrphans(ctx, job.ReapOptions{Visibility: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("second ReapOrphans: %v", err)
	}
	if n != 0 {
		t.Errorf("second reap reclaimed %d fresh leases", n)
	}
}

func testReapSparesLive(t *testing.T, s store.Store) {
	ctx := context.Background()
	push(t, s, newJob(t, "a", time.Now(), 3))
	push(t, s, newJob(t, "b", time.Now(), 3))
	worker := id.NewWorkerID()
	heartbeating := claim(t, s, worker)
	fresh := claim(t, s, worker)

	time.Sleep(60 * time.Millisecond)
	if err := s.Heartbeat(ctx, heartbeating.Lease()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	n, err := s.ReapOrphans(ctx, job.ReapOptions{Visibility: 40 * time.Millisecond, Limit: 10})
	if err != nil {
		t.Fatalf("ReapOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want 1 (only the job without heartbeat)", n)
	}
	if got := get(t, s, heartbeating.ID); got.State != job.StateRunning {
		t.Errorf("heartbeating job state = %q, want running", got.State)
	}
	if got := get(t, s, fresh.ID); got.State != job.StatePending {
		t.Errorf("silent job state = %q, want pending", got.State)
	}
}

func testReapCountsAttempt(t *testing.T, s store.Store) {
	ctx := context.Background()
	push(t, s, newJob(t, "counted", time.Now(), 1))
	worker := id.NewWorkerID()
	opts := job.ReapOptions{Visibility: 10 * time.Millisecond, CountAttempt: true}

	first := claim(t, s, worker)
	time.Sleep(30 * time.Millisecond)
	if _, err := s.ReapOrphans(ctx, opts); err != nil {
		t.Fatalf("ReapOrphans: %v", err)
	}
	if got := get(t, s, first.ID); got.State != job.StatePending || got.Attempts != 1 {
		t.Fatalf("after first reap: state %q attempts %d, want pending 1", got.State, got.Attempts)
	}

	claim(t, s, worker)
	time.Sleep(30 * time.Millisecond)
	if _, err := s.ReapOrphans(ctx, opts); err != nil {
		t.Fatalf("ReapOrphans: %v", err)
	}
	got := get(t, s, first.ID)
	if got.State != job.StateKilled {
		t.Fatalf("after second reap: state %q, want killed", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	assertUnlocked(t, got)
}

// ──────────────────────────────────────────────────
// Inspection / maintenance
// ──────────────────────────────────────────────────

func testListAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := conveyor.Now()
	for i := range 3 {
		push(t, s, newJob(t, "report", now.Add(time.Duration(-3+i)*time.Second), 3))
	}
	push(t, s, newJob(t, "email", now.Add(time.Hour), 3))
	running := claim(t, s, id.NewWorkerID())

	pending, err := s.CountJobs(ctx, job.StatePending)
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if pending != 3 {
		t.Errorf("pending = %d, want 3", pending)
	}
	if n, _ := s.CountJobs(ctx, job.StateRunning); n != 1 {
		t.Errorf("running = %d, want 1", n)
	}

	reports, err := s.ListJobs(ctx, job.ListOptions{TaskType: "report"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("listed %d reports, want 3", len(reports))
	}
	if reports[0].ID.String() != running.ID.String() {
		t.Errorf("ListJobs not ordered by run_at")
	}

	page, err := s.ListJobs(ctx, job.ListOptions{State: job.StatePending, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListJobs page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[1].TaskType != "email" {
		t.Errorf("last pending job = %q, want email", page[1].TaskType)
	}
}

func testVacuum(t *testing.T, s store.Store) {
	ctx := context.Background()
	push(t, s, newJob(t, "old", time.Now(), 3))
	j := claim(t, s, id.NewWorkerID())
	if err := s.Ack(ctx, j.Lease()); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	pending := newJob(t, "keep", time.Now().Add(time.Hour), 3)
	push(t, s, pending)

	n, err := s.Vacuum(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	if n != 1 {
		t.Errorf("vacuumed %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("vacuumed job still present: %v", err)
	}
	get(t, s, pending.ID)
}

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

func newEntry(name string, next time.Time) *schedule.Entry {
	return &schedule.Entry{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewScheduleID(),
		Name:        name,
		Spec:        "@every 1m",
		TaskType:    "tick",
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
		NextFireAt:  next,
		Enabled:     true,
	}
}

func testSchedules(t *testing.T, s store.Store) {
	ctx := context.Background()
	next := conveyor.Now().Add(time.Minute)

	if err := s.SaveSchedule(ctx, newEntry("nightly", next)); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}
	if err := s.SaveSchedule(ctx, newEntry("nightly", next)); !errors.Is(err, conveyor.ErrDuplicateSchedule) {
		t.Fatalf("duplicate SaveSchedule error = %v, want ErrDuplicateSchedule", err)
	}
	if err := s.SaveSchedule(ctx, newEntry("hourly", next)); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}

	got, err := s.GetSchedule(ctx, "nightly")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Spec != "@every 1m" || got.TaskType != "tick" || !got.Enabled || got.MaxAttempts != 3 {
		t.Errorf("unexpected entry %+v", got)
	}
	if !got.NextFireAt.Equal(next) {
		t.Errorf("NextFireAt = %v, want %v", got.NextFireAt, next)
	}

	all, err := s.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(all) != 2 || all[0].Name != "hourly" || all[1].Name != "nightly" {
		t.Fatalf("ListSchedules returned %d entries in wrong order", len(all))
	}

	later := next.Add(time.Minute)
	ok, err := s.AdvanceSchedule(ctx, "nightly", next, later)
	if err != nil || !ok {
		t.Fatalf("AdvanceSchedule = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.AdvanceSchedule(ctx, "nightly", next, later.Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("stale AdvanceSchedule = %v, %v; want false, nil", ok, err)
	}

	fired := conveyor.Now()
	if err := s.RecordFire(ctx, "nightly", fired); err != nil {
		t.Fatalf("RecordFire: %v", err)
	}
	if err := s.SetScheduleEnabled(ctx, "nightly", false); err != nil {
		t.Fatalf("SetScheduleEnabled: %v", err)
	}
	got, _ = s.GetSchedule(ctx, "nightly")
	if !got.NextFireAt.Equal(later) {
		t.Errorf("NextFireAt = %v, want %v", got.NextFireAt, later)
	}
	if got.LastFireAt == nil || !got.LastFireAt.Equal(fired) {
		t.Errorf("LastFireAt = %v, want %v", got.LastFireAt, fired)
	}
	if got.Enabled {
		t.Error("entry still enabled")
	}

	if err := s.DeleteSchedule(ctx, "nightly"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := s.GetSchedule(ctx, "nightly"); !errors.Is(err, conveyor.ErrScheduleNotFound) {
		t.Errorf("GetSchedule after delete error = %v, want ErrScheduleNotFound", err)
	}
	if err := s.DeleteSchedule(ctx, "nightly"); !errors.Is(err, conveyor.ErrScheduleNotFound) {
		t.Errorf("second DeleteSchedule error = %v, want ErrScheduleNotFound", err)
	}
}

func testAdvanceScheduleRace(t *testing.T, s store.Store) {
	ctx := context.Background()
	next := conveyor.Now()
	if err := s.SaveSchedule(ctx, newEntry("contended", next)); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}

	var wins atomic.Int32
	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			ok, err := s.AdvanceSchedule(ctx, "contended", next, next.Add(time.Duration(i+1)*time.Minute))
			if err != nil {
				return fmt.Errorf("racer %d: %w", i, err)
			}
			if ok {
				wins.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := wins.Load(); got != 1 {
		t.Fatalf("%d racers advanced the same occurrence, want 1", got)
	}
}
