package lease_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/lease"
	"github.com/xraph/conveyor/store/memory"
)

func claimOne(t *testing.T, s *memory.Store) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, err := job.New("send", nil, job.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Push(ctx, j); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimNext(ctx, id.NewWorkerID(), time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext = %v, %v", claimed, err)
	}
	return claimed
}

func TestTrackFillsExpiry(t *testing.T) {
	m := lease.NewManager(memory.New(), lease.WithVisibility(time.Minute))
	l := job.Lease{JobID: id.NewJobID(), WorkerID: id.NewWorkerID(), Token: 1, LockedAt: conveyor.Now()}

	got := m.Track(l, nil)
	if want := l.LockedAt.Add(time.Minute); !got.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}
	if n := len(m.Held()); n != 1 {
		t.Fatalf("Held() = %d leases, want 1", n)
	}

	m.Release(l)
	if n := len(m.Held()); n != 0 {
		t.Fatalf("Held() after Release = %d leases, want 0", n)
	}
}

func TestHeartbeatRenewsLockAt(t *testing.T) {
	s := memory.New()
	m := lease.NewManager(s)
	claimed := claimOne(t, s)
	m.Track(claimed.Lease(), nil)

	time.Sleep(5 * time.Millisecond)
	if err := m.HeartbeatAll(context.Background()); err != nil {
		t.Fatalf("HeartbeatAll: %v", err)
	}

	got, err := s.GetJob(context.Background(), claimed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LockAt.After(*claimed.LockAt) {
		t.Errorf("lock_at not renewed: before %v, after %v", claimed.LockAt, got.LockAt)
	}
	if m.Lost(claimed.Lease()) {
		t.Error("lease reported lost after a successful heartbeat")
	}
}

func TestLostLeaseCancelsHandler(t *testing.T) {
	s := memory.New()
	m := lease.NewManager(s, lease.WithVisibility(10*time.Millisecond))
	claimed := claimOne(t, s)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	l := m.Track(claimed.Lease(), cancel)

	// Another process reclaims the job and claims it again.
	time.Sleep(20 * time.Millisecond)
	if n, err := s.ReapOrphans(context.Background(), job.ReapOptions{Visibility: 10 * time.Millisecond}); err != nil || n != 1 {
		t.Fatalf("ReapOrphans = %d, %v", n, err)
	}
	if _, err := s.ClaimNext(context.Background(), id.NewWorkerID(), time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := m.HeartbeatAll(context.Background()); err != nil {
		t.Fatalf("HeartbeatAll: %v", err)
	}

	if !m.Lost(l) {
		t.Fatal("expected lease to be marked lost")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("handler context not cancelled")
	}
	if cause := context.Cause(ctx); !errors.Is(cause, conveyor.ErrNotOwned) {
		t.Errorf("cancel cause = %v, want ErrNotOwned", cause)
	}
	if n := len(m.Held()); n != 0 {
		t.Errorf("lost lease still renewed: Held() = %d", n)
	}
}

type reclaimRecorder struct {
	mu    sync.Mutex
	total int64
}

func (r *reclaimRecorder) Name() string { return "reclaims" }

func (r *reclaimRecorder) OnJobsReclaimed(_ context.Context, n int64) error {
	r.mu.Lock()
	r.total += n
	r.mu.Unlock()
	return nil
}

func TestReapCountsReclaims(t *testing.T) {
	s := memory.New()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec := &reclaimRecorder{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(rec)

	m := lease.NewManager(s,
		lease.WithVisibility(10*time.Millisecond),
		lease.WithMeter(mp.Meter("test")),
		lease.WithExtensions(reg),
	)
	claimOne(t, s)
	claimOne(t, s)
	time.Sleep(20 * time.Millisecond)

	n, err := m.Reap(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Reap = %d, want 2", n)
	}
	if rec.total != 2 {
		t.Errorf("JobsReclaimed hook total = %d, want 2", rec.total)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var got int64
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			if mt.Name != "conveyor.lease.reclaimed" {
				continue
			}
			for _, dp := range mt.Data.(metricdata.Sum[int64]).DataPoints {
				got += dp.Value
			}
		}
	}
	if got != 2 {
		t.Errorf("conveyor.lease.reclaimed = %d, want 2", got)
	}
}

func TestReapCountAttemptKillsExhausted(t *testing.T) {
	s := memory.New()
	m := lease.NewManager(s,
		lease.WithVisibility(10*time.Millisecond),
		lease.WithCountAttempt(true),
	)

	ctx := context.Background()
	j, _ := job.New("send", nil, job.Options{MaxAttempts: 0})
	if err := s.Push(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext(ctx, id.NewWorkerID(), time.Minute); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := m.Reap(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateKilled {
		t.Errorf("state = %s, want killed", got.State)
	}
}

func TestLoopsReapInBackground(t *testing.T) {
	s := memory.New()
	m := lease.NewManager(s,
		lease.WithVisibility(10*time.Millisecond),
		lease.WithHeartbeatInterval(0),
		lease.WithReapInterval(5*time.Millisecond),
	)
	claimed := claimOne(t, s)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := m.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := s.GetJob(context.Background(), claimed.ID)
		if got.State == job.StatePending && got.Reclaims == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("orphan was not reclaimed by the background loop")
}

func TestHeartbeatLoopKeepsLeaseAlive(t *testing.T) {
	s := memory.New()
	m := lease.NewManager(s,
		lease.WithVisibility(40*time.Millisecond),
		lease.WithHeartbeatInterval(5*time.Millisecond),
		lease.WithReapInterval(10*time.Millisecond),
	)
	claimed := claimOne(t, s)
	m.Track(claimed.Lease(), nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(120 * time.Millisecond)
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetJob(context.Background(), claimed.ID)
	if got.State != job.StateRunning || got.Reclaims != 0 {
		t.Fatalf("heartbeated job was reclaimed: state=%s reclaims=%d", got.State, got.Reclaims)
	}
}

func TestNonPositiveVisibilityUsesDefault(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Minute} {
		m := lease.NewManager(memory.New(), lease.WithVisibility(d), lease.WithHeartbeatFanOut(0))
		if got := m.Visibility(); got != 30*time.Second {
			t.Errorf("Visibility(%v) = %v, want 30s", d, got)
		}
	}
}

func TestZeroFanOutStillHeartbeats(t *testing.T) {
	s := memory.New()
	j := claimOne(t, s)
	m := lease.NewManager(s, lease.WithHeartbeatFanOut(0))
	m.Track(j.Lease(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.HeartbeatAll(ctx); err != nil {
		t.Fatalf("HeartbeatAll: %v", err)
	}
}
