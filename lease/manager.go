// Package lease keeps the leases held by one worker process alive and
// returns the leases abandoned by dead processes to the queue.
//
// A Manager tracks every job this process is executing. Its heartbeat loop
// renews their lock_at well inside the visibility timeout; its reaper loop
// calls ReapOrphans so that jobs of crashed workers become claimable again.
// When a heartbeat is rejected with conveyor.ErrNotOwned the lease is marked
// lost and the handler context is cancelled with that cause; the worker
// then discards the result instead of acknowledging it.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/job"
)

const (
	meterName         = "github.com/xraph/conveyor/lease"
	defaultVisibility = 30 * time.Second
)

type held struct {
	lease  job.Lease
	cancel context.CancelCauseFunc
	lost   bool
}

// Manager tracks held leases and runs the heartbeat and reaper loops.
type Manager struct {
	store      job.Store
	extensions *ext.Registry
	logger     *slog.Logger

	visibility        time.Duration
	heartbeatInterval time.Duration
	reapInterval      time.Duration
	reapLimit         int
	countAttempt      bool
	fanOut            int

	reclaimed metric.Int64Counter

	mu   sync.Mutex
	held map[string]*held

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithVisibility sets the lease visibility timeout. Non-positive values keep
// the 30 second default.
func WithVisibility(d time.Duration) Option {
	return func(m *Manager) { m.visibility = d }
}

// WithHeartbeatInterval sets how often held leases are renewed. Zero
// disables the heartbeat loop.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) { m.heartbeatInterval = d }
}

// WithReapInterval sets how often orphans are reaped. Zero disables the
// reaper loop.
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) { m.reapInterval = d }
}

// WithReapLimit caps the number of jobs one reap pass reclaims.
func WithReapLimit(n int) Option {
	return func(m *Manager) { m.reapLimit = n }
}

// WithCountAttempt makes orphan reclaims count as failed attempts.
func WithCountAttempt(count bool) Option {
	return func(m *Manager) { m.countAttempt = count }
}

// WithHeartbeatFanOut bounds concurrent heartbeat calls.
func WithHeartbeatFanOut(n int) Option {
	return func(m *Manager) { m.fanOut = n }
}

// WithExtensions sets the registry notified of reclaims.
func WithExtensions(r *ext.Registry) Option {
	return func(m *Manager) { m.extensions = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMeter sets the meter used for the reclaim counter.
func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) {
		m.reclaimed = newReclaimCounter(meter)
	}
}

func newReclaimCounter(meter metric.Meter) metric.Int64Counter {
	c, _ := meter.Int64Counter("conveyor.lease.reclaimed", //nolint:errcheck // noop fallback
		metric.WithDescription("Jobs whose expired lease was reclaimed"),
	)
	return c
}

// NewManager creates a lease manager for store.
func NewManager(store job.Store, opts ...Option) *Manager {
	m := &Manager{
		store:             store,
		logger:            slog.Default(),
		visibility:        defaultVisibility,
		heartbeatInterval: 10 * time.Second,
		reapInterval:      15 * time.Second,
		reapLimit:         100,
		fanOut:            8,
		held:              make(map[string]*held),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.visibility <= 0 {
		m.visibility = defaultVisibility
	}
	if m.fanOut < 1 {
		m.fanOut = 1
	}
	if m.reclaimed == nil {
		m.reclaimed = newReclaimCounter(otel.Meter(meterName))
	}
	return m
}

// Visibility returns the configured visibility timeout.
func (m *Manager) Visibility() time.Duration { return m.visibility }

// Track starts renewing l. cancel is invoked with conveyor.ErrNotOwned if
// the lease is lost. The lease's ExpiresAt is filled in from the visibility
// timeout.
func (m *Manager) Track(l job.Lease, cancel context.CancelCauseFunc) job.Lease {
	if l.LockedAt.IsZero() {
		l.LockedAt = conveyor.Now()
	}
	l.ExpiresAt = l.LockedAt.Add(m.visibility)

	m.mu.Lock()
	m.held[l.JobID.String()] = &held{lease: l, cancel: cancel}
	m.mu.Unlock()
	return l
}

// Release stops renewing the lease on jobID.
func (m *Manager) Release(l job.Lease) {
	m.mu.Lock()
	delete(m.held, l.JobID.String())
	m.mu.Unlock()
}

// Lost reports whether the lease on l's job was found to be taken over.
func (m *Manager) Lost(l job.Lease) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[l.JobID.String()]
	return ok && h.lost
}

// Held returns a snapshot of the leases currently tracked.
func (m *Manager) Held() []job.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.Lease, 0, len(m.held))
	for _, h := range m.held {
		if !h.lost {
			out = append(out, h.lease)
		}
	}
	return out
}

// HeartbeatAll renews every held lease once. Lost leases are marked and
// their handlers cancelled; transport errors are logged and the lease is
// tried again on the next round. It returns the first transport error.
func (m *Manager) HeartbeatAll(ctx context.Context) error {
	leases := m.Held()
	if len(leases) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanOut)

	var (
		errMu    sync.Mutex
		firstErr error
	)
	for _, l := range leases {
		g.Go(func() error {
			err := m.store.Heartbeat(gctx, l)
			switch {
			case err == nil:
				m.renewed(l)
			case errors.Is(err, conveyor.ErrNotOwned), errors.Is(err, conveyor.ErrJobNotFound):
				m.markLost(l)
			default:
				m.logger.Warn("heartbeat failed",
					slog.String("job_id", l.JobID.String()),
					slog.String("error", err.Error()),
				)
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
			// Per-lease failures never abort the round.
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines always return nil
	return firstErr
}

func (m *Manager) renewed(l job.Lease) {
	now := conveyor.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.held[l.JobID.String()]; ok && h.lease.Token == l.Token {
		h.lease.LockedAt = now
		h.lease.ExpiresAt = now.Add(m.visibility)
	}
}

func (m *Manager) markLost(l job.Lease) {
	m.mu.Lock()
	h, ok := m.held[l.JobID.String()]
	if !ok || h.lease.Token != l.Token || h.lost {
		m.mu.Unlock()
		return
	}
	h.lost = true
	cancel := h.cancel
	m.mu.Unlock()

	m.logger.Warn("lease lost",
		slog.String("job_id", l.JobID.String()),
		slog.Int64("token", l.Token),
	)
	if cancel != nil {
		cancel(conveyor.ErrNotOwned)
	}
}

// Reap runs one orphan reclaim pass.
func (m *Manager) Reap(ctx context.Context) (int64, error) {
	n, err := m.store.ReapOrphans(ctx, job.ReapOptions{
		Visibility:   m.visibility,
		CountAttempt: m.countAttempt,
		Limit:        m.reapLimit,
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.reclaimed.Add(ctx, n)
		m.logger.Info("reclaimed orphaned jobs", slog.Int64("count", n))
		if m.extensions != nil {
			m.extensions.EmitJobsReclaimed(ctx, n)
		}
	}
	return n, nil
}

// Start launches the heartbeat and reaper loops. It returns immediately.
func (m *Manager) Start(_ context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})

	if m.heartbeatInterval > 0 {
		m.wg.Add(1)
		go m.loop(m.stopCh, m.heartbeatInterval, func(ctx context.Context) {
			_ = m.HeartbeatAll(ctx) //nolint:errcheck // logged per lease
		})
	}
	if m.reapInterval > 0 {
		m.wg.Add(1)
		go m.loop(m.stopCh, m.reapInterval, func(ctx context.Context) {
			if _, err := m.Reap(ctx); err != nil {
				m.logger.Error("reap orphans error", slog.String("error", err.Error()))
			}
		})
	}
	return nil
}

// Stop halts both loops and waits for an in-progress round to finish.
// Held leases are not released; the caller's worker pool does that.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop(stop <-chan struct{}, interval time.Duration, fn func(ctx context.Context)) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
