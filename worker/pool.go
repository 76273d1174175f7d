package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/lease"
)

const defaultPollInterval = time.Second

// Waker signals that new work may be claimable. A Pool with a Waker cuts
// its idle sleep short when the channel fires.
type Waker interface {
	Wake() <-chan struct{}
}

// Pool runs a fixed number of slot loops. Each slot claims one job at a
// time, executes it and only then claims the next, so at most Concurrency
// jobs run at once and no job is claimed without a free slot.
type Pool struct {
	store        job.Store
	executor     *Executor
	leases       *lease.Manager
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger
	limiter      *rate.Limiter
	waker        Waker

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// execCancel cancels every in-flight handler when the grace period
	// runs out.
	execCancel context.CancelCauseFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of slot loops.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long an idle slot sleeps before claiming again.
// Non-positive values keep the one second default.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithClaimRate limits claims across all slots to r per second with the
// given burst.
func WithClaimRate(r rate.Limit, burst int) PoolOption {
	return func(p *Pool) { p.limiter = rate.NewLimiter(r, burst) }
}

// WithWaker sets the wake-up source for idle slots.
func WithWaker(w Waker) PoolOption {
	return func(p *Pool) { p.waker = w }
}

// WithWorkerID fixes the worker identity recorded in lock_by.
func WithWorkerID(workerID id.WorkerID) PoolOption {
	return func(p *Pool) { p.workerID = workerID }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	executor *Executor,
	leases *lease.Manager,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		leases:       leases,
		concurrency:  10,
		pollInterval: defaultPollInterval,
		workerID:     id.NewWorkerID(),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	if p.pollInterval <= 0 {
		p.pollInterval = defaultPollInterval
	}
	return p
}

// PollInterval returns the idle delay between claim attempts.
func (p *Pool) PollInterval() time.Duration { return p.pollInterval }

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the slot loops. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})

	execCtx, execCancel := context.WithCancelCause(context.Background())
	p.execCancel = execCancel

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.slotLoop(execCtx, p.stopCh)
	}
	return nil
}

// Stop stops claiming and waits for in-flight jobs. When ctx expires first,
// the remaining handlers are cancelled with ErrShuttingDown and their jobs
// are left running for the reaper to reclaim.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	execCancel := p.execCancel
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		execCancel(ErrShuttingDown)
		<-done
	}
	execCancel(nil)
	return nil
}

func (p *Pool) slotLoop(execCtx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()

	// claimCtx ends with stop so a blocked claim or limiter wait returns.
	claimCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-claimCtx.Done():
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(claimCtx); err != nil {
				return
			}
		}

		j, err := p.store.ClaimNext(claimCtx, p.workerID, p.leases.Visibility())
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			level := slog.LevelError
			if errors.Is(err, conveyor.ErrBackendUnavailable) {
				level = slog.LevelWarn
			}
			p.logger.Log(claimCtx, level, "claim failed", slog.String("error", err.Error()))
			p.idle(stop)
			continue
		}
		if j == nil {
			p.idle(stop)
			continue
		}

		p.execute(execCtx, j)
	}
}

func (p *Pool) execute(execCtx context.Context, j *job.Job) {
	ctx, cancel := context.WithCancelCause(execCtx)
	defer cancel(nil)

	l := p.leases.Track(j.Lease(), cancel)
	defer p.leases.Release(l)

	if err := p.executor.Execute(ctx, j, l); err != nil {
		p.logger.Debug("job execution error",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// idle sleeps for the poll interval, or less if stopped or woken.
func (p *Pool) idle(stop <-chan struct{}) {
	var wake <-chan struct{}
	if p.waker != nil {
		wake = p.waker.Wake()
	}
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-wake:
	case <-stop:
	}
}
