package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
)

const defaultTickInterval = time.Second

// PushFunc pushes the job of one firing of e. The engine provides it so
// that the trigger does not depend on the job registry.
type PushFunc func(ctx context.Context, e *Entry) (id.JobID, error)

// Emitter emits schedule lifecycle events.
// ext.Registry satisfies this interface via EmitScheduleFired.
type Emitter interface {
	EmitScheduleFired(ctx context.Context, name string, jobID id.JobID)
}

// specParser supports standard 5-field cron and descriptors like "@every 30s".
var specParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Parse parses a recurrence spec. Errors match conveyor.ErrInvalidSchedule.
func Parse(spec string) (cronlib.Schedule, error) {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", conveyor.ErrInvalidSchedule, spec, err)
	}
	return sched, nil
}

// NewEntry builds an enabled entry whose first firing is the first
// occurrence of spec after now.
func NewEntry(name, spec, taskType string, payload []byte, maxAttempts int, now time.Time) (*Entry, error) {
	sched, err := Parse(spec)
	if err != nil {
		return nil, err
	}
	entity := conveyor.NewEntity()
	return &Entry{
		Entity:      entity,
		ID:          id.NewScheduleID(),
		Name:        name,
		Spec:        spec,
		TaskType:    taskType,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		NextFireAt:  sched.Next(now).UTC().Truncate(time.Millisecond),
		Enabled:     true,
	}, nil
}

// TriggerOption configures a Trigger.
type TriggerOption func(*Trigger)

// WithTickInterval sets how often the trigger checks for due entries.
// Non-positive values keep the one second default.
func WithTickInterval(d time.Duration) TriggerOption {
	return func(t *Trigger) { t.tickInterval = d }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) TriggerOption {
	return func(t *Trigger) { t.now = now }
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e Emitter) TriggerOption {
	return func(t *Trigger) { t.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) TriggerOption {
	return func(t *Trigger) { t.logger = l }
}

// Trigger turns due schedule entries into pushed jobs. Any number of
// processes may run a Trigger against one store: each occurrence is
// claimed by a compare-and-swap on next_fire_at, so exactly one of them
// pushes the job. Occurrences missed while no trigger ran are coalesced
// into a single firing.
type Trigger struct {
	store        Store
	push         PushFunc
	emitter      Emitter
	logger       *slog.Logger
	tickInterval time.Duration
	now          func() time.Time

	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTrigger creates a Trigger.
func NewTrigger(store Store, push PushFunc, opts ...TriggerOption) *Trigger {
	t := &Trigger{
		store:        store,
		push:         push,
		logger:       slog.Default(),
		tickInterval: defaultTickInterval,
		now:          conveyor.Now,
		parsed:       make(map[string]cronlib.Schedule),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.tickInterval <= 0 {
		t.tickInterval = defaultTickInterval
	}
	return t
}

// TickInterval returns the interval between ticks.
func (t *Trigger) TickInterval() time.Duration { return t.tickInterval }

// Register persists e. Registering a name that already exists is a no-op,
// so every process may register its schedules at startup.
func (t *Trigger) Register(ctx context.Context, e *Entry) error {
	if _, err := t.schedule(e.Spec); err != nil {
		return err
	}
	err := t.store.SaveSchedule(ctx, e)
	if errors.Is(err, conveyor.ErrDuplicateSchedule) {
		t.logger.Debug("schedule already registered", slog.String("schedule", e.Name))
		return nil
	}
	return err
}

// Start launches the tick loop. It returns immediately.
func (t *Trigger) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	t.stopCh = make(chan struct{})

	t.wg.Add(1)
	go t.loop(t.stopCh)
	t.logger.Info("schedule trigger started", slog.Duration("tick_interval", t.tickInterval))
	return nil
}

// Stop signals the tick loop to stop and waits for it to finish.
func (t *Trigger) Stop(_ context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info("schedule trigger stopped")
	return nil
}

func (t *Trigger) loop(stop <-chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := t.Tick(context.Background()); err != nil {
				t.logger.Error("schedule tick error", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick fires every enabled entry that is due and reports how many jobs
// this call pushed.
func (t *Trigger) Tick(ctx context.Context) (int, error) {
	entries, err := t.store.ListSchedules(ctx)
	if err != nil {
		return 0, err
	}

	now := t.now().UTC()
	fired := 0
	for _, e := range entries {
		if !e.Enabled || e.NextFireAt.After(now) {
			continue
		}
		ok, err := t.fire(ctx, e, now)
		if err != nil {
			t.logger.Error("schedule fire error",
				slog.String("schedule", e.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

// fire claims the due occurrence of e and pushes its job. It reports false
// when another trigger claimed the occurrence first.
func (t *Trigger) fire(ctx context.Context, e *Entry, now time.Time) (bool, error) {
	sched, err := t.schedule(e.Spec)
	if err != nil {
		return false, err
	}
	// Next after now skips every missed occurrence.
	next := sched.Next(now).UTC().Truncate(time.Millisecond)

	won, err := t.store.AdvanceSchedule(ctx, e.Name, e.NextFireAt, next)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	jobID, pushErr := t.push(ctx, e)
	if pushErr != nil {
		// Give the occurrence back so the next tick retries it.
		if _, rbErr := t.store.AdvanceSchedule(ctx, e.Name, next, e.NextFireAt); rbErr != nil {
			t.logger.Error("schedule rollback error",
				slog.String("schedule", e.Name),
				slog.String("error", rbErr.Error()),
			)
		}
		return false, fmt.Errorf("push for schedule %q: %w", e.Name, pushErr)
	}

	if err := t.store.RecordFire(ctx, e.Name, now); err != nil {
		t.logger.Warn("record schedule fire error",
			slog.String("schedule", e.Name),
			slog.String("error", err.Error()),
		)
	}
	if t.emitter != nil {
		t.emitter.EmitScheduleFired(ctx, e.Name, jobID)
	}

	t.logger.Info("schedule fired",
		slog.String("schedule", e.Name),
		slog.String("task_type", e.TaskType),
		slog.String("job_id", jobID.String()),
		slog.Time("next_fire_at", next),
	)
	return true, nil
}

// schedule caches parsed specs.
func (t *Trigger) schedule(spec string) (cronlib.Schedule, error) {
	t.parsedMu.RLock()
	sched, ok := t.parsed[spec]
	t.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := Parse(spec)
	if err != nil {
		return nil, err
	}

	t.parsedMu.Lock()
	t.parsed[spec] = sched
	t.parsedMu.Unlock()
	return sched, nil
}
