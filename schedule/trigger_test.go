package schedule_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/schedule"
	"github.com/xraph/conveyor/store/memory"
)

// stubEmitter records EmitScheduleFired calls.
type stubEmitter struct {
	mu    sync.Mutex
	names []string
}

func (e *stubEmitter) EmitScheduleFired(_ context.Context, name string, _ id.JobID) {
	e.mu.Lock()
	e.names = append(e.names, name)
	e.mu.Unlock()
}

func (e *stubEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.names)
}

// pushSpy counts pushes and can be told to fail.
type pushSpy struct {
	count atomic.Int32
	fail  atomic.Bool
}

func (p *pushSpy) Fn() schedule.PushFunc {
	return func(_ context.Context, _ *schedule.Entry) (id.JobID, error) {
		if p.fail.Load() {
			return id.Nil, errors.New("backend down")
		}
		p.count.Add(1)
		return id.NewJobID(), nil
	}
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var base = time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)

func registerMinutely(t *testing.T, trig *schedule.Trigger, name string) *schedule.Entry {
	t.Helper()
	e, err := schedule.NewEntry(name, "* * * * *", "report", []byte(`{}`), 3, base)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	if err := trig.Register(context.Background(), e); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return e
}

func TestNewEntryFirstFire(t *testing.T) {
	e, err := schedule.NewEntry("minutely", "* * * * *", "report", nil, 3, base)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)
	if !e.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", e.NextFireAt, want)
	}
	if !e.Enabled {
		t.Error("new entry should be enabled")
	}
	if e.ID.IsNil() {
		t.Error("new entry should have an ID")
	}
}

func TestParseInvalidSpec(t *testing.T) {
	for _, spec := range []string{"", "not a spec", "61 * * * *", "@fortnightly"} {
		if _, err := schedule.Parse(spec); !errors.Is(err, conveyor.ErrInvalidSchedule) {
			t.Errorf("Parse(%q): expected ErrInvalidSchedule, got %v", spec, err)
		}
	}
	if _, err := schedule.Parse("@every 30s"); err != nil {
		t.Errorf("Parse(@every 30s): %v", err)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	s := memory.New()
	clock := &fakeClock{now: base}
	trig := schedule.NewTrigger(s, (&pushSpy{}).Fn(), schedule.WithClock(clock.Now))

	first := registerMinutely(t, trig, "minutely")

	again, err := schedule.NewEntry("minutely", "*/5 * * * *", "report", nil, 3, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := trig.Register(context.Background(), again); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	got, err := s.GetSchedule(context.Background(), "minutely")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != first.ID || !got.NextFireAt.Equal(first.NextFireAt) {
		t.Errorf("existing entry was replaced: %+v", got)
	}
}

func TestTickFiresDueEntry(t *testing.T) {
	s := memory.New()
	clock := &fakeClock{now: base}
	spy := &pushSpy{}
	emitter := &stubEmitter{}
	trig := schedule.NewTrigger(s, spy.Fn(),
		schedule.WithClock(clock.Now),
		schedule.WithEmitter(emitter),
	)
	registerMinutely(t, trig, "minutely")
	ctx := context.Background()

	if n, err := trig.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("Tick before due = %d, %v; want 0, nil", n, err)
	}

	clock.Set(time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC))
	n, err := trig.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || spy.count.Load() != 1 {
		t.Fatalf("fired %d, pushed %d; want 1, 1", n, spy.count.Load())
	}
	if emitter.count() != 1 {
		t.Errorf("emitted %d events, want 1", emitter.count())
	}

	got, _ := s.GetSchedule(ctx, "minutely")
	want := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	if !got.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", got.NextFireAt, want)
	}
	if got.LastFireAt == nil {
		t.Error("LastFireAt should be recorded")
	}

	// Same instant again: nothing new is due.
	if n, _ := trig.Tick(ctx); n != 0 {
		t.Errorf("second Tick fired %d, want 0", n)
	}
}

func TestTickCoalescesMissedRuns(t *testing.T) {
	s := memory.New()
	clock := &fakeClock{now: base}
	spy := &pushSpy{}
	trig := schedule.NewTrigger(s, spy.Fn(), schedule.WithClock(clock.Now))
	registerMinutely(t, trig, "minutely")

	// Ten occurrences pass without a tick.
	clock.Set(time.Date(2026, 3, 1, 10, 10, 30, 0, time.UTC))
	if _, err := trig.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := spy.count.Load(); got != 1 {
		t.Fatalf("pushed %d jobs, want 1", got)
	}

	e, _ := s.GetSchedule(context.Background(), "minutely")
	want := time.Date(2026, 3, 1, 10, 11, 0, 0, time.UTC)
	if !e.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", e.NextFireAt, want)
	}
}

func TestTickSkipsDisabled(t *testing.T) {
	s := memory.New()
	clock := &fakeClock{now: base}
	spy := &pushSpy{}
	trig := schedule.NewTrigger(s, spy.Fn(), schedule.WithClock(clock.Now))
	registerMinutely(t, trig, "minutely")
	ctx := context.Background()

	if err := s.SetScheduleEnabled(ctx, "minutely", false); err != nil {
		t.Fatal(err)
	}
	clock.Set(base.Add(5 * time.Minute))
	if n, _ := trig.Tick(ctx); n != 0 || spy.count.Load() != 0 {
		t.Fatalf("disabled entry fired")
	}

	if err := s.SetScheduleEnabled(ctx, "minutely", true); err != nil {
		t.Fatal(err)
	}
	if n, _ := trig.Tick(ctx); n != 1 {
		t.Fatalf("re-enabled entry fired %d, want 1", n)
	}
}

func TestConcurrentTriggersFireOnce(t *testing.T) {
	s := memory.New()
	clock := &fakeClock{now: base}
	spy := &pushSpy{}

	triggers := make([]*schedule.Trigger, 5)
	for i := range triggers {
		triggers[i] = schedule.NewTrigger(s, spy.Fn(), schedule.WithClock(clock.Now))
	}
	registerMinutely(t, triggers[0], "minutely")
	for _, trig := range triggers[1:] {
		registerMinutely(t, trig, "minutely")
	}

	clock.Set(time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for _, trig := range triggers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = trig.Tick(context.Background())
		}()
	}
	wg.Wait()

	if got := spy.count.Load(); got != 1 {
		t.Fatalf("pushed %d jobs for one occurrence, want 1", got)
	}
}

func TestPushFailureRollsBack(t *testing.T) {
	s := memory.New()
	clock := &fakeClock{now: base}
	spy := &pushSpy{}
	trig := schedule.NewTrigger(s, spy.Fn(), schedule.WithClock(clock.Now))
	e := registerMinutely(t, trig, "minutely")
	ctx := context.Background()

	clock.Set(time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC))
	spy.fail.Store(true)
	if n, _ := trig.Tick(ctx); n != 0 {
		t.Fatalf("failed push counted as fired")
	}

	got, _ := s.GetSchedule(ctx, "minutely")
	if !got.NextFireAt.Equal(e.NextFireAt) {
		t.Fatalf("NextFireAt = %v after failed push, want %v", got.NextFireAt, e.NextFireAt)
	}

	spy.fail.Store(false)
	if n, _ := trig.Tick(ctx); n != 1 {
		t.Fatalf("retry after rollback fired %d, want 1", n)
	}
}

func TestTriggerStartStop(t *testing.T) {
	s := memory.New()
	clock := &fakeClock{now: base}
	spy := &pushSpy{}
	trig := schedule.NewTrigger(s, spy.Fn(),
		schedule.WithClock(clock.Now),
		schedule.WithTickInterval(5*time.Millisecond),
	)
	registerMinutely(t, trig, "minutely")
	clock.Set(base.Add(time.Minute))

	ctx := context.Background()
	if err := trig.Start(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for spy.count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := trig.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if spy.count.Load() != 1 {
		t.Fatalf("pushed %d jobs, want 1", spy.count.Load())
	}
	// Stop is idempotent.
	if err := trig.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestNonPositiveTickIntervalUsesDefault(t *testing.T) {
	s := memory.New()
	spy := &pushSpy{}
	for _, d := range []time.Duration{0, -time.Second} {
		trig := schedule.NewTrigger(s, spy.Fn(), schedule.WithTickInterval(d))
		if got := trig.TickInterval(); got != time.Second {
			t.Fatalf("TickInterval(%v) = %v, want 1s", d, got)
		}
	}

	// A zero interval must not reach the ticker.
	trig := schedule.NewTrigger(s, spy.Fn(), schedule.WithTickInterval(0))
	ctx := context.Background()
	if err := trig.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := trig.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}
