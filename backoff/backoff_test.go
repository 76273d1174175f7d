package backoff_test

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/conveyor/backoff"
)

func TestStrategyDelays(t *testing.T) {
	tests := []struct {
		name     string
		strategy backoff.Strategy
		want     []time.Duration // delays for retries 1..len(want)
	}{
		{
			name:     "constant",
			strategy: backoff.NewConstant(250 * time.Millisecond),
			want:     []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond},
		},
		{
			name:     "linear capped",
			strategy: backoff.NewLinear(2*time.Second, 5*time.Second),
			want:     []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second},
		},
		{
			name:     "linear uncapped",
			strategy: backoff.NewLinear(time.Second, 0),
			want:     []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		},
		{
			name:     "exponential capped",
			strategy: backoff.NewExponential(time.Second, 10*time.Second),
			want:     []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second},
		},
		{
			name: "func",
			strategy: backoff.Func(func(attempt int) time.Duration {
				return time.Duration(attempt*attempt) * time.Minute
			}),
			want: []time.Duration{time.Minute, 4 * time.Minute, 9 * time.Minute},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				if got := tt.strategy.Delay(i + 1); got != want {
					t.Errorf("Delay(%d) = %v, want %v", i+1, got, want)
				}
			}
		})
	}
}

func TestExponentialWithJitter_EqualJitterBounds(t *testing.T) {
	s := backoff.NewExponentialWithJitter(100*time.Millisecond, 3*time.Second)

	for attempt := 1; attempt <= 8; attempt++ {
		base := min(100*time.Millisecond<<(attempt-1), 3*time.Second)
		for range 200 {
			d := s.Delay(attempt)
			if d < base/2 || d > base {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", attempt, d, base/2, base)
			}
		}
	}
}

// The lower bound of attempt n+1 is the upper bound of attempt n, so with
// equal jitter a job never waits less than it did on its previous retry
// until the cap is reached.
func TestExponentialWithJitter_DelayNeverShrinksBelowCap(t *testing.T) {
	s := backoff.NewExponentialWithJitter(time.Second, time.Hour)

	for range 100 {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 10; attempt++ {
			d := s.Delay(attempt)
			if d < prev {
				t.Fatalf("Delay(%d) = %v, below Delay(%d) = %v", attempt, d, attempt-1, prev)
			}
			prev = d
		}
	}
}

func TestExponentialWithJitter_AttemptBelowOneIsFirstRetry(t *testing.T) {
	s := backoff.NewExponentialWithJitter(time.Second, time.Minute)
	for _, attempt := range []int{0, -3} {
		d := s.Delay(attempt)
		if d < 500*time.Millisecond || d > time.Second {
			t.Errorf("Delay(%d) = %v, want within first-retry bounds [500ms, 1s]", attempt, d)
		}
	}
}

// Three allowed retries with the default policy: the job runs four times
// and the fourth failure kills it. Each delay stays inside its jitter window.
func TestDefaultPolicy_ThreeRetriesThenKilled(t *testing.T) {
	p := backoff.DefaultPolicy()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cause := errors.New("connection reset")

	windows := []struct{ lo, hi time.Duration }{
		{500 * time.Millisecond, time.Second},
		{time.Second, 2 * time.Second},
		{2 * time.Second, 4 * time.Second},
	}

	attempts := 0
	runAt := now
	for i, w := range windows {
		d := p.Decide(backoff.Attempt{Attempts: attempts, MaxAttempts: 3, PrevRunAt: runAt, Now: now, Cause: cause})
		if d.Exhausted {
			t.Fatalf("failure %d: exhausted early", i+1)
		}
		if d.Delay < w.lo || d.Delay > w.hi {
			t.Errorf("failure %d: delay %v outside [%v, %v]", i+1, d.Delay, w.lo, w.hi)
		}
		if !d.NextRunAt.Equal(now.Add(d.Delay)) {
			t.Errorf("failure %d: NextRunAt = %v, want now+%v", i+1, d.NextRunAt, d.Delay)
		}
		attempts, runAt = d.Attempts, d.NextRunAt
		now = runAt
	}

	final := p.Decide(backoff.Attempt{Attempts: attempts, MaxAttempts: 3, PrevRunAt: runAt, Now: now, Cause: cause})
	if !final.Exhausted {
		t.Fatal("fourth failure should exhaust the job")
	}
	if final.Attempts != 3 {
		t.Errorf("exhausted Attempts = %d, want 3", final.Attempts)
	}
}
