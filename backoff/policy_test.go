package backoff_test

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/conveyor/backoff"
)

func TestRetryPolicy_CountsUpToCeiling(t *testing.T) {
	p := backoff.NewPolicy(backoff.NewConstant(time.Second))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cause := errors.New("transient")

	attempts := 0
	runAt := now
	for want := 1; want <= 3; want++ {
		d := p.Decide(backoff.Attempt{Attempts: attempts, MaxAttempts: 3, PrevRunAt: runAt, Now: now, Cause: cause})
		if d.Exhausted {
			t.Fatalf("attempt %d: unexpectedly exhausted", want)
		}
		if d.Attempts != want {
			t.Fatalf("Attempts = %d, want %d", d.Attempts, want)
		}
		if !d.NextRunAt.Equal(now.Add(time.Second)) {
			t.Errorf("NextRunAt = %v, want %v", d.NextRunAt, now.Add(time.Second))
		}
		attempts = d.Attempts
		runAt = d.NextRunAt
	}

	d := p.Decide(backoff.Attempt{Attempts: attempts, MaxAttempts: 3, PrevRunAt: runAt, Now: now, Cause: cause})
	if !d.Exhausted {
		t.Fatal("expected exhaustion once attempts reach the ceiling")
	}
	if d.Attempts != 3 {
		t.Errorf("exhausted Attempts = %d, want 3", d.Attempts)
	}
}

func TestRetryPolicy_RunAtNeverMovesBackwards(t *testing.T) {
	p := backoff.NewPolicy(backoff.NewConstant(time.Second))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	prev := now.Add(time.Hour)

	d := p.Decide(backoff.Attempt{Attempts: 0, MaxAttempts: 5, PrevRunAt: prev, Now: now})
	if d.NextRunAt.Before(prev) {
		t.Errorf("NextRunAt %v moved before previous run_at %v", d.NextRunAt, prev)
	}
}

func TestRetryPolicy_ZeroCeilingKillsImmediately(t *testing.T) {
	p := backoff.DefaultPolicy()
	d := p.Decide(backoff.Attempt{MaxAttempts: 0, Now: time.Now()})
	if !d.Exhausted {
		t.Fatal("MaxAttempts=0 must exhaust on first failure")
	}
}

func TestRetryPolicy_DelayGrowsWithExponentialStrategy(t *testing.T) {
	p := backoff.NewPolicy(backoff.NewExponential(time.Second, time.Hour))
	now := time.Now()

	var last time.Duration
	for attempts := range 5 {
		d := p.Decide(backoff.Attempt{Attempts: attempts, MaxAttempts: 10, PrevRunAt: now, Now: now})
		if d.Delay <= last {
			t.Errorf("attempt %d: delay %v did not grow past %v", attempts+1, d.Delay, last)
		}
		last = d.Delay
	}
}

func TestFunc_AdaptsPlainFunction(t *testing.T) {
	s := backoff.Func(func(attempt int) time.Duration { return time.Duration(attempt) * time.Minute })
	if got := s.Delay(3); got != 3*time.Minute {
		t.Errorf("Delay(3) = %v, want 3m", got)
	}
}
