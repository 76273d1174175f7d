package backoff

import "time"

// Attempt describes a failed run handed to a Policy.
type Attempt struct {
	// Attempts is the number of failed runs already recorded.
	Attempts int
	// MaxAttempts is the job's retry ceiling.
	MaxAttempts int
	// PrevRunAt is the run_at the failed run was scheduled for.
	PrevRunAt time.Time
	// Now is the time of the failure.
	Now time.Time
	// Cause is the handler error. Policies may inspect it.
	Cause error
}

// Decision is the outcome of a Policy.
type Decision struct {
	// Exhausted means the job must be killed.
	Exhausted bool
	// Attempts is the attempt count to persist.
	Attempts int
	// NextRunAt is the new run_at when not exhausted.
	NextRunAt time.Time
	// Delay is the backoff applied.
	Delay time.Duration
}

// Policy maps a failed attempt to a retry decision. Implementations must be
// pure: no I/O and no handler execution.
type Policy interface {
	Decide(a Attempt) Decision
}

// RetryPolicy retries until MaxAttempts failed runs have been recorded,
// waiting Strategy.Delay(attempt) between runs.
type RetryPolicy struct {
	Strategy Strategy
}

// NewPolicy creates a RetryPolicy around s.
func NewPolicy(s Strategy) *RetryPolicy {
	return &RetryPolicy{Strategy: s}
}

// DefaultPolicy returns a RetryPolicy using DefaultStrategy.
func DefaultPolicy() *RetryPolicy {
	return NewPolicy(DefaultStrategy())
}

// Decide implements Policy. A job that already recorded MaxAttempts failures
// is exhausted; otherwise the count goes up by one and the next run time is
// Now plus the delay, never earlier than PrevRunAt.
func (p *RetryPolicy) Decide(a Attempt) Decision {
	if a.Attempts >= a.MaxAttempts {
		return Decision{Exhausted: true, Attempts: a.MaxAttempts}
	}

	next := a.Attempts + 1
	strategy := p.Strategy
	if strategy == nil {
		strategy = DefaultStrategy()
	}
	delay := strategy.Delay(next)
	if delay < 0 {
		delay = 0
	}

	runAt := a.Now.Add(delay)
	if runAt.Before(a.PrevRunAt) {
		runAt = a.PrevRunAt
	}

	return Decision{
		Attempts:  next,
		NextRunAt: runAt,
		Delay:     delay,
	}
}
