package job

import "time"

// DefaultMaxAttempts is the retry ceiling applied when none is configured.
const DefaultMaxAttempts = 5

// Options configures per-job behavior.
type Options struct {
	// MaxAttempts is how many failed runs are retried before the job is
	// killed.
	MaxAttempts int

	// Timeout bounds a single execution. Zero means no deadline.
	Timeout time.Duration

	// RunAt schedules the job for future execution. Zero means immediate.
	RunAt time.Time

	// Delay schedules the job relative to push time. Ignored when RunAt
	// is set.
	Delay time.Duration

	// ID forces the job ID, making the push idempotent.
	ID string
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: DefaultMaxAttempts,
		Timeout:     5 * time.Minute,
	}
}

// Option is a functional option for configuring a job definition or push.
type Option func(*Options)

// WithMaxAttempts sets the retry ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithTimeout sets the maximum execution duration for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) {
		o.RunAt = t
	}
}

// WithDelay schedules the job to run after d.
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = d
	}
}

// WithID pushes the job under a caller-chosen TypeID string.
func WithID(jobID string) Option {
	return func(o *Options) {
		o.ID = jobID
	}
}
