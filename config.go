package conveyor

import "time"

// Config holds configuration for a Conveyor worker process.
type Config struct {
	// Concurrency is the maximum number of jobs executed at once.
	Concurrency int

	// PollInterval is the idle delay between claim attempts when no job
	// was claimable.
	PollInterval time.Duration

	// ShutdownTimeout is the grace period for in-flight jobs on Stop.
	ShutdownTimeout time.Duration

	// VisibilityTimeout is how long a lease stays valid without a
	// heartbeat before the reaper may reclaim the job.
	VisibilityTimeout time.Duration

	// HeartbeatInterval is how often held leases are renewed. It must be
	// comfortably below VisibilityTimeout.
	HeartbeatInterval time.Duration

	// ReapInterval is how often this process scans for orphaned leases.
	// Zero disables the reaper.
	ReapInterval time.Duration

	// ReapLimit caps how many orphans one reap pass reclaims.
	ReapLimit int

	// CountOrphanAttempt makes an orphan reclaim count as a failed attempt.
	CountOrphanAttempt bool

	// ScheduleTick is the coarse timer driving the schedule trigger.
	ScheduleTick time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		PollInterval:      100 * time.Millisecond,
		ShutdownTimeout:   30 * time.Second,
		VisibilityTimeout: 30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ReapInterval:      15 * time.Second,
		ReapLimit:         100,
		ScheduleTick:      time.Second,
	}
}
