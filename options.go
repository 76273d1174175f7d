package conveyor

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Conveyor.
type Option func(*Conveyor) error

// Storer is the minimal store interface held by the Conveyor. It covers
// lifecycle operations only; the engine package type-asserts the full
// store.Store contract to avoid an import cycle.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// runner is an internal interface for background loop lifecycle.
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Conveyor holds configuration, the store, and the background runners of
// one worker process.
//
// Create one with New() and functional options, then hand it to
// engine.Build which wires the worker pool, lease manager and schedule
// trigger back into it.
type Conveyor struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	runners    []runner

	started bool
}

// New creates a new Conveyor with the given options.
func New(opts ...Option) (*Conveyor, error) {
	c := &Conveyor{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Logger returns the conveyor's logger.
func (c *Conveyor) Logger() *slog.Logger { return c.logger }

// Store returns the conveyor's store.
func (c *Conveyor) Store() Storer { return c.store }

// Config returns a copy of the conveyor's configuration.
func (c *Conveyor) Config() Config { return c.config }

// AddRunner appends a background runner started by Start and stopped, in
// reverse order, by Stop (called by the engine package).
func (c *Conveyor) AddRunner(r runner) { c.runners = append(c.runners, r) }

// SetExtensions sets the extension emitter (called by the engine package).
func (c *Conveyor) SetExtensions(e extensionEmitter) { c.extensions = e }

// Start launches every registered runner.
func (c *Conveyor) Start(ctx context.Context) error {
	if c.store == nil {
		return ErrNoStore
	}
	if c.started {
		return nil
	}
	for _, r := range c.runners {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	c.started = true
	return nil
}

// Stop shuts runners down in reverse start order, then closes the store.
func (c *Conveyor) Stop(ctx context.Context) error {
	if c.started {
		for i := len(c.runners) - 1; i >= 0; i-- {
			if err := c.runners[i].Stop(ctx); err != nil {
				c.logger.Error("runner stop error", slog.String("error", err.Error()))
			}
		}
		c.started = false
	}
	if c.extensions != nil {
		c.extensions.EmitShutdown(ctx)
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent job executions.
func WithConcurrency(n int) Option {
	return func(c *Conveyor) error {
		c.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets the idle delay between claim attempts.
func WithPollInterval(d time.Duration) Option {
	return func(c *Conveyor) error {
		c.config.PollInterval = d
		return nil
	}
}

// WithVisibilityTimeout sets how long an unrenewed lease stays valid.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *Conveyor) error {
		c.config.VisibilityTimeout = d
		return nil
	}
}

// WithHeartbeatInterval sets how often held leases are renewed.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Conveyor) error {
		c.config.HeartbeatInterval = d
		return nil
	}
}

// WithReapInterval sets how often this process reaps orphaned leases.
func WithReapInterval(d time.Duration) Option {
	return func(c *Conveyor) error {
		c.config.ReapInterval = d
		return nil
	}
}

// WithCountOrphanAttempt makes orphan reclaims count as failed attempts.
func WithCountOrphanAttempt(count bool) Option {
	return func(c *Conveyor) error {
		c.config.CountOrphanAttempt = count
		return nil
	}
}

// WithShutdownTimeout sets the grace period for in-flight jobs on Stop.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Conveyor) error {
		c.config.ShutdownTimeout = d
		return nil
	}
}

// WithScheduleTick sets the schedule trigger tick interval.
func WithScheduleTick(d time.Duration) Option {
	return func(c *Conveyor) error {
		c.config.ScheduleTick = d
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Conveyor) error {
		c.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conveyor) error {
		c.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. The store must implement Storer
// at minimum; engine.Build requires the full store.Store contract.
func WithStore(s Storer) Option {
	return func(c *Conveyor) error {
		c.store = s
		return nil
	}
}
