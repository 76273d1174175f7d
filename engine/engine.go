package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/lease"
	mw "github.com/xraph/conveyor/middleware"
	"github.com/xraph/conveyor/observability"
	"github.com/xraph/conveyor/schedule"
	"github.com/xraph/conveyor/store"
	"github.com/xraph/conveyor/worker"
)

const instrumentationName = "github.com/xraph/conveyor"

// Engine wraps a Conveyor with typed subsystem access.
// Use Build() to create one from a Conveyor.
type Engine struct {
	c          *conveyor.Conveyor
	extensions *ext.Registry
	registry   *job.Registry
	store      store.Store
	leases     *lease.Manager
	pool       *worker.Pool
	trigger    *schedule.Trigger
	mws        []mw.Middleware
	logger     *slog.Logger

	waker     worker.Waker
	claimRate rate.Limit
	burst     int
	workerID  id.WorkerID

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware appends middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithWaker lets the pool skip its idle delay when w signals new work,
// for example a bunstore.Listener on PostgreSQL.
func WithWaker(w worker.Waker) Option {
	return func(eng *Engine) {
		eng.waker = w
	}
}

// WithClaimRate caps how fast this process claims jobs across all slots.
func WithClaimRate(r rate.Limit, burst int) Option {
	return func(eng *Engine) {
		eng.claimRate = r
		eng.burst = burst
	}
}

// WithWorkerID fixes the worker identity recorded in lock_by.
func WithWorkerID(workerID id.WorkerID) Option {
	return func(eng *Engine) {
		eng.workerID = workerID
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider used by the metrics
// middleware, the observability extension and the lease manager.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Conveyor.
// The Conveyor's store must implement store.Store.
func Build(c *conveyor.Conveyor, opts ...Option) (*Engine, error) {
	logger := c.Logger()

	if c.Store() == nil {
		return nil, conveyor.ErrNoStore
	}
	s, ok := c.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("conveyor: store %T does not implement store.Store", c.Store())
	}

	eng := &Engine{
		c:          c,
		extensions: ext.NewRegistry(logger),
		registry:   job.NewRegistry(),
		store:      s,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(eng)
	}

	// Build tracing middleware (custom provider or global).
	tracingMw := mw.Tracing()
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	}

	// Build metrics middleware and the observability extension.
	metricsMw := mw.Metrics()
	obsExt := observability.NewMetricsExtension()
	leaseOpts := []lease.Option{}
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter(instrumentationName)
		metricsMw = mw.MetricsWithMeter(meter)
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
		leaseOpts = append(leaseOpts, lease.WithMeter(meter))
	}
	eng.extensions.Register(obsExt)

	config := c.Config()

	eng.leases = lease.NewManager(s, append(leaseOpts,
		lease.WithVisibility(config.VisibilityTimeout),
		lease.WithHeartbeatInterval(config.HeartbeatInterval),
		lease.WithReapInterval(config.ReapInterval),
		lease.WithReapLimit(config.ReapLimit),
		lease.WithCountAttempt(config.CountOrphanAttempt),
		lease.WithExtensions(eng.extensions),
		lease.WithLogger(logger),
	)...)

	// Default middleware stack: tracing, metrics, logging, recover, timeout.
	// Recover sits inside the observers so a panic is recorded as a failed
	// execution.
	defaultMws := []mw.Middleware{
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Recover(logger),
		mw.Timeout(logger, mw.RegistryTimeouts(eng.registry)),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(eng.registry, eng.extensions, s, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPollInterval(config.PollInterval),
	}
	if eng.waker != nil {
		poolOpts = append(poolOpts, worker.WithWaker(eng.waker))
	}
	if eng.claimRate > 0 {
		poolOpts = append(poolOpts, worker.WithClaimRate(eng.claimRate, eng.burst))
	}
	if !eng.workerID.IsNil() {
		poolOpts = append(poolOpts, worker.WithWorkerID(eng.workerID))
	}
	eng.pool = worker.NewPool(s, executor, eng.leases, logger, poolOpts...)

	pushFn := func(ctx context.Context, e *schedule.Entry) (id.JobID, error) {
		j, err := eng.PushRaw(ctx, e.TaskType, e.Payload, job.WithMaxAttempts(e.MaxAttempts))
		if err != nil {
			return id.Nil, err
		}
		return j.ID, nil
	}
	eng.trigger = schedule.NewTrigger(s, pushFn,
		schedule.WithTickInterval(config.ScheduleTick),
		schedule.WithEmitter(eng.extensions),
		schedule.WithLogger(logger),
	)

	// Leases start first and stop last so in-flight jobs keep
	// heartbeating while the pool drains.
	c.AddRunner(eng.leases)
	c.AddRunner(eng.pool)
	c.AddRunner(eng.trigger)
	c.SetExtensions(eng.extensions)

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Push encodes payload with the codec registered for taskType and pushes
// a new job.
func Push[T any](ctx context.Context, eng *Engine, taskType string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := eng.registry.Codec(taskType).Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for task %q: %w: %w", taskType, conveyor.ErrSerialization, err)
	}
	return eng.PushRaw(ctx, taskType, data, opts...)
}

// PushRaw pushes a job with a pre-encoded payload. Options registered for
// taskType apply first; opts override them.
func (eng *Engine) PushRaw(ctx context.Context, taskType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	jobOpts := eng.registry.Options(taskType)
	// Registered delays and fixed IDs never carry over to a push.
	jobOpts.RunAt = time.Time{}
	jobOpts.Delay = 0
	jobOpts.ID = ""
	for _, opt := range opts {
		opt(&jobOpts)
	}

	j, err := job.New(taskType, payload, jobOpts)
	if err != nil {
		return nil, err
	}
	if err := eng.store.Push(ctx, j); err != nil {
		return nil, err
	}

	eng.extensions.EmitJobPushed(ctx, j)
	return j, nil
}

// RegisterSchedule registers a recurring producer that pushes taskType
// with payload on every occurrence of spec. Re-registering an existing
// name is a no-op.
func RegisterSchedule[T any](ctx context.Context, eng *Engine, name, spec, taskType string, payload T, opts ...job.Option) error {
	data, err := eng.registry.Codec(taskType).Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode schedule payload for %q: %w: %w", name, conveyor.ErrSerialization, err)
	}

	jobOpts := eng.registry.Options(taskType)
	for _, opt := range opts {
		opt(&jobOpts)
	}

	entry, err := schedule.NewEntry(name, spec, taskType, data, jobOpts.MaxAttempts, conveyor.Now())
	if err != nil {
		return err
	}
	if err := eng.trigger.Register(ctx, entry); err != nil {
		return fmt.Errorf("register schedule %q: %w", name, err)
	}

	eng.logger.Info("schedule registered",
		slog.String("name", name),
		slog.String("spec", spec),
		slog.String("task_type", taskType),
	)
	return nil
}

// Migrate applies the store's schema migrations.
func (eng *Engine) Migrate(ctx context.Context) error {
	if err := eng.store.Migrate(ctx); err != nil {
		if errors.Is(err, conveyor.ErrMigrationFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", conveyor.ErrMigrationFailed, err)
	}
	return nil
}

// Start begins processing: the lease manager, the worker pool and the
// schedule trigger.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.c.Start(ctx)
}

// Stop gracefully shuts the engine down. In-flight jobs get the
// configured shutdown timeout unless ctx ends first.
func (eng *Engine) Stop(ctx context.Context) error {
	if d := eng.c.Config().ShutdownTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return eng.c.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Store returns the backing store.
func (eng *Engine) Store() store.Store { return eng.store }

// Leases returns the lease manager.
func (eng *Engine) Leases() *lease.Manager { return eng.leases }

// Trigger returns the schedule trigger.
func (eng *Engine) Trigger() *schedule.Trigger { return eng.trigger }

// WorkerID returns this process's worker identity.
func (eng *Engine) WorkerID() id.WorkerID { return eng.pool.WorkerID() }

// Conveyor returns the underlying Conveyor.
func (eng *Engine) Conveyor() *conveyor.Conveyor { return eng.c }
