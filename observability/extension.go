package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

// meterName is the instrumentation scope name for lifecycle counters.
const meterName = "github.com/xraph/conveyor/observability"

// Compile-time interface checks.
var (
	_ ext.Extension      = (*MetricsExtension)(nil)
	_ ext.JobPushed      = (*MetricsExtension)(nil)
	_ ext.JobDone        = (*MetricsExtension)(nil)
	_ ext.JobRetrying    = (*MetricsExtension)(nil)
	_ ext.JobKilled      = (*MetricsExtension)(nil)
	_ ext.JobFailed      = (*MetricsExtension)(nil)
	_ ext.JobRescheduled = (*MetricsExtension)(nil)
	_ ext.JobsReclaimed  = (*MetricsExtension)(nil)
	_ ext.ScheduleFired  = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters with OpenTelemetry.
// Register it as an extension to track push rates, outcomes per task type,
// orphan reclaims and schedule firings.
type MetricsExtension struct {
	JobPushed      metric.Int64Counter
	JobDone        metric.Int64Counter
	JobRetried     metric.Int64Counter
	JobKilled      metric.Int64Counter
	JobFailed      metric.Int64Counter
	JobRescheduled metric.Int64Counter
	JobsReclaimed  metric.Int64Counter
	ScheduleFired  metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter. Instrument creation errors fall back to noop counters.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc)) //nolint:errcheck // noop fallback
		return c
	}
	return &MetricsExtension{
		JobPushed:      counter("conveyor.job.pushed", "Jobs persisted by producers"),
		JobDone:        counter("conveyor.job.done", "Jobs acknowledged as done"),
		JobRetried:     counter("conveyor.job.retried", "Failed runs returned to pending"),
		JobKilled:      counter("conveyor.job.killed", "Jobs aborted or out of attempts"),
		JobFailed:      counter("conveyor.job.failed", "Jobs failed permanently"),
		JobRescheduled: counter("conveyor.job.rescheduled", "Jobs rescheduled by their handler"),
		JobsReclaimed:  counter("conveyor.job.reclaimed", "Orphaned jobs returned to pending"),
		ScheduleFired:  counter("conveyor.schedule.fired", "Schedule firings that pushed a job"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func taskAttr(j *job.Job) metric.AddOption {
	return metric.WithAttributes(attribute.String("task_type", j.TaskType))
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobPushed implements ext.JobPushed.
func (m *MetricsExtension) OnJobPushed(ctx context.Context, j *job.Job) error {
	m.JobPushed.Add(ctx, 1, taskAttr(j))
	return nil
}

// OnJobDone implements ext.JobDone.
func (m *MetricsExtension) OnJobDone(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.JobDone.Add(ctx, 1, taskAttr(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ error) error {
	m.JobRetried.Add(ctx, 1, taskAttr(j))
	return nil
}

// OnJobKilled implements ext.JobKilled.
func (m *MetricsExtension) OnJobKilled(ctx context.Context, j *job.Job, _ error) error {
	m.JobKilled.Add(ctx, 1, taskAttr(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.JobFailed.Add(ctx, 1, taskAttr(j))
	return nil
}

// OnJobRescheduled implements ext.JobRescheduled.
func (m *MetricsExtension) OnJobRescheduled(ctx context.Context, j *job.Job, _ time.Time) error {
	m.JobRescheduled.Add(ctx, 1, taskAttr(j))
	return nil
}

// ── Lease and schedule hooks ────────────────────────

// OnJobsReclaimed implements ext.JobsReclaimed.
func (m *MetricsExtension) OnJobsReclaimed(ctx context.Context, count int64) error {
	m.JobsReclaimed.Add(ctx, count)
	return nil
}

// OnScheduleFired implements ext.ScheduleFired.
func (m *MetricsExtension) OnScheduleFired(ctx context.Context, name string, _ id.JobID) error {
	m.ScheduleFired.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", name)))
	return nil
}
