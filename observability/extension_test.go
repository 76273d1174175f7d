package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/observability"
)

func newTestExtension(t *testing.T) (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:       id.NewJobID(),
		TaskType: "send-email",
	}
}

// counterValue sums all data points of the named counter.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension(t)
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_Hooks(t *testing.T) {
	e, reader := newTestExtension(t)
	ctx := context.Background()
	j := newTestJob()

	calls := []error{
		e.OnJobPushed(ctx, j),
		e.OnJobPushed(ctx, j),
		e.OnJobDone(ctx, j, 100*time.Millisecond),
		e.OnJobRetrying(ctx, j, errors.New("timeout")),
		e.OnJobKilled(ctx, j, errors.New("exhausted")),
		e.OnJobFailed(ctx, j, errors.New("bad input")),
		e.OnJobRescheduled(ctx, j, time.Now().Add(time.Minute)),
		e.OnJobsReclaimed(ctx, 4),
		e.OnScheduleFired(ctx, "nightly", id.NewJobID()),
	}
	for i, err := range calls {
		if err != nil {
			t.Fatalf("hook %d: unexpected error: %v", i, err)
		}
	}

	want := map[string]int64{
		"conveyor.job.pushed":      2,
		"conveyor.job.done":        1,
		"conveyor.job.retried":     1,
		"conveyor.job.killed":      1,
		"conveyor.job.failed":      1,
		"conveyor.job.rescheduled": 1,
		"conveyor.job.reclaimed":   4,
		"conveyor.schedule.fired":  1,
	}
	for name, v := range want {
		if got := counterValue(t, reader, name); got != v {
			t.Errorf("%s = %d, want %d", name, got, v)
		}
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e, reader := newTestExtension(t)
	r := ext.NewRegistry(slog.Default())
	r.Register(e)

	ctx := context.Background()
	for range 3 {
		r.EmitJobDone(ctx, newTestJob(), time.Millisecond)
	}

	if got := counterValue(t, reader, "conveyor.job.done"); got != 3 {
		t.Errorf("conveyor.job.done = %d, want 3", got)
	}
}

func TestMetricsExtension_DefaultNoopSafe(t *testing.T) {
	e := observability.NewMetricsExtension()
	if err := e.OnJobPushed(context.Background(), newTestJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
