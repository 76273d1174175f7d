package middleware_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/middleware"
)

func newSpanRecorder() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("conveyor-test")
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTracing_SpanDescribesClaimedJob(t *testing.T) {
	sr, tracer := newSpanRecorder()
	h := newHarness(t, middleware.TracingWithTracer(tracer))
	h.handle("send-email", func(context.Context, []byte) error { return nil })
	pushed := h.push(t, "send-email", 3)

	h.runNext(t)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "conveyor.job.execute" {
		t.Errorf("span name = %q", s.Name())
	}
	if s.SpanKind() != trace.SpanKindConsumer {
		t.Errorf("span kind = %v, want consumer", s.SpanKind())
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.Status().Code)
	}

	attrs := spanAttrs(s)
	if got := attrs["conveyor.job.id"].AsString(); got != pushed.ID.String() {
		t.Errorf("conveyor.job.id = %q, want %q", got, pushed.ID)
	}
	if got := attrs["conveyor.task_type"].AsString(); got != "send-email" {
		t.Errorf("conveyor.task_type = %q", got)
	}
	if got := attrs["conveyor.attempts"].AsInt64(); got != 0 {
		t.Errorf("conveyor.attempts = %d, want 0", got)
	}
	if got := attrs["conveyor.reclaims"].AsInt64(); got != 0 {
		t.Errorf("conveyor.reclaims = %d, want 0", got)
	}
}

func TestTracing_RetryCarriesAttemptCount(t *testing.T) {
	sr, tracer := newSpanRecorder()
	h := newHarness(t, middleware.TracingWithTracer(tracer))
	calls := 0
	h.handle("sync", func(context.Context, []byte) error {
		calls++
		if calls == 1 {
			return errors.New("upstream 503")
		}
		return nil
	})
	h.push(t, "sync", 3)

	h.runNext(t)
	h.runNext(t)

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}

	failed, retried := spans[0], spans[1]
	if failed.Status().Code != codes.Error || failed.Status().Description != "upstream 503" {
		t.Errorf("first run status = %+v, want Error(upstream 503)", failed.Status())
	}
	if len(failed.Events()) == 0 || failed.Events()[0].Name != "exception" {
		t.Errorf("first run events = %v, want a recorded exception", failed.Events())
	}
	if got := spanAttrs(retried)["conveyor.attempts"].AsInt64(); got != 1 {
		t.Errorf("retried run conveyor.attempts = %d, want 1", got)
	}
	if retried.Status().Code != codes.Ok {
		t.Errorf("retried run status = %v, want Ok", retried.Status().Code)
	}
}

func TestTracing_ReclaimedJobCarriesReclaimCount(t *testing.T) {
	sr, tracer := newSpanRecorder()
	h := newHarness(t, middleware.TracingWithTracer(tracer))
	h.handle("report", func(context.Context, []byte) error { return nil })
	pushed := h.push(t, "report", 3)

	// A worker claims the job and dies without heartbeating.
	ctx := context.Background()
	if _, err := h.store.ClaimNext(ctx, h.worker, time.Minute); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	n, err := h.store.ReapOrphans(ctx, job.ReapOptions{Visibility: time.Millisecond})
	if err != nil || n != 1 {
		t.Fatalf("ReapOrphans = %d, %v", n, err)
	}

	claimed := h.runNext(t)
	if claimed.ID != pushed.ID {
		t.Fatalf("claimed %s, want the reclaimed job %s", claimed.ID, pushed.ID)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	attrs := spanAttrs(spans[0])
	if got := attrs["conveyor.reclaims"].AsInt64(); got != 1 {
		t.Errorf("conveyor.reclaims = %d, want 1", got)
	}
	if got := attrs["conveyor.attempts"].AsInt64(); got != 0 {
		t.Errorf("conveyor.attempts = %d, want 0 after an orphan reclaim", got)
	}
}

func TestTracing_TerminalOutcomesMarkSpanError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"abort", job.Abort(errors.New("tenant deleted"))},
		{"permanent", job.Permanent(errors.New("invalid address"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr, tracer := newSpanRecorder()
			h := newHarness(t, middleware.TracingWithTracer(tracer))
			h.handle("task", func(context.Context, []byte) error { return tt.err })
			h.push(t, "task", 3)

			h.runNext(t)

			spans := sr.Ended()
			if len(spans) != 1 {
				t.Fatalf("ended spans = %d, want 1", len(spans))
			}
			if spans[0].Status().Code != codes.Error {
				t.Errorf("status = %v, want Error", spans[0].Status().Code)
			}
		})
	}
}

func TestTracing_HandlerRunsInsideSpan(t *testing.T) {
	sr, tracer := newSpanRecorder()
	h := newHarness(t, middleware.TracingWithTracer(tracer))

	var (
		inner   trace.SpanContext
		infoJob string
	)
	h.handle("nested", func(ctx context.Context, _ []byte) error {
		inner = trace.SpanFromContext(ctx).SpanContext()
		if info, ok := job.InfoFromContext(ctx); ok {
			infoJob = info.ID.String()
		}
		return nil
	})
	pushed := h.push(t, "nested", 1)

	h.runNext(t)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if inner.SpanID() != spans[0].SpanContext().SpanID() {
		t.Error("handler context does not carry the execution span")
	}
	if infoJob != pushed.ID.String() {
		t.Errorf("job info in handler = %q, want %q", infoJob, pushed.ID)
	}
}

func TestTracing_GlobalNoopProvider(t *testing.T) {
	h := newHarness(t, middleware.Tracing())
	ran := false
	h.handle("noop", func(context.Context, []byte) error {
		ran = true
		return nil
	})
	pushed := h.push(t, "noop", 1)

	h.runNext(t)

	if !ran {
		t.Fatal("handler did not run behind the noop tracer")
	}
	got, err := h.store.GetJob(context.Background(), pushed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateDone {
		t.Errorf("state = %s, want done", got.State)
	}
}
