package middleware_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/middleware"
	"github.com/xraph/conveyor/store/memory"
	"github.com/xraph/conveyor/worker"
)

// harness runs claimed jobs through a real executor so middleware sees the
// job records the store hands out.
type harness struct {
	store    *memory.Store
	registry *job.Registry
	executor *worker.Executor
	worker   id.WorkerID
}

func newHarness(t *testing.T, mws ...middleware.Middleware) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	s := memory.New(memory.WithRetryPolicy(backoff.NewPolicy(backoff.NewConstant(0))))
	reg := job.NewRegistry()
	return &harness{
		store:    s,
		registry: reg,
		executor: worker.NewExecutor(reg, ext.NewRegistry(logger), s, logger, mws...),
		worker:   id.NewWorkerID(),
	}
}

func (h *harness) handle(taskType string, fn job.HandlerFunc) {
	h.registry.Register(taskType, fn, job.DefaultOptions(), nil)
}

func (h *harness) push(t *testing.T, taskType string, maxAttempts int) *job.Job {
	t.Helper()
	j, err := job.New(taskType, nil, job.Options{MaxAttempts: maxAttempts})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.Push(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	return j
}

// runNext claims the next job and executes it.
func (h *harness) runNext(t *testing.T) *job.Job {
	t.Helper()
	ctx := context.Background()
	claimed, err := h.store.ClaimNext(ctx, h.worker, time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext = %v, %v", claimed, err)
	}
	if err := h.executor.Execute(ctx, claimed, claimed.Lease()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return claimed
}
