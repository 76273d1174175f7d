package job

import (
	"context"

	"github.com/xraph/conveyor/id"
)

// Info is the read-only job metadata visible to a running handler.
type Info struct {
	ID          id.JobID
	TaskType    string
	Attempts    int
	MaxAttempts int
	Reclaims    int
}

type infoKey struct{}

// WithInfo returns a context carrying the metadata of j.
func WithInfo(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, infoKey{}, Info{
		ID:          j.ID,
		TaskType:    j.TaskType,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Reclaims:    j.Reclaims,
	})
}

// InfoFromContext returns the metadata of the job being executed.
func InfoFromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}
