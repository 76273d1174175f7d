package job

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/conveyor"
)

// HandlerFunc is a type-erased job handler that accepts the raw payload.
// The typed Definition[T] is converted to a HandlerFunc at registration
// time by closing over the codec and the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

type registration struct {
	handler HandlerFunc
	opts    Options
	codec   Codec
}

// Registry maps task types to type-erased handler functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]registration),
	}
}

// RegisterDefinition registers a typed job definition. The generic handler
// is wrapped in a closure that decodes the payload into T before calling
// the typed handler. Decode failures match conveyor.ErrSerialization.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	codec := def.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	handler := func(ctx context.Context, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := codec.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("decode payload for task %q: %w: %w", def.Name, conveyor.ErrSerialization, err)
			}
		}
		return def.Handler(ctx, t)
	}

	r.Register(def.Name, handler, def.Opts, codec)
}

// Register adds a raw handler for taskType, replacing any previous one.
func (r *Registry) Register(taskType string, h HandlerFunc, opts Options, codec Codec) {
	if codec == nil {
		codec = JSONCodec{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = registration{handler: h, opts: opts, codec: codec}
}

// Get returns the handler for the given task type.
// Returns false if no handler is registered.
func (r *Registry) Get(taskType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[taskType]
	return reg.handler, ok
}

// Options returns the options registered with taskType, or DefaultOptions
// when the task type is unknown.
func (r *Registry) Options(taskType string) Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.handlers[taskType]; ok {
		return reg.opts
	}
	return DefaultOptions()
}

// Codec returns the payload codec for taskType, JSON when unknown.
func (r *Registry) Codec(taskType string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.handlers[taskType]; ok {
		return reg.codec
	}
	return JSONCodec{}
}

// Names returns all registered task types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
