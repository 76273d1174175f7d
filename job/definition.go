package job

import "context"

// Definition is a typed job definition with a handler function.
// T is the payload type; it must be encodable by Codec.
type Definition[T any] struct {
	// Name is the task type this definition handles.
	Name string

	// Handler is the function that processes the job payload.
	Handler func(ctx context.Context, payload T) error

	// Opts configures attempts and timeout for pushed jobs.
	Opts Options

	// Codec encodes and decodes the payload. Nil means JSON.
	Codec Codec
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
		Codec:   JSONCodec{},
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// WithCodec returns def with its payload codec replaced.
func (def *Definition[T]) WithCodec(c Codec) *Definition[T] {
	def.Codec = c
	return def
}
