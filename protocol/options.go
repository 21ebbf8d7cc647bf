package protocol

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"mcpwire/jsonrpc"
)

type Opts struct {
	logger         zerolog.Logger
	tracerProvider trace.TracerProvider
	newID          func() jsonrpc.ID
}

type OptsFunc func(o *Opts)

// WithLogger sets where swallowed failures are reported. The default discards them.
func WithLogger(log zerolog.Logger) OptsFunc {
	return func(o *Opts) {
		o.logger = log
	}
}

func WithTracerProvider(tp trace.TracerProvider) OptsFunc {
	return func(o *Opts) {
		o.tracerProvider = tp
	}
}

// WithIDGenerator replaces the random UUID correlation ids. Generated ids must be
// unique for the lifetime of the engine.
func WithIDGenerator(fn func() jsonrpc.ID) OptsFunc {
	return func(o *Opts) {
		o.newID = fn
	}
}

func newUUID() jsonrpc.ID {
	return jsonrpc.StringID(uuid.NewString())
}
