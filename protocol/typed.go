package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"mcpwire/jsonrpc"
)

// Handle registers a request handler with a typed result.
func Handle[R any](e *Engine, method string, fn func(ctx context.Context, params map[string]any) (R, error)) {
	e.RegisterRequestHandler(method, func(ctx context.Context, params map[string]any) (any, error) {
		return fn(ctx, params)
	})
}

// HandleParams registers a request handler whose params are decoded into P first.
// Params that do not decode are answered with -32602.
func HandleParams[P, R any](e *Engine, method string, fn func(ctx context.Context, params P) (R, error)) {
	e.RegisterRequestHandler(method, func(ctx context.Context, raw map[string]any) (any, error) {
		params, err := Decode[P](raw)
		if err != nil {
			return nil, jsonrpc.InvalidParams(err.Error())
		}
		return fn(ctx, params)
	})
}

// Decode converts a decoded JSON value (a result, or a params map) into T.
func Decode[T any](v any) (T, error) {
	var out T
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("failed to re-marshal %T: %w", v, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode into %T: %w", out, err)
	}
	return out, nil
}

// Params converts a struct into the params map sent on the wire.
func Params(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return Decode[map[string]any](v)
}

// RequestAs sends method with params built from v and decodes the result into R.
func RequestAs[R any](ctx context.Context, e *Engine, method string, v any) (R, error) {
	var zero R
	params, err := Params(v)
	if err != nil {
		return zero, err
	}
	result, err := e.Request(ctx, method, params)
	if err != nil {
		return zero, err
	}
	return Decode[R](result)
}
