// Package protocol is the dispatch engine: it turns inbound frames into handler calls
// and replies, and correlates outbound requests with the responses that settle them.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"mcpwire/jsonrpc"
	"mcpwire/logging"
	"mcpwire/transport"
)

const tracerName = "mcpwire/protocol"

var (
	ErrNoTransport = errors.New("no transport attached")
	ErrDuplicateID = errors.New("request id already pending")
)

// RequestHandler answers a request. Returning a *jsonrpc.Error (or an error wrapping
// one) selects the exact error sent back; any other error becomes a -32000 reply.
type RequestHandler func(ctx context.Context, params map[string]any) (any, error)

// NotificationHandler consumes a notification. Its error is only logged.
type NotificationHandler func(ctx context.Context, params map[string]any) error

// Sink receives the reply the engine would otherwise hand to its transport.
type Sink func(ctx context.Context, msg *jsonrpc.Message) error

type requestEntry struct {
	handler RequestHandler
	async   bool
}

type Engine struct {
	transport transport.Transport
	log       zerolog.Logger
	tracer    trace.Tracer
	newID     func() jsonrpc.ID

	handlersMu    sync.RWMutex
	requests      map[string]requestEntry
	notifications map[string]NotificationHandler

	pendingMu sync.Mutex
	pending   map[jsonrpc.ID]*Call

	inflight sync.WaitGroup
}

// New builds an engine and installs it as t's inbound handler. t may be nil when
// messages are delivered with ProcessMessage and replies collected through a Sink.
func New(t transport.Transport, opts ...OptsFunc) *Engine {
	o := Opts{
		logger:         zerolog.Nop(),
		tracerProvider: noop.NewTracerProvider(),
		newID:          newUUID,
	}
	for _, optFunc := range opts {
		optFunc(&o)
	}

	e := &Engine{
		transport:     t,
		log:           o.logger.With().Str("component", "protocol").Logger(),
		tracer:        o.tracerProvider.Tracer(tracerName),
		newID:         o.newID,
		requests:      make(map[string]requestEntry),
		notifications: make(map[string]NotificationHandler),
		pending:       make(map[jsonrpc.ID]*Call),
	}
	if t != nil {
		t.SetMessageHandler(e.HandleFrame)
	}
	return e
}

func (e *Engine) RegisterRequestHandler(method string, h RequestHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.requests[method] = requestEntry{handler: h}
}

// RegisterAsyncRequestHandler runs h on its own goroutine. The frame that carried the
// request is released immediately and the reply is sent once h returns, so h may
// itself wait on requests to the peer.
func (e *Engine) RegisterAsyncRequestHandler(method string, h RequestHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.requests[method] = requestEntry{handler: h, async: true}
}

func (e *Engine) RegisterNotificationHandler(method string, h NotificationHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.notifications[method] = h
}

// SendRequest sends method to the peer and returns the call that its response will
// settle. There is no timeout: use Call.Await with a deadline, and Call.Abandon to
// release a call that will never be answered.
func (e *Engine) SendRequest(ctx context.Context, method string, params map[string]any) (*Call, error) {
	ctx, span := e.tracer.Start(ctx, "protocol.SendRequest", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if e.transport == nil {
		return nil, ErrNoTransport
	}

	id := e.newID()
	span.SetAttributes(attribute.String("rpc.method", method), attribute.String("rpc.id", id.String()))

	frame, err := jsonrpc.NewRequest(method, params, id).Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request %s: %w", method, err)
	}

	// Registered before sending: the response can arrive before Send returns.
	call := newCall(e, id, method)
	e.pendingMu.Lock()
	if _, taken := e.pending[id]; taken {
		e.pendingMu.Unlock()
		span.SetStatus(codes.Error, "duplicate id")
		return nil, fmt.Errorf("failed to send request %s: %w: %s", method, ErrDuplicateID, id)
	}
	e.pending[id] = call
	e.pendingMu.Unlock()

	if err := e.transport.Send(ctx, frame); err != nil {
		e.forget(id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return nil, fmt.Errorf("failed to send request %s: %w", method, err)
	}

	e.log.Debug().Str("method", method).Str("id", id.String()).Msg("request sent")
	return call, nil
}

// Request sends method and waits for the result. If ctx ends first the call is
// abandoned.
func (e *Engine) Request(ctx context.Context, method string, params map[string]any) (any, error) {
	call, err := e.SendRequest(ctx, method, params)
	if err != nil {
		return nil, err
	}
	result, err := call.Await(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		call.Abandon()
	}
	return result, err
}

// SendNotification sends a one-way message and returns it.
func (e *Engine) SendNotification(ctx context.Context, method string, params map[string]any) (*jsonrpc.Message, error) {
	msg := jsonrpc.NewNotification(method, params)
	if e.transport == nil {
		return msg, ErrNoTransport
	}
	frame, err := msg.Serialize()
	if err != nil {
		return msg, fmt.Errorf("failed to serialize notification %s: %w", method, err)
	}
	if err := e.transport.Send(ctx, frame); err != nil {
		return msg, fmt.Errorf("failed to send notification %s: %w", method, err)
	}
	return msg, nil
}

// HandleFrame is the transport callback. Nothing that goes wrong while handling an
// inbound frame escapes it: bad frames are logged and dropped.
func (e *Engine) HandleFrame(frame []byte) {
	msg, err := jsonrpc.Parse(frame)
	if err != nil {
		e.log.Warn().Err(err).Str("frame", preview(frame)).Msg("dropping malformed frame")
		return
	}
	if err := e.ProcessMessage(context.Background(), msg, nil); err != nil {
		e.log.Error().Err(err).Str("frame", preview(frame)).Msg("dropping frame")
	}
}

// ProcessMessage routes an already parsed message. Replies go to sink when it is
// non-nil, otherwise to the attached transport. The only error returned is
// jsonrpc.ErrInvalidMessageShape.
func (e *Engine) ProcessMessage(ctx context.Context, msg *jsonrpc.Message, sink Sink) error {
	switch {
	case msg.IsRequest():
		e.handleRequest(ctx, msg, sink)
	case msg.IsResponse():
		e.settle(msg.ID(), msg.Result(), nil)
	case msg.IsError():
		rpcErr := *msg.Error()
		e.settle(msg.ID(), nil, &rpcErr)
	case msg.IsNotification():
		e.handleNotification(ctx, msg)
	default:
		return fmt.Errorf("%w: %s", jsonrpc.ErrInvalidMessageShape, msg)
	}
	return nil
}

func (e *Engine) handleRequest(ctx context.Context, msg *jsonrpc.Message, sink Sink) {
	e.handlersMu.RLock()
	entry, ok := e.requests[msg.Method()]
	e.handlersMu.RUnlock()

	if !ok {
		e.log.Debug().Str("method", msg.Method()).Msg("method not found")
		e.reply(ctx, jsonrpc.NewError(jsonrpc.MethodNotFound(msg.Method()), msg.ID()), sink)
		return
	}

	if entry.async {
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			e.reply(ctx, e.invoke(ctx, entry.handler, msg), sink)
		}()
		return
	}
	e.reply(ctx, e.invoke(ctx, entry.handler, msg), sink)
}

func (e *Engine) invoke(ctx context.Context, h RequestHandler, msg *jsonrpc.Message) (reply *jsonrpc.Message) {
	ctx, span := e.tracer.Start(ctx, "protocol.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.method", msg.Method()),
			attribute.String("rpc.id", msg.ID().String()),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			e.log.Error().Err(err).Str("method", msg.Method()).Msg("request handler panicked")
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			reply = jsonrpc.NewError(jsonrpc.InternalError(err), msg.ID())
		}
	}()

	result, err := h(ctx, msg.Params())
	if err != nil {
		rpcErr := jsonrpc.AsError(err)
		e.log.Debug().Err(err).Str("method", msg.Method()).Int("code", rpcErr.Code).Msg("request handler failed")
		span.SetStatus(codes.Error, rpcErr.Message)
		return jsonrpc.NewError(rpcErr, msg.ID())
	}
	return jsonrpc.NewResponse(result, msg.ID())
}

// reply delivers exactly one message per request. A result that cannot be encoded is
// replaced with an internal error so the peer is never left waiting.
func (e *Engine) reply(ctx context.Context, msg *jsonrpc.Message, sink Sink) {
	frame, err := msg.Serialize()
	if err != nil {
		e.log.Error().Err(err).Str("id", msg.ID().String()).Msg("failed to serialize reply")
		msg = jsonrpc.NewError(jsonrpc.InternalError(err), msg.ID())
		if frame, err = msg.Serialize(); err != nil {
			return
		}
	}

	switch {
	case sink != nil:
		err = sink(ctx, msg)
	case e.transport != nil:
		err = e.transport.Send(ctx, frame)
	default:
		err = ErrNoTransport
	}
	if err != nil {
		e.log.Error().Err(err).Str("id", msg.ID().String()).Str("kind", msg.Kind()).Msg("failed to deliver reply")
	}
}

func (e *Engine) handleNotification(ctx context.Context, msg *jsonrpc.Message) {
	e.handlersMu.RLock()
	h, ok := e.notifications[msg.Method()]
	e.handlersMu.RUnlock()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("method", msg.Method()).Interface("panic", r).Msg("notification handler panicked")
		}
	}()
	if err := h(ctx, msg.Params()); err != nil {
		e.log.Error().Err(err).Str("method", msg.Method()).Msg("notification handler failed")
	}
}

// settle resolves the pending call for id. Late, duplicate and unsolicited replies
// are ignored.
func (e *Engine) settle(id jsonrpc.ID, result any, err error) {
	e.pendingMu.Lock()
	call, ok := e.pending[id]
	delete(e.pending, id)
	e.pendingMu.Unlock()

	if !ok {
		e.log.Debug().Str("id", id.String()).Msg("ignoring reply for unknown request")
		return
	}
	if err == nil {
		logging.Telemetry(e.log.With().Str("id", id.String()).Str("method", call.Method()).Logger(), "response settled", result)
	}
	call.settle(result, err)
}

func (e *Engine) forget(id jsonrpc.ID) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	delete(e.pending, id)
}

// Pending reports how many requests are still waiting for a reply.
func (e *Engine) Pending() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// Wait blocks until every async handler has replied.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) Start(ctx context.Context) error {
	if e.transport == nil {
		return ErrNoTransport
	}
	return e.transport.Start(ctx)
}

func (e *Engine) Stop() error {
	if e.transport == nil {
		return nil
	}
	return e.transport.Stop()
}

func (e *Engine) IsRunning() bool {
	return e.transport != nil && e.transport.IsRunning()
}

func preview(frame []byte) string {
	const limit = 256
	if len(frame) > limit {
		return string(frame[:limit]) + "..."
	}
	return string(frame)
}
