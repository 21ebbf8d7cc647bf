package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpwire/jsonrpc"
	"mcpwire/transport"
)

// fakeTransport records outbound frames and lets tests inject inbound ones.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	handler transport.MessageHandler
	running bool
	sendErr error
}

func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) SetMessageHandler(h transport.MessageHandler) { f.handler = h }
func (f *fakeTransport) Start(context.Context) error                 { f.running = true; return nil }
func (f *fakeTransport) Stop() error                                 { f.running = false; return nil }
func (f *fakeTransport) IsRunning() bool                             { return f.running }

func (f *fakeTransport) deliver(frame string) { f.handler([]byte(frame)) }

func (f *fakeTransport) messages(t *testing.T) []*jsonrpc.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*jsonrpc.Message, 0, len(f.sent))
	for _, frame := range f.sent {
		msg, err := jsonrpc.Parse(frame)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func sequentialIDs() func() jsonrpc.ID {
	var mu sync.Mutex
	n := 0
	return func() jsonrpc.ID {
		mu.Lock()
		defer mu.Unlock()
		n++
		return jsonrpc.StringID(fmt.Sprintf("req-%d", n))
	}
}

func newTestEngine(opts ...OptsFunc) (*Engine, *fakeTransport) {
	ft := &fakeTransport{}
	opts = append([]OptsFunc{WithIDGenerator(sequentialIDs())}, opts...)
	return New(ft, opts...), ft
}

// collect is a Sink that keeps every reply.
type collect struct {
	mu   sync.Mutex
	msgs []*jsonrpc.Message
}

func (c *collect) sink(_ context.Context, msg *jsonrpc.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collect) all() []*jsonrpc.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*jsonrpc.Message(nil), c.msgs...)
}

func TestNewInstallsHandler(t *testing.T) {
	_, ft := newTestEngine()
	assert.NotNil(t, ft.handler)
}

func TestSendRequestResolvesWithResult(t *testing.T) {
	e, ft := newTestEngine()
	ctx := context.Background()

	call, err := e.SendRequest(ctx, "m", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, jsonrpc.StringID("req-1"), call.ID())
	assert.Equal(t, 1, e.Pending())

	sent := ft.messages(t)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].IsRequest())
	assert.Equal(t, "m", sent[0].Method())
	assert.Equal(t, map[string]any{"x": float64(1)}, sent[0].Params())

	ft.deliver(`{"jsonrpc":"2.0","id":"req-1","result":{"value":[1,2,3]}}`)

	result, err := call.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": []any{float64(1), float64(2), float64(3)}}, result)
	assert.Equal(t, 0, e.Pending())
}

func TestResultPassesThroughUnmodified(t *testing.T) {
	e, _ := newTestEngine()
	call, err := e.SendRequest(context.Background(), "m", nil)
	require.NoError(t, err)

	type custom struct{ N int }
	want := &custom{N: 7}
	require.NoError(t, e.ProcessMessage(context.Background(), jsonrpc.NewResponse(want, call.ID()), nil))

	got, err := call.Await(context.Background())
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestErrorFrameRejectsWithStructuredError(t *testing.T) {
	e, ft := newTestEngine()
	call, err := e.SendRequest(context.Background(), "tools/run", nil)
	require.NoError(t, err)

	ft.deliver(`{"jsonrpc":"2.0","id":"req-1","error":{"code":-32000,"message":"boom","data":{"tool":"x"}}}`)

	_, err = call.Await(context.Background())
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "boom", rpcErr.Message)
	assert.Equal(t, map[string]any{"tool": "x"}, rpcErr.Data)
	assert.Equal(t, 0, e.Pending())
}

func TestOutOfOrderResponses(t *testing.T) {
	e, ft := newTestEngine()
	ctx := context.Background()

	a, err := e.SendRequest(ctx, "a", nil)
	require.NoError(t, err)
	b, err := e.SendRequest(ctx, "b", nil)
	require.NoError(t, err)

	ft.deliver(`{"jsonrpc":"2.0","id":"req-2","result":"B"}`)

	result, err := b.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", result)

	select {
	case <-a.Done():
		t.Fatal("request A settled by B's response")
	default:
	}
	assert.Equal(t, 1, e.Pending())

	ft.deliver(`{"jsonrpc":"2.0","id":"req-1","result":"A"}`)
	result, err = a.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", result)
}

func TestUnsolicitedRepliesAreIgnored(t *testing.T) {
	e, ft := newTestEngine()
	called := false
	e.RegisterRequestHandler("x", func(context.Context, map[string]any) (any, error) {
		called = true
		return nil, nil
	})
	pendingCall, err := e.SendRequest(context.Background(), "x", nil)
	require.NoError(t, err)

	require.NoError(t, e.ProcessMessage(context.Background(), jsonrpc.NewResponse("late", jsonrpc.StringID("nope")), nil))
	require.NoError(t, e.ProcessMessage(context.Background(),
		jsonrpc.NewError(jsonrpc.NewErrorObject(1, "x", nil), jsonrpc.StringID("nope")), nil))

	assert.False(t, called)
	assert.Len(t, ft.messages(t), 1)
	assert.Equal(t, 1, e.Pending())
	select {
	case <-pendingCall.Done():
		t.Fatal("unrelated reply settled the call")
	default:
	}
}

func TestDuplicateResponseSettlesOnce(t *testing.T) {
	e, ft := newTestEngine()
	call, err := e.SendRequest(context.Background(), "x", nil)
	require.NoError(t, err)

	ft.deliver(`{"jsonrpc":"2.0","id":"req-1","result":1}`)
	ft.deliver(`{"jsonrpc":"2.0","id":"req-1","result":2}`)

	result, err := call.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(1), result)
}

func TestUnknownMethodRepliesMethodNotFound(t *testing.T) {
	_, ft := newTestEngine()
	ft.deliver(`{"jsonrpc":"2.0","method":"mcp/nope","id":"abc","params":{}}`)

	sent := ft.messages(t)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].IsError())
	assert.Equal(t, jsonrpc.StringID("abc"), sent[0].ID())
	assert.Equal(t, jsonrpc.CodeMethodNotFound, sent[0].Error().Code)
	assert.Equal(t, map[string]any{"method": "mcp/nope"}, sent[0].Error().Data)
}

func TestRequestHandlerSuccess(t *testing.T) {
	e, _ := newTestEngine()
	e.RegisterRequestHandler("calc", func(_ context.Context, params map[string]any) (any, error) {
		assert.NotNil(t, params)
		return map[string]any{"ok": true}, nil
	})

	var out collect
	require.NoError(t, e.ProcessMessage(context.Background(),
		jsonrpc.NewRequest("calc", map[string]any{}, jsonrpc.StringID("id-1")), out.sink))

	replies := out.all()
	require.Len(t, replies, 1)
	assert.True(t, replies[0].IsResponse())
	assert.Equal(t, jsonrpc.StringID("id-1"), replies[0].ID())
	assert.Equal(t, map[string]any{"ok": true}, replies[0].Result())
}

func TestSinkTakesPriorityOverTransport(t *testing.T) {
	e, ft := newTestEngine()
	e.RegisterRequestHandler("calc", func(context.Context, map[string]any) (any, error) { return 1, nil })

	var out collect
	require.NoError(t, e.ProcessMessage(context.Background(),
		jsonrpc.NewRequest("calc", nil, jsonrpc.StringID("id-1")), out.sink))
	assert.Len(t, out.all(), 1)
	assert.Empty(t, ft.messages(t))

	require.NoError(t, e.ProcessMessage(context.Background(),
		jsonrpc.NewRequest("calc", nil, jsonrpc.StringID("id-2")), nil))
	assert.Len(t, ft.messages(t), 1)
}

func TestMissingParamsDefaultToEmptyMap(t *testing.T) {
	e, _ := newTestEngine()
	var got map[string]any
	e.RegisterRequestHandler("calc", func(_ context.Context, params map[string]any) (any, error) {
		got = params
		return nil, nil
	})

	var out collect
	require.NoError(t, e.ProcessMessage(context.Background(),
		jsonrpc.NewRequest("calc", nil, jsonrpc.StringID("id-1")), out.sink))
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestStructuredHandlerErrorForwarded(t *testing.T) {
	e, _ := newTestEngine()
	e.RegisterRequestHandler("explode", func(context.Context, map[string]any) (any, error) {
		return nil, fmt.Errorf("wrapped: %w", jsonrpc.NewErrorObject(-32000, "boom", map[string]any{"why": "x"}))
	})

	var out collect
	require.NoError(t, e.ProcessMessage(context.Background(),
		jsonrpc.NewRequest("explode", nil, jsonrpc.StringID("id-2")), out.sink))

	replies := out.all()
	require.Len(t, replies, 1)
	assert.True(t, replies[0].IsError())
	assert.Equal(t, jsonrpc.StringID("id-2"), replies[0].ID())
	assert.Equal(t, -32000, replies[0].Error().Code)
	assert.Equal(t, "boom", replies[0].Error().Message)
	assert.Equal(t, map[string]any{"why": "x"}, replies[0].Error().Data)
}

func TestPlainHandlerErrorCoerced(t *testing.T) {
	e, _ := newTestEngine()
	e.RegisterRequestHandler("fail", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("disk full")
	})

	var out collect
	require.NoError(t, e.ProcessMessage(context.Background(),
		jsonrpc.NewRequest("fail", nil, jsonrpc.StringID("id-3")), out.sink))

	replies := out.all()
	require.Len(t, replies, 1)
	assert.Equal(t, jsonrpc.CodeServerError, replies[0].Error().Code)
	assert.Equal(t, map[string]any{"error": "disk full"}, replies[0].Error().Data)
}

func TestTypedNilHandlerErrorCoerced(t *testing.T) {
	e, _ := newTestEngine()
	e.RegisterRequestHandler("nil-error", func(context.Context, map[string]any) (any, error) {
		var rpcErr *jsonrpc.Error
		return nil, rpcErr
	})

	var out collect
	require.NoError(t, e.ProcessMessage(context.Background(),
		jsonrpc.NewRequest("nil-error", nil, jsonrpc.StringID("id-5")), out.sink))

	replies := out.all()
	require.Len(t, replies, 1)
	assert.Equal(t, jsonrpc.CodeServerError, replies[0].Error().Code)
	assert.Equal(t, jsonrpc.StringID("id-5"), replies[0].ID())
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	e, _ := newTestEngine()
	e.RegisterRequestHandler("panic", func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})

	var out collect
	require.NoError(t, e.ProcessMessage(context.Background(),
		jsonrpc.NewRequest("panic", nil, jsonrpc.StringID("id-4")), out.sink))

	replies := out.all()
	require.Len(t, replies, 1)
	assert.Equal(t, jsonrpc.CodeInternalError, replies[0].Error().Code)
}

func TestUnencodableResultBecomesInternalError(t *testing.T) {
	e, ft := newTestEngine()
	e.RegisterRequestHandler("chan", func(context.Context, map[string]any) (any, error) {
		return make(chan int), nil
	})

	ft.deliver(`{"jsonrpc":"2.0","method":"chan","id":"c"}`)

	sent := ft.messages(t)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].IsError())
	assert.Equal(t, jsonrpc.CodeInternalError, sent[0].Error().Code)
}

func TestLastRegistrationWins(t *testing.T) {
	e, _ := newTestEngine()
	e.RegisterRequestHandler("v", func(context.Context, map[string]any) (any, error) { return 1, nil })
	e.RegisterRequestHandler("v", func(context.Context, map[string]any) (any, error) { return 2, nil })

	var out collect
	require.NoError(t, e.ProcessMessage(context.Background(), jsonrpc.NewRequest("v", nil, jsonrpc.StringID("1")), out.sink))
	assert.Equal(t, 2, out.all()[0].Result())

	var hits []int
	e.RegisterNotificationHandler("n", func(context.Context, map[string]any) error { hits = append(hits, 1); return nil })
	e.RegisterNotificationHandler("n", func(context.Context, map[string]any) error { hits = append(hits, 2); return nil })
	require.NoError(t, e.ProcessMessage(context.Background(), jsonrpc.NewNotification("n", nil), nil))
	assert.Equal(t, []int{2}, hits)
}

func TestNotificationDispatch(t *testing.T) {
	var buf bytes.Buffer
	e, ft := newTestEngine(WithLogger(zerolog.New(&buf)))

	var got map[string]any
	e.RegisterNotificationHandler("mcp/log", func(_ context.Context, params map[string]any) error {
		got = params
		return nil
	})
	e.RegisterNotificationHandler("mcp/fail", func(context.Context, map[string]any) error {
		return errors.New("handler broke")
	})

	ft.deliver(`{"jsonrpc":"2.0","method":"mcp/log","params":{"level":"info"}}`)
	assert.Equal(t, map[string]any{"level": "info"}, got)

	ft.deliver(`{"jsonrpc":"2.0","method":"mcp/fail"}`)
	assert.Contains(t, buf.String(), "handler broke")

	ft.deliver(`{"jsonrpc":"2.0","method":"mcp/unregistered"}`)
	assert.Empty(t, ft.messages(t))
}

func TestMalformedFrameLoggedAndDropped(t *testing.T) {
	var buf bytes.Buffer
	e, ft := newTestEngine(WithLogger(zerolog.New(&buf)))

	assert.NotPanics(t, func() { ft.deliver(`{not json`) })
	assert.Contains(t, buf.String(), "dropping malformed frame")
	assert.Empty(t, ft.messages(t))
	assert.Equal(t, 0, e.Pending())
}

func TestInvalidShape(t *testing.T) {
	var buf bytes.Buffer
	e, ft := newTestEngine(WithLogger(zerolog.New(&buf)))

	garbage, err := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","id":"1"}`))
	require.NoError(t, err)
	assert.ErrorIs(t, e.ProcessMessage(context.Background(), garbage, nil), jsonrpc.ErrInvalidMessageShape)

	ft.deliver(`{"jsonrpc":"2.0","method":"m","id":"1","result":1}`)
	assert.Contains(t, buf.String(), "invalid message shape")
	assert.Empty(t, ft.messages(t))
}

func TestSendFailureRemovesPending(t *testing.T) {
	e, ft := newTestEngine()
	ft.sendErr = errors.New("pipe closed")

	_, err := e.SendRequest(context.Background(), "m", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipe closed")
	assert.Equal(t, 0, e.Pending())

	_, err = e.SendNotification(context.Background(), "n", nil)
	require.Error(t, err)
}

func TestSendNotificationReturnsMessage(t *testing.T) {
	e, ft := newTestEngine()
	msg, err := e.SendNotification(context.Background(), "mcp/log", map[string]any{"m": "hi"})
	require.NoError(t, err)
	assert.True(t, msg.IsNotification())
	assert.Equal(t, 0, e.Pending())
	assert.Len(t, ft.messages(t), 1)
}

func TestNoTransport(t *testing.T) {
	e := New(nil)
	_, err := e.SendRequest(context.Background(), "m", nil)
	assert.ErrorIs(t, err, ErrNoTransport)
	assert.ErrorIs(t, e.Start(context.Background()), ErrNoTransport)
	assert.False(t, e.IsRunning())
	assert.NoError(t, e.Stop())
}

func TestLifecycleForwardsToTransport(t *testing.T) {
	e, ft := newTestEngine()
	assert.False(t, e.IsRunning())
	require.NoError(t, e.Start(context.Background()))
	assert.True(t, ft.running)
	assert.True(t, e.IsRunning())
	require.NoError(t, e.Stop())
	assert.False(t, e.IsRunning())
}

func TestAwaitContextLeavesCallPending(t *testing.T) {
	e, ft := newTestEngine()
	call, err := e.SendRequest(context.Background(), "slow", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = call.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, e.Pending())

	ft.deliver(`{"jsonrpc":"2.0","id":"req-1","result":"late"}`)
	result, err := call.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", result)
}

func TestAbandon(t *testing.T) {
	e, ft := newTestEngine()
	call, err := e.SendRequest(context.Background(), "slow", nil)
	require.NoError(t, err)

	call.Abandon()
	assert.Equal(t, 0, e.Pending())
	_, err = call.Await(context.Background())
	assert.ErrorIs(t, err, ErrAbandoned)

	assert.NotPanics(t, func() { ft.deliver(`{"jsonrpc":"2.0","id":"req-1","result":"late"}`) })
}

func TestRequestAbandonsOnContextEnd(t *testing.T) {
	e, _ := newTestEngine()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := e.Request(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, e.Pending())
}

func TestAsyncHandlerDefersReply(t *testing.T) {
	e, ft := newTestEngine()
	release := make(chan struct{})
	e.RegisterAsyncRequestHandler("wait", func(context.Context, map[string]any) (any, error) {
		<-release
		return "done", nil
	})

	ft.deliver(`{"jsonrpc":"2.0","method":"wait","id":"w1"}`)
	assert.Empty(t, ft.messages(t))

	close(release)
	e.Wait()

	sent := ft.messages(t)
	require.Len(t, sent, 1)
	assert.Equal(t, jsonrpc.StringID("w1"), sent[0].ID())
	assert.Equal(t, "done", sent[0].Result())
}

func TestAsyncHandlerCanCallPeer(t *testing.T) {
	e, ft := newTestEngine()
	e.RegisterAsyncRequestHandler("outer", func(ctx context.Context, _ map[string]any) (any, error) {
		return e.Request(ctx, "inner", nil)
	})

	ft.deliver(`{"jsonrpc":"2.0","method":"outer","id":"o1"}`)

	require.Eventually(t, func() bool { return e.Pending() == 1 }, time.Second, time.Millisecond)
	ft.deliver(`{"jsonrpc":"2.0","id":"req-1","result":"from peer"}`)
	e.Wait()

	sent := ft.messages(t)
	require.Len(t, sent, 2)
	assert.True(t, sent[0].IsRequest())
	assert.Equal(t, "from peer", sent[1].Result())
	assert.Equal(t, jsonrpc.StringID("o1"), sent[1].ID())
}

func TestNumericRequestIDEchoed(t *testing.T) {
	e, ft := newTestEngine()
	e.RegisterRequestHandler("ping", func(context.Context, map[string]any) (any, error) { return map[string]any{}, nil })

	ft.deliver(`{"jsonrpc":"2.0","method":"ping","id":7}`)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.sent, 1)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{}}`, string(ft.sent[0]))
}

func TestDefaultIDsAreUnique(t *testing.T) {
	ft := &fakeTransport{}
	e := New(ft)
	a, err := e.SendRequest(context.Background(), "a", nil)
	require.NoError(t, err)
	b, err := e.SendRequest(context.Background(), "b", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, a.ID().String(), 36)
}

func TestDuplicateGeneratedIDRejected(t *testing.T) {
	ft := &fakeTransport{}
	e := New(ft, WithIDGenerator(func() jsonrpc.ID { return jsonrpc.StringID("same") }))
	ctx := context.Background()

	first, err := e.SendRequest(ctx, "a", nil)
	require.NoError(t, err)

	_, err = e.SendRequest(ctx, "b", nil)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, e.Pending())
	assert.Len(t, ft.messages(t), 1)

	ft.deliver(`{"jsonrpc":"2.0","id":"same","result":"A"}`)
	result, err := first.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", result)
}

func TestNumericAndStringIDsAreDistinct(t *testing.T) {
	ft := &fakeTransport{}
	e := New(ft, WithIDGenerator(func() jsonrpc.ID { return jsonrpc.StringID("1") }))
	call, err := e.SendRequest(context.Background(), "m", nil)
	require.NoError(t, err)

	ft.deliver(`{"jsonrpc":"2.0","id":1,"result":"number"}`)
	select {
	case <-call.Done():
		t.Fatal("numeric id settled a string id call")
	default:
	}
	assert.Equal(t, 1, e.Pending())

	ft.deliver(`{"jsonrpc":"2.0","id":"1","result":"string"}`)
	result, err := call.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "string", result)
}

func TestSettledResultLoggedAtDebug(t *testing.T) {
	var buf bytes.Buffer
	e, ft := newTestEngine(WithLogger(zerolog.New(&buf)))
	call, err := e.SendRequest(context.Background(), "tools/list", nil)
	require.NoError(t, err)

	ft.deliver(`{"jsonrpc":"2.0","id":"req-1","result":{"tools":[]}}`)
	_, err = call.Await(context.Background())
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `"content":{"tools":[]}`)
	assert.Contains(t, buf.String(), `"method":"tools/list"`)
	assert.Contains(t, buf.String(), `"message":"response settled"`)
}
