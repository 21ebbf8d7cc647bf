package protocol

import (
	"context"
	"errors"
	"sync"

	"mcpwire/jsonrpc"
)

var ErrAbandoned = errors.New("request abandoned")

// Call is the pending side of an outbound request. It settles exactly once, from
// whichever goroutine delivers the matching response or error frame.
type Call struct {
	id     jsonrpc.ID
	method string
	engine *Engine

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newCall(e *Engine, id jsonrpc.ID, method string) *Call {
	return &Call{
		id:     id,
		method: method,
		engine: e,
		done:   make(chan struct{}),
	}
}

func (c *Call) ID() jsonrpc.ID { return c.id }

func (c *Call) Method() string { return c.method }

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Await blocks until the call settles or ctx ends. Giving up on ctx leaves the call
// pending; a late response still settles it.
func (c *Call) Await(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abandon drops the pending entry so a response that never comes does not pin the
// call in memory. Waiters see ErrAbandoned.
func (c *Call) Abandon() {
	c.engine.forget(c.id)
	c.settle(nil, ErrAbandoned)
}

// settle reports whether this invocation was the one that resolved the call.
func (c *Call) settle(result any, err error) bool {
	settled := false
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
		settled = true
	})
	return settled
}
