// Package transport moves serialized frames between two peers. Transports know nothing
// about message contents; they hand each inbound frame to the registered handler and
// write whatever frame they are given.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotRunning = errors.New("transport is not running")
	ErrClosed     = errors.New("transport closed")
)

// MessageHandler receives one complete inbound frame.
type MessageHandler func(frame []byte)

type Transport interface {
	// Send hands one serialized message to the peer.
	Send(ctx context.Context, frame []byte) error
	// SetMessageHandler registers the callback invoked once per inbound frame.
	SetMessageHandler(h MessageHandler)
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
}
