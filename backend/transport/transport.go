// Package transport defines the control-channel contract between peers and
// the Mux that runs virtual connections over any announcement medium.
package transport

import (
	"context"
	"errors"
)

var (
	ErrUnreachable  = errors.New("peer unreachable")
	ErrClosed       = errors.New("connection closed")
	ErrNotListening = errors.New("transport is not listening")
)

// Conn is a control channel to one peer. Messages are delivered in order.
//
// OnMessage handlers must not block. Messages received before a handler is
// set are held and delivered to it once it is.
type Conn interface {
	Send(b []byte) error
	OnMessage(fn func(b []byte))
	// OnClose registers fn to be called once when the connection closes,
	// from either side. If it is already closed fn is called right away.
	OnClose(fn func())
	Close() error
	RemoteAddress() string
}

// Transport connects peers of one room.
type Transport interface {
	// Listen makes self reachable in room. accept is called for every
	// connection opened by a remote peer.
	Listen(ctx context.Context, room, self string, accept func(Conn)) error
	// Open connects to remote. It fails with ErrUnreachable when the remote
	// is known to be gone and with the context error when it does not
	// answer in time.
	Open(ctx context.Context, remote string) (Conn, error)
	Close() error
}
