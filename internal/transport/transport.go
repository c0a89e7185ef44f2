// Package transport carries control-channel envelopes between the agent
// and the relay. Framing, handshake and keep-alive live here; the agent
// only sees whole envelopes.
package transport

import (
	"context"
	"errors"

	"cpe-tunnel/internal/message"
)

var ErrHandshake = errors.New("transport: handshake failed")

// Conn is one established control channel. Send may be called from any
// goroutine; Recv from a single reader. Recv returns a *message.ParseError
// for a malformed envelope and the channel remains usable.
type Conn interface {
	Send(env *message.Envelope) error
	Recv() (*message.Envelope, error)
	Close() error
}

// Dialer establishes control channels.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
