// Package transport provides the message channels the protocol server
// runs over: process stdio, a loopback HTTP listener, and NATS
// request/reply.
package transport

import "context"

// Transport is a bidirectional JSON-RPC message channel. Messages are
// complete envelopes without framing; each implementation owns its own
// framing. ReadMessage returns io.EOF once the peer is gone for good.
// The protocol server processes one message fully before reading the
// next, so implementations may assume at most one response is pending.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	WriteNotification(ctx context.Context, data []byte) error
	Close() error
}
