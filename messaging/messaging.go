// Package messaging defines the transport-agnostic contract chunks,
// discovery and the transaction engine use to talk to remote peers.
// SPEC_FULL.md §5 asks for context-scoped calls with per-call timeouts,
// layered on top of the teacher's switchboard/switch.go dial-cache-and-
// retry-on-shutdown RPC pattern.
package messaging

import (
	"context"

	"github.com/chunkswarm/swarmstore/clock"
	"github.com/chunkswarm/swarmstore/id"
)

// Envelope wraps every message exchanged between peers with the sender's
// identity and logical clock sample, so the receiving Clock can Synchronize
// before acting on Payload (spec.md §4.A).
type Envelope struct {
	Kind    string
	Payload []byte
	Sender  id.PeerID
	Time    clock.Time
}

// Transport is the contract a chunk, the discovery service and the
// transaction engine use to reach a specific peer address. Implementations
// own connection lifetime and retry policy; callers only see ctx
// cancellation and a reply or an error.
type Transport interface {
	// Call sends kind and payload to addr and decodes the reply into
	// reply. ctx bounds the whole round trip, including any dial.
	Call(ctx context.Context, addr, kind string, payload []byte, reply *Envelope) error

	// Serve registers handler under name so peers dialing this process
	// can reach it via Call. Safe to call multiple times with distinct
	// names.
	Serve(name string, handler Handler) error

	// Close releases any cached connections. Safe to call more than
	// once.
	Close() error
}

// Handler processes one incoming Envelope and returns the reply payload or
// an error, which the transport turns into an RPC-level error for the
// caller.
type Handler interface {
	Handle(ctx context.Context, in Envelope) (Envelope, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, in Envelope) (Envelope, error)

func (f HandlerFunc) Handle(ctx context.Context, in Envelope) (Envelope, error) {
	return f(ctx, in)
}
