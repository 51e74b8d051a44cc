// Package transport defines the behavioral contract a peer connection must
// satisfy, modeled as a capability set rather than an inheritance
// hierarchy: connect, disconnect, exchange_vc, send, receive.
// Concrete adapters (wstransport, filedrop) implement this interface; the
// sync loop only depends on it.
package transport

import "context"

// Transport is the contract a peer connection must satisfy.
type Transport interface {
	// Connect establishes a session with the peer.
	Connect(ctx context.Context) error

	// Disconnect releases the session. Idempotent.
	Disconnect(ctx context.Context) error

	// ExchangeVectorClock is side-effect-free: it sends local and returns
	// the peer's current vector clock.
	ExchangeVectorClock(ctx context.Context, local map[string]uint64) (peer map[string]uint64, err error)

	// SendOperations delivers an encoded bundle and returns the number of
	// operations the peer accepted. Partial failures are all-or-nothing
	// per call.
	SendOperations(ctx context.Context, bundlePath string) (accepted int, err error)

	// ReceiveOperations returns a bundle path the peer thinks we lack, or
	// an empty string if there is nothing new.
	ReceiveOperations(ctx context.Context) (bundlePath string, err error)
}
