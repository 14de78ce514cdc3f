package messaging

import (
	"context"
)

// Transport moves frames between peers
type Transport interface {
	// Send writes one encoded frame
	Send(ctx context.Context, frame []byte) error

	// Receive calls handle with each piece of inbound bytes until the
	// transport is closed or ctx is done. Pieces may split or join frames;
	// handle must not retain the slice after it returns.
	Receive(ctx context.Context, handle func(chunk []byte)) error

	// Close closes the transport
	Close() error

	// IsConnected returns connection status
	IsConnected() bool
}
