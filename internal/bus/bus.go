// Package bus is the at-most-once publish/subscribe channel between the
// orchestrator and robot agents. Messages are opaque byte payloads addressed
// by topic; see internal/protocol for the envelopes.
package bus

import (
	"context"
	"errors"
)

// ErrDisconnected is returned by Publish while the bus cannot deliver.
var ErrDisconnected = errors.New("bus disconnected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bus closed")

// Handler receives one message. Handlers for the same subscription are
// called sequentially in delivery order.
type Handler func(ctx context.Context, data []byte)

// Bus is implemented by *MemoryBus and *NATSBus.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe registers h for messages on topic. The returned function
	// removes the subscription.
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
	Connected() bool
	Close() error
}
