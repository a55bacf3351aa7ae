// Package broker defines the pub/sub abstraction used for cross-component
// and cross-process delivery, together with the channel vocabulary shared by
// all runtimes. Delivery is at-least-once: recipients tolerate duplicates by
// construction (matching rules plus current state make redelivery a no-op).
package broker

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by operations that require a live connection.
var ErrNotConnected = errors.New("broker: not connected")

// MessageHandler handles messages delivered on a subscribed channel.
type MessageHandler interface {
	HandleMessage(message []byte) error
}

// HandlerFunc adapts a function to the MessageHandler interface.
type HandlerFunc func(message []byte) error

// HandleMessage calls the underlying function.
func (f HandlerFunc) HandleMessage(message []byte) error { return f(message) }

// MessageBroker is the pub/sub surface shared by all backends. Publish is
// fire-and-forget; Subscribe replaces any previous handler for the channel.
type MessageBroker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(channel string, handler MessageHandler) error
	Unsubscribe(channel string) error
}
