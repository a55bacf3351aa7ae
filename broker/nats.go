package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBroker implements MessageBroker over a NATS connection. Handlers may
// be registered before Connect; pending subscriptions are activated once the
// connection is established.
type NATSBroker struct {
	url    string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *nats.Conn
	handlers map[string]MessageHandler
	subs     map[string]*nats.Subscription
}

// NewNATSBroker creates a disconnected NATS broker. An empty url selects
// nats.DefaultURL; a nil logger falls back to slog.Default().
func NewNATSBroker(url string, logger *slog.Logger) *NATSBroker {
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBroker{
		url:      url,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
		subs:     make(map[string]*nats.Subscription),
	}
}

// Connect dials NATS and activates any pending subscriptions.
func (b *NATSBroker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}

	conn, err := nats.Connect(b.url)
	if err != nil {
		return fmt.Errorf("nats broker: connect to %s: %w", b.url, err)
	}
	b.conn = conn

	for channel, handler := range b.handlers {
		if err := b.subscribeLocked(channel, handler); err != nil {
			return err
		}
	}

	b.logger.Info("NATS broker connected", "url", b.url)
	return nil
}

// Disconnect drops all subscriptions and closes the connection.
func (b *NATSBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Error("failed to unsubscribe", "channel", channel, "error", err)
		}
		delete(b.subs, channel)
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	return nil
}

// IsConnected reports whether the NATS connection is established.
func (b *NATSBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.IsConnected()
}

// Publish sends a message to a channel.
func (b *NATSBroker) Publish(_ context.Context, channel string, message []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Publish(channel, message); err != nil {
		return fmt.Errorf("nats broker: publish to %q: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler for a channel. If the broker is already
// connected the subscription is activated immediately; otherwise it becomes
// pending until Connect.
func (b *NATSBroker) Subscribe(channel string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[channel] = handler
	if b.conn == nil {
		return nil
	}
	if old, ok := b.subs[channel]; ok {
		_ = old.Unsubscribe()
		delete(b.subs, channel)
	}
	return b.subscribeLocked(channel, handler)
}

func (b *NATSBroker) subscribeLocked(channel string, handler MessageHandler) error {
	h := handler
	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		if err := h.HandleMessage(msg.Data); err != nil {
			b.logger.Error("NATS broker handler failed", "channel", channel, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats broker: subscribe to %q: %w", channel, err)
	}
	b.subs[channel] = sub
	return nil
}

// Unsubscribe removes the handler and drops any active subscription.
func (b *NATSBroker) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, channel)
	sub, ok := b.subs[channel]
	if !ok {
		return nil
	}
	delete(b.subs, channel)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats broker: unsubscribe from %q: %w", channel, err)
	}
	return nil
}

var _ MessageBroker = (*NATSBroker)(nil)
