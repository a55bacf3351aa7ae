package broker

import (
	"context"
	"log/slog"
	"sync"
)

// InMemoryBroker dispatches messages in-process. Dispatch is deliberately
// asynchronous: messages are handed to a dispatcher goroutine and delivered
// on a later scheduling turn, mimicking network semantics so callers never
// re-enter the engine synchronously from a Publish.
type InMemoryBroker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	handlers  map[string]MessageHandler
	queue     []queuedMessage
	inFlight  int
	connected bool
	stop      bool
	logger    *slog.Logger
}

type queuedMessage struct {
	channel string
	payload []byte
}

// NewInMemoryBroker creates a disconnected in-memory broker. A nil logger
// falls back to slog.Default().
func NewInMemoryBroker(logger *slog.Logger) *InMemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &InMemoryBroker{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Connect starts the dispatcher goroutine.
func (b *InMemoryBroker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true
	b.stop = false
	go b.dispatch()
	return nil
}

// Disconnect stops the dispatcher. Queued messages are dropped.
func (b *InMemoryBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	b.stop = true
	b.queue = nil
	b.cond.Broadcast()
	return nil
}

// IsConnected reports whether the dispatcher is running.
func (b *InMemoryBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Publish enqueues a message for asynchronous delivery.
func (b *InMemoryBroker) Publish(_ context.Context, channel string, message []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	msg := queuedMessage{channel: channel, payload: make([]byte, len(message))}
	copy(msg.payload, message)
	b.queue = append(b.queue, msg)
	b.cond.Broadcast()
	return nil
}

// Subscribe registers the handler for a channel, replacing any previous one.
func (b *InMemoryBroker) Subscribe(channel string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = handler
	return nil
}

// Unsubscribe removes the channel's handler.
func (b *InMemoryBroker) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, channel)
	return nil
}

// Flush blocks until every message published so far has been delivered.
// Test code uses this instead of sleeping.
func (b *InMemoryBroker) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) > 0 || b.inFlight > 0 {
		b.cond.Wait()
	}
}

// dispatch delivers queued messages in publish order until Disconnect.
func (b *InMemoryBroker) dispatch() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stop {
			b.cond.Wait()
		}
		if b.stop {
			b.mu.Unlock()
			return
		}
		msg := b.queue[0]
		b.queue = b.queue[1:]
		handler := b.handlers[msg.channel]
		b.inFlight++
		b.mu.Unlock()

		if handler != nil {
			if err := handler.HandleMessage(msg.payload); err != nil {
				b.logger.Error("in-memory broker handler failed",
					"channel", msg.channel, "error", err)
			}
		}

		b.mu.Lock()
		b.inFlight--
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

var _ MessageBroker = (*InMemoryBroker)(nil)
