package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBrokerConfig holds connection settings for the Redis broker.
type RedisBrokerConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix namespaces every channel, so multiple deployments can share
	// one Redis instance. Empty means no prefix.
	Prefix string
}

// RedisBroker implements MessageBroker over Redis pub/sub. The connection is
// lazy: NewRedisBroker only records the config and Connect dials. Messages
// are JSON payloads published on prefix-namespaced channels.
type RedisBroker struct {
	cfg    RedisBrokerConfig
	logger *slog.Logger

	mu     sync.Mutex
	client redis.UniversalClient
	subs   map[string]*redisSubscription
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBroker creates a disconnected Redis broker. A nil logger falls
// back to slog.Default().
func NewRedisBroker(cfg RedisBrokerConfig, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]*redisSubscription),
	}
}

// NewRedisBrokerWithClient creates a broker over a pre-built client. This is
// intended for testing.
func NewRedisBrokerWithClient(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBroker {
	b := NewRedisBroker(RedisBrokerConfig{Prefix: prefix}, logger)
	b.client = client
	return b
}

func (b *RedisBroker) channelName(channel string) string {
	if b.cfg.Prefix == "" {
		return channel
	}
	return b.cfg.Prefix + ":" + channel
}

// Connect dials Redis and verifies the connection with PING.
func (b *RedisBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}

	opts := &redis.Options{Addr: b.cfg.Address, DB: b.cfg.DB}
	if b.cfg.Password != "" {
		opts.Password = b.cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis broker: ping failed: %w", err)
	}
	b.client = client
	b.logger.Info("Redis broker connected", "address", b.cfg.Address)
	return nil
}

// Disconnect closes all subscriptions and the client.
func (b *RedisBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, sub := range b.subs {
		sub.cancel()
		if err := sub.pubsub.Close(); err != nil {
			b.logger.Error("failed to close subscription", "channel", channel, "error", err)
		}
		delete(b.subs, channel)
	}
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	if err != nil {
		return fmt.Errorf("redis broker: close: %w", err)
	}
	return nil
}

// IsConnected reports whether a client is established.
func (b *RedisBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil
}

// Publish sends a message to a channel. Fire-and-forget: delivery to
// disconnected subscribers is not retried.
func (b *RedisBroker) Publish(ctx context.Context, channel string, message []byte) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	if err := client.Publish(ctx, b.channelName(channel), message).Err(); err != nil {
		return fmt.Errorf("redis broker: publish to %q: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler for a channel and starts its receive loop.
// Subscribing requires an established connection.
func (b *RedisBroker) Subscribe(channel string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return ErrNotConnected
	}

	if old, ok := b.subs[channel]; ok {
		old.cancel()
		_ = old.pubsub.Close()
		delete(b.subs, channel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.channelName(channel))
	b.subs[channel] = &redisSubscription{pubsub: pubsub, cancel: cancel}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler.HandleMessage([]byte(msg.Payload)); err != nil {
					b.logger.Error("Redis broker handler failed",
						"channel", channel, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Unsubscribe stops the channel's receive loop.
func (b *RedisBroker) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[channel]
	if !ok {
		return nil
	}
	sub.cancel()
	delete(b.subs, channel)
	if err := sub.pubsub.Close(); err != nil {
		return fmt.Errorf("redis broker: unsubscribe %q: %w", channel, err)
	}
	return nil
}

var _ MessageBroker = (*RedisBroker)(nil)
