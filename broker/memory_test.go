package broker

import (
	"context"
	"sync"
	"testing"
)

type collector struct {
	mu       sync.Mutex
	messages []string
}

func (c *collector) HandleMessage(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, string(message))
	return nil
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	copy(out, c.messages)
	return out
}

func TestInMemoryBrokerDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(nil)
	if err := b.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.Disconnect(ctx)

	c := &collector{}
	if err := b.Subscribe("orders", c); err != nil {
		t.Fatal(err)
	}

	for _, msg := range []string{"a", "b", "c"} {
		if err := b.Publish(ctx, "orders", []byte(msg)); err != nil {
			t.Fatal(err)
		}
	}
	b.Flush()

	got := c.got()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("messages out of order: %v", got)
	}
}

func TestInMemoryBrokerDispatchIsAsynchronous(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(nil)
	if err := b.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.Disconnect(ctx)

	// A handler that publishes back to the broker must not deadlock: if
	// dispatch were synchronous this would re-enter Publish under delivery.
	echo := &collector{}
	if err := b.Subscribe("echo", echo); err != nil {
		t.Fatal(err)
	}
	if err := b.Subscribe("ping", HandlerFunc(func(msg []byte) error {
		return b.Publish(ctx, "echo", msg)
	})); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(ctx, "ping", []byte("x")); err != nil {
		t.Fatal(err)
	}
	b.Flush()

	if got := echo.got(); len(got) != 1 || got[0] != "x" {
		t.Errorf("echo not delivered: %v", got)
	}
}

func TestInMemoryBrokerRequiresConnection(t *testing.T) {
	b := NewInMemoryBroker(nil)
	if err := b.Publish(context.Background(), "orders", []byte("x")); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if b.IsConnected() {
		t.Error("broker should start disconnected")
	}
}

func TestInMemoryBrokerUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBroker(nil)
	if err := b.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.Disconnect(ctx)

	c := &collector{}
	if err := b.Subscribe("orders", c); err != nil {
		t.Fatal(err)
	}
	if err := b.Unsubscribe("orders"); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "orders", []byte("x")); err != nil {
		t.Fatal(err)
	}
	b.Flush()

	if got := c.got(); len(got) != 0 {
		t.Errorf("unsubscribed handler received %v", got)
	}
}

func TestComponentChannel(t *testing.T) {
	if got := ComponentChannel("orders"); got != "xcomponent:orders" {
		t.Errorf("ComponentChannel = %q", got)
	}
}
