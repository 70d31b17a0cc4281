package bus

import (
	"context"
	"os"
	"testing"
	"time"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	bus.Close()

	return url
}

func newTestNATSBus(t *testing.T) *NATSBus {
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

// --- Integration Tests ---

func TestNATSBus_PubSub(t *testing.T) {
	bus := newTestNATSBus(t)

	sub, err := bus.Subscribe("reverie.test.announce.>")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()
	bus.Conn().Flush()

	if err := bus.Publish("reverie.test.announce.alice", []byte("hello nats")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello nats" {
			t.Errorf("data = %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestNATSBus_Request(t *testing.T) {
	bus := newTestNATSBus(t)

	sub, _ := bus.Subscribe("reverie.test.peer.p1.heartbeat")
	defer sub.Unsubscribe()
	go func() {
		for msg := range sub.Messages() {
			Respond(bus, msg, []byte("ack"))
		}
	}()
	bus.Conn().Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := bus.Request(ctx, "reverie.test.peer.p1.heartbeat", []byte("hb"))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != "ack" {
		t.Errorf("reply = %q", reply.Data)
	}
}

func TestNATSBus_RequestNoResponders(t *testing.T) {
	bus := newTestNATSBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := bus.Request(ctx, "reverie.test.peer.nobody.heartbeat", []byte("hb"))
	if err != ErrNoResponders && err != ErrTimeout {
		t.Errorf("expected ErrNoResponders or ErrTimeout, got %v", err)
	}
}

func TestNATSBus_InvalidURL(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.MaxReconnects = 0

	if _, err := NewNATSBus(cfg); err == nil {
		t.Error("expected connection error")
	}
}

func TestNATSBus_PublishAfterClose(t *testing.T) {
	bus := newTestNATSBus(t)
	bus.Close()

	if err := bus.Publish("reverie.test", []byte("x")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
