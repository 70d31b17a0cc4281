package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"test", false},
		{"reverie.peer.p1.heartbeat", false},
		{"reverie.*.announce", false},
		{"reverie.>", false},
		{"", true},
		{"a..b", true},
		{"a.>.b", true},
		{"has space", true},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			err := ValidateSubject(tt.subject)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSubject(%q) error = %v, wantErr %v", tt.subject, err, tt.wantErr)
			}
		})
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b", "a.b", true},
		{"a.b", "a.c", false},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"*.b.*", "x.b.y", true},
		{"a.b.c", "a.b", false},
	}
	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("test")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish("test", []byte("hello"))

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Subject != "test" {
			t.Errorf("subject = %q, want %q", msg.Subject, "test")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub1, _ := bus.Subscribe("test")
	sub2, _ := bus.Subscribe("test")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	bus.Publish("test", []byte("hello"))

	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			if string(msg.Data) != "hello" {
				t.Errorf("sub%d: data = %q, want %q", i+1, msg.Data, "hello")
			}
		case <-time.After(time.Second):
			t.Errorf("sub%d: timeout", i+1)
		}
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	all, _ := bus.Subscribe("reverie.announce.>")
	one, _ := bus.Subscribe("reverie.announce.alice")

	bus.Publish("reverie.announce.bob", []byte("b"))
	bus.Publish("reverie.announce.alice", []byte("a"))

	got := 0
	for got < 2 {
		select {
		case <-all.Messages():
			got++
		case <-time.After(time.Second):
			t.Fatalf("wildcard subscriber got %d of 2", got)
		}
	}
	select {
	case msg := <-one.Messages():
		if string(msg.Data) != "a" {
			t.Errorf("exact subscriber got %q", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("exact subscriber got nothing")
	}
	select {
	case msg := <-one.Messages():
		t.Errorf("exact subscriber got extra message %q", msg.Data)
	default:
	}
}

func TestMemoryBus_Request(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("service")
	go func() {
		for msg := range sub.Messages() {
			Respond(bus, msg, []byte("pong"))
		}
	}()
	defer sub.Unsubscribe()

	// Sequential requests must get distinct reply subjects.
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		reply, err := bus.Request(ctx, "service", []byte("ping"))
		cancel()
		if err != nil {
			t.Fatalf("Request %d error: %v", i, err)
		}
		if string(reply.Data) != "pong" {
			t.Errorf("reply = %q, want %q", reply.Data, "pong")
		}
	}
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	// Subscribed but never answers.
	sub, _ := bus.Subscribe("service")
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := bus.Request(ctx, "service", []byte("ping"))
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestMemoryBus_RequestNoResponders(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	start := time.Now()
	_, err := bus.Request(context.Background(), "nobody.home", []byte("ping"))
	if err != ErrNoResponders {
		t.Errorf("expected ErrNoResponders, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("no-responder request should fail fast")
	}
}

func TestMemoryBus_RequestCanceled(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()
	sub, _ := bus.Subscribe("service")
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bus.Request(ctx, "service", nil); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// --- Failure Tests ---

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe("test"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}

	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if _, err := bus.Request(context.Background(), "test", nil); err != ErrNoResponders {
		t.Errorf("unsubscribed subject should have no responders, got %v", err)
	}
}

func TestMemoryBus_CloseClosesSubscriptions(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("test")
	bus.Close()

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed")
	}
}

func TestMemoryBus_ConcurrentPublishUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 1})
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub, _ := bus.Subscribe("churn")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish("churn", []byte("x"))
			}
		}()
		go func() {
			defer wg.Done()
			sub.Unsubscribe()
		}()
	}
	wg.Wait()
}

func TestMemoryBus_BufferFull(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 2})
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		if err := bus.Publish("test", []byte("msg")); err != nil {
			t.Fatalf("Publish should not fail on full buffer: %v", err)
		}
	}
	if n := len(sub.Messages()); n != 2 {
		t.Errorf("buffered = %d, want 2", n)
	}
}

func BenchmarkMemoryBus_Publish(b *testing.B) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("bench")
	go func() {
		for range sub.Messages() {
		}
	}()

	data := []byte("benchmark message")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish("bench", data)
	}
}
