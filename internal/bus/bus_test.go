package bus

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMemoryBus_SubscribeUnsubscribe(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	unsub, err := b.Subscribe("a", func(_ context.Context, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for _, m := range []string{"1", "2", "3"} {
		if err := b.Publish(ctx, "a", []byte(m)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if err := b.Publish(ctx, "other", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	if got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("order: %v", got)
	}
	mu.Unlock()

	unsub()
	unsub()
	if err := b.Publish(ctx, "a", []byte("4")); err != nil {
		t.Fatalf("Publish after unsub: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("received after unsubscribe: %v", got)
	}
}

func TestMemoryBus_HandlerMayPublish(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	done := make(chan struct{})
	if _, err := b.Subscribe("pong", func(context.Context, []byte) { close(done) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.Subscribe("ping", func(ctx context.Context, data []byte) {
		_ = b.Publish(ctx, "pong", data)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Publish(ctx, "ping", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pong not delivered")
	}
}

func TestMemoryBus_DisconnectedAndClosed(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus()
	ctx := context.Background()
	b.SetConnected(false)
	if b.Connected() {
		t.Fatal("expected disconnected")
	}
	if err := b.Publish(ctx, "a", nil); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("want ErrDisconnected, got %v", err)
	}
	b.SetConnected(true)
	if err := b.Publish(ctx, "a", []byte("kept")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if h := b.History("a", 0); len(h) != 1 || string(h[0].Data) != "kept" {
		t.Fatalf("history: %+v", h)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Subscribe("a", func(context.Context, []byte) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestNATSBus_skipIfNoURL(t *testing.T) {
	url := os.Getenv("FLEET_NATS_URL")
	if url == "" {
		t.Skip("FLEET_NATS_URL not set, skipping nats test")
	}
	ctx := context.Background()
	b, err := DialNATS(ctx, NATSOptions{URL: url, Name: "bus-test"})
	if err != nil {
		t.Fatalf("DialNATS: %v", err)
	}
	defer func() { _ = b.Close() }()
	got := make(chan string, 1)
	if _, err := b.Subscribe("fleet.test.echo", func(_ context.Context, data []byte) { got <- string(data) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Publish(ctx, "fleet.test.echo", []byte("hi")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case v := <-got:
		if v != "hi" {
			t.Fatalf("got %q", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
	}
}

func TestDialNATS_givesUpAfterAttempts(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := DialNATS(ctx, NATSOptions{URL: "nats://127.0.0.1:1", ConnectAttempts: 1})
	if err == nil {
		t.Fatal("expected dial error")
	}
}
