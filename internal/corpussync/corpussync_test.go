package corpussync

import (
	"context"
	"testing"
	"time"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.SyncConfig{
		Enabled:    true,
		RedisAddr:  "localhost:6379",
		RedisDB:    15,
		CampaignID: "corpussync-test",
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	c.rdb.Del(context.Background(), c.key)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewDisabledReturnsNilClient(t *testing.T) {
	c, err := New(config.SyncConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c != nil {
		t.Fatal("expected nil client for disabled sync")
	}
	// Nil-client methods must be safe no-ops.
	if err := c.Publish(context.Background(), Record{UUID: "x"}); err != nil {
		t.Fatalf("Publish on nil client: %v", err)
	}
	ch := c.Subscribe(context.Background())
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel from nil client Subscribe")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil client: %v", err)
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	c := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := c.Subscribe(ctx)
	time.Sleep(50 * time.Millisecond)

	want := Record{UUID: "abc-123", Payload: []byte("AAAA"), BitmapDigest: []byte{1, 2, 3}}
	if err := c.Publish(context.Background(), want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.UUID != want.UUID || string(got.Payload) != string(want.Payload) {
			t.Fatalf("got %#v, want %#v", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected a record on the subscribe channel")
	}
}

func TestPublishPersistsBeforeSubscriber(t *testing.T) {
	c := newTestClient(t)

	rec := Record{UUID: "early", Payload: []byte("Z")}
	if err := c.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := c.Subscribe(ctx)

	select {
	case got := <-ch:
		if got.UUID != "early" {
			t.Fatalf("got %#v, want UUID=early", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected the pre-published record to survive until subscribe")
	}
}
