package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/history/types"
)

func testClient(id string) ClientInfo {
	return ClientInfo{
		ID:          id,
		Transport:   TransportStdio,
		ConnectedAt: time.Now(),
	}
}

func TestRegistry_SubscribeAndLookup(t *testing.T) {
	r := NewRegistry(config.Default())

	if err := r.Subscribe(testClient("c1"), "loxone://rooms/Kitchen/devices", nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Subscribe(testClient("c2"), "loxone://rooms/Kitchen/devices", nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Subscribe(testClient("c1"), "loxone://rooms/Bath/devices", nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subs := r.SubscribersFor("loxone://rooms/Kitchen/devices")
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(subs))
	}
	if len(r.SubscribersFor("loxone://nowhere")) != 0 {
		t.Error("expected no subscribers for unknown uri")
	}
	if r.Count() != 3 {
		t.Errorf("expected 3 subscriptions total, got %d", r.Count())
	}
}

func TestRegistry_SubscribeIdempotent(t *testing.T) {
	r := NewRegistry(config.Default())
	uri := "loxone://rooms/Kitchen/devices"

	if err := r.Subscribe(testClient("c1"), uri, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Re-subscribing replaces the filter, not the record.
	filter := &SubscriptionFilter{MinInterval: 5 * time.Second}
	if err := r.Subscribe(testClient("c1"), uri, filter); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}

	if r.Count() != 1 {
		t.Fatalf("expected 1 subscription, got %d", r.Count())
	}
	subs := r.SubscribersFor(uri)
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", len(subs))
	}
	if subs[0].Filter == nil || subs[0].Filter.MinInterval != 5*time.Second {
		t.Error("filter was not replaced")
	}
}

func TestRegistry_MaxSubscribers(t *testing.T) {
	cfg := config.Default()
	cfg.Streaming.MaxSubscribers = 3
	r := NewRegistry(cfg)

	for i := 0; i < 3; i++ {
		uri := fmt.Sprintf("loxone://entities/e%d", i)
		if err := r.Subscribe(testClient("c1"), uri, nil); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	err := r.Subscribe(testClient("c2"), "loxone://entities/e9", nil)
	if err == nil {
		t.Fatal("expected capacity error")
	}
	if !errors.Is(err, types.ErrCapacity) {
		t.Errorf("expected ErrCapacity, got %v", err)
	}

	// Replacing an existing subscription still works at the cap.
	if err := r.Subscribe(testClient("c1"), "loxone://entities/e0",
		&SubscriptionFilter{MinInterval: time.Second}); err != nil {
		t.Errorf("replace at cap should succeed: %v", err)
	}
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := NewRegistry(config.Default())

	r.Subscribe(testClient("c1"), "loxone://entities/a", nil)
	r.Subscribe(testClient("c1"), "loxone://entities/b", nil)
	r.Subscribe(testClient("c2"), "loxone://entities/a", nil)

	// Single-uri unsubscribe.
	r.Unsubscribe("c1", "loxone://entities/a")
	if len(r.SubscribersFor("loxone://entities/a")) != 1 {
		t.Error("expected only c2 left on entity a")
	}

	// Empty uri removes everything for the client.
	r.Unsubscribe("c1", "")
	if r.Count() != 1 {
		t.Errorf("expected 1 subscription left, got %d", r.Count())
	}
}

func TestRegistry_OnDisconnectEmitsEvent(t *testing.T) {
	r := NewRegistry(config.Default())

	var events []StreamEvent
	r.AddListener(func(e StreamEvent) { events = append(events, e) })

	r.Subscribe(testClient("c1"), "loxone://entities/a", nil)
	r.OnDisconnect("c1", "test disconnect")

	if r.Count() != 0 {
		t.Errorf("expected 0 subscriptions, got %d", r.Count())
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != EventClientDisconnected {
		t.Errorf("expected ClientDisconnected, got %s", events[0].Kind)
	}
	if events[0].Reason != "test disconnect" {
		t.Errorf("unexpected reason %q", events[0].Reason)
	}
}

func TestRegistry_FreezeRejectsNew(t *testing.T) {
	r := NewRegistry(config.Default())
	r.Subscribe(testClient("c1"), "loxone://entities/a", nil)

	r.Freeze()

	err := r.Subscribe(testClient("c2"), "loxone://entities/b", nil)
	if !errors.Is(err, types.ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
	// Existing subscriptions stay readable.
	if len(r.SubscribersFor("loxone://entities/a")) != 1 {
		t.Error("existing subscription lost after freeze")
	}
}

func TestRegistry_ClaimNotification(t *testing.T) {
	r := NewRegistry(config.Default())
	uri := "loxone://entities/a"
	r.Subscribe(testClient("c1"), uri, nil)

	now := time.Now()
	if !r.ClaimNotification("c1", uri, 5*time.Second, now) {
		t.Fatal("first claim should pass")
	}
	if r.ClaimNotification("c1", uri, 5*time.Second, now.Add(time.Second)) {
		t.Error("claim inside the debounce window should be refused")
	}
	if !r.ClaimNotification("c1", uri, 5*time.Second, now.Add(6*time.Second)) {
		t.Error("claim after the window should pass")
	}

	subs := r.SubscribersFor(uri)
	if !subs[0].LastNotification.Equal(now.Add(6 * time.Second)) {
		t.Errorf("expected last notification to track the winning claim, got %v",
			subs[0].LastNotification)
	}
	if r.ClaimNotification("nobody", uri, 0, now) {
		t.Error("claim for an unknown subscription should be refused")
	}
}

func TestRegistry_ClaimNotificationConcurrent(t *testing.T) {
	r := NewRegistry(config.Default())
	uri := "loxone://entities/a"
	r.Subscribe(testClient("c1"), uri, nil)

	// All claims carry the same timestamp, so exactly one may win the
	// debounce window regardless of interleaving.
	now := time.Now()
	var wg sync.WaitGroup
	var claimed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.ClaimNotification("c1", uri, time.Minute, now) {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	if claimed.Load() != 1 {
		t.Errorf("expected exactly 1 claim to win, got %d", claimed.Load())
	}
}
