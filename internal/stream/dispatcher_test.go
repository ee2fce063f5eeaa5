package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/history/types"
)

// captureSink records deliveries and can be made to fail or block.
type captureSink struct {
	mu      sync.Mutex
	sent    []Notification
	failing bool
	release chan struct{} // when non-nil, Send blocks until closed
}

func (s *captureSink) Send(ctx context.Context, n *Notification) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("transport broken")
	}
	s.sent = append(s.sent, *n)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testDispatcher(t *testing.T, cfg *config.Config) (*Registry, *Dispatcher) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.Streaming.DeliveryBackoff = time.Millisecond
	}
	registry := NewRegistry(cfg)
	dispatcher := NewDispatcher(cfg, registry, nil)
	t.Cleanup(dispatcher.Shutdown)
	return registry, dispatcher
}

func deviceChange(uri string, prev, next any) types.ResourceChange {
	return types.ResourceChange{
		ResourceURI:   uri,
		ChangeType:    types.ChangeDeviceState,
		Timestamp:     time.Now(),
		PreviousValue: prev,
		NewValue:      next,
	}
}

func TestDispatcher_DeliversToSubscriber(t *testing.T) {
	registry, dispatcher := testDispatcher(t, nil)
	uri := "loxone://rooms/Kitchen/devices"

	sink := &captureSink{}
	client := testClient("c1")
	if err := dispatcher.RegisterClient(client, sink); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Subscribe(client, uri, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	dispatcher.Dispatch(deviceChange(uri, "off", "on"))

	waitFor(t, "delivery", func() bool { return sink.count() == 1 })

	n := sink.sent[0]
	if n.Method != NotificationMethod {
		t.Errorf("expected method %s, got %s", NotificationMethod, n.Method)
	}
	if n.Params.URI != uri {
		t.Errorf("expected uri %s, got %s", uri, n.Params.URI)
	}
	if n.Params.ChangeType != types.ChangeDeviceState {
		t.Errorf("expected DeviceState, got %s", n.Params.ChangeType)
	}

	stats := dispatcher.Stats()
	if stats.NotificationsSent != 1 {
		t.Errorf("expected 1 sent, got %d", stats.NotificationsSent)
	}
}

func TestDispatcher_ChangeTypeAllowlist(t *testing.T) {
	registry, dispatcher := testDispatcher(t, nil)
	uri := "loxone://rooms/Kitchen/devices"

	sink := &captureSink{}
	client := testClient("c1")
	dispatcher.RegisterClient(client, sink)
	registry.Subscribe(client, uri, &SubscriptionFilter{
		ChangeTypes: []types.ResourceChangeType{types.ChangeDeviceState},
	})

	// A SensorValue change for the same uri is filtered out.
	dispatcher.Dispatch(types.ResourceChange{
		ResourceURI: uri,
		ChangeType:  types.ChangeSensorValue,
		Timestamp:   time.Now(),
		NewValue:    21.5,
	})
	// A DeviceState change passes.
	dispatcher.Dispatch(deviceChange(uri, "off", "on"))

	waitFor(t, "delivery", func() bool { return sink.count() == 1 })
	time.Sleep(20 * time.Millisecond) // no second delivery shows up

	if got := sink.count(); got != 1 {
		t.Fatalf("expected exactly 1 notification, got %d", got)
	}
	if sink.sent[0].Params.ChangeType != types.ChangeDeviceState {
		t.Errorf("wrong change type delivered: %s", sink.sent[0].Params.ChangeType)
	}
}

func TestDispatcher_Debounce(t *testing.T) {
	registry, dispatcher := testDispatcher(t, nil)
	uri := "loxone://rooms/Kitchen/devices"

	sink := &captureSink{}
	client := testClient("c1")
	dispatcher.RegisterClient(client, sink)
	registry.Subscribe(client, uri, &SubscriptionFilter{MinInterval: 5 * time.Second})

	// Two changes well inside the debounce window.
	dispatcher.Dispatch(deviceChange(uri, "off", "on"))
	dispatcher.Dispatch(deviceChange(uri, "on", "off"))

	waitFor(t, "delivery", func() bool { return sink.count() == 1 })
	time.Sleep(20 * time.Millisecond)

	if got := sink.count(); got != 1 {
		t.Fatalf("expected exactly 1 notification with debounce, got %d", got)
	}
	stats := dispatcher.Stats()
	if stats.Filtered != 1 {
		t.Errorf("expected 1 filtered, got %d", stats.Filtered)
	}
}

func TestDispatcher_ConcurrentDispatchDebouncesOnce(t *testing.T) {
	registry, dispatcher := testDispatcher(t, nil)
	uri := "loxone://rooms/Kitchen/devices"

	sink := &captureSink{}
	client := testClient("c1")
	dispatcher.RegisterClient(client, sink)
	registry.Subscribe(client, uri, &SubscriptionFilter{MinInterval: 5 * time.Second})

	// Parallel producers inside one debounce window: the atomic window
	// claim lets exactly one through no matter how they interleave.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Dispatch(deviceChange(uri, "off", "on"))
		}()
	}
	wg.Wait()

	waitFor(t, "delivery", func() bool { return sink.count() == 1 })
	time.Sleep(20 * time.Millisecond)

	if got := sink.count(); got != 1 {
		t.Fatalf("expected exactly 1 delivery from concurrent dispatches, got %d", got)
	}
	if stats := dispatcher.Stats(); stats.Filtered != 7 {
		t.Errorf("expected 7 filtered, got %d", stats.Filtered)
	}
}

func TestDispatcher_ChangeThreshold(t *testing.T) {
	registry, dispatcher := testDispatcher(t, nil)
	uri := "loxone://entities/temp-1"

	sink := &captureSink{}
	client := testClient("c1")
	dispatcher.RegisterClient(client, sink)
	registry.Subscribe(client, uri, &SubscriptionFilter{ChangeThreshold: 2.0})

	suppressed := types.ResourceChange{
		ResourceURI:   uri,
		ChangeType:    types.ChangeSensorValue,
		Timestamp:     time.Now(),
		PreviousValue: 20.0,
		NewValue:      20.5,
	}
	delivered := types.ResourceChange{
		ResourceURI:   uri,
		ChangeType:    types.ChangeSensorValue,
		Timestamp:     time.Now(),
		PreviousValue: 20.0,
		NewValue:      23.0,
	}

	dispatcher.Dispatch(suppressed)
	dispatcher.Dispatch(delivered)

	waitFor(t, "delivery", func() bool { return sink.count() == 1 })

	var value float64
	raw, _ := json.Marshal(sink.sent[0].Params.Data)
	json.Unmarshal(raw, &value)
	if value != 23.0 {
		t.Errorf("expected the 23.0 change delivered, got %v", value)
	}
}

func TestDispatcher_ThresholdIgnoresNonNumeric(t *testing.T) {
	registry, dispatcher := testDispatcher(t, nil)
	uri := "loxone://entities/sw-1"

	sink := &captureSink{}
	client := testClient("c1")
	dispatcher.RegisterClient(client, sink)
	registry.Subscribe(client, uri, &SubscriptionFilter{ChangeThreshold: 2.0})

	// Non-numeric values always pass the threshold filter.
	dispatcher.Dispatch(deviceChange(uri, "off", "on"))

	waitFor(t, "delivery", func() bool { return sink.count() == 1 })
}

func TestDispatcher_FailedDeliveryDropsSubscription(t *testing.T) {
	cfg := config.Default()
	cfg.Streaming.DeliveryRetries = 2
	cfg.Streaming.DeliveryBackoff = time.Millisecond
	registry, dispatcher := testDispatcher(t, cfg)
	uri := "loxone://entities/a"

	sink := &captureSink{failing: true}
	client := testClient("c1")
	dispatcher.RegisterClient(client, sink)
	registry.Subscribe(client, uri, nil)

	dispatcher.Dispatch(deviceChange(uri, "off", "on"))

	waitFor(t, "subscription drop", func() bool {
		return len(registry.SubscribersFor(uri)) == 0
	})

	stats := dispatcher.Stats()
	if stats.FailedNotifications != 1 {
		t.Errorf("expected 1 failed, got %d", stats.FailedNotifications)
	}
	if stats.RetryAttempts != 2 {
		t.Errorf("expected 2 retry attempts, got %d", stats.RetryAttempts)
	}
}

func TestDispatcher_SlowSubscriberDisconnected(t *testing.T) {
	cfg := config.Default()
	cfg.Streaming.BufferSize = 1
	cfg.Streaming.SlowSubscriberTimeout = 10 * time.Millisecond
	cfg.Streaming.DeliveryBackoff = time.Millisecond
	registry, dispatcher := testDispatcher(t, cfg)
	uri := "loxone://entities/a"

	var disconnectMu sync.Mutex
	var disconnected []StreamEvent
	registry.AddListener(func(e StreamEvent) {
		if e.Kind == EventClientDisconnected {
			disconnectMu.Lock()
			disconnected = append(disconnected, e)
			disconnectMu.Unlock()
		}
	})

	sink := &captureSink{release: make(chan struct{})}
	client := testClient("c1")
	dispatcher.RegisterClient(client, sink)
	registry.Subscribe(client, uri, nil)

	// First change is taken by the worker and blocks in Send; the second
	// fills the 1-slot channel; further ones find it full.
	dispatcher.Dispatch(deviceChange(uri, 0, 1))
	dispatcher.Dispatch(deviceChange(uri, 1, 2))
	waitFor(t, "channel full", func() bool {
		dispatcher.Dispatch(deviceChange(uri, 2, 3))
		return dispatcher.Stats().Dropped > 0
	})

	// Stay full past the timeout, then dispatch again to trip the check.
	time.Sleep(20 * time.Millisecond)
	dispatcher.Dispatch(deviceChange(uri, 3, 4))

	waitFor(t, "slow disconnect counted", func() bool {
		return dispatcher.Stats().SlowDisconnects > 0
	})

	// Unblock the worker so the forced disconnect can complete.
	close(sink.release)

	waitFor(t, "disconnect event", func() bool {
		disconnectMu.Lock()
		defer disconnectMu.Unlock()
		return len(disconnected) > 0
	})
	waitFor(t, "subscriptions removed", func() bool {
		return registry.Count() == 0
	})

	// The disconnected client receives nothing further.
	sent := sink.count()
	dispatcher.Dispatch(deviceChange(uri, 4, 5))
	time.Sleep(20 * time.Millisecond)
	if sink.count() != sent {
		t.Error("disconnected client still receiving notifications")
	}
}

func TestDispatcher_ShutdownEmitsSystemShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Streaming.DeliveryBackoff = time.Millisecond
	registry := NewRegistry(cfg)
	dispatcher := NewDispatcher(cfg, registry, nil)

	var mu sync.Mutex
	var kinds []StreamEventKind
	registry.AddListener(func(e StreamEvent) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	sink := &captureSink{}
	client := testClient("c1")
	dispatcher.RegisterClient(client, sink)
	registry.Subscribe(client, "loxone://entities/a", nil)

	dispatcher.Dispatch(deviceChange("loxone://entities/a", "off", "on"))
	dispatcher.Shutdown()

	// Pending deliveries drained before shutdown completed.
	if sink.count() != 1 {
		t.Errorf("expected 1 delivery before shutdown, got %d", sink.count())
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, k := range kinds {
		if k == EventSystemShutdown {
			found = true
		}
	}
	if !found {
		t.Error("expected a SystemShutdown event")
	}

	if err := dispatcher.RegisterClient(testClient("c2"), &captureSink{}); err == nil {
		t.Error("expected registration to fail after shutdown")
	}
}

func TestNotification_WireShape(t *testing.T) {
	c := types.ResourceChange{
		ResourceURI: "loxone://rooms/Kitchen/devices",
		ChangeType:  types.ChangeDeviceState,
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		NewValue:    "on",
		Metadata:    map[string]string{"entity_type": "switch"},
	}

	n := NewNotification(&c)
	data, err := n.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["method"] != "notifications/resources/updated" {
		t.Errorf("wrong method: %v", decoded["method"])
	}
	params := decoded["params"].(map[string]any)
	if params["uri"] != c.ResourceURI {
		t.Errorf("wrong uri: %v", params["uri"])
	}
	if params["changeType"] != "DeviceState" {
		t.Errorf("wrong changeType: %v", params["changeType"])
	}
	if params["timestamp"] != "2026-01-02T03:04:05Z" {
		t.Errorf("wrong timestamp: %v", params["timestamp"])
	}
}
