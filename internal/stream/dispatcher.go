package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/history/types"
	"github.com/domohist/domohist/internal/logging"
)

var dlog = logging.Component("dispatcher")

// queuedNotification is one pending delivery on a client channel.
type queuedNotification struct {
	notification Notification
	uri          string
	enqueuedAt   time.Time
}

// client is the dispatcher's view of one connected subscriber: a bounded
// delivery channel drained by a dedicated worker.
type client struct {
	info ClientInfo
	sink Sink
	ch   chan queuedNotification

	// fullSince is set when an enqueue first finds the channel full and
	// cleared on the next successful enqueue. Exceeding the slow
	// subscriber timeout forces a disconnect.
	fullSince time.Time

	done chan struct{}
}

// Dispatcher fans resource changes out to subscribed clients. One worker
// per client drains that client's channel; a slow client is disconnected,
// never allowed to stall the others.
type Dispatcher struct {
	cfg      *config.Config
	registry *Registry
	metrics  *Metrics

	mu      sync.Mutex
	clients map[string]*client
	closed  bool

	wg sync.WaitGroup

	statsMu sync.Mutex
	stats   DispatchStats
	latency *ddsketch.DDSketch
	totalMs float64
}

// DispatchStats holds running dispatch totals.
type DispatchStats struct {
	NotificationsSent   int64   `json:"notifications_sent"`
	FailedNotifications int64   `json:"failed_notifications"`
	RetryAttempts       int64   `json:"retry_attempts"`
	Filtered            int64   `json:"filtered"`
	Dropped             int64   `json:"dropped"`
	SlowDisconnects     int64   `json:"slow_disconnects"`
	AverageDispatchMs   float64 `json:"average_dispatch_time_ms"`
	DispatchP50Ms       float64 `json:"dispatch_p50_ms"`
	DispatchP95Ms       float64 `json:"dispatch_p95_ms"`
	DispatchP99Ms       float64 `json:"dispatch_p99_ms"`
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(cfg *config.Config, registry *Registry, metrics *Metrics) *Dispatcher {
	if cfg == nil {
		cfg = config.Default()
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		// Only reachable with an invalid relative accuracy constant.
		panic(fmt.Sprintf("create latency sketch: %v", err))
	}

	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics,
		clients:  make(map[string]*client),
		latency:  sketch,
	}
}

// RegisterClient attaches a client's transport sink and starts its delivery
// worker. Re-registering an id replaces the previous sink.
func (d *Dispatcher) RegisterClient(info ClientInfo, sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("register client %s: %w", info.ID, types.ErrShuttingDown)
	}

	if old, ok := d.clients[info.ID]; ok {
		close(old.ch)
		<-old.done
	}

	c := &client{
		info: info,
		sink: sink,
		ch:   make(chan queuedNotification, d.cfg.Streaming.BufferSize),
		done: make(chan struct{}),
	}
	d.clients[info.ID] = c

	d.wg.Add(1)
	go d.deliveryWorker(c)

	dlog.Info("client registered", "client_id", info.ID, "transport", info.Transport)
	return nil
}

// RemoveClient detaches a client, closing its channel and sink. Pending
// notifications are drained by the worker before it exits.
func (d *Dispatcher) RemoveClient(clientID, reason string) {
	d.mu.Lock()
	c, ok := d.clients[clientID]
	if ok {
		delete(d.clients, clientID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	close(c.ch)
	<-c.done
	c.sink.Close()
	d.registry.OnDisconnect(clientID, reason)
}

// Dispatch fans one change out to the resource's subscribers, applying each
// subscription's filter. It never blocks on a full client channel.
func (d *Dispatcher) Dispatch(change types.ResourceChange) {
	subs := d.registry.SubscribersFor(change.ResourceURI)
	if len(subs) == 0 {
		return
	}

	now := time.Now()
	for i := range subs {
		sub := &subs[i]
		if !d.passesFilter(sub, &change) {
			d.statsMu.Lock()
			d.stats.Filtered++
			d.statsMu.Unlock()
			continue
		}

		// The debounce window is claimed through the registry so the
		// check and the timestamp update are atomic; filtering on the
		// subscription copy would let concurrent dispatches both pass.
		var minInterval time.Duration
		if sub.Filter != nil {
			minInterval = sub.Filter.MinInterval
		}
		if !d.registry.ClaimNotification(sub.Client.ID, change.ResourceURI, minInterval, now) {
			d.statsMu.Lock()
			d.stats.Filtered++
			d.statsMu.Unlock()
			continue
		}

		d.enqueue(sub, &change, now)
	}
}

// passesFilter applies a subscription's allowlist and threshold filters.
// The debounce interval is claimed separately through the registry.
func (d *Dispatcher) passesFilter(sub *ClientSubscription, change *types.ResourceChange) bool {
	f := sub.Filter
	if f == nil {
		return true
	}

	if len(f.ChangeTypes) > 0 {
		allowed := false
		for _, t := range f.ChangeTypes {
			if t == change.ChangeType {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if f.ChangeThreshold > 0 {
		if delta, ok := change.NumericDelta(); ok && delta < f.ChangeThreshold {
			return false
		}
	}

	return true
}

// enqueue puts a notification on the client's channel without blocking.
// A full channel past the slow subscriber timeout disconnects the client.
func (d *Dispatcher) enqueue(sub *ClientSubscription, change *types.ResourceChange, now time.Time) {
	clientID := sub.Client.ID

	d.mu.Lock()
	c, ok := d.clients[clientID]
	if !ok {
		d.mu.Unlock()
		return
	}

	item := queuedNotification{
		notification: NewNotification(change),
		uri:          change.ResourceURI,
		enqueuedAt:   now,
	}

	select {
	case c.ch <- item:
		c.fullSince = time.Time{}
		d.mu.Unlock()
		return
	default:
	}

	// Channel full: drop this notification and check the slow timeout.
	if c.fullSince.IsZero() {
		c.fullSince = now
	}
	slow := now.Sub(c.fullSince) > d.cfg.Streaming.SlowSubscriberTimeout
	d.mu.Unlock()

	d.statsMu.Lock()
	d.stats.Dropped++
	d.statsMu.Unlock()
	if d.metrics != nil {
		d.metrics.NotificationsDropped.Inc()
	}

	if slow {
		d.statsMu.Lock()
		d.stats.SlowDisconnects++
		d.statsMu.Unlock()
		dlog.Warn("slow subscriber disconnected", "client_id", clientID,
			"timeout", d.cfg.Streaming.SlowSubscriberTimeout)
		go d.RemoveClient(clientID, "slow subscriber")
	}
}

// deliveryWorker drains one client's channel, retrying failed sends with
// bounded backoff. A delivery that exhausts its retries drops that
// subscription; other clients are unaffected.
func (d *Dispatcher) deliveryWorker(c *client) {
	defer d.wg.Done()
	defer close(c.done)

	for item := range c.ch {
		d.deliver(c, item)
	}
}

func (d *Dispatcher) deliver(c *client, item queuedNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backoff := d.cfg.Streaming.DeliveryBackoff
	attempts := d.cfg.Streaming.DeliveryRetries

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.sink.Send(ctx, &item.notification)
		if err == nil {
			elapsed := time.Since(item.enqueuedAt)
			d.recordSuccess(c.info.ID, item.uri, elapsed)
			return
		}
		lastErr = err

		d.statsMu.Lock()
		d.stats.RetryAttempts++
		d.statsMu.Unlock()
		if d.metrics != nil {
			d.metrics.DeliveryRetries.Inc()
		}

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			attempt = attempts
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	d.statsMu.Lock()
	d.stats.FailedNotifications++
	d.statsMu.Unlock()
	if d.metrics != nil {
		d.metrics.NotificationsFailed.Inc()
	}

	dlog.Warn("delivery failed, dropping subscription",
		"client_id", c.info.ID, "uri", item.uri, "error", lastErr)
	d.registry.Unsubscribe(c.info.ID, item.uri)
	d.registry.emit(StreamEvent{
		Kind:     EventNotificationSent,
		ClientID: c.info.ID,
		URI:      item.uri,
		Success:  false,
		Reason:   lastErr.Error(),
	})
}

func (d *Dispatcher) recordSuccess(clientID, uri string, elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000.0

	d.statsMu.Lock()
	d.stats.NotificationsSent++
	d.totalMs += ms
	d.latency.Add(ms)
	d.statsMu.Unlock()

	if d.metrics != nil {
		d.metrics.NotificationsSent.Inc()
		d.metrics.DispatchLatency.Observe(ms / 1000.0)
	}

	d.registry.emit(StreamEvent{
		Kind:     EventNotificationSent,
		ClientID: clientID,
		URI:      uri,
		Success:  true,
	})
}

// Stats returns a snapshot of dispatch totals, including latency quantiles.
func (d *Dispatcher) Stats() DispatchStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	stats := d.stats
	if stats.NotificationsSent > 0 {
		stats.AverageDispatchMs = d.totalMs / float64(stats.NotificationsSent)
	}
	if d.latency.GetCount() > 0 {
		if q, err := d.latency.GetValueAtQuantile(0.5); err == nil {
			stats.DispatchP50Ms = q
		}
		if q, err := d.latency.GetValueAtQuantile(0.95); err == nil {
			stats.DispatchP95Ms = q
		}
		if q, err := d.latency.GetValueAtQuantile(0.99); err == nil {
			stats.DispatchP99Ms = q
		}
	}
	return stats
}

// Shutdown closes every client channel after the workers drain them, and
// emits SystemShutdown so clients can distinguish shutdown from failure.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	clients := make([]*client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.clients = make(map[string]*client)
	d.mu.Unlock()

	for _, c := range clients {
		close(c.ch)
	}
	d.wg.Wait()

	for _, c := range clients {
		c.sink.Close()
		d.registry.emit(StreamEvent{
			Kind:     EventSystemShutdown,
			ClientID: c.info.ID,
		})
	}

	dlog.Info("dispatcher shut down", "clients", len(clients))
}
