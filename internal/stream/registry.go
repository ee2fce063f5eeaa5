package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/history/types"
	"github.com/domohist/domohist/internal/logging"
)

var log = logging.Component("stream")

// subKey identifies one (client, resource) subscription.
type subKey struct {
	clientID string
	uri      string
}

// Registry tracks client subscriptions. Lookup by resource URI is indexed so
// dispatch cost scales with the subscribers of that resource, not with the
// whole table.
type Registry struct {
	mu sync.RWMutex

	subs  map[subKey]*ClientSubscription
	byURI map[string]map[string]*ClientSubscription // uri -> clientID -> sub

	maxSubscribers int
	frozen         bool

	listeners []EventListener
}

// NewRegistry creates a subscription registry.
func NewRegistry(cfg *config.Config) *Registry {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Registry{
		subs:           make(map[subKey]*ClientSubscription),
		byURI:          make(map[string]map[string]*ClientSubscription),
		maxSubscribers: cfg.Streaming.MaxSubscribers,
	}
}

// AddListener registers a lifecycle event listener.
func (r *Registry) AddListener(l EventListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Registry) emit(e StreamEvent) {
	e.Timestamp = time.Now()
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, l := range listeners {
		l(e)
	}
}

// Subscribe adds or replaces a subscription. Re-subscribing the same
// (client, resource) pair replaces the filter; it never creates a second
// record. New subscriptions beyond max_subscribers fail with a capacity
// error.
func (r *Registry) Subscribe(client ClientInfo, uri string, filter *SubscriptionFilter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("subscribe %s: %w", uri, types.ErrShuttingDown)
	}

	key := subKey{clientID: client.ID, uri: uri}
	if existing, ok := r.subs[key]; ok {
		existing.Filter = filter
		log.Debug("subscription filter replaced", "client_id", client.ID, "uri", uri)
		return nil
	}

	if len(r.subs) >= r.maxSubscribers {
		return fmt.Errorf("subscribe %s: %d subscribers: %w", uri, len(r.subs), types.ErrCapacity)
	}

	sub := &ClientSubscription{
		Client:       client,
		ResourceURI:  uri,
		Filter:       filter,
		SubscribedAt: time.Now(),
	}
	r.subs[key] = sub

	clients, ok := r.byURI[uri]
	if !ok {
		clients = make(map[string]*ClientSubscription)
		r.byURI[uri] = clients
	}
	clients[client.ID] = sub

	log.Debug("subscribed", "client_id", client.ID, "uri", uri)
	return nil
}

// Unsubscribe removes one subscription, or all of a client's subscriptions
// when uri is empty.
func (r *Registry) Unsubscribe(clientID, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if uri != "" {
		r.removeLocked(clientID, uri)
		return
	}
	for key := range r.subs {
		if key.clientID == clientID {
			r.removeLocked(clientID, key.uri)
		}
	}
}

func (r *Registry) removeLocked(clientID, uri string) {
	key := subKey{clientID: clientID, uri: uri}
	if _, ok := r.subs[key]; !ok {
		return
	}
	delete(r.subs, key)
	if clients, ok := r.byURI[uri]; ok {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(r.byURI, uri)
		}
	}
}

// OnDisconnect removes all of a client's subscriptions and emits
// ClientDisconnected.
func (r *Registry) OnDisconnect(clientID, reason string) {
	r.Unsubscribe(clientID, "")
	r.emit(StreamEvent{
		Kind:     EventClientDisconnected,
		ClientID: clientID,
		Reason:   reason,
	})
	log.Info("client disconnected", "client_id", clientID, "reason", reason)
}

// SubscribersFor returns copies of the subscriptions watching a resource.
func (r *Registry) SubscribersFor(uri string) []ClientSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients, ok := r.byURI[uri]
	if !ok {
		return nil
	}
	out := make([]ClientSubscription, 0, len(clients))
	for _, sub := range clients {
		out = append(out, *sub)
	}
	return out
}

// ClaimNotification checks a subscription's debounce window and, when it has
// passed, records now as the last notification time. Check and update share
// the registry lock, so concurrent dispatches for the same subscription
// cannot both claim the same window. An unknown subscription never claims.
func (r *Registry) ClaimNotification(clientID, uri string, minInterval time.Duration, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[subKey{clientID: clientID, uri: uri}]
	if !ok {
		return false
	}
	if minInterval > 0 && !sub.LastNotification.IsZero() && now.Sub(sub.LastNotification) < minInterval {
		return false
	}
	sub.LastNotification = now
	return true
}

// Freeze stops accepting new subscriptions. Part of the shutdown sequence:
// subscriptions freeze before storage flushes.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// ClientIDs returns the distinct subscribed client ids.
func (r *Registry) ClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for key := range r.subs {
		if _, ok := seen[key.clientID]; ok {
			continue
		}
		seen[key.clientID] = struct{}{}
		out = append(out, key.clientID)
	}
	return out
}
