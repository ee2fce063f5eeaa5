// Package stream implements the subscription registry and the notification
// dispatcher: per-client, per-resource subscriptions with filters, fanned
// out over bounded per-client channels to transport sinks.
package stream

import (
	"time"

	"github.com/domohist/domohist/internal/history/types"
)

// TransportKind identifies how a client is connected.
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportHTTPSSE   TransportKind = "http_sse"
	TransportWebSocket TransportKind = "websocket"
)

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID           string        `json:"id"`
	Transport    TransportKind `json:"transport"`
	ConnectionID string        `json:"connection_id,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
	ConnectedAt  time.Time     `json:"connected_at"`
}

// SubscriptionFilter narrows which changes a subscription delivers.
// A nil filter passes everything.
type SubscriptionFilter struct {
	// ChangeTypes is an allowlist; empty means all types.
	ChangeTypes []types.ResourceChangeType `json:"change_types,omitempty"`

	// MinInterval debounces: at most one notification per interval per
	// subscription.
	MinInterval time.Duration `json:"min_interval,omitempty"`

	// ChangeThreshold suppresses numeric changes smaller than this.
	// Non-numeric changes always pass.
	ChangeThreshold float64 `json:"change_threshold,omitempty"`

	// CustomExpression is reserved; currently pass-through.
	CustomExpression string `json:"custom_expression,omitempty"`
}

// ClientSubscription is one live (client, resource) subscription.
type ClientSubscription struct {
	Client           ClientInfo          `json:"client"`
	ResourceURI      string              `json:"resource_uri"`
	Filter           *SubscriptionFilter `json:"filter,omitempty"`
	SubscribedAt     time.Time           `json:"subscribed_at"`
	LastNotification time.Time           `json:"last_notification,omitempty"`
}

// StreamEventKind identifies a lifecycle event on the stream layer.
type StreamEventKind string

const (
	EventClientDisconnected StreamEventKind = "ClientDisconnected"
	EventNotificationSent   StreamEventKind = "NotificationSent"
	EventSystemShutdown     StreamEventKind = "SystemShutdown"
)

// StreamEvent is a lifecycle event emitted for diagnostics.
type StreamEvent struct {
	Kind      StreamEventKind `json:"kind"`
	ClientID  string          `json:"client_id,omitempty"`
	URI       string          `json:"uri,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventListener receives stream lifecycle events. Listeners must not block.
type EventListener func(StreamEvent)
