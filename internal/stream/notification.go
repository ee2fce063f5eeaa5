package stream

import (
	"encoding/json"
	"time"

	"github.com/domohist/domohist/internal/history/types"
)

// NotificationMethod is the JSON-RPC method of resource update notifications.
const NotificationMethod = "notifications/resources/updated"

// Notification is the JSON-RPC-shaped resource update notification sent to
// subscribers.
type Notification struct {
	Method string             `json:"method"`
	Params NotificationParams `json:"params"`
}

// NotificationParams carries the notification payload.
type NotificationParams struct {
	URI        string                   `json:"uri"`
	ChangeType types.ResourceChangeType `json:"changeType"`
	Timestamp  string                   `json:"timestamp"`
	Data       any                      `json:"data"`
	Metadata   map[string]string        `json:"metadata"`
}

// NewNotification builds the wire notification for a resource change.
func NewNotification(c *types.ResourceChange) Notification {
	return Notification{
		Method: NotificationMethod,
		Params: NotificationParams{
			URI:        c.ResourceURI,
			ChangeType: c.ChangeType,
			Timestamp:  c.Timestamp.UTC().Format(time.RFC3339Nano),
			Data:       c.NewValue,
			Metadata:   c.Metadata,
		},
	}
}

// Encode serializes the notification as a JSON line.
func (n *Notification) Encode() ([]byte, error) {
	return json.Marshal(n)
}
