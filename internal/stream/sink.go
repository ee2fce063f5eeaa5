package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/domohist/domohist/internal/history/types"
)

// Sink performs the transport-specific send for one client.
type Sink interface {
	// Send delivers one notification. Failures are wrapped as delivery
	// errors so the dispatcher can apply its retry policy.
	Send(ctx context.Context, n *Notification) error

	// Close releases the transport. Safe to call more than once.
	Close() error
}

// StdioSink writes notifications as JSON lines to a writer, typically the
// process stdout of a stdio-attached client.
type StdioSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdioSink creates a stdio sink.
func NewStdioSink(w io.Writer) *StdioSink {
	return &StdioSink{w: w}
}

func (s *StdioSink) Send(_ context.Context, n *Notification) error {
	data, err := n.Encode()
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("stdio write: %w: %w", err, types.ErrDelivery)
	}
	return nil
}

func (s *StdioSink) Close() error { return nil }

// SSESink pushes notifications as server-sent events over a live HTTP
// response.
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewSSESink creates an SSE sink. Returns an error when the response writer
// cannot flush incrementally.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &SSESink{w: w, flusher: flusher}, nil
}

func (s *SSESink) Send(_ context.Context, n *Notification) error {
	data, err := n.Encode()
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sse sink closed: %w", types.ErrDelivery)
	}
	if _, err := fmt.Fprintf(s.w, "event: resource_updated\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("sse write: %w: %w", err, types.ErrDelivery)
	}
	s.flusher.Flush()
	return nil
}

func (s *SSESink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// WebSocketSink sends notifications as text frames.
type WebSocketSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink creates a websocket sink over an established connection.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

func (s *WebSocketSink) Send(ctx context.Context, n *Notification) error {
	data, err := n.Encode()
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("websocket deadline: %w: %w", err, types.ErrDelivery)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w: %w", err, types.ErrDelivery)
	}
	return nil
}

func (s *WebSocketSink) Close() error {
	return s.conn.Close()
}
