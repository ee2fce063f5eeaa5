package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/domohist/domohist/internal/history/types"
	"github.com/domohist/domohist/internal/logging"
	"github.com/domohist/domohist/internal/stream"
)

// handleHistory answers time-ranged queries across both tiers.
//
//	GET /history?category=sensor&entity_id=x&from=RFC3339&to=RFC3339&limit=100&cursor=...
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := s.history.Query()

	params := r.URL.Query()
	if cat := params.Get("category"); cat != "" {
		kind, ok := types.ParseCategoryKind(cat)
		if !ok {
			httpError(w, http.StatusBadRequest, "unknown category: "+cat)
			return
		}
		q = q.Category(kind)
	}
	if id := params.Get("entity_id"); id != "" {
		q = q.EntityID(id)
	}

	var from, to time.Time
	var err error
	if v := params.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			httpError(w, http.StatusBadRequest, "invalid from: "+err.Error())
			return
		}
	}
	if v := params.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			httpError(w, http.StatusBadRequest, "invalid to: "+err.Error())
			return
		}
	}
	q = q.TimeRange(from, to)

	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			httpError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q = q.Limit(limit)
	}
	if cursor := params.Get("cursor"); cursor != "" {
		q = q.After(cursor)
	}

	result, err := q.Execute()
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleSSE subscribes the caller over server-sent events.
//
//	GET /events?uri=loxone://rooms/Kitchen/devices&change_types=DeviceState&min_interval=5s&threshold=2.0
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		httpError(w, http.StatusBadRequest, "uri required")
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	sink, err := stream.NewSSESink(w)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	connID := uuid.NewString()
	client := stream.ClientInfo{
		ID:           clientID(r, connID),
		Transport:    stream.TransportHTTPSSE,
		ConnectionID: connID,
		ConnectedAt:  time.Now(),
	}

	// Headers must be written before the client attaches: a notification
	// delivered in between would start the body with default headers and
	// lose the event-stream content type.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := s.attach(client, sink, uri, filter); err != nil {
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
		return
	}

	ctx := logging.ContextWithClientID(r.Context(), client.ID)
	ctx = logging.ContextWithResourceURI(ctx, uri)
	logging.WithContext(ctx).Info("sse client attached")

	// Hold the connection open until the client goes away.
	<-ctx.Done()
	s.dispatcher.RemoveClient(client.ID, "connection closed")
}

// handleWebSocket subscribes the caller over a websocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		httpError(w, http.StatusBadRequest, "uri required")
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	client := stream.ClientInfo{
		ID:           clientID(r, connID),
		Transport:    stream.TransportWebSocket,
		ConnectionID: connID,
		ConnectedAt:  time.Now(),
	}

	sink := stream.NewWebSocketSink(conn)
	if err := s.attach(client, sink, uri, filter); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}

	ctx := logging.ContextWithClientID(r.Context(), client.ID)
	ctx = logging.ContextWithResourceURI(ctx, uri)
	logging.WithContext(ctx).Info("websocket client attached")

	// Read loop exists only to observe the close; inbound frames are
	// ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dispatcher.RemoveClient(client.ID, "connection closed")
				return
			}
		}
	}()
}

// attach registers the client with the dispatcher and subscribes it.
func (s *Server) attach(client stream.ClientInfo, sink stream.Sink, uri string, filter *stream.SubscriptionFilter) error {
	if err := s.dispatcher.RegisterClient(client, sink); err != nil {
		return err
	}
	if err := s.registry.Subscribe(client, uri, filter); err != nil {
		s.dispatcher.RemoveClient(client.ID, "subscribe failed")
		return err
	}
	return nil
}

// handleStats returns engine, dispatcher, and detector statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"history":       s.history.Stats(),
		"dispatch":      s.dispatcher.Stats(),
		"subscriptions": s.registry.Count(),
	}
	if s.detector != nil {
		stats["detector"] = s.detector.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// filterFromQuery parses the optional subscription filter parameters.
func filterFromQuery(r *http.Request) (*stream.SubscriptionFilter, error) {
	params := r.URL.Query()

	var filter stream.SubscriptionFilter
	empty := true

	for _, raw := range params["change_types"] {
		t := types.ResourceChangeType(raw)
		if !t.Valid() {
			return nil, errors.New("unknown change type: " + raw)
		}
		filter.ChangeTypes = append(filter.ChangeTypes, t)
		empty = false
	}

	if v := params.Get("min_interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.New("invalid min_interval: " + err.Error())
		}
		filter.MinInterval = d
		empty = false
	}

	if v := params.Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.New("invalid threshold: " + err.Error())
		}
		filter.ChangeThreshold = f
		empty = false
	}

	if empty {
		return nil, nil
	}
	return &filter, nil
}

// clientID prefers a caller-supplied id so reconnects keep their identity.
func clientID(r *http.Request, fallback string) string {
	if id := r.URL.Query().Get("client_id"); id != "" {
		return id
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
