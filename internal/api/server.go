// Package api exposes the history engine over HTTP: query endpoint, SSE and
// websocket notification streams, statistics, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/domohist/domohist/internal/change"
	"github.com/domohist/domohist/internal/history"
	"github.com/domohist/domohist/internal/logging"
	"github.com/domohist/domohist/internal/stream"
)

var log = logging.Component("api")

// Server is the HTTP surface of the daemon.
type Server struct {
	addr string

	history    *history.Service
	registry   *stream.Registry
	dispatcher *stream.Dispatcher
	detector   *change.Detector
	gatherer   prometheus.Gatherer

	requestSeq atomic.Uint64
	httpServer *http.Server
}

// NewServer creates the HTTP server. detector and gatherer may be nil.
func NewServer(addr string, hist *history.Service, registry *stream.Registry,
	dispatcher *stream.Dispatcher, detector *change.Detector, gatherer prometheus.Gatherer) *Server {

	s := &Server{
		addr:       addr,
		history:    hist,
		registry:   registry,
		dispatcher: dispatcher,
		detector:   detector,
		gatherer:   gatherer,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /events", s.handleSSE)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /stats", s.handleStats)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withRequestID(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// withRequestID tags each request with a sequence number so log lines from
// one request can be correlated.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithRequestID(r.Context(), s.requestSeq.Add(1))
		logging.WithContext(ctx).Debug("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	log.Info("http server listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
