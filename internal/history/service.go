// Package history wires the storage tiers together: hot store, cold store,
// tiering engine, and query engine behind one lifecycle.
package history

import (
	"context"
	"fmt"

	"github.com/domohist/domohist/internal/history/coldstore"
	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/history/hotstore"
	"github.com/domohist/domohist/internal/history/query"
	"github.com/domohist/domohist/internal/history/tiering"
	"github.com/domohist/domohist/internal/history/types"
	"github.com/domohist/domohist/internal/logging"
)

var log = logging.Component("history")

// Service owns the event history engine.
type Service struct {
	cfg *config.Config

	hot     *hotstore.Store
	cold    *coldstore.Store
	tiers   *tiering.Engine
	queries *query.Engine
}

// NewService creates the history engine from configuration.
func NewService(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("history config: %w", err)
	}

	cold, err := coldstore.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open cold store: %w", err)
	}

	hot := hotstore.New(cfg)

	return &Service{
		cfg:     cfg,
		hot:     hot,
		cold:    cold,
		tiers:   tiering.New(cfg, hot, cold),
		queries: query.New(cfg, hot, cold),
	}, nil
}

// Start launches the background tiering and cleanup loops.
func (s *Service) Start(ctx context.Context) {
	s.tiers.Start(ctx)
	log.Info("history service started", "cold_dir", s.cfg.Cold.Dir)
}

// Stop flushes pending hot events to cold storage and halts the background
// loops. Storage must outlive the notification layer during shutdown, so
// callers stop the stream side first.
func (s *Service) Stop() {
	s.tiers.Stop()
	log.Info("history service stopped")
}

// Record appends one event to the hot tier.
func (s *Service) Record(e types.HistoricalEvent) error {
	return s.hot.Record(e)
}

// Recent returns the newest hot-tier events of a category.
func (s *Service) Recent(kind types.CategoryKind, entityID string, limit int) []types.HistoricalEvent {
	return s.hot.Recent(kind, entityID, limit)
}

// Query starts a cross-tier query.
func (s *Service) Query() *query.Query {
	return s.queries.NewQuery()
}

// Hot exposes the hot store to collaborators that record directly.
func (s *Service) Hot() *hotstore.Store {
	return s.hot
}

// Flush runs one immediate tiering cycle. Used by tests and admin surfaces.
func (s *Service) Flush(ctx context.Context) error {
	return s.tiers.Flush(ctx)
}

// Stats aggregates statistics across the engine.
type Stats struct {
	Hot     []hotstore.Stats `json:"hot"`
	Cold    coldstore.Stats  `json:"cold"`
	Tiering tiering.Stats    `json:"tiering"`

	ColdSegments  int   `json:"cold_segments"`
	ColdSizeBytes int64 `json:"cold_size_bytes"`

	QueryCacheHits   int64 `json:"query_cache_hits"`
	QueryCacheMisses int64 `json:"query_cache_misses"`
}

// Stats returns a snapshot of engine statistics.
func (s *Service) Stats() Stats {
	hits, misses := s.queries.CacheStats()
	return Stats{
		Hot:              s.hot.Stats(),
		Cold:             s.cold.Stats(),
		Tiering:          s.tiers.Stats(),
		ColdSegments:     s.cold.SegmentCount(),
		ColdSizeBytes:    s.cold.TotalSize(),
		QueryCacheHits:   hits,
		QueryCacheMisses: misses,
	}
}
