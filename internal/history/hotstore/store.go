// Package hotstore implements the in-memory hot tier: bounded per-category
// event buffers with a pending-flush staging area.
//
// Eviction never deletes data. Count-bounded overflow and age-based eviction
// move events from the queryable ring to the category's pending list, where
// they wait for the tiering engine to flush them to cold storage. An event
// leaves the hot store entirely only after a successful cold append.
package hotstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/history/types"
)

// Store is the hot tier. Writers to the same category serialize on that
// category's buffer; different categories never contend.
type Store struct {
	cats [types.NumCategories]*categoryBuffer
}

// categoryBuffer owns one category's ring and pending list.
type categoryBuffer struct {
	mu        sync.Mutex
	ring      *eventRing
	pending   []types.HistoricalEvent
	retention time.Duration // 0 = count-bounded only
}

// New creates a hot store with per-category capacities from cfg.
func New(cfg *config.Config) *Store {
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Store{}
	capacities := map[types.CategoryKind]int{
		types.CategoryDevice:    cfg.Hot.DeviceCapacity,
		types.CategorySensor:    cfg.Hot.SensorCapacity,
		types.CategoryMetric:    cfg.Hot.MetricCapacity,
		types.CategoryAudit:     cfg.Hot.AuditCapacity,
		types.CategoryDiscovery: cfg.Hot.DiscoveryCapacity,
		types.CategoryCache:     cfg.Hot.CacheCapacity,
	}
	retentions := map[types.CategoryKind]time.Duration{
		types.CategorySensor: cfg.Hot.SensorRetention,
		types.CategoryMetric: cfg.Hot.MetricRetention,
	}

	for _, kind := range types.AllCategories() {
		s.cats[kind] = &categoryBuffer{
			ring:      newEventRing(capacities[kind]),
			retention: retentions[kind],
		}
	}
	return s
}

// Record appends an event to its category buffer. Overflowed and aged
// entries move to the pending list rather than being discarded.
func (s *Store) Record(e types.HistoricalEvent) error {
	kind := e.Category.Kind
	if int(kind) < 0 || int(kind) >= types.NumCategories {
		return fmt.Errorf("record: unknown category %d: %w", kind, types.ErrStorageFatal)
	}
	if e.ID == "" {
		return fmt.Errorf("record: event has no id: %w", types.ErrStorageFatal)
	}

	cb := s.cats[kind]
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.evictAgedLocked(time.Now())

	if evicted, ok := cb.ring.pushOverwrite(e); ok {
		cb.pending = append(cb.pending, evicted)
	}
	return nil
}

// evictAgedLocked moves aged ring entries to pending for time-bounded
// categories. Runs on both reads and writes.
func (cb *categoryBuffer) evictAgedLocked(now time.Time) {
	if cb.retention <= 0 {
		return
	}
	aged := cb.ring.evictOlderThan(now.Add(-cb.retention))
	if len(aged) > 0 {
		cb.pending = append(cb.pending, aged...)
	}
}

// Recent returns up to limit events from the category's fast path, newest
// first. entityID narrows to a single entity when non-empty.
func (s *Store) Recent(kind types.CategoryKind, entityID string, limit int) []types.HistoricalEvent {
	if int(kind) < 0 || int(kind) >= types.NumCategories {
		return nil
	}

	cb := s.cats[kind]
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.evictAgedLocked(time.Now())

	events := cb.ring.scan(func(e *types.HistoricalEvent) bool {
		return entityID == "" || e.EntityID() == entityID
	})

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

// Scan returns all hot events (ring and pending) matching the filter,
// for query-engine merging. Results are unordered.
func (s *Store) Scan(kind *types.CategoryKind, entityID string, from, to time.Time) []types.HistoricalEvent {
	match := func(e *types.HistoricalEvent) bool {
		if entityID != "" && e.EntityID() != entityID {
			return false
		}
		if !from.IsZero() && e.Timestamp.Before(from) {
			return false
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			return false
		}
		return true
	}

	var out []types.HistoricalEvent
	for _, k := range types.AllCategories() {
		if kind != nil && k != *kind {
			continue
		}
		cb := s.cats[k]
		cb.mu.Lock()
		out = append(out, cb.ring.scan(match)...)
		for i := range cb.pending {
			if match(&cb.pending[i]) {
				out = append(out, cb.pending[i])
			}
		}
		cb.mu.Unlock()
	}
	return out
}

// CollectForTiering returns a copy of the category's pending entries plus
// ring entries older than cutoff. Nothing is removed; call CommitTiered
// after the batch has been durably persisted.
func (s *Store) CollectForTiering(kind types.CategoryKind, cutoff time.Time) []types.HistoricalEvent {
	cb := s.cats[kind]
	cb.mu.Lock()
	defer cb.mu.Unlock()

	batch := make([]types.HistoricalEvent, 0, len(cb.pending))
	batch = append(batch, cb.pending...)
	batch = append(batch, cb.ring.collectOlderThan(cutoff)...)
	return batch
}

// CommitTiered removes events whose ids were durably persisted to the cold
// tier. The flush-before-evict ordering lives here: this is the only way
// events leave the pending list.
func (s *Store) CommitTiered(kind types.CategoryKind, ids map[string]struct{}) {
	if len(ids) == 0 {
		return
	}

	cb := s.cats[kind]
	cb.mu.Lock()
	defer cb.mu.Unlock()

	kept := cb.pending[:0]
	for _, e := range cb.pending {
		if _, ok := ids[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	cb.pending = kept

	cb.ring.removeIDs(ids)
}

// Stats holds per-category hot store statistics.
type Stats struct {
	Category   string  `json:"category"`
	RingCount  int     `json:"ring_count"`
	Pending    int     `json:"pending"`
	UsageRatio float64 `json:"usage_ratio"`
	Pushes     int64   `json:"pushes"`
	Evictions  int64   `json:"evictions"`
}

// Stats returns statistics for every category.
func (s *Store) Stats() []Stats {
	out := make([]Stats, 0, types.NumCategories)
	for _, k := range types.AllCategories() {
		cb := s.cats[k]
		cb.mu.Lock()
		out = append(out, Stats{
			Category:   k.String(),
			RingCount:  cb.ring.len(),
			Pending:    len(cb.pending),
			UsageRatio: cb.ring.usageRatio(),
			Pushes:     cb.ring.pushCount.Load(),
			Evictions:  cb.ring.evictCount.Load(),
		})
		cb.mu.Unlock()
	}
	return out
}
