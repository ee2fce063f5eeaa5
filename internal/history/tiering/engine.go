// Package tiering moves events from the hot tier to the cold tier and runs
// cold-tier maintenance (retention purge, size cap).
//
// The flush-before-evict ordering is enforced here: a category's batch is
// collected without removal, appended durably to cold storage, and only then
// committed out of the hot store. A failed append leaves the batch in place
// for the next cycle.
package tiering

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/domohist/domohist/internal/history/coldstore"
	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/history/hotstore"
	"github.com/domohist/domohist/internal/history/types"
	"github.com/domohist/domohist/internal/logging"
)

var log = logging.Component("tiering")

// Engine is the background hot-to-cold mover.
type Engine struct {
	cfg  *config.Config
	hot  *hotstore.Store
	cold *coldstore.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// Stats holds tiering statistics.
type Stats struct {
	Cycles       int64     `json:"cycles"`
	EventsTiered int64     `json:"events_tiered"`
	FailedCycles int64     `json:"failed_cycles"`
	LastCycle    time.Time `json:"last_cycle"`
	LastError    string    `json:"last_error,omitempty"`
}

// New creates a tiering engine. Call Start to begin the background loops.
func New(cfg *config.Config, hot *hotstore.Store, cold *coldstore.Store) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		cfg:  cfg,
		hot:  hot,
		cold: cold,
	}
}

// Start launches the tiering and cleanup loops.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go e.tieringLoop()
	go e.cleanupLoop()

	log.Info("tiering engine started",
		"tiering_interval", e.cfg.Performance.TieringInterval,
		"cleanup_interval", e.cfg.Performance.CleanupInterval)
}

// Stop halts the loops and runs one final flush so pending hot entries are
// persisted before shutdown.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()

	// Final flush: everything still hot moves to cold, bounded by a
	// short deadline so shutdown cannot hang on a failing disk.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.runCycle(ctx, time.Now()); err != nil {
		log.Error("final flush incomplete", "error", err)
	}

	log.Info("tiering engine stopped")
}

func (e *Engine) tieringLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Performance.TieringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.cfg.Hot.HotRetention)
			if err := e.runCycle(e.ctx, cutoff); err != nil {
				log.Warn("tiering cycle incomplete", "error", err)
			}
		}
	}
}

func (e *Engine) cleanupLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Performance.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			deleted, freed := e.cold.CleanupExpired(time.Now(), &e.cfg.RetentionDays)
			if deleted > 0 {
				log.Info("retention cleanup", "segments", deleted, "bytes", freed)
			}
			e.cold.EnforceSizeCap()
		}
	}
}

// runCycle tiers every category concurrently. A category failure does not
// block the others; its batch stays hot and is retried next cycle.
func (e *Engine) runCycle(ctx context.Context, cutoff time.Time) error {
	g, gctx := errgroup.WithContext(ctx)

	var tiered int64
	var tieredMu sync.Mutex

	for _, kind := range types.AllCategories() {
		kind := kind
		g.Go(func() error {
			n, err := e.tierCategory(gctx, kind, cutoff)
			if err != nil {
				return err
			}
			tieredMu.Lock()
			tiered += int64(n)
			tieredMu.Unlock()
			return nil
		})
	}

	err := g.Wait()

	e.mu.Lock()
	e.stats.Cycles++
	e.stats.EventsTiered += tiered
	e.stats.LastCycle = time.Now()
	if err != nil {
		e.stats.FailedCycles++
		e.stats.LastError = err.Error()
	} else {
		e.stats.LastError = ""
	}
	e.mu.Unlock()

	return err
}

// tierCategory flushes one category: collect, append durably, commit.
func (e *Engine) tierCategory(ctx context.Context, kind types.CategoryKind, cutoff time.Time) (int, error) {
	batch := e.hot.CollectForTiering(kind, cutoff)
	if len(batch) == 0 {
		return 0, nil
	}

	refs, err := e.cold.Append(ctx, batch)
	if err != nil {
		// Partial success: commit only the events the written segments
		// actually hold. The rest of the batch stays hot for retry.
		committed := e.commitPersisted(kind, refs)
		log.Warn("category tiering failed", "category", kind, "persisted", committed, "error", err)
		return committed, err
	}

	ids := make(map[string]struct{}, len(batch))
	for i := range batch {
		ids[batch[i].ID] = struct{}{}
	}
	e.hot.CommitTiered(kind, ids)

	log.Debug("category tiered", "category", kind, "events", len(batch), "segments", len(refs))
	return len(batch), nil
}

// commitPersisted commits exactly the events recorded by the successfully
// written segments. Matching by segment time range instead would evict an
// unpersisted event that shares its timestamp with a segment boundary.
func (e *Engine) commitPersisted(kind types.CategoryKind, refs []coldstore.SegmentRef) int {
	if len(refs) == 0 {
		return 0
	}

	ids := make(map[string]struct{})
	for _, ref := range refs {
		for _, id := range ref.EventIDs {
			ids[id] = struct{}{}
		}
	}

	e.hot.CommitTiered(kind, ids)
	return len(ids)
}

// Flush runs one tiering cycle immediately with an unbounded cutoff (every
// hot event is eligible). Used by tests and the shutdown path.
func (e *Engine) Flush(ctx context.Context) error {
	return e.runCycle(ctx, time.Now())
}

// Stats returns tiering statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
