// Package coldstore implements the persistent cold tier: immutable,
// compressed, timestamp-indexed parquet segments under a single directory.
//
// Appends are durable before they return (write, fsync, atomic rename), so
// the tiering engine may safely evict hot entries once Append succeeds.
// The total on-disk size is capped by deleting the oldest whole segments;
// segments are never truncated in place.
package coldstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/history/types"
	"github.com/domohist/domohist/internal/logging"
)

var log = logging.Component("coldstore")

// Store is the cold tier segment store.
type Store struct {
	mu sync.RWMutex

	cfg      *config.Config
	dir      string
	segments []segmentMeta // sorted by minTs ascending
	seq      int64
	cache    *indexCache

	// generation increments whenever the segment set changes, so query
	// caches can invalidate themselves.
	generation atomic.Int64

	stats Stats
}

// Stats holds cold store statistics.
type Stats struct {
	SegmentsWritten int64 `json:"segments_written"`
	SegmentsDeleted int64 `json:"segments_deleted"`
	EventsAppended  int64 `json:"events_appended"`
	AppendRetries   int64 `json:"append_retries"`
	BytesWritten    int64 `json:"bytes_written"`
	BytesDeleted    int64 `json:"bytes_deleted"`
	ScanSegments    int64 `json:"scan_segments"`
	IndexCacheHits  int64 `json:"index_cache_hits"`
	IndexCacheMiss  int64 `json:"index_cache_miss"`
}

// New opens (or creates) the segment directory and rebuilds the in-memory
// segment index from filenames.
func New(cfg *config.Config) (*Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	dir := cfg.Cold.Dir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	s := &Store{
		cfg:   cfg,
		dir:   dir,
		cache: newIndexCache(cfg.Cold.IndexCacheSizeMB),
	}

	if err := s.loadSegments(); err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}

	return s, nil
}

// loadSegments rebuilds the segment index from the directory listing.
func (s *Store) loadSegments() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	var maxSeq int64 = -1
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		meta, ok := parseSegmentName(s.dir, entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err == nil {
			meta.size = info.Size()
		}
		s.segments = append(s.segments, meta)
		if meta.seq > maxSeq {
			maxSeq = meta.seq
		}
	}

	sort.Slice(s.segments, func(i, j int) bool {
		return s.segments[i].minTs < s.segments[j].minTs
	})
	s.seq = maxSeq + 1

	log.Info("segment index loaded", "segments", len(s.segments), "next_seq", s.seq)
	return nil
}

// Append persists a batch of events as one or more immutable segments.
// Batches larger than segment_max_events roll over into multiple segments.
// Write failures are retried with bounded exponential backoff; after
// exhaustion the batch stays unpersisted and a fatal error is returned so
// the caller keeps the events in the hot tier.
func (s *Store) Append(ctx context.Context, events []types.HistoricalEvent) ([]SegmentRef, error) {
	if len(events) == 0 {
		return nil, nil
	}

	sorted := make([]types.HistoricalEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	maxEvents := s.cfg.Cold.SegmentMaxEvents
	var refs []SegmentRef

	for start := 0; start < len(sorted); start += maxEvents {
		end := start + maxEvents
		if end > len(sorted) {
			end = len(sorted)
		}

		ref, err := s.appendChunk(ctx, sorted[start:end])
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}

	s.mu.Lock()
	s.enforceSizeCapLocked()
	s.mu.Unlock()

	return refs, nil
}

// appendChunk writes one segment with bounded retries.
func (s *Store) appendChunk(ctx context.Context, chunk []types.HistoricalEvent) (SegmentRef, error) {
	backoff := s.cfg.Cold.AppendBackoff
	attempts := s.cfg.Cold.AppendRetries

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ref, err := s.writeSegment(chunk)
		if err == nil {
			return ref, nil
		}
		lastErr = err

		s.mu.Lock()
		s.stats.AppendRetries++
		s.mu.Unlock()

		log.Warn("segment write failed", "attempt", attempt, "error", err)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return SegmentRef{}, fmt.Errorf("append segment: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return SegmentRef{}, fmt.Errorf("append segment after %d attempts: %v: %w",
		attempts, lastErr, types.ErrStorageFatal)
}

// writeSegment writes one immutable segment: temp file, fsync, rename.
func (s *Store) writeSegment(chunk []types.HistoricalEvent) (SegmentRef, error) {
	minTs := chunk[0].Timestamp.UnixMilli()
	maxTs := chunk[len(chunk)-1].Timestamp.UnixMilli()

	var catMask uint16
	rows := make([]eventRow, len(chunk))
	for i := range chunk {
		row, err := eventToRow(&chunk[i])
		if err != nil {
			return SegmentRef{}, fmt.Errorf("%v: %w", err, types.ErrStorageFatal)
		}
		rows[i] = row
		catMask |= chunk[i].Category.Kind.Bit()
	}

	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	name := segmentName(minTs, maxTs, catMask, seq)
	finalPath := filepath.Join(s.dir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return SegmentRef{}, fmt.Errorf("create segment: %w: %w", err, types.ErrStorageTransient)
	}

	writer := parquet.NewGenericWriter[eventRow](f,
		parquet.Compression(codecFor(s.cfg.Cold.Compression)))

	if _, err := writer.Write(rows); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return SegmentRef{}, fmt.Errorf("write rows: %w: %w", err, types.ErrStorageTransient)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return SegmentRef{}, fmt.Errorf("close writer: %w: %w", err, types.ErrStorageTransient)
	}

	// Durable before evict: the tiering engine drops hot entries only
	// after this returns, so the data must be on disk here.
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return SegmentRef{}, fmt.Errorf("sync segment: %w: %w", err, types.ErrStorageTransient)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return SegmentRef{}, fmt.Errorf("close segment: %w: %w", err, types.ErrStorageTransient)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return SegmentRef{}, fmt.Errorf("rename segment: %w: %w", err, types.ErrStorageTransient)
	}

	stat, err := os.Stat(finalPath)
	var size int64
	if err == nil {
		size = stat.Size()
	}

	meta := segmentMeta{
		path:    finalPath,
		minTs:   minTs,
		maxTs:   maxTs,
		catMask: catMask,
		seq:     seq,
		size:    size,
	}

	s.mu.Lock()
	s.segments = append(s.segments, meta)
	sort.Slice(s.segments, func(i, j int) bool {
		return s.segments[i].minTs < s.segments[j].minTs
	})
	s.stats.SegmentsWritten++
	s.stats.EventsAppended += int64(len(chunk))
	s.stats.BytesWritten += size
	s.mu.Unlock()
	s.generation.Add(1)

	log.Debug("segment written", "path", name, "events", len(chunk), "bytes", size)

	ids := make([]string, len(chunk))
	for i := range chunk {
		ids[i] = chunk[i].ID
	}

	return SegmentRef{
		Path:     finalPath,
		MinTime:  time.UnixMilli(minTs).UTC(),
		MaxTime:  time.UnixMilli(maxTs).UTC(),
		Events:   len(chunk),
		EventIDs: ids,
	}, nil
}

// Scanner is a lazy, restartable cursor over cold segments matching a time
// range and optional category. Each Next call reads one segment. Create a
// fresh Scanner to restart.
type Scanner struct {
	store  *Store
	metas  []segmentMeta
	pos    int
	fromMs int64
	toMs   int64
	kind   *types.CategoryKind
	entity string
}

// NewScanner snapshots the matching segment set for iteration. Zero time
// bounds are open.
func (s *Store) NewScanner(from, to time.Time, kind *types.CategoryKind, entityID string) *Scanner {
	var fromMs, toMs int64
	if !from.IsZero() {
		fromMs = from.UnixMilli()
	}
	if !to.IsZero() {
		toMs = to.UnixMilli()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var metas []segmentMeta
	for _, m := range s.segments {
		if !m.overlaps(fromMs, toMs) {
			continue
		}
		if kind != nil && !m.hasCategory(*kind) {
			continue
		}
		metas = append(metas, m)
	}

	return &Scanner{
		store:  s,
		metas:  metas,
		fromMs: fromMs,
		toMs:   toMs,
		kind:   kind,
		entity: entityID,
	}
}

// Next returns the matching events of the next segment, or (nil, nil) when
// the scan is exhausted.
func (sc *Scanner) Next() ([]types.HistoricalEvent, error) {
	for sc.pos < len(sc.metas) {
		meta := sc.metas[sc.pos]
		sc.pos++

		events, err := sc.store.readSegment(meta, sc.fromMs, sc.toMs, sc.kind, sc.entity)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}
	}
	return nil, nil
}

// readSegment reads and filters a single segment.
func (s *Store) readSegment(meta segmentMeta, fromMs, toMs int64, kind *types.CategoryKind, entityID string) ([]types.HistoricalEvent, error) {
	s.mu.Lock()
	idx, err := s.cache.get(meta.path)
	s.stats.IndexCacheHits = s.cache.hits
	s.stats.IndexCacheMiss = s.cache.misses
	s.stats.ScanSegments++
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("segment index %s: %w: %w", meta.path, err, types.ErrStorageTransient)
	}

	f, err := os.Open(meta.path)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w: %w", meta.path, err, types.ErrStorageTransient)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[eventRow](f)
	defer reader.Close()

	var out []types.HistoricalEvent
	rows := make([]eventRow, 1024)
	remaining := idx.rows

	for remaining > 0 {
		n, readErr := reader.Read(rows)
		for i := 0; i < n; i++ {
			r := &rows[i]
			if fromMs > 0 && r.TimestampMs < fromMs {
				continue
			}
			if toMs > 0 && r.TimestampMs > toMs {
				continue
			}
			if kind != nil && r.Category != kind.String() {
				continue
			}
			if entityID != "" && r.EntityID != entityID {
				continue
			}
			e, err := rowToEvent(r)
			if err != nil {
				return nil, fmt.Errorf("segment %s: %w: %w", meta.path, err, types.ErrStorageFatal)
			}
			out = append(out, e)
		}
		remaining -= int64(n)
		if readErr != nil {
			break // io.EOF after the final batch
		}
	}

	return out, nil
}

// ScanAll drains a scanner into a single slice. Convenience for callers
// that want everything at once.
func (s *Store) ScanAll(from, to time.Time, kind *types.CategoryKind, entityID string) ([]types.HistoricalEvent, error) {
	sc := s.NewScanner(from, to, kind, entityID)
	var out []types.HistoricalEvent
	for {
		batch, err := sc.Next()
		if err != nil {
			return out, err
		}
		if batch == nil {
			return out, nil
		}
		out = append(out, batch...)
	}
}

// enforceSizeCapLocked deletes the oldest whole segments while the total
// on-disk size exceeds max_size_bytes. Partial truncation would corrupt
// compression frames, so whole files only.
func (s *Store) enforceSizeCapLocked() {
	var total int64
	for _, m := range s.segments {
		total += m.size
	}

	for total > s.cfg.Cold.MaxSizeBytes && len(s.segments) > 0 {
		oldest := s.segments[0]
		if err := os.Remove(oldest.path); err != nil {
			log.Error("delete segment for size cap", "path", oldest.path, "error", err)
			return
		}
		s.cache.invalidate(oldest.path)
		s.segments = s.segments[1:]
		total -= oldest.size
		s.stats.SegmentsDeleted++
		s.stats.BytesDeleted += oldest.size
		s.generation.Add(1)
		log.Info("segment deleted for size cap", "path", oldest.path, "bytes", oldest.size)
	}
}

// EnforceSizeCap applies the size cap outside an append (cleanup cycle).
func (s *Store) EnforceSizeCap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enforceSizeCapLocked()
}

// CleanupExpired deletes segments entirely past retention. A segment is
// eligible only when the most-retained category it contains has expired,
// since segments are deleted whole.
func (s *Store) CleanupExpired(now time.Time, retention *config.RetentionDays) (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	var freed int64
	kept := s.segments[:0]

	for _, m := range s.segments {
		maxDays := 0
		for _, k := range types.AllCategories() {
			if m.catMask&k.Bit() == 0 {
				continue
			}
			if d := retention.DaysFor(k.String()); d > maxDays {
				maxDays = d
			}
		}

		cutoff := now.AddDate(0, 0, -maxDays)
		if maxDays > 0 && time.UnixMilli(m.maxTs).Before(cutoff) {
			if err := os.Remove(m.path); err != nil {
				log.Error("delete expired segment", "path", m.path, "error", err)
				kept = append(kept, m)
				continue
			}
			s.cache.invalidate(m.path)
			deleted++
			freed += m.size
			s.stats.SegmentsDeleted++
			s.stats.BytesDeleted += m.size
			continue
		}
		kept = append(kept, m)
	}

	s.segments = kept
	if deleted > 0 {
		s.generation.Add(1)
		log.Info("expired segments deleted", "count", deleted, "bytes", freed)
	}
	return deleted, freed
}

// TotalSize returns the total on-disk segment size.
func (s *Store) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, m := range s.segments {
		total += m.size
	}
	return total
}

// SegmentCount returns the number of segments.
func (s *Store) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// Generation returns the current segment-set generation. It changes
// whenever segments are added or deleted.
func (s *Store) Generation() int64 {
	return s.generation.Load()
}

// Stats returns cold store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
