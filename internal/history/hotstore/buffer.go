package hotstore

import (
	"sync/atomic"
	"time"

	"github.com/domohist/domohist/internal/history/types"
)

// eventRing is a fixed-capacity circular buffer of events in arrival order.
// It is not goroutine-safe; the owning categoryBuffer serializes access.
type eventRing struct {
	data     []types.HistoricalEvent
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64
	capacity int64

	pushCount  atomic.Int64
	evictCount atomic.Int64
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		capacity = 1024
	}
	return &eventRing{
		data:     make([]types.HistoricalEvent, capacity),
		capacity: int64(capacity),
	}
}

// pushOverwrite adds an event, evicting the oldest entry when full.
// The evicted event is returned so the caller can stage it for flushing.
func (r *eventRing) pushOverwrite(e types.HistoricalEvent) (types.HistoricalEvent, bool) {
	var evicted types.HistoricalEvent
	var wasEvicted bool

	if r.count >= r.capacity {
		idx := r.tail % r.capacity
		evicted = r.data[idx]
		r.data[idx] = types.HistoricalEvent{}
		r.tail++
		r.count--
		r.evictCount.Add(1)
		wasEvicted = true
	}

	idx := r.head % r.capacity
	r.data[idx] = e
	r.head++
	r.count++
	r.pushCount.Add(1)

	return evicted, wasEvicted
}

// evictOlderThan removes and returns events with timestamps before cutoff.
// Entries are removed from the front only; an out-of-order newer entry
// stops the sweep, which is fine since arrival order tracks time closely.
func (r *eventRing) evictOlderThan(cutoff time.Time) []types.HistoricalEvent {
	var evicted []types.HistoricalEvent
	for r.count > 0 {
		idx := r.tail % r.capacity
		if !r.data[idx].Timestamp.Before(cutoff) {
			break
		}
		evicted = append(evicted, r.data[idx])
		r.data[idx] = types.HistoricalEvent{}
		r.tail++
		r.count--
		r.evictCount.Add(1)
	}
	return evicted
}

// collectOlderThan returns copies of events older than cutoff without
// removing them.
func (r *eventRing) collectOlderThan(cutoff time.Time) []types.HistoricalEvent {
	var out []types.HistoricalEvent
	for i := int64(0); i < r.count; i++ {
		idx := (r.tail + i) % r.capacity
		if r.data[idx].Timestamp.Before(cutoff) {
			out = append(out, r.data[idx])
		}
	}
	return out
}

// removeIDs removes all events whose id is in the given set, compacting the
// ring. Returns the number removed.
func (r *eventRing) removeIDs(ids map[string]struct{}) int {
	if len(ids) == 0 || r.count == 0 {
		return 0
	}

	kept := make([]types.HistoricalEvent, 0, r.count)
	removed := 0
	for i := int64(0); i < r.count; i++ {
		idx := (r.tail + i) % r.capacity
		if _, ok := ids[r.data[idx].ID]; ok {
			removed++
			continue
		}
		kept = append(kept, r.data[idx])
	}

	if removed == 0 {
		return 0
	}

	for i := range r.data {
		r.data[i] = types.HistoricalEvent{}
	}
	for i, e := range kept {
		r.data[i] = e
	}
	r.tail = 0
	r.head = int64(len(kept))
	r.count = int64(len(kept))
	r.evictCount.Add(int64(removed))

	return removed
}

// scan returns copies of all events matching the filter, oldest first.
func (r *eventRing) scan(match func(*types.HistoricalEvent) bool) []types.HistoricalEvent {
	var out []types.HistoricalEvent
	for i := int64(0); i < r.count; i++ {
		idx := (r.tail + i) % r.capacity
		if match(&r.data[idx]) {
			out = append(out, r.data[idx])
		}
	}
	return out
}

func (r *eventRing) len() int { return int(r.count) }

func (r *eventRing) usageRatio() float64 {
	return float64(r.count) / float64(r.capacity)
}
