// Package query merges the hot and cold tiers into a single ordered view.
//
// Results are ordered ascending by (timestamp, id), deduplicated by event id
// with the hot copy winning, and paginated with an opaque cursor that stays
// valid across tiering because it encodes position, not storage location.
package query

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/domohist/domohist/internal/history/coldstore"
	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/history/hotstore"
	"github.com/domohist/domohist/internal/history/types"
	"github.com/domohist/domohist/internal/logging"
)

var log = logging.Component("query")

// Engine executes history queries across both tiers.
type Engine struct {
	hot   *hotstore.Store
	cold  *coldstore.Store
	cache *resultCache
}

// New creates a query engine.
func New(cfg *config.Config, hot *hotstore.Store, cold *coldstore.Store) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		hot:   hot,
		cold:  cold,
		cache: newResultCache(cfg.Performance.QueryCacheSize),
	}
}

// Query is a request builder. Zero values mean unfiltered.
type Query struct {
	engine *Engine

	kind     *types.CategoryKind
	entityID string
	from, to time.Time
	limit    int
	after    string
}

// Result is a page of query results.
type Result struct {
	// Events is the page, ordered ascending by (timestamp, id).
	Events []types.HistoricalEvent `json:"events"`

	// Cursor resumes after the last event of this page; empty when the
	// result set is exhausted.
	Cursor string `json:"cursor,omitempty"`

	// Partial is true when the cold tier could not be read and the page
	// holds hot-tier data only. TierErr carries the cause.
	Partial bool  `json:"partial,omitempty"`
	TierErr error `json:"-"`
}

// NewQuery starts a query.
func (e *Engine) NewQuery() *Query {
	return &Query{engine: e}
}

// Category restricts results to one category.
func (q *Query) Category(kind types.CategoryKind) *Query {
	q.kind = &kind
	return q
}

// EntityID restricts results to one entity.
func (q *Query) EntityID(id string) *Query {
	q.entityID = id
	return q
}

// TimeRange restricts results to [from, to]. Zero bounds are open.
func (q *Query) TimeRange(from, to time.Time) *Query {
	q.from = from
	q.to = to
	return q
}

// Limit caps the page size. Zero means no cap.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// After resumes from a cursor returned by a previous page.
func (q *Query) After(cursor string) *Query {
	q.after = cursor
	return q
}

// Execute runs the query. Cold-tier failures degrade to a partial result
// rather than failing the query outright.
func (q *Query) Execute() (*Result, error) {
	var afterTs int64
	var afterID string
	if q.after != "" {
		ts, id, err := decodeCursor(q.after)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		afterTs, afterID = ts, id
	}

	hotEvents := q.engine.hot.Scan(q.kind, q.entityID, q.from, q.to)

	coldEvents, coldErr := q.engine.coldScan(q.kind, q.entityID, q.from, q.to)
	if coldErr != nil {
		log.Warn("cold scan failed, returning hot tier only", "error", coldErr)
	}

	// Dedup by id, hot wins: during tiering an event briefly exists in
	// both tiers and must not appear twice.
	seen := make(map[string]struct{}, len(hotEvents))
	merged := make([]types.HistoricalEvent, 0, len(hotEvents)+len(coldEvents))
	for _, e := range hotEvents {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}
	for _, e := range coldEvents {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}

	sort.Slice(merged, func(i, j int) bool {
		ti, tj := merged[i].Timestamp.UnixMilli(), merged[j].Timestamp.UnixMilli()
		if ti != tj {
			return ti < tj
		}
		return merged[i].ID < merged[j].ID
	})

	// Cursor positioning: strictly after (afterTs, afterID).
	start := 0
	if q.after != "" {
		start = sort.Search(len(merged), func(i int) bool {
			ti := merged[i].Timestamp.UnixMilli()
			if ti != afterTs {
				return ti > afterTs
			}
			return merged[i].ID > afterID
		})
	}

	page := merged[start:]
	var cursor string
	if q.limit > 0 && len(page) > q.limit {
		page = page[:q.limit]
		last := page[len(page)-1]
		cursor = encodeCursor(last.Timestamp.UnixMilli(), last.ID)
	}

	out := make([]types.HistoricalEvent, len(page))
	copy(out, page)

	return &Result{
		Events:  out,
		Cursor:  cursor,
		Partial: coldErr != nil,
		TierErr: coldErr,
	}, nil
}

// coldScan reads the cold tier through the result cache. Cache entries are
// tied to the cold store generation; any segment change invalidates them.
func (e *Engine) coldScan(kind *types.CategoryKind, entityID string, from, to time.Time) ([]types.HistoricalEvent, error) {
	gen := e.cold.Generation()
	key := cacheKey(kind, entityID, from, to)

	if events, ok := e.cache.get(key, gen); ok {
		return events, nil
	}

	events, err := e.cold.ScanAll(from, to, kind, entityID)
	if err != nil {
		return nil, err
	}

	e.cache.put(key, gen, events)
	return events, nil
}

// CacheStats returns result cache hit/miss counters.
func (e *Engine) CacheStats() (hits, misses int64) {
	return e.cache.stats()
}

func cacheKey(kind *types.CategoryKind, entityID string, from, to time.Time) string {
	k := "*"
	if kind != nil {
		k = kind.String()
	}
	return fmt.Sprintf("%s|%s|%d|%d", k, entityID, from.UnixMilli(), to.UnixMilli())
}

// Cursors encode (timestampMs, id) as base64 so the position survives
// tiering: the pair identifies the event regardless of which tier holds it.
func encodeCursor(tsMs int64, id string) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.FormatInt(tsMs, 10) + "|" + id))
}

func decodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("decode: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed cursor")
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("timestamp: %w", err)
	}
	return ts, parts[1], nil
}
