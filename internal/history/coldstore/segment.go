package coldstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/domohist/domohist/internal/history/types"
)

// eventRow is the on-disk representation of an event. Category payload and
// metadata are stored as JSON bytes so the row schema stays stable across
// category variants.
type eventRow struct {
	ID          string `parquet:"id,zstd"`
	TimestampMs int64  `parquet:"timestamp_ms"`
	Category    string `parquet:"category,zstd"`
	EntityID    string `parquet:"entity_id,zstd"`
	Source      string `parquet:"source,optional,zstd"`
	Payload     []byte `parquet:"payload,zstd"`
	Metadata    []byte `parquet:"metadata,optional,zstd"`
}

// eventToRow converts an event to its storage row.
func eventToRow(e *types.HistoricalEvent) (eventRow, error) {
	payload, err := json.Marshal(&e.Category)
	if err != nil {
		return eventRow{}, fmt.Errorf("marshal category payload: %w", err)
	}

	row := eventRow{
		ID:          e.ID,
		TimestampMs: e.Timestamp.UnixMilli(),
		Category:    e.Category.Kind.String(),
		EntityID:    e.EntityID(),
		Source:      e.Source,
		Payload:     payload,
	}

	if len(e.Metadata) > 0 {
		md, err := json.Marshal(e.Metadata)
		if err != nil {
			return eventRow{}, fmt.Errorf("marshal metadata: %w", err)
		}
		row.Metadata = md
	}

	return row, nil
}

// rowToEvent converts a storage row back to an event.
func rowToEvent(r *eventRow) (types.HistoricalEvent, error) {
	var cat types.EventCategory
	if err := json.Unmarshal(r.Payload, &cat); err != nil {
		return types.HistoricalEvent{}, fmt.Errorf("unmarshal category payload: %w", err)
	}

	e := types.HistoricalEvent{
		ID:        r.ID,
		Timestamp: time.UnixMilli(r.TimestampMs).UTC(),
		Category:  cat,
		Source:    r.Source,
	}

	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return types.HistoricalEvent{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return e, nil
}

// codecFor maps a configured compression name to a parquet codec.
func codecFor(name string) compress.Codec {
	switch name {
	case "gzip":
		return &parquet.Gzip
	case "lz4":
		return &parquet.Lz4Raw
	case "none":
		return &parquet.Uncompressed
	case "zstd", "":
		return &parquet.Zstd
	default:
		return &parquet.Zstd
	}
}

// Segment filenames encode the index fields needed for scan pruning:
//
//	evt-<minTsMs>-<maxTsMs>-<catMaskHex>-<seq>.parquet
//
// The directory listing alone therefore rebuilds the segment index after a
// restart; no manifest file is needed.
const segmentPrefix = "evt-"

func segmentName(minTs, maxTs int64, catMask uint16, seq int64) string {
	return fmt.Sprintf("%s%013d-%013d-%04x-%06d.parquet", segmentPrefix, minTs, maxTs, catMask, seq)
}

// segmentMeta is the lightweight per-segment index, derived from the
// filename plus the file size.
type segmentMeta struct {
	path    string
	minTs   int64 // Unix milliseconds, inclusive
	maxTs   int64 // Unix milliseconds, inclusive
	catMask uint16
	seq     int64
	size    int64
}

// parseSegmentName parses a segment filename into its metadata.
func parseSegmentName(dir, name string) (segmentMeta, bool) {
	var minTs, maxTs, seq int64
	var catMask uint16

	base := name
	if filepath.Ext(base) != ".parquet" {
		return segmentMeta{}, false
	}
	n, err := fmt.Sscanf(base, segmentPrefix+"%013d-%013d-%04x-%06d.parquet", &minTs, &maxTs, &catMask, &seq)
	if err != nil || n != 4 {
		return segmentMeta{}, false
	}

	return segmentMeta{
		path:    filepath.Join(dir, name),
		minTs:   minTs,
		maxTs:   maxTs,
		catMask: catMask,
		seq:     seq,
	}, true
}

// overlaps reports whether the segment may contain events in [from, to].
// Zero bounds are open.
func (m *segmentMeta) overlaps(fromMs, toMs int64) bool {
	if fromMs > 0 && m.maxTs < fromMs {
		return false
	}
	if toMs > 0 && m.minTs > toMs {
		return false
	}
	return true
}

// hasCategory reports whether the segment may contain the category.
func (m *segmentMeta) hasCategory(kind types.CategoryKind) bool {
	return m.catMask&kind.Bit() != 0
}

// SegmentRef identifies a persisted segment. EventIDs lists exactly the
// events the segment holds, so a caller recovering from a partial append
// can tell persisted events apart from ones that share a timestamp with
// the segment boundary but never reached disk.
type SegmentRef struct {
	Path     string    `json:"path"`
	MinTime  time.Time `json:"min_time"`
	MaxTime  time.Time `json:"max_time"`
	Events   int       `json:"events"`
	EventIDs []string  `json:"-"`
}
