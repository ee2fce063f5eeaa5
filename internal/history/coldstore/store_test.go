package coldstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/history/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Cold.Dir = t.TempDir()
	cfg.Cold.AppendBackoff = time.Millisecond
	return cfg
}

func makeEvents(n int, base time.Time) []types.HistoricalEvent {
	events := make([]types.HistoricalEvent, n)
	for i := 0; i < n; i++ {
		events[i] = types.HistoricalEvent{
			ID:        fmt.Sprintf("e%04d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Category: types.EventCategory{
				Kind:   types.CategorySensor,
				Sensor: &types.SensorReading{SensorID: "s1", Name: "temp", Value: float64(i)},
			},
			Source: "test",
		}
	}
	return events
}

func TestStore_AppendScanRoundTrip(t *testing.T) {
	s, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	events := makeEvents(10, base)

	refs, err := s.Append(context.Background(), events)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(refs))
	}
	if refs[0].Events != 10 {
		t.Errorf("expected 10 events in segment, got %d", refs[0].Events)
	}
	if len(refs[0].EventIDs) != 10 || refs[0].EventIDs[0] != "e0000" {
		t.Errorf("expected ref to list the persisted ids, got %v", refs[0].EventIDs)
	}

	got, err := s.ScanAll(time.Time{}, time.Time{}, nil, "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 events, got %d", len(got))
	}
	if got[0].ID != "e0000" {
		t.Errorf("expected first id=e0000, got %s", got[0].ID)
	}
	if got[0].Category.Sensor == nil || got[0].Category.Sensor.Value != 0 {
		t.Error("sensor payload did not survive the round trip")
	}
}

func TestStore_SegmentRollover(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cold.SegmentMaxEvents = 25
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	events := makeEvents(60, time.Now().Add(-time.Hour))
	refs, err := s.Append(context.Background(), events)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("expected 3 segments (25+25+10), got %d", len(refs))
	}
	if s.SegmentCount() != 3 {
		t.Errorf("expected 3 segments on disk, got %d", s.SegmentCount())
	}

	got, err := s.ScanAll(time.Time{}, time.Time{}, nil, "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 60 {
		t.Errorf("expected 60 events across segments, got %d", len(got))
	}
}

func TestStore_TimeRangePruning(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cold.SegmentMaxEvents = 10
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	if _, err := s.Append(context.Background(), makeEvents(30, base)); err != nil {
		t.Fatalf("append: %v", err)
	}

	// [base+5s, base+12s] spans the first two segments only.
	got, err := s.ScanAll(base.Add(5*time.Second), base.Add(12*time.Second), nil, "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 8 {
		t.Errorf("expected 8 events in range, got %d", len(got))
	}
}

func TestStore_CategoryFilter(t *testing.T) {
	s, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	now := time.Now().Add(-time.Hour)
	mixed := []types.HistoricalEvent{
		types.NewSensorEvent(now, "test", types.SensorReading{SensorID: "s1", Value: 1}),
		types.NewDeviceEvent(now.Add(time.Second), "test", types.DeviceState{DeviceID: "d1", NewState: "on"}),
		types.NewSensorEvent(now.Add(2*time.Second), "test", types.SensorReading{SensorID: "s1", Value: 2}),
	}
	if _, err := s.Append(context.Background(), mixed); err != nil {
		t.Fatalf("append: %v", err)
	}

	kind := types.CategorySensor
	got, err := s.ScanAll(time.Time{}, time.Time{}, &kind, "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sensor events, got %d", len(got))
	}
	for _, e := range got {
		if e.Category.Kind != types.CategorySensor {
			t.Errorf("unexpected category %s", e.Category.Kind)
		}
	}
}

func TestStore_ReloadFromDirectory(t *testing.T) {
	cfg := testConfig(t)

	s1, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s1.Append(context.Background(), makeEvents(5, time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A second store over the same directory rebuilds the index from
	// filenames alone.
	s2, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if s2.SegmentCount() != 1 {
		t.Fatalf("expected 1 segment after reload, got %d", s2.SegmentCount())
	}

	got, err := s2.ScanAll(time.Time{}, time.Time{}, nil, "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("expected 5 events after reload, got %d", len(got))
	}

	// New appends continue the sequence rather than reusing names.
	if _, err := s2.Append(context.Background(), makeEvents(5, time.Now().Add(-30*time.Minute))); err != nil {
		t.Fatalf("append after reload: %v", err)
	}
	if s2.SegmentCount() != 2 {
		t.Errorf("expected 2 segments, got %d", s2.SegmentCount())
	}
}

func TestStore_SizeCapDeletesOldest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cold.SegmentMaxEvents = 100
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	base := time.Now().Add(-2 * time.Hour)
	for i := 0; i < 4; i++ {
		events := makeEvents(100, base.Add(time.Duration(i)*10*time.Minute))
		if _, err := s.Append(context.Background(), events); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if s.SegmentCount() != 4 {
		t.Fatalf("expected 4 segments, got %d", s.SegmentCount())
	}

	// Shrink the cap below the current size and enforce.
	cfg.Cold.MaxSizeBytes = s.TotalSize() / 2
	s.EnforceSizeCap()

	if s.TotalSize() > cfg.Cold.MaxSizeBytes {
		t.Errorf("size %d still exceeds cap %d", s.TotalSize(), cfg.Cold.MaxSizeBytes)
	}
	if s.SegmentCount() >= 4 {
		t.Errorf("expected oldest segments deleted, still have %d", s.SegmentCount())
	}

	// The newest data survives.
	got, err := s.ScanAll(base.Add(30*time.Minute), time.Time{}, nil, "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 100 {
		t.Errorf("expected newest 100 events intact, got %d", len(got))
	}
}

func TestStore_CleanupExpired(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	// Sensor retention is 90 days; write one expired and one live segment.
	expired := makeEvents(5, time.Now().AddDate(0, 0, -100))
	live := makeEvents(5, time.Now().Add(-time.Hour))
	if _, err := s.Append(context.Background(), expired); err != nil {
		t.Fatalf("append expired: %v", err)
	}
	if _, err := s.Append(context.Background(), live); err != nil {
		t.Fatalf("append live: %v", err)
	}

	deleted, freed := s.CleanupExpired(time.Now(), &cfg.RetentionDays)
	if deleted != 1 {
		t.Fatalf("expected 1 segment deleted, got %d", deleted)
	}
	if freed <= 0 {
		t.Error("expected freed bytes > 0")
	}

	got, err := s.ScanAll(time.Time{}, time.Time{}, nil, "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("expected 5 live events, got %d", len(got))
	}
}

func TestStore_GenerationChanges(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	g0 := s.Generation()
	if _, err := s.Append(context.Background(), makeEvents(3, time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("append: %v", err)
	}
	g1 := s.Generation()
	if g1 == g0 {
		t.Error("generation should change after append")
	}

	// A cleanup far in the future deletes the segment.
	s.CleanupExpired(time.Now().AddDate(1, 0, 0), &cfg.RetentionDays)
	if s.Generation() == g1 {
		t.Error("generation should change after deletion")
	}
}

func TestSegmentName_RoundTrip(t *testing.T) {
	name := segmentName(1700000000000, 1700000060000, 0x2a, 17)
	meta, ok := parseSegmentName("/data", name)
	if !ok {
		t.Fatalf("failed to parse %s", name)
	}
	if meta.minTs != 1700000000000 || meta.maxTs != 1700000060000 {
		t.Errorf("timestamps wrong: %d..%d", meta.minTs, meta.maxTs)
	}
	if meta.catMask != 0x2a {
		t.Errorf("expected mask 0x2a, got 0x%x", meta.catMask)
	}
	if meta.seq != 17 {
		t.Errorf("expected seq 17, got %d", meta.seq)
	}

	if _, ok := parseSegmentName("/data", "not-a-segment.parquet"); ok {
		t.Error("junk filename should not parse")
	}
	if _, ok := parseSegmentName("/data", "evt-123.txt"); ok {
		t.Error("wrong extension should not parse")
	}
}

func TestSegmentMeta_Overlaps(t *testing.T) {
	m := segmentMeta{minTs: 1000, maxTs: 2000}

	cases := []struct {
		from, to int64
		want     bool
	}{
		{0, 0, true},       // open range
		{500, 1500, true},  // overlaps start
		{1500, 2500, true}, // overlaps end
		{2001, 0, false},   // after
		{0, 999, false},    // before
		{1000, 2000, true}, // exact
	}
	for _, c := range cases {
		if got := m.overlaps(c.from, c.to); got != c.want {
			t.Errorf("overlaps(%d, %d) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
