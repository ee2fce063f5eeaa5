package types

import (
	"testing"
	"time"
)

func TestCategoryKind_ParseRoundTrip(t *testing.T) {
	for _, k := range AllCategories() {
		parsed, ok := ParseCategoryKind(k.String())
		if !ok || parsed != k {
			t.Errorf("%s did not round-trip: %v %v", k, parsed, ok)
		}
	}
	if _, ok := ParseCategoryKind("bogus"); ok {
		t.Error("bogus category should not parse")
	}
}

func TestCategoryKind_BitsDisjoint(t *testing.T) {
	var mask uint16
	for _, k := range AllCategories() {
		if mask&k.Bit() != 0 {
			t.Errorf("category %s shares a bit", k)
		}
		mask |= k.Bit()
	}
}

func TestHistoricalEvent_EntityID(t *testing.T) {
	cases := []struct {
		event HistoricalEvent
		want  string
	}{
		{NewDeviceEvent(time.Now(), "", DeviceState{DeviceID: "dev-1", NewState: "on"}), "dev-1"},
		{NewSensorEvent(time.Now(), "", SensorReading{SensorID: "sen-1"}), "sen-1"},
		{NewMetricEvent(time.Now(), "", SystemMetric{Name: "cpu"}), "cpu"},
		{NewDiscoveryEvent(time.Now(), "", DiscoveryEvent{EntityID: "disc-1"}), "disc-1"},
		{NewCacheEvent(time.Now(), "", ResponseCache{Key: "k1"}), "k1"},
	}
	for _, c := range cases {
		if got := c.event.EntityID(); got != c.want {
			t.Errorf("%s: expected entity %q, got %q", c.event.Category.Kind, c.want, got)
		}
	}
}

func TestNewEvent_AssignsUniqueIDs(t *testing.T) {
	a := NewDeviceEvent(time.Now(), "src", DeviceState{DeviceID: "d", NewState: "on"})
	b := NewDeviceEvent(time.Now(), "src", DeviceState{DeviceID: "d", NewState: "on"})
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
	if !a.Timestamp.Equal(a.Timestamp.UTC()) {
		t.Error("timestamps should be UTC")
	}
}

func TestResourceChange_NumericDelta(t *testing.T) {
	c := ResourceChange{PreviousValue: 20.0, NewValue: 23.0}
	if d, ok := c.NumericDelta(); !ok || d != 3.0 {
		t.Errorf("expected delta 3.0, got %v %v", d, ok)
	}

	// Absolute value: direction does not matter.
	c = ResourceChange{PreviousValue: 23, NewValue: int64(20)}
	if d, ok := c.NumericDelta(); !ok || d != 3.0 {
		t.Errorf("expected delta 3.0 across int kinds, got %v %v", d, ok)
	}

	c = ResourceChange{PreviousValue: "off", NewValue: "on"}
	if _, ok := c.NumericDelta(); ok {
		t.Error("non-numeric values should not yield a delta")
	}
}
