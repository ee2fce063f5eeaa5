package types

import "time"

// ResourceChangeType classifies a resource change for subscription filtering.
type ResourceChangeType string

const (
	ChangeDeviceState     ResourceChangeType = "DeviceState"
	ChangeSensorValue     ResourceChangeType = "SensorValue"
	ChangeRoomConfig      ResourceChangeType = "RoomConfig"
	ChangeSystemStatus    ResourceChangeType = "SystemStatus"
	ChangeAudioZone       ResourceChangeType = "AudioZone"
	ChangeWeather         ResourceChangeType = "Weather"
	ChangeSecurity        ResourceChangeType = "Security"
	ChangeEnergy          ResourceChangeType = "Energy"
	ChangeResourceAdded   ResourceChangeType = "ResourceAdded"
	ChangeResourceRemoved ResourceChangeType = "ResourceRemoved"
)

// Valid reports whether t is a known change type.
func (t ResourceChangeType) Valid() bool {
	switch t {
	case ChangeDeviceState, ChangeSensorValue, ChangeRoomConfig,
		ChangeSystemStatus, ChangeAudioZone, ChangeWeather,
		ChangeSecurity, ChangeEnergy, ChangeResourceAdded, ChangeResourceRemoved:
		return true
	}
	return false
}

// ResourceChange describes a single observed change to a monitored resource.
// It is the unit handed to the notification dispatcher.
type ResourceChange struct {
	ResourceURI   string             `json:"resource_uri"`
	ChangeType    ResourceChangeType `json:"change_type"`
	Timestamp     time.Time          `json:"timestamp"`
	PreviousValue any                `json:"previous_value,omitempty"`
	NewValue      any                `json:"new_value"`
	SourceID      string             `json:"source_id,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
}

// NumericDelta returns the absolute difference between previous and new
// values when both are numeric. ok is false otherwise.
func (c *ResourceChange) NumericDelta() (float64, bool) {
	prev, okPrev := toFloat(c.PreviousValue)
	next, okNext := toFloat(c.NewValue)
	if !okPrev || !okNext {
		return 0, false
	}
	d := next - prev
	if d < 0 {
		d = -d
	}
	return d, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
