package types

import (
	"time"

	"github.com/google/uuid"
)

// CategoryKind identifies the concrete shape of an event's category payload.
type CategoryKind int

const (
	CategoryDevice CategoryKind = iota
	CategorySensor
	CategoryMetric
	CategoryAudit
	CategoryDiscovery
	CategoryCache
)

// NumCategories is the number of category kinds. Kinds double as bit
// positions in per-segment category presence masks.
const NumCategories = 6

// String returns a human-readable representation of the category kind.
func (k CategoryKind) String() string {
	switch k {
	case CategoryDevice:
		return "device"
	case CategorySensor:
		return "sensor"
	case CategoryMetric:
		return "metric"
	case CategoryAudit:
		return "audit"
	case CategoryDiscovery:
		return "discovery"
	case CategoryCache:
		return "cache"
	default:
		return "unknown"
	}
}

// ParseCategoryKind parses a category kind string.
// Returns ok=false for unknown strings.
func ParseCategoryKind(s string) (CategoryKind, bool) {
	switch s {
	case "device":
		return CategoryDevice, true
	case "sensor":
		return CategorySensor, true
	case "metric":
		return CategoryMetric, true
	case "audit":
		return CategoryAudit, true
	case "discovery":
		return CategoryDiscovery, true
	case "cache":
		return CategoryCache, true
	default:
		return 0, false
	}
}

// Bit returns the category's position in a presence bitmask.
func (k CategoryKind) Bit() uint16 {
	return 1 << uint(k)
}

// AllCategories returns all category kinds in declaration order.
func AllCategories() []CategoryKind {
	return []CategoryKind{
		CategoryDevice, CategorySensor, CategoryMetric,
		CategoryAudit, CategoryDiscovery, CategoryCache,
	}
}

// SensorQuality grades the reliability of a sensor reading.
type SensorQuality int

const (
	QualityUnknown SensorQuality = iota
	QualityGood
	QualityFair
	QualityPoor
)

func (q SensorQuality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// AuditResult is the outcome of an audited action.
type AuditResult int

const (
	AuditSuccess AuditResult = iota
	AuditFailure
	AuditPartial
)

func (r AuditResult) String() string {
	switch r {
	case AuditSuccess:
		return "success"
	case AuditFailure:
		return "failure"
	case AuditPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// DeviceState records a device transition (power, position, mode).
type DeviceState struct {
	DeviceID      string  `json:"device_id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Room          string  `json:"room,omitempty"`
	PreviousState string  `json:"previous_state,omitempty"`
	NewState      string  `json:"new_state"`
	Trigger       string  `json:"trigger,omitempty"`
	EnergyDelta   float64 `json:"energy_delta,omitempty"`
}

// SensorReading records a single measurement from a sensor.
type SensorReading struct {
	SensorID string        `json:"sensor_id"`
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Value    float64       `json:"value"`
	Unit     string        `json:"unit,omitempty"`
	Quality  SensorQuality `json:"quality"`
	Room     string        `json:"room,omitempty"`
}

// SystemMetric records an internal system measurement.
type SystemMetric struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Unit  string            `json:"unit,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// AuditEvent records an audited action and its outcome.
type AuditEvent struct {
	Action  string      `json:"action"`
	Actor   string      `json:"actor"`
	Target  string      `json:"target,omitempty"`
	Result  AuditResult `json:"result"`
	Details string      `json:"details,omitempty"`
}

// DiscoveryEvent records an entity appearing or being rediscovered.
type DiscoveryEvent struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Method     string `json:"method,omitempty"`
	Details    string `json:"details,omitempty"`
	IsNew      bool   `json:"is_new"`
}

// ResponseCache records a response cache hit or miss.
type ResponseCache struct {
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
	Hit    bool   `json:"hit"`
	TTLSec int64  `json:"ttl_sec,omitempty"`
}

// EventCategory is a tagged union over the category variants. Exactly one
// variant pointer is non-nil, selected by Kind. The zero value is invalid.
type EventCategory struct {
	Kind CategoryKind `json:"kind"`

	Device    *DeviceState    `json:"device,omitempty"`
	Sensor    *SensorReading  `json:"sensor,omitempty"`
	Metric    *SystemMetric   `json:"metric,omitempty"`
	Audit     *AuditEvent     `json:"audit,omitempty"`
	Discovery *DiscoveryEvent `json:"discovery,omitempty"`
	Cache     *ResponseCache  `json:"cache,omitempty"`
}

// HistoricalEvent is the immutable unit of history. Events are never mutated
// once recorded; storage order need not match arrival order.
type HistoricalEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Category  EventCategory     `json:"category"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EntityID returns the identifier of the entity the event concerns, used for
// entity-scoped queries. Empty when the variant carries no entity.
func (e *HistoricalEvent) EntityID() string {
	c := &e.Category
	switch c.Kind {
	case CategoryDevice:
		if c.Device != nil {
			return c.Device.DeviceID
		}
	case CategorySensor:
		if c.Sensor != nil {
			return c.Sensor.SensorID
		}
	case CategoryMetric:
		if c.Metric != nil {
			return c.Metric.Name
		}
	case CategoryAudit:
		if c.Audit != nil {
			return c.Audit.Target
		}
	case CategoryDiscovery:
		if c.Discovery != nil {
			return c.Discovery.EntityID
		}
	case CategoryCache:
		if c.Cache != nil {
			return c.Cache.Key
		}
	}
	return ""
}

// newEvent fills the shared fields of a historical event.
func newEvent(ts time.Time, cat EventCategory, source string) HistoricalEvent {
	return HistoricalEvent{
		ID:        uuid.NewString(),
		Timestamp: ts.UTC(),
		Category:  cat,
		Source:    source,
	}
}

// NewDeviceEvent creates a device state event.
func NewDeviceEvent(ts time.Time, source string, d DeviceState) HistoricalEvent {
	return newEvent(ts, EventCategory{Kind: CategoryDevice, Device: &d}, source)
}

// NewSensorEvent creates a sensor reading event.
func NewSensorEvent(ts time.Time, source string, s SensorReading) HistoricalEvent {
	return newEvent(ts, EventCategory{Kind: CategorySensor, Sensor: &s}, source)
}

// NewMetricEvent creates a system metric event.
func NewMetricEvent(ts time.Time, source string, m SystemMetric) HistoricalEvent {
	return newEvent(ts, EventCategory{Kind: CategoryMetric, Metric: &m}, source)
}

// NewAuditEvent creates an audit event.
func NewAuditEvent(ts time.Time, source string, a AuditEvent) HistoricalEvent {
	return newEvent(ts, EventCategory{Kind: CategoryAudit, Audit: &a}, source)
}

// NewDiscoveryEvent creates a discovery event.
func NewDiscoveryEvent(ts time.Time, source string, d DiscoveryEvent) HistoricalEvent {
	return newEvent(ts, EventCategory{Kind: CategoryDiscovery, Discovery: &d}, source)
}

// NewCacheEvent creates a response cache event.
func NewCacheEvent(ts time.Time, source string, c ResponseCache) HistoricalEvent {
	return newEvent(ts, EventCategory{Kind: CategoryCache, Cache: &c}, source)
}

// EventBatch is a collection of events for batch processing.
type EventBatch struct {
	Events []HistoricalEvent
}

// NewEventBatch creates a batch with the given capacity.
func NewEventBatch(capacity int) *EventBatch {
	return &EventBatch{Events: make([]HistoricalEvent, 0, capacity)}
}

// Add appends an event to the batch.
func (b *EventBatch) Add(e HistoricalEvent) {
	b.Events = append(b.Events, e)
}

// Len returns the number of events in the batch.
func (b *EventBatch) Len() int {
	return len(b.Events)
}
