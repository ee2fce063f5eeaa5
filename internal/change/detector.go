// Package change classifies raw state transitions from the device client
// into typed resource changes and historical events.
//
// Detection is decoupled from history recording through a bounded queue:
// the source feed is never blocked by slow storage, and queue overflow
// drops the oldest pending item rather than the newest.
package change

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/domohist/domohist/internal/history/config"
	"github.com/domohist/domohist/internal/history/hotstore"
	"github.com/domohist/domohist/internal/history/types"
	"github.com/domohist/domohist/internal/logging"
)

var log = logging.Component("change")

// RawTransition is a state transition as reported by the device client:
// polled diff or pushed transport event.
type RawTransition struct {
	EntityID    string
	EntityType  string
	EntityName  string
	Room        string
	Previous    any // nil on first observation
	New         any // nil when the entity disappeared
	Timestamp   time.Time
	Description string
	Source      string
}

// ChangeSink receives classified resource changes, typically the
// notification dispatcher.
type ChangeSink func(types.ResourceChange)

// Detector classifies transitions and records history.
type Detector struct {
	cfg  *config.Config
	hot  *hotstore.Store
	sink ChangeSink

	mu       sync.Mutex
	queue    []types.HistoricalEvent
	queueCap int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed      atomic.Int64
	dropped        atomic.Int64
	unclassifiable atomic.Int64
}

// New creates a detector. sink may be nil when no notification fan-out is
// wanted (history recording only).
func New(cfg *config.Config, hot *hotstore.Store, sink ChangeSink) *Detector {
	if cfg == nil {
		cfg = config.Default()
	}
	// The recording queue absorbs bursts between flushes; several flush
	// batches deep is enough since overflow falls back to drop-oldest.
	queueCap := cfg.Performance.WriteBufferSize * 8
	if queueCap < 1024 {
		queueCap = 1024
	}
	return &Detector{
		cfg:      cfg,
		hot:      hot,
		sink:     sink,
		queueCap: queueCap,
	}
}

// Start launches the recording-queue drain loop.
func (d *Detector) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.flushLoop()
	log.Info("change detector started",
		"queue_capacity", d.queueCap,
		"flush_interval", d.cfg.Performance.FlushInterval)
}

// Stop halts the drain loop and flushes whatever is still queued.
func (d *Detector) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.drain(0)
	log.Info("change detector stopped")
}

// Process classifies one transition. Unclassifiable transitions are counted
// and dropped; they never propagate an error to the feed.
func (d *Detector) Process(t RawTransition) {
	change, event, err := Classify(t)
	if err != nil {
		d.unclassifiable.Add(1)
		log.Warn("unclassifiable transition",
			"entity_id", t.EntityID, "entity_type", t.EntityType, "error", err)
		return
	}
	d.processed.Add(1)

	d.enqueue(event)

	if d.sink != nil {
		d.sink(change)
	}
}

// enqueue stages an event for recording, dropping the oldest queued entry
// when full.
func (d *Detector) enqueue(e types.HistoricalEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) >= d.queueCap {
		d.queue = d.queue[1:]
		d.dropped.Add(1)
	}
	d.queue = append(d.queue, e)
}

func (d *Detector) flushLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Performance.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.drain(d.cfg.Performance.WriteBufferSize)
		}
	}
}

// drain writes queued events to the hot store, batchSize at a time.
// batchSize 0 drains everything.
func (d *Detector) drain(batchSize int) {
	for {
		d.mu.Lock()
		n := len(d.queue)
		if n == 0 {
			d.mu.Unlock()
			return
		}
		if batchSize > 0 && n > batchSize {
			n = batchSize
		}
		batch := make([]types.HistoricalEvent, n)
		copy(batch, d.queue[:n])
		d.queue = d.queue[n:]
		d.mu.Unlock()

		for i := range batch {
			if err := d.hot.Record(batch[i]); err != nil {
				log.Error("record event", "event_id", batch[i].ID, "error", err)
			}
		}

		if batchSize > 0 {
			return // one batch per tick
		}
	}
}

// Stats holds detector counters.
type Stats struct {
	Processed      int64 `json:"processed"`
	Dropped        int64 `json:"dropped"`
	Unclassifiable int64 `json:"unclassifiable"`
	Queued         int   `json:"queued"`
}

// Stats returns detector counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	queued := len(d.queue)
	d.mu.Unlock()
	return Stats{
		Processed:      d.processed.Load(),
		Dropped:        d.dropped.Load(),
		Unclassifiable: d.unclassifiable.Load(),
		Queued:         queued,
	}
}

// Classify maps a transition to exactly one change type plus its historical
// event. It is a pure function with no detector state.
func Classify(t RawTransition) (types.ResourceChange, types.HistoricalEvent, error) {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	// Lifecycle transitions take precedence over the type table.
	if t.New == nil && t.Previous != nil {
		return buildChange(t, ts, types.ChangeResourceRemoved),
			types.NewDiscoveryEvent(ts, t.Source, types.DiscoveryEvent{
				EntityType: t.EntityType,
				EntityID:   t.EntityID,
				Details:    t.Description,
				IsNew:      false,
			}), nil
	}
	if t.Previous == nil && t.New != nil {
		return buildChange(t, ts, types.ChangeResourceAdded),
			types.NewDiscoveryEvent(ts, t.Source, types.DiscoveryEvent{
				EntityType: t.EntityType,
				EntityID:   t.EntityID,
				Details:    t.Description,
				IsNew:      true,
			}), nil
	}

	m, ok := classification[t.EntityType]
	if !ok {
		return types.ResourceChange{}, types.HistoricalEvent{},
			fmt.Errorf("no mapping for entity type %q: %w", t.EntityType, types.ErrUnclassifiable)
	}

	return buildChange(t, ts, m.changeType), m.event(t, ts), nil
}

type mapping struct {
	changeType types.ResourceChangeType
	event      func(RawTransition, time.Time) types.HistoricalEvent
}

// classification is the fixed entity-type mapping table. One change type per
// transition, never more.
var classification = map[string]mapping{
	"switch":      {types.ChangeDeviceState, deviceEvent},
	"light":       {types.ChangeDeviceState, deviceEvent},
	"dimmer":      {types.ChangeDeviceState, deviceEvent},
	"jalousie":    {types.ChangeDeviceState, deviceEvent},
	"blind":       {types.ChangeDeviceState, deviceEvent},
	"gate":        {types.ChangeDeviceState, deviceEvent},
	"pushbutton":  {types.ChangeDeviceState, deviceEvent},
	"temperature": {types.ChangeSensorValue, sensorEvent},
	"humidity":    {types.ChangeSensorValue, sensorEvent},
	"brightness":  {types.ChangeSensorValue, sensorEvent},
	"co2":         {types.ChangeSensorValue, sensorEvent},
	"motion":      {types.ChangeSensorValue, sensorEvent},
	"analog":      {types.ChangeSensorValue, sensorEvent},
	"room":        {types.ChangeRoomConfig, deviceEvent},
	"system":      {types.ChangeSystemStatus, metricEvent},
	"audio_zone":  {types.ChangeAudioZone, deviceEvent},
	"weather":     {types.ChangeWeather, sensorEvent},
	"alarm":       {types.ChangeSecurity, auditEvent},
	"smoke":       {types.ChangeSecurity, auditEvent},
	"meter":       {types.ChangeEnergy, metricEvent},
	"power":       {types.ChangeEnergy, metricEvent},
}

func buildChange(t RawTransition, ts time.Time, ct types.ResourceChangeType) types.ResourceChange {
	return types.ResourceChange{
		ResourceURI:   ResourceURI(t),
		ChangeType:    ct,
		Timestamp:     ts,
		PreviousValue: t.Previous,
		NewValue:      t.New,
		SourceID:      t.EntityID,
		Metadata: map[string]string{
			"entity_type": t.EntityType,
		},
	}
}

// ResourceURI derives the logical address subscribers watch. Room-scoped
// entities group under their room so a single subscription covers the room.
func ResourceURI(t RawTransition) string {
	if t.Room != "" {
		return fmt.Sprintf("loxone://rooms/%s/devices", t.Room)
	}
	return fmt.Sprintf("loxone://entities/%s", t.EntityID)
}

func deviceEvent(t RawTransition, ts time.Time) types.HistoricalEvent {
	return types.NewDeviceEvent(ts, t.Source, types.DeviceState{
		DeviceID:      t.EntityID,
		Name:          t.EntityName,
		Type:          t.EntityType,
		Room:          t.Room,
		PreviousState: fmt.Sprintf("%v", t.Previous),
		NewState:      fmt.Sprintf("%v", t.New),
		Trigger:       t.Description,
	})
}

func sensorEvent(t RawTransition, ts time.Time) types.HistoricalEvent {
	value, quality := numericValue(t.New)
	return types.NewSensorEvent(ts, t.Source, types.SensorReading{
		SensorID: t.EntityID,
		Name:     t.EntityName,
		Type:     t.EntityType,
		Value:    value,
		Quality:  quality,
		Room:     t.Room,
	})
}

func metricEvent(t RawTransition, ts time.Time) types.HistoricalEvent {
	value, _ := numericValue(t.New)
	return types.NewMetricEvent(ts, t.Source, types.SystemMetric{
		Name:  t.EntityID,
		Value: value,
		Tags:  map[string]string{"entity_type": t.EntityType},
	})
}

func auditEvent(t RawTransition, ts time.Time) types.HistoricalEvent {
	return types.NewAuditEvent(ts, t.Source, types.AuditEvent{
		Action:  t.EntityType,
		Actor:   t.Source,
		Target:  t.EntityID,
		Result:  types.AuditSuccess,
		Details: t.Description,
	})
}

// numericValue coerces a transition value to float64. Non-numeric values
// yield quality Unknown so the reading is preserved rather than dropped.
func numericValue(v any) (float64, types.SensorQuality) {
	switch n := v.(type) {
	case float64:
		return n, types.QualityGood
	case float32:
		return float64(n), types.QualityGood
	case int:
		return float64(n), types.QualityGood
	case int64:
		return float64(n), types.QualityGood
	}
	return 0, types.QualityUnknown
}
