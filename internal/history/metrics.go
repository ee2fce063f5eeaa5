package history

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics exposes engine statistics to Prometheus. Gauges pull from
// the stats snapshots on scrape, so no counters need threading through the
// storage hot paths.
func RegisterMetrics(reg prometheus.Registerer, s *Service) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "domohist",
			Subsystem: "cold",
			Name:      "segments",
			Help:      "Number of cold segments on disk.",
		}, func() float64 {
			return float64(s.cold.SegmentCount())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "domohist",
			Subsystem: "cold",
			Name:      "size_bytes",
			Help:      "Total on-disk cold segment size.",
		}, func() float64 {
			return float64(s.cold.TotalSize())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "domohist",
			Subsystem: "cold",
			Name:      "events_appended_total",
			Help:      "Events persisted to the cold tier.",
		}, func() float64 {
			return float64(s.cold.Stats().EventsAppended)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "domohist",
			Subsystem: "tiering",
			Name:      "cycles_total",
			Help:      "Completed tiering cycles.",
		}, func() float64 {
			return float64(s.tiers.Stats().Cycles)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "domohist",
			Subsystem: "tiering",
			Name:      "events_tiered_total",
			Help:      "Events moved from the hot tier to the cold tier.",
		}, func() float64 {
			return float64(s.tiers.Stats().EventsTiered)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "domohist",
			Subsystem: "hot",
			Name:      "pending_events",
			Help:      "Events staged for tiering across all categories.",
		}, func() float64 {
			var pending int
			for _, cat := range s.hot.Stats() {
				pending += cat.Pending
			}
			return float64(pending)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "domohist",
			Subsystem: "hot",
			Name:      "buffered_events",
			Help:      "Events resident in the hot rings across all categories.",
		}, func() float64 {
			var count int
			for _, cat := range s.hot.Stats() {
				count += cat.RingCount
			}
			return float64(count)
		}),
	)
}
