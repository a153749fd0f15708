// Package metrics provides Prometheus metrics for the NAT engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "conenat"
)

// Metrics contains all Prometheus metrics for the engine. It implements the
// observer interfaces of the mapping table, port allocator, collector and
// coordinators.
type Metrics struct {
	// Mapping table metrics
	MappingsActive  prometheus.Gauge
	MappingsCreated prometheus.Counter
	MappingsRemoved *prometheus.CounterVec
	FlowsActive     prometheus.Gauge

	// Port allocation metrics
	PortAllocations *prometheus.CounterVec

	// Translation metrics
	Translations *prometheus.CounterVec

	// Collector metrics
	DestroyEvents   prometheus.Counter
	GCDrains        prometheus.Counter
	GCDrainDuration prometheus.Histogram
	PendingDestroy  prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Mapping table metrics
		MappingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mappings_active",
			Help:      "Number of mappings currently in the table",
		}),
		MappingsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mappings_created_total",
			Help:      "Total number of mappings created",
		}),
		MappingsRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mappings_removed_total",
			Help:      "Total mappings removed by reason",
		}, []string{"reason"}),
		FlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_active",
			Help:      "Number of flow records held by mappings",
		}),

		// Port allocation metrics
		PortAllocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_allocations_total",
			Help:      "Total port allocations by outcome",
		}, []string{"result"}),

		// Translation metrics
		Translations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translations_total",
			Help:      "Total translation decisions by direction and result",
		}, []string{"direction", "result"}),

		// Collector metrics
		DestroyEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destroy_events_total",
			Help:      "Total flow destroy events queued",
		}),
		GCDrains: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_drains_total",
			Help:      "Total destroy queue drains",
		}),
		GCDrainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_drain_duration_seconds",
			Help:      "Histogram of destroy queue drain duration in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}),
		PendingDestroy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_destroy",
			Help:      "Number of destroy events waiting for a drain",
		}),
	}

	return m
}

// RecordMappingCreated records a new mapping.
func (m *Metrics) RecordMappingCreated() {
	m.MappingsActive.Inc()
	m.MappingsCreated.Inc()
}

// RecordMappingRemoved records a mapping removal.
func (m *Metrics) RecordMappingRemoved(reason string) {
	m.MappingsActive.Dec()
	m.MappingsRemoved.WithLabelValues(reason).Inc()
}

// RecordFlowDelta adjusts the flow record gauge.
func (m *Metrics) RecordFlowDelta(delta int) {
	m.FlowsActive.Add(float64(delta))
}

// RecordPortAllocation records an allocator outcome.
func (m *Metrics) RecordPortAllocation(result string) {
	m.PortAllocations.WithLabelValues(result).Inc()
}

// RecordTranslation records a translation decision.
func (m *Metrics) RecordTranslation(direction, result string) {
	m.Translations.WithLabelValues(direction, result).Inc()
}

// RecordDestroyEvent records a queued destroy event.
func (m *Metrics) RecordDestroyEvent() {
	m.DestroyEvents.Inc()
}

// RecordGCDrain records a completed drain.
func (m *Metrics) RecordGCDrain(seconds float64) {
	m.GCDrains.Inc()
	m.GCDrainDuration.Observe(seconds)
}

// SetPendingDestroy sets the destroy queue length.
func (m *Metrics) SetPendingDestroy(n int) {
	m.PendingDestroy.Set(float64(n))
}
