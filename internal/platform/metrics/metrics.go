package metrics

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the domain counters. A nil *Metrics is valid and records
// nothing, so services can be built without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	Bookings            *prometheus.CounterVec
	CapacityChecks      *prometheus.CounterVec
	AssignmentConflicts prometheus.Counter
	SessionTransitions  *prometheus.CounterVec
	InventoryConsumed   *prometheus.CounterVec
	ItemsExhausted      prometheus.Counter
	CycleClosures       *prometheus.CounterVec
	OperationLatency    *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Bookings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Appointment booking attempts by operation and result",
		}, []string{"operation", "result"}),
		CapacityChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "capacity_checks_total",
			Help:      "Slot capacity checks by outcome",
		}, []string{"available"}),
		AssignmentConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "assignment_conflicts_total",
			Help:      "Machine assignments rejected for overlapping an active assignment",
		}),
		SessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "transitions_total",
			Help:      "Dialysis session lifecycle events",
		}, []string{"event"}),
		InventoryConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "consumed_units_total",
			Help:      "Units consumed by sessions, split by tracking mode",
		}, []string{"mode"}),
		ItemsExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "items_exhausted_total",
			Help:      "Individual items that reached their maximum usage count",
		}),
		CycleClosures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycles",
			Name:      "closures_total",
			Help:      "Treatment cycles closed, by final status and trigger",
		}, []string{"status", "trigger"}),
		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of transactional domain operations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
	}
}

func (m *Metrics) Booking(operation, result string) {
	if m == nil {
		return
	}
	m.Bookings.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) CapacityCheck(available bool) {
	if m == nil {
		return
	}
	label := "false"
	if available {
		label = "true"
	}
	m.CapacityChecks.WithLabelValues(label).Inc()
}

func (m *Metrics) AssignmentConflict() {
	if m == nil {
		return
	}
	m.AssignmentConflicts.Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(event).Inc()
}

func (m *Metrics) Consumed(mode string, units int) {
	if m == nil {
		return
	}
	m.InventoryConsumed.WithLabelValues(mode).Add(float64(units))
}

func (m *Metrics) ItemExhausted() {
	if m == nil {
		return
	}
	m.ItemsExhausted.Inc()
}

func (m *Metrics) CycleClosed(status, trigger string) {
	if m == nil {
		return
	}
	m.CycleClosures.WithLabelValues(status, trigger).Inc()
}

// Observe records the time since start for an operation. Use with defer:
//
//	defer s.metrics.Observe("create_appointment", time.Now())
func (m *Metrics) Observe(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
