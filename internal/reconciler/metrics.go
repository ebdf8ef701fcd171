package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/truongvando/ezstream-sub009/pkg/monitoring"
)

// Metrics holds the Prometheus instruments the engine reports into
type Metrics struct {
	ReportsTotal      *prometheus.CounterVec   // source, outcome
	Transitions       *prometheus.CounterVec   // from, to
	ReconcileDuration *prometheus.HistogramVec // source
	CapacityWarnings  *prometheus.CounterVec   // vps_id
	VpsStreamCount    *prometheus.GaugeVec     // vps_id
}

// NewMetrics registers the engine's custom metrics on the collector
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		ReportsTotal:      mc.NewCounter("agent_reports_total", "Agent reports processed", []string{"source", "outcome"}),
		Transitions:       mc.NewCounter("stream_transitions_total", "Stream status transitions applied", []string{"from", "to"}),
		ReconcileDuration: mc.NewHistogram("reconcile_duration_seconds", "Reconciliation duration", []string{"source"}, nil),
		CapacityWarnings:  mc.NewCounter("vps_capacity_warnings_total", "VPS over-provisioning warnings", []string{"vps_id"}),
		VpsStreamCount:    mc.NewGauge("vps_current_streams", "Current streams per VPS", []string{"vps_id"}),
	}
}

func (m *Metrics) report(source, outcome string) {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) observeDuration(source string, seconds float64) {
	if m == nil {
		return
	}
	m.ReconcileDuration.WithLabelValues(source).Observe(seconds)
}

func (m *Metrics) capacityWarning(vpsID string) {
	if m == nil {
		return
	}
	m.CapacityWarnings.WithLabelValues(vpsID).Inc()
}

// SetVpsStreamCount exports the current counter for one VPS
func (m *Metrics) SetVpsStreamCount(vpsID string, count int) {
	if m == nil {
		return
	}
	m.VpsStreamCount.WithLabelValues(vpsID).Set(float64(count))
}
