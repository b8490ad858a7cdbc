// Package metrics provides Prometheus metrics for the take-home control service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	OrdersCreated         prometheus.Counter
	KitsIssued            prometheus.Counter
	DosesDispensed        prometheus.Counter
	ScansRecorded         *prometheus.CounterVec
	AlertsRaised          *prometheus.CounterVec
	ReturnsReceived       *prometheus.CounterVec
	HoldsOpened           *prometheus.CounterVec
	HoldsCleared          prometheus.Counter
	RiskAssessments       *prometheus.CounterVec
	ReportsByStatus       *prometheus.CounterVec
	SyncDuration          prometheus.Histogram
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg (the default registerer when nil)
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "takehome_orders_created_total",
			Help: "Total take-home orders created",
		}),
		KitsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "takehome_kits_issued_total",
			Help: "Total kits issued",
		}),
		DosesDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "takehome_doses_dispensed_total",
			Help: "Total bottles dispensed",
		}),
		ScansRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "takehome_scans_total",
			Help: "Verification scans by outcome",
		}, []string{"status"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "takehome_alerts_total",
			Help: "Compliance alerts raised",
		}, []string{"type", "severity"}),
		ReturnsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "takehome_returns_total",
			Help: "Returned bottles by classified outcome",
		}, []string{"outcome"}),
		HoldsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "takehome_holds_opened_total",
			Help: "Compliance holds opened",
		}, []string{"reason"}),
		HoldsCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "takehome_holds_cleared_total",
			Help: "Compliance holds cleared",
		}),
		RiskAssessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "takehome_risk_assessments_total",
			Help: "Risk assessments by level",
		}, []string{"level"}),
		ReportsByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "takehome_reports_total",
			Help: "Diversion report transitions by resulting status",
		}, []string{"status"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "takehome_report_sync_duration_seconds",
			Help:    "Regulatory submission latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.OrdersCreated,
		m.KitsIssued,
		m.DosesDispensed,
		m.ScansRecorded,
		m.AlertsRaised,
		m.ReturnsReceived,
		m.HoldsOpened,
		m.HoldsCleared,
		m.RiskAssessments,
		m.ReportsByStatus,
		m.SyncDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) OrderCreated() {
	if m != nil {
		m.OrdersCreated.Inc()
	}
}

func (m *Metrics) KitIssued(doses int) {
	if m != nil {
		m.KitsIssued.Inc()
		m.DosesDispensed.Add(float64(doses))
	}
}

func (m *Metrics) ScanRecorded(status string) {
	if m != nil {
		m.ScansRecorded.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) AlertRaised(alertType, severity string) {
	if m != nil {
		m.AlertsRaised.WithLabelValues(alertType, severity).Inc()
	}
}

func (m *Metrics) ReturnReceived(outcome string) {
	if m != nil {
		m.ReturnsReceived.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) HoldOpened(reason string) {
	if m != nil {
		m.HoldsOpened.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) HoldCleared() {
	if m != nil {
		m.HoldsCleared.Inc()
	}
}

func (m *Metrics) RiskAssessed(level string) {
	if m != nil {
		m.RiskAssessments.WithLabelValues(level).Inc()
	}
}

func (m *Metrics) ReportTransition(status string) {
	if m != nil {
		m.ReportsByStatus.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ObserveSync(d time.Duration) {
	if m != nil {
		m.SyncDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) MessageProduced() {
	if m != nil {
		m.KafkaMessagesProduced.Inc()
	}
}

func (m *Metrics) MessageConsumed() {
	if m != nil {
		m.KafkaMessagesConsumed.Inc()
	}
}

func (m *Metrics) SetOutboxPending(n int) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
