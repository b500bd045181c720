// Package metrics содержит Prometheus-метрики сервиса учёта лимитов.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Исходы проверки медицинской карты.
const (
	OutcomeValid   = "valid"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
	OutcomeBypass  = "bypass"
)

// Metrics хранит метрики сервиса. Нулевой указатель допустим: методы ничего не делают.
type Metrics struct {
	VerificationOutcome *prometheus.CounterVec
	VerificationLatency prometheus.Histogram

	PeriodsCreated        prometheus.Counter
	UsageRecordedUnits    prometheus.Counter
	OverAllotmentRejected prometheus.Counter
	DecryptFailures       prometheus.Counter
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		VerificationOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "allotment_card_verifications_total",
			Help: "Medical card verification outcomes",
		}, []string{"outcome"}),

		VerificationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "allotment_card_verification_duration_seconds",
			Help:    "Duration of calls to the card verification authority",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		PeriodsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "allotment_periods_created_total",
			Help: "Allotment periods opened on first use or rollover",
		}),

		UsageRecordedUnits: f.NewCounter(prometheus.CounterOpts{
			Name: "allotment_usage_recorded_units_total",
			Help: "Units recorded against allotment periods",
		}),

		OverAllotmentRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "allotment_over_allotment_rejected_total",
			Help: "Usage records rejected because they exceed the allotment",
		}),

		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "allotment_field_decrypt_failures_total",
			Help: "Stored fields that failed to decrypt",
		}),
	}
}

// IncVerification учитывает исход проверки карты.
func (m *Metrics) IncVerification(outcome string) {
	if m != nil {
		m.VerificationOutcome.WithLabelValues(outcome).Inc()
	}
}

// ObserveVerificationLatency учитывает длительность обращения к внешней системе.
func (m *Metrics) ObserveVerificationLatency(d time.Duration) {
	if m != nil {
		m.VerificationLatency.Observe(d.Seconds())
	}
}

// IncPeriodsCreated учитывает открытие нового периода.
func (m *Metrics) IncPeriodsCreated() {
	if m != nil {
		m.PeriodsCreated.Inc()
	}
}

// AddUsage учитывает записанное потребление.
func (m *Metrics) AddUsage(units float64) {
	if m != nil && units > 0 {
		m.UsageRecordedUnits.Add(units)
	}
}

// IncOverAllotment учитывает отклонённую запись потребления.
func (m *Metrics) IncOverAllotment() {
	if m != nil {
		m.OverAllotmentRejected.Inc()
	}
}

// IncDecryptFailures учитывает поле, которое не удалось расшифровать.
func (m *Metrics) IncDecryptFailures() {
	if m != nil {
		m.DecryptFailures.Inc()
	}
}
