package outbox

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	PollsTotal       prometheus.Counter
	ClaimedTotal     prometheus.Counter
	PublishedTotal   *prometheus.CounterVec
	RetriedTotal     *prometheus.CounterVec
	QuarantinedTotal *prometheus.CounterVec
	RequeuedTotal    prometheus.Counter
	HeldBackTotal    prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
	PendingGauge     prometheus.Gauge
	FailedGauge      prometheus.Gauge
	LagSeconds       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		PollsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_relay_polls_total", Help: "Total number of outbox polling ticks."},
		),
		ClaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_relay_claimed_total", Help: "Total number of claimed outbox rows."},
		),
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_published_total", Help: "Published outbox events."},
			[]string{"event_type"},
		),
		RetriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_retried_total", Help: "Outbox events rescheduled after a transient publish failure."},
			[]string{"event_type"},
		),
		QuarantinedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_quarantined_total", Help: "Outbox events parked in failed state."},
			[]string{"reason"},
		),
		RequeuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_relay_requeued_total", Help: "Total number of stuck outbox rows requeued back to pending."},
		),
		HeldBackTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_relay_held_back_total", Help: "Claimed rows released unpublished behind a failing predecessor."},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_relay_errors_total", Help: "Relay store/bus operation errors."},
			[]string{"op"},
		),
		PendingGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "outbox_pending", Help: "Outbox rows waiting to be published."},
		),
		FailedGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "outbox_failed", Help: "Outbox rows quarantined in failed state."},
		),
		LagSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "outbox_lag_seconds", Help: "Age in seconds of the oldest pending outbox row."},
		),
	}
	reg.MustRegister(
		m.PollsTotal,
		m.ClaimedTotal,
		m.PublishedTotal,
		m.RetriedTotal,
		m.QuarantinedTotal,
		m.RequeuedTotal,
		m.HeldBackTotal,
		m.ErrorsTotal,
		m.PendingGauge,
		m.FailedGauge,
		m.LagSeconds,
	)
	return m
}
