package inbound

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ProcessedTotal        *prometheus.CounterVec
	DeadLetteredTotal     prometheus.Counter
	TransientErrorsTotal  prometheus.Counter
	FetchErrorsTotal      prometheus.Counter
	CommitErrorsTotal     prometheus.Counter
	DeadLetterErrorsTotal prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		ProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "inbound_processed_total", Help: "Handled inbound events by result."},
			[]string{"result"},
		),
		DeadLetteredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "inbound_dead_lettered_total", Help: "Messages routed to the dead-letter topic."},
		),
		TransientErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "inbound_transient_errors_total", Help: "Handle failures left for redelivery."},
		),
		FetchErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "inbound_fetch_errors_total", Help: "Kafka fetch failures."},
		),
		CommitErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "inbound_commit_errors_total", Help: "Kafka offset commit failures."},
		),
		DeadLetterErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "inbound_dead_letter_errors_total", Help: "Failures publishing to the dead-letter topic."},
		),
	}
	reg.MustRegister(
		m.ProcessedTotal,
		m.DeadLetteredTotal,
		m.TransientErrorsTotal,
		m.FetchErrorsTotal,
		m.CommitErrorsTotal,
		m.DeadLetterErrorsTotal,
	)
	return m
}
