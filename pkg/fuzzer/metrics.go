package fuzzer

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	MetricGuestsLive        prometheus.Gauge
	MetricRoundsTotal       prometheus.Counter
	MetricResetsTotal       *prometheus.CounterVec
	MetricDegradationsTotal prometheus.Counter
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		MetricGuestsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tianofaux", Subsystem: "fuzzer", Name: "guests_live", Help: "Currently live guests"}),
		MetricRoundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tianofaux", Subsystem: "fuzzer", Name: "rounds_total", Help: "Completed fuzzing rounds"}),
		MetricResetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tianofaux", Subsystem: "fuzzer", Name: "resets_total", Help: "Snapshot resets"}, []string{"guest_id"}),
		MetricDegradationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tianofaux", Subsystem: "fuzzer", Name: "degradations_total", Help: "Guest health degradations"}),
	}

	reg.MustRegister(m.MetricGuestsLive, m.MetricRoundsTotal, m.MetricResetsTotal, m.MetricDegradationsTotal)

	return m
}
