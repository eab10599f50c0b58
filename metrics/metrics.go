// Package metrics exports controller lifecycle events to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.tatikoma.dev/corpix/startif/startif"
)

const (
	namespace = "startif"
	subsystem = "controller"
)

type Metrics struct {
	alive        *prometheus.GaugeVec
	running      *prometheus.GaugeVec
	events       *prometheus.CounterVec
	terminations *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		alive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "alive",
				Help:      "Controller state (0=terminated, 1=alive)",
			},
			[]string{"controller"},
		),
		running: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "worker_running",
				Help:      "Worker state (0=stopped, 1=running)",
			},
			[]string{"controller"},
		),
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "events_total",
				Help:      "Total number of controller lifecycle events",
			},
			[]string{"controller", "event"},
		),
		terminations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "terminations_total",
				Help:      "Total number of controller terminations by failure",
			},
			[]string{"controller", "failure"},
		),
	}
}

func (m *Metrics) Observe(e startif.Event) {
	m.events.WithLabelValues(e.ID, e.Kind.String()).Inc()

	switch e.Kind {
	case startif.EventStarted:
		m.alive.WithLabelValues(e.ID).Set(1)
	case startif.EventWorkerStarted:
		m.running.WithLabelValues(e.ID).Set(1)
	case startif.EventWorkerStopped, startif.EventWorkerExited:
		m.running.WithLabelValues(e.ID).Set(0)
	case startif.EventTerminated:
		m.alive.WithLabelValues(e.ID).Set(0)
		m.running.WithLabelValues(e.ID).Set(0)
		m.terminations.WithLabelValues(e.ID, e.Failure.String()).Inc()
	}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
