package registry

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "beam"

// Metrics holds the registry collectors. Each Service gets its own
// prometheus.Registry so several services can live in one process.
type Metrics struct {
	reg *prometheus.Registry

	registrations *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	answers       *prometheus.CounterVec
	swept         prometheus.Counter
}

func newMetrics(store *Store, limiter *Limiter) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Register requests by result.",
		}, []string{"result"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "resolutions_total",
			Help:      "Resolve requests by result.",
		}, []string{"result"}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "answers_total",
			Help:      "Posted answers by result.",
		}, []string{"result"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "swept_entries_total",
			Help:      "Entries removed by the expiry sweep.",
		}),
	}

	m.reg.MustRegister(
		m.registrations,
		m.resolutions,
		m.answers,
		m.swept,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Live entries in the store.",
		}, func() float64 { return float64(store.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "code_collisions_total",
			Help:      "Generated codes rejected because they were taken.",
		}, func() float64 { return float64(store.Collisions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "rate_limited_sources",
			Help:      "Sources with an active rate-limit window.",
		}, func() float64 { return float64(limiter.Tracked()) }),
		collectors.NewGoCollector(),
	)

	return m
}

// Handler serves the collectors in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPayloadTooLarge):
		return "too_large"
	case errors.Is(err, ErrEmptyTicket):
		return "empty"
	case errors.Is(err, ErrCodeSpaceExhausted):
		return "exhausted"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAnswerExists):
		return "duplicate"
	default:
		return "error"
	}
}
