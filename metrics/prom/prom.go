// Package prom exports registration flow metrics through the Prometheus
// client library.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	signup "github.com/jedanetworks/go-signup"
)

// Collector implements signup.Metrics.
type Collector struct {
	decodes     *prometheus.CounterVec
	decodeFails prometheus.Counter
	states      *prometheus.CounterVec
	completions *prometheus.HistogramVec
	commits     *prometheus.CounterVec
	gatherer    prometheus.Gatherer
}

var _ signup.Metrics = (*Collector)(nil)

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(namespace string, reg *prometheus.Registry) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "signup"
	}

	c := &Collector{
		decodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_decode_total",
			Help:      "Identity payloads decoded, by matching strategy.",
		}, []string{"strategy"}),
		decodeFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_decode_failures_total",
			Help:      "Identity payloads no strategy could decode.",
		}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_state_entered_total",
			Help:      "Registration flow state entries.",
		}, []string{"state"}),
		completions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion call duration, by outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_commits_total",
			Help:      "Session commits, by verification result.",
		}, []string{"verified"}),
		gatherer: reg,
	}

	for _, col := range []prometheus.Collector{c.decodes, c.decodeFails, c.states, c.completions, c.commits} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) DecodeSucceeded(strategy string) {
	c.decodes.WithLabelValues(strategy).Inc()
}

func (c *Collector) DecodeFailed() {
	c.decodeFails.Inc()
}

func (c *Collector) StateEntered(state signup.State) {
	c.states.WithLabelValues(string(state)).Inc()
}

func (c *Collector) CompletionFinished(outcome string, elapsed time.Duration) {
	c.completions.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (c *Collector) SessionCommitted(verified bool) {
	label := "false"
	if verified {
		label = "true"
	}
	c.commits.WithLabelValues(label).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
