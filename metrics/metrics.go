// Package metrics exposes Prometheus collectors for the request/response engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	requestsSent      prometheus.Counter
	responsesReceived prometheus.Counter
	outboundFailures  *prometheus.CounterVec
	requestsReceived  prometheus.Counter
	responsesSent     prometheus.Counter
	inboundFailures   *prometheus.CounterVec
	pending           prometheus.Gauge
	roundTrip         prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		requestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_sent_total",
			Help: "Outbound requests dispatched.",
		}),
		responsesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "responses_received_total",
			Help: "Outbound requests completed with a response.",
		}),
		outboundFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_failures_total",
			Help: "Outbound requests that ended without a response, by kind.",
		}, []string{"kind"}),
		requestsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_received_total",
			Help: "Inbound requests read successfully.",
		}),
		responsesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "responses_sent_total",
			Help: "Inbound requests answered.",
		}),
		inboundFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_failures_total",
			Help: "Inbound exchanges that ended without a response, by kind.",
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_requests",
			Help: "Outbound requests awaiting a terminal event.",
		}),
		roundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds",
			Help:    "Time from dispatch to response for completed outbound requests.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.requestsSent, m.responsesReceived, m.outboundFailures,
		m.requestsReceived, m.responsesSent, m.inboundFailures,
		m.pending, m.roundTrip,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RequestSent() {
	if m == nil {
		return
	}
	m.requestsSent.Inc()
	m.pending.Inc()
}

func (m *Metrics) ResponseReceived(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.responsesReceived.Inc()
	m.pending.Dec()
	m.roundTrip.Observe(elapsed.Seconds())
}

func (m *Metrics) OutboundFailure(kind string) {
	if m == nil {
		return
	}
	m.outboundFailures.WithLabelValues(kind).Inc()
	m.pending.Dec()
}

func (m *Metrics) RequestReceived() {
	if m == nil {
		return
	}
	m.requestsReceived.Inc()
}

func (m *Metrics) ResponseSent() {
	if m == nil {
		return
	}
	m.responsesSent.Inc()
}

func (m *Metrics) InboundFailure(kind string) {
	if m == nil {
		return
	}
	m.inboundFailures.WithLabelValues(kind).Inc()
}

// Handler serves the collectors registered in gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
