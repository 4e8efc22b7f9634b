package cqlwire

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry exports driver activity as Prometheus metrics. It implements
// RequestObserver, NodeStateObserver and ChannelObserver; install it with
// the corresponding options:
//
//	t := cqlwire.NewTelemetry(prometheus.DefaultRegisterer)
//	s, err := cqlwire.NewSession(ctx, nodes,
//		cqlwire.WithRequestObserver(t),
//		cqlwire.WithNodeStateObserver(t),
//		cqlwire.WithChannelObserver(t))
type Telemetry struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	nodeUp          *prometheus.GaugeVec
	channels        *prometheus.GaugeVec
}

// NewTelemetry builds the metric set and registers it with reg. A nil reg
// leaves the metrics unregistered, which suits tests.
func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cqlwire",
			Name:      "attempts_total",
			Help:      "Request attempts by node, outcome and whether they were speculative.",
		}, []string{"node", "outcome", "speculative"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cqlwire",
			Name:      "attempt_duration_seconds",
			Help:      "Wall-clock duration of individual attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cqlwire",
			Name:      "requests_total",
			Help:      "Logical requests by terminal outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cqlwire",
			Name:      "request_duration_seconds",
			Help:      "Wall-clock duration of logical requests, all attempts included.",
			Buckets:   prometheus.DefBuckets,
		}),
		nodeUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cqlwire",
			Name:      "node_up",
			Help:      "Whether the node currently has at least one ready channel.",
		}, []string{"node"}),
		channels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cqlwire",
			Name:      "channels_open",
			Help:      "Open channels per node.",
		}, []string{"node"}),
	}
	if reg != nil {
		reg.MustRegister(t.attempts, t.attemptDuration, t.requests,
			t.requestDuration, t.nodeUp, t.channels)
	}
	return t
}

// AttemptStarted implements RequestObserver.
func (t *Telemetry) AttemptStarted(AttemptInfo) {}

// AttemptCompleted implements RequestObserver.
func (t *Telemetry) AttemptCompleted(info AttemptInfo) {
	t.attempts.WithLabelValues(string(info.Node), outcomeLabel(info.Err),
		boolLabel(info.Speculative)).Inc()
	t.attemptDuration.WithLabelValues(string(info.Node)).Observe(info.Duration.Seconds())
}

// RequestCompleted implements RequestObserver.
func (t *Telemetry) RequestCompleted(info RequestInfo) {
	t.requests.WithLabelValues(outcomeLabel(info.Err)).Inc()
	t.requestDuration.Observe(info.Duration.Seconds())
}

// NodeUp implements NodeStateObserver.
func (t *Telemetry) NodeUp(node Node) {
	t.nodeUp.WithLabelValues(string(node)).Set(1)
}

// NodeDown implements NodeStateObserver.
func (t *Telemetry) NodeDown(node Node) {
	t.nodeUp.WithLabelValues(string(node)).Set(0)
}

// ChannelOpened implements ChannelObserver.
func (t *Telemetry) ChannelOpened(node Node) {
	t.channels.WithLabelValues(string(node)).Inc()
}

// ChannelClosed implements ChannelObserver.
func (t *Telemetry) ChannelClosed(node Node) {
	t.channels.WithLabelValues(string(node)).Dec()
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return ClassifyError(err).String()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
