// Package metrics exposes Prometheus counters for message writes, attachment
// uploads, completions and feed streaming. All methods are safe on a nil
// *Metrics so components can be built without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/friendlyfeed/friendlyfeed/internal/attachment"
	"github.com/friendlyfeed/friendlyfeed/internal/completion"
	"github.com/friendlyfeed/friendlyfeed/internal/feed"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
)

const namespace = "friendlyfeed"

type Metrics struct {
	registry *prometheus.Registry

	writes        *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	completions   *prometheus.CounterVec
	feedEvents    *prometheus.CounterVec
	streams       prometheus.Gauge
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_writes_total",
			Help:      "Successful message store writes by operation and message kind.",
		}, []string{"op", "kind"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_write_failures_total",
			Help:      "Failed message store operations by operation.",
		}, []string{"op"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_transitions_total",
			Help:      "Attachment state transitions by target state.",
		}, []string{"state"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Finished completion requests by result.",
		}, []string{"result"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Feed events delivered to streaming clients by kind.",
		}, []string{"kind"}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_streams_active",
			Help:      "Open SSE and WebSocket feed streams.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.writes, m.writeFailures, m.uploads, m.completions, m.feedEvents, m.streams,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MessageWritten implements message.WriteObserver.
func (m *Metrics) MessageWritten(op string, msg message.Message) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(op, messageKind(msg)).Inc()
}

// WriteFailed implements message.WriteObserver.
func (m *Metrics) WriteFailed(op string, _ error) {
	if m == nil {
		return
	}
	m.writeFailures.WithLabelValues(op).Inc()
}

// UploadTransition is an attachment.TransitionListener.
func (m *Metrics) UploadTransition(_ string, _, to attachment.State, _ error) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(to.String()).Inc()
}

// CompletionFinished is a completion bridge result hook.
func (m *Metrics) CompletionFinished(reply completion.Reply, err error) {
	if m == nil {
		return
	}
	result := "appended"
	switch {
	case err != nil:
		result = "failed"
	case !reply.Appended:
		result = "suppressed"
	}
	m.completions.WithLabelValues(result).Inc()
}

// OnFeedEvent implements feed.Observer.
func (m *Metrics) OnFeedEvent(e feed.Event) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(string(e.Kind)).Inc()
}

// StreamOpened counts a connected feed stream; call the returned func on close.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.streams.Inc()
	return m.streams.Dec
}

func messageKind(msg message.Message) string {
	switch {
	case msg.IsBot():
		return "bot"
	case msg.IsPlaceholder():
		return "placeholder"
	case msg.ImageURL != nil:
		return "image"
	case msg.Text != nil:
		return "text"
	default:
		return "patch"
	}
}

var (
	_ message.WriteObserver = (*Metrics)(nil)
	_ feed.Observer         = (*Metrics)(nil)
)
