// Package metrics holds the Prometheus collectors the relay exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	ingested      *prometheus.CounterVec
	duplicates    prometheus.Counter
	ingestErrors  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	media         *prometheus.CounterVec
	forwards      *prometheus.CounterVec
	broadcasts    prometheus.Counter
	evictions     prometheus.Counter
	outboxSent    *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wprelay",
			Name:      "messages_ingested_total",
			Help:      "Messages stored by the pipeline.",
		}, []string{"direction", "kind"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wprelay",
			Name:      "messages_duplicate_total",
			Help:      "Deliveries dropped because the provider id was already stored.",
		}),
		ingestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wprelay",
			Name:      "ingest_errors_total",
			Help:      "Pipeline runs that returned an error.",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wprelay",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		media: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wprelay",
			Name:      "media_acquisitions_total",
			Help:      "Media acquisition attempts by outcome.",
		}, []string{"result"}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wprelay",
			Name:      "automation_forwards_total",
			Help:      "Automation webhook deliveries by outcome.",
		}, []string{"result"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wprelay",
			Name:      "realtime_broadcasts_total",
			Help:      "Realtime events published.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wprelay",
			Name:      "cache_evictions_total",
			Help:      "Conversations evicted from the in-memory store.",
		}),
		outboxSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wprelay",
			Name:      "outbox_sends_total",
			Help:      "Outbox send attempts by outcome.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingested, m.duplicates, m.ingestErrors, m.stageDuration,
		m.media, m.forwards, m.broadcasts, m.evictions, m.outboxSent,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Ingested(direction, kind string) {
	if m != nil {
		m.ingested.WithLabelValues(direction, kind).Inc()
	}
}

func (m *Metrics) Duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) IngestError(stage string) {
	if m != nil {
		m.ingestErrors.WithLabelValues(stage).Inc()
	}
}

// ObserveStage records a stage duration in seconds.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m != nil {
		m.stageDuration.WithLabelValues(stage).Observe(seconds)
	}
}

func (m *Metrics) Media(resolved bool) {
	if m != nil {
		m.media.WithLabelValues(result(resolved)).Inc()
	}
}

func (m *Metrics) Forward(ok bool) {
	if m != nil {
		m.forwards.WithLabelValues(result(ok)).Inc()
	}
}

func (m *Metrics) Broadcast() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil && n > 0 {
		m.evictions.Add(float64(n))
	}
}

func (m *Metrics) OutboxSend(ok bool) {
	if m != nil {
		m.outboxSent.WithLabelValues(result(ok)).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
