package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/chatrelay/internal/core"
)

const namespace = "chatrelay"

// Metrics is the single collector set behind GET /metrics. Every method is
// safe on a nil receiver so components can run without it.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	broadcastDrops  *prometheus.CounterVec
	rateLimited     prometheus.Counter
	messagesSent    *prometheus.CounterVec
	dbWriteErrors   prometheus.Counter
	ingested        *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	skipped         *prometheus.CounterVec
	statusEvents    *prometheus.CounterVec
	quotaRemaining  prometheus.Gauge
}

// NewMetrics registers every collector on a private registry so tests can
// build as many as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	return &Metrics{
		registry:      reg,
		requestsTotal: counter("http_requests_total", "HTTP requests served, by route and status.", "route", "method", "status"),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler latency.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"route", "method"}),
		wsClients:      gauge("ws_clients", "Overlay WebSocket connections currently open."),
		broadcastDrops: counter("broadcast_drops_total", "Frames dropped for overlay clients that fell behind.", "transport"),
		rateLimited:    counter("http_rate_limited_total", "Requests refused by the per-client limiter.").WithLabelValues(),
		messagesSent:   counter("messages_sent_total", "Chat frames written to overlay clients.", "transport"),
		dbWriteErrors:  counter("db_write_errors_total", "Failed comment_logs flushes.").WithLabelValues(),
		ingested:       counter("ingested_messages_total", "Messages accepted by the pipeline.", "mode"),
		duplicates:     counter("duplicate_messages_total", "Messages dropped by the dedup window.", "mode"),
		skipped:        counter("skipped_records_total", "Upstream records that were unrecognized or malformed.", "mode"),
		statusEvents:   counter("status_events_total", "Transport status events by kind.", "mode", "kind"),
		quotaRemaining: gauge("quota_remaining_units", "Estimated Data API quota left today."),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

func (m *Metrics) IncBroadcastDrops(transport string) {
	if m == nil {
		return
	}
	m.broadcastDrops.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) IncMessagesSent(transport string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncDBWriteErrors() {
	if m == nil {
		return
	}
	m.dbWriteErrors.Inc()
}

// ObserveBatch records one processed batch.
func (m *Metrics) ObserveBatch(mode string, ingested, duplicates, skipped int) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(mode).Add(float64(ingested))
	m.duplicates.WithLabelValues(mode).Add(float64(duplicates))
	m.skipped.WithLabelValues(mode).Add(float64(skipped))
}

// PublishStatus counts status events and tracks the quota estimate.
func (m *Metrics) PublishStatus(ev core.StatusEvent) {
	if m == nil {
		return
	}
	m.statusEvents.WithLabelValues(string(ev.Mode), string(ev.Kind)).Inc()
	switch ev.Kind {
	case core.StatusStateUpdate:
		if ev.RemainingQuota != nil {
			m.quotaRemaining.Set(float64(*ev.RemainingQuota))
		}
	case core.StatusQuotaExceeded:
		m.quotaRemaining.Set(0)
	}
}
