// Package metrics holds the Prometheus instruments of the ingester.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Document outcomes.
const (
	OutcomeInserted  = "inserted"
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
)

// Poll results.
const (
	PollOK    = "ok"
	PollEmpty = "empty"
	PollError = "error"
)

// Collector implements Prometheus metrics collection. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	documents     *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	polls         *prometheus.CounterVec
	cursor        *prometheus.GaugeVec
	backfill      *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Collector{
		registry: registry,

		documents: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcdc_documents_total",
				Help: "Documents processed by outcome",
			},
			[]string{"source", "outcome"},
		),

		batches: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcdc_batches_total",
				Help: "Ingestion batches by result",
			},
			[]string{"source", "result"},
		),

		batchDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedcdc_batch_duration_seconds",
				Help:    "Time spent ingesting one batch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		polls: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcdc_polls_total",
				Help: "Upstream polls by result",
			},
			[]string{"source", "result"},
		),

		cursor: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feedcdc_cursor_created",
				Help: "Last committed created value per source",
			},
			[]string{"source"},
		),

		backfill: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcdc_backfill_requests_total",
				Help: "Backfill re-requests by result",
			},
			[]string{"result"},
		),

		notifications: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedcdc_notifications_total",
				Help: "Notifications emitted by topic and result",
			},
			[]string{"topic", "result"},
		),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// AddDocuments counts n documents from source with the given outcome.
func (c *Collector) AddDocuments(source, outcome string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.documents.WithLabelValues(source, outcome).Add(float64(n))
}

// ObserveBatch records one batch transaction and its result.
func (c *Collector) ObserveBatch(source string, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "committed"
	if err != nil {
		result = "failed"
	}
	c.batches.WithLabelValues(source, result).Inc()
	c.batchDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ObservePoll counts one poll of source by result.
func (c *Collector) ObservePoll(source, result string) {
	if c == nil {
		return
	}
	c.polls.WithLabelValues(source, result).Inc()
}

// SetCursor publishes the cursor position of source.
func (c *Collector) SetCursor(source string, created int64) {
	if c == nil {
		return
	}
	c.cursor.WithLabelValues(source).Set(float64(created))
}

// ObserveBackfill counts one backfill request.
func (c *Collector) ObserveBackfill(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.backfill.WithLabelValues(result).Inc()
}

// ObserveNotification counts one notification on topic.
func (c *Collector) ObserveNotification(topic string, err error) {
	if c == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	c.notifications.WithLabelValues(topic, result).Inc()
}
