package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	DocumentsTotal   *prometheus.CounterVec
	LinesTotal       *prometheus.CounterVec
	MergeEntries     *prometheus.CounterVec
	IngestRunsTotal  *prometheus.CounterVec
	IngestDuration   prometheus.Histogram
	ChartStoreErrors *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in the server and a fresh registry in tests.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	c := &Collector{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		DocumentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "labs",
			Name:      "documents_total",
			Help:      "Lab documents processed, by outcome (parsed, failed).",
		}, []string{"outcome"}),

		LinesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "labs",
			Name:      "lines_total",
			Help:      "Document lines by result (noise, unmatched, accepted, rejected).",
		}, []string{"result"}),

		MergeEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "labs",
			Name:      "merge_entries_total",
			Help:      "Observations merged into charts, by outcome (added, skipped, overwritten).",
		}, []string{"outcome"}),

		IngestRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "labs",
			Name:      "ingest_runs_total",
			Help:      "Ingest runs by result (written, unchanged, dry_run, failed).",
		}, []string{"result"}),

		IngestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "labs",
			Name:      "ingest_duration_seconds",
			Help:      "Ingest run latency including chart read and write.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		ChartStoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "labs",
			Name:      "chart_store_errors_total",
			Help:      "Chart store failures by operation (read, write). Alert if non-zero.",
		}, []string{"operation"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// Handler serves the registry the collector was built on.
func (c *Collector) Handler() http.Handler {
	if c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency by route path.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			c.InFlightGauge.Inc()
			defer c.InFlightGauge.Dec()

			start := time.Now()
			err := next(ctx)
			if err != nil {
				ctx.Error(err)
			}

			path := ctx.Path()
			if path == "" {
				path = "unmatched"
			}
			labels := prometheus.Labels{
				"method": ctx.Request().Method,
				"path":   path,
				"status": strconv.Itoa(ctx.Response().Status),
			}
			c.RequestsTotal.With(labels).Inc()
			c.RequestDuration.With(labels).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
