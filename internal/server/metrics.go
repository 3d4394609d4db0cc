package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	llRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	llRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loanledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	llAuditEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loanledger_audit_entries_total",
		Help: "Total audit ledger entries appended.",
	})

	llBreachesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanledger_breaches_total",
		Help: "Total covenant breaches detected by severity.",
	}, []string{"severity"})

	llWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanledger_ledger_writes_total",
		Help: "Total orchestrated ledger writes by outcome.",
	}, []string{"result"})

	llESGAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loanledger_esg_alerts_total",
		Help: "Total ESG compliance alerts triggered.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		llRequestsTotal.WithLabelValues(method, path, status).Inc()
		llRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAuditAppend records an audit ledger append.
func RecordAuditAppend() {
	llAuditEntriesTotal.Inc()
}

// RecordBreach records a detected breach.
func RecordBreach(severity string) {
	llBreachesTotal.WithLabelValues(severity).Inc()
}

// RecordWrite records an orchestrated ledger write outcome.
func RecordWrite(ok bool) {
	if ok {
		llWritesTotal.WithLabelValues("confirmed").Inc()
	} else {
		llWritesTotal.WithLabelValues("failed").Inc()
	}
}

// RecordESGAlert records a triggered ESG alert.
func RecordESGAlert() {
	llESGAlertsTotal.Inc()
}
