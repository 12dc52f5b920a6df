// Package metrics holds the process-wide Prometheus instrumentation: HTTP
// request metrics, the database pool collector and the /metrics handler.
// Domain counters live next to the code they count.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrowpay"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route pattern and status class.",
	}, []string{"method", "route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route pattern.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 30, 120},
	}, []string{"method", "route"})

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Requests currently being served.",
	})

	// BuildInfo is set to 1 with the running version as a label.
	BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information of the running binary.",
	}, []string{"version", "env"})
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, httpInFlight, BuildInfo)
}

// RegisterDB exports sql.DBStats for db as go_sql_* metrics labelled
// db_name=escrowpay. Registering the same pool twice is a no-op.
func RegisterDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware records request count, latency and in-flight gauge. Requests
// that match no route share the "unmatched" label to bound cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpInFlight.Inc()
		timer := prometheus.NewTimer(httpDuration.WithLabelValues(c.Request.Method, route))
		defer func() {
			timer.ObserveDuration()
			httpInFlight.Dec()
			httpRequests.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
		}()

		c.Next()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusClass maps 404 to "4xx" etc.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
