// Package metrics exposes Prometheus metrics for sign-in outcomes, HTTP
// traffic and the consultation room broker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	authAttempts  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	wsConnections prometheus.Gauge
	rooms         prometheus.Gauge
	relayed       prometheus.Counter
	delivered     prometheus.Counter
	dropped       prometheus.Counter
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthpal_auth_attempts_total",
			Help: "Sign-in and token refresh attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "healthpal_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route pattern and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "healthpal_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "healthpal_realtime_connections",
			Help: "Open realtime connections on this node.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "healthpal_realtime_rooms",
			Help: "Consultation rooms with at least one local member.",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthpal_realtime_messages_relayed_total",
			Help: "Room messages accepted for relay.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthpal_realtime_messages_delivered_total",
			Help: "Room messages queued to a local recipient.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthpal_realtime_messages_dropped_total",
			Help: "Room messages dropped because a recipient's buffer was full.",
		}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.httpDuration,
		c.httpInFlight,
		c.wsConnections,
		c.rooms,
		c.relayed,
		c.delivered,
		c.dropped,
	)
	return c
}

func (c *Collector) RecordAuth(method, outcome string) {
	c.authAttempts.WithLabelValues(method, outcome).Inc()
}

func (c *Collector) ConnectionOpened() { c.wsConnections.Inc() }

func (c *Collector) ConnectionClosed() { c.wsConnections.Dec() }

func (c *Collector) RoomCountChanged(n int) { c.rooms.Set(float64(n)) }

// MessageRelayed counts one relayed message that reached delivered local
// recipients.
func (c *Collector) MessageRelayed(delivered int) {
	c.relayed.Inc()
	c.delivered.Add(float64(delivered))
}

func (c *Collector) MessageDropped() { c.dropped.Inc() }

// Middleware records latency per route pattern, so path parameters do not
// multiply series.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			c.httpInFlight.Inc()
			defer c.httpInFlight.Dec()

			start := time.Now()
			err := next(ctx)

			status := ctx.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			route := ctx.Path()
			if route == "" {
				route = "unmatched"
			}
			c.httpDuration.
				WithLabelValues(ctx.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
