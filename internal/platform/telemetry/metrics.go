package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bloodbank"

// Metrics holds the process collectors. A nil *Metrics is valid and records
// nothing, so tests and CLI commands can skip wiring it.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	Operations     *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	SweepExpired   prometheus.Counter
	SweepRuns      *prometheus.CounterVec
	DashboardCache *prometheus.CounterVec
	Notifications  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inventory", Name: "operations_total",
			Help: "Inventory operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inventory", Name: "status_transitions_total",
			Help: "Applied unit status transitions.",
		}, []string{"from", "to"}),
		SweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inventory", Name: "sweep_expired_units_total",
			Help: "Units moved to expired by the expiry sweep.",
		}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inventory", Name: "sweep_runs_total",
			Help: "Expiry sweep runs by outcome.",
		}, []string{"outcome"}),
		DashboardCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dashboard", Name: "cache_lookups_total",
			Help: "Dashboard summary cache lookups.",
		}, []string{"result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "deliveries_total",
			Help: "Outbound inventory notifications by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests, m.HTTPDuration,
		m.Operations, m.Transitions,
		m.SweepExpired, m.SweepRuns,
		m.DashboardCache, m.Notifications,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}

func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveOperation counts one inventory operation; outcome is derived from
// err by classify, which callers supply so this package stays domain-free.
func (m *Metrics) ObserveOperation(op string, err error, classify func(error) string) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if classify != nil {
			outcome = classify(err)
		}
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveSweep(expired int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SweepRuns.WithLabelValues("error").Inc()
	} else {
		m.SweepRuns.WithLabelValues("ok").Inc()
	}
	m.SweepExpired.Add(float64(expired))
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.DashboardCache.WithLabelValues("hit").Inc()
		return
	}
	m.DashboardCache.WithLabelValues("miss").Inc()
}

func (m *Metrics) ObserveNotification(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Notifications.WithLabelValues("error").Inc()
		return
	}
	m.Notifications.WithLabelValues("ok").Inc()
}
