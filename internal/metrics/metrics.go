// Package metrics exposes the Prometheus instrumentation for a pgclient
// Client's connection pool, grounded on the teacher's metrics.Collector
// (a private registry built once, small typed methods over GaugeVec/
// HistogramVec/CounterVec rather than package-level globals).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dbbouncer/pgclient/internal/pool"
)

// Collector holds every Prometheus metric a pgclient deployment reports.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  prometheus.Gauge
	connectionsIdle    prometheus.Gauge
	connectionsPinging prometheus.Gauge
	connectionsTotal   prometheus.Gauge
	requestsWaiting    prometheus.Gauge

	connectionsCreatedTotal prometheus.Counter
	connectionsFailedTotal  prometheus.Counter
	connectionsClosedTotal  prometheus.Counter

	leaseWaitDuration prometheus.Histogram
	queryDuration     prometheus.Histogram

	keepAliveTotal  *prometheus.CounterVec
	requestTimeouts prometheus.Counter
}

// New creates and registers every metric on a fresh, private registry.
// Safe to call multiple times — each Collector owns an independent
// registry, mirroring the teacher's "safe to call in tests or on reload"
// convention.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgclient_pool_connections_leased",
			Help: "Number of connections currently leased to a caller.",
		}),
		connectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgclient_pool_connections_idle",
			Help: "Number of connections sitting idle in the pool.",
		}),
		connectionsPinging: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgclient_pool_connections_pingpong",
			Help: "Number of connections currently running a keepalive probe.",
		}),
		connectionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgclient_pool_connections_total",
			Help: "Total live connections tracked by the pool.",
		}),
		requestsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgclient_pool_lease_waiters",
			Help: "Number of callers blocked waiting for a connection.",
		}),
		connectionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgclient_pool_connections_created_total",
			Help: "Total connections successfully created.",
		}),
		connectionsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgclient_pool_connections_failed_total",
			Help: "Total connection creation attempts that failed.",
		}),
		connectionsClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgclient_pool_connections_closed_total",
			Help: "Total connections closed, for any reason.",
		}),
		leaseWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgclient_pool_lease_wait_seconds",
			Help:    "Time a caller waited for Lease to return a connection.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgclient_query_duration_seconds",
			Help:    "Duration from query dispatch to the matching ReadyForQuery.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		keepAliveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgclient_pool_keepalive_total",
			Help: "Keepalive probes by result.",
		}, []string{"result"}),
		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgclient_pool_lease_timeouts_total",
			Help: "Lease calls that gave up before a connection became available.",
		}),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsPinging,
		c.connectionsTotal,
		c.requestsWaiting,
		c.connectionsCreatedTotal,
		c.connectionsFailedTotal,
		c.connectionsClosedTotal,
		c.leaseWaitDuration,
		c.queryDuration,
		c.keepAliveTotal,
		c.requestTimeouts,
	)

	return c
}

// UpdatePoolStats refreshes the gauge metrics from a pool.Stats snapshot.
// Callers typically invoke this on a timer from the same goroutine that
// drives pool.Run.
func (c *Collector) UpdatePoolStats(s pool.Stats) {
	c.connectionsActive.Set(float64(s.Leased))
	c.connectionsIdle.Set(float64(s.Idle))
	c.connectionsPinging.Set(float64(s.PingPong))
	c.connectionsTotal.Set(float64(s.Total))
	c.requestsWaiting.Set(float64(s.Waiting))
}

// QueryDuration observes one query's round-trip time.
func (c *Collector) QueryDuration(d time.Duration) { c.queryDuration.Observe(d.Seconds()) }

// LeaseWaitDuration observes how long a caller waited inside Pool.Lease.
func (c *Collector) LeaseWaitDuration(d time.Duration) { c.leaseWaitDuration.Observe(d.Seconds()) }

// ConnectionCreated increments the created-connections counter.
func (c *Collector) ConnectionCreated() { c.connectionsCreatedTotal.Inc() }

// ConnectionFailed increments the failed-creation counter.
func (c *Collector) ConnectionFailed() { c.connectionsFailedTotal.Inc() }

// ConnectionClosed increments the closed-connections counter.
func (c *Collector) ConnectionClosed() { c.connectionsClosedTotal.Inc() }

// KeepAlive records a keepalive probe outcome ("succeeded" or "failed").
func (c *Collector) KeepAlive(result string) { c.keepAliveTotal.WithLabelValues(result).Inc() }

// RequestTimeout increments the lease-timeout counter.
func (c *Collector) RequestTimeout() { c.requestTimeouts.Inc() }

// Observer adapts Collector to pool.Observer so a Pool can be instrumented
// with one call to pool.WithObserver(metrics.NewObserver(c)).
type Observer struct {
	pool.NoopObserver
	c *Collector
}

// NewObserver returns a pool.Observer backed by c.
func NewObserver(c *Collector) Observer { return Observer{c: c} }

func (o Observer) ConnectionSucceeded(uint64)      { o.c.ConnectionCreated() }
func (o Observer) ConnectionFailed(uint64, error)  { o.c.ConnectionFailed() }
func (o Observer) ConnectionClosed(uint64)         { o.c.ConnectionClosed() }
func (o Observer) KeepAliveSucceeded(uint64)       { o.c.KeepAlive("succeeded") }
func (o Observer) KeepAliveFailed(uint64, error)   { o.c.KeepAlive("failed") }
func (o Observer) RequestTimeout()                 { o.c.RequestTimeout() }
