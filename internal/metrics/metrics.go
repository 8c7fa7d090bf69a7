// Package metrics holds the prometheus collectors of the engine, the
// daemon and the transport queue.
//
// Every recording method is safe on a nil *Collector, so components take
// an optional collector and never check for it.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Namespace prefixes every metric name.
const Namespace = "workd"

// Collector records engine activity.
type Collector struct {
	registry *prometheus.Registry

	processesLaunched   *prometheus.CounterVec
	processesTerminated *prometheus.CounterVec
	processDuration     *prometheus.HistogramVec
	processesRunning    prometheus.Gauge
	checkpoints         *prometheus.CounterVec
	leaseConflicts      prometheus.Counter
	daemonTicks         prometheus.Counter
	daemonPending       prometheus.Gauge
	daemonLaunches      *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New creates a collector with its own registry, which also carries the
// Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c := &Collector{
		registry: reg,
		processesLaunched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "processes_launched_total",
			Help:      "Processes started or resumed, by class and how they were launched.",
		}, []string{"class", "mode"}),
		processesTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "processes_terminated_total",
			Help:      "Processes that reached a terminal state, by class and state.",
		}, []string{"class", "state"}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "process_run_duration_seconds",
			Help:      "Time a runner spent driving a process, per launch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"class"}),
		processesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "processes_active",
			Help:      "Processes currently driven by this runner.",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint writes, by result.",
		}, []string{"result"}),
		leaseConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "heartbeat_conflicts_total",
			Help:      "Launches refused because another runner held the heartbeat.",
		}),
		daemonTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "daemon_ticks_total",
			Help:      "Daemon polling iterations.",
		}),
		daemonPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "daemon_pending",
			Help:      "Pending calculations seen by the last daemon tick.",
		}),
		daemonLaunches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "daemon_launches_total",
			Help:      "Pending calculations the daemon tried to continue, by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(
		c.processesLaunched,
		c.processesTerminated,
		c.processDuration,
		c.processesRunning,
		c.checkpoints,
		c.leaseConflicts,
		c.daemonTicks,
		c.daemonPending,
		c.daemonLaunches,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

// Registry returns the registry to expose over HTTP.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// WatchQueue exports the number of queued transport requests.
func (c *Collector) WatchQueue(numWaiting func() int) {
	if c == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "transport_waiting",
		Help:      "Transport requests waiting for their batch to open.",
	}, func() float64 { return float64(numWaiting()) }))
}

// ProcessLaunched counts a process handed to a runner. mode is "run",
// "submit" or "continue".
func (c *Collector) ProcessLaunched(class, mode string) {
	if c == nil {
		return
	}
	c.processesLaunched.WithLabelValues(class, mode).Inc()
	c.processesRunning.Inc()
}

// ProcessReleased records the end of one drive of a process. state is the
// state the process was left in, terminal or not.
func (c *Collector) ProcessReleased(class, state string, terminal bool, d time.Duration) {
	if c == nil {
		return
	}
	c.processesRunning.Dec()
	c.processDuration.WithLabelValues(class).Observe(d.Seconds())
	if terminal {
		c.processesTerminated.WithLabelValues(class, state).Inc()
	}
}

// Checkpoint counts a checkpoint write.
func (c *Collector) Checkpoint(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.checkpoints.WithLabelValues(result).Inc()
}

// LeaseConflict counts a launch refused by a live heartbeat.
func (c *Collector) LeaseConflict() {
	if c == nil {
		return
	}
	c.leaseConflicts.Inc()
}

// DaemonTick records one daemon poll.
func (c *Collector) DaemonTick(pending, launched, failed int) {
	if c == nil {
		return
	}
	c.daemonTicks.Inc()
	c.daemonPending.Set(float64(pending))
	c.daemonLaunches.WithLabelValues("ok").Add(float64(launched))
	c.daemonLaunches.WithLabelValues("error").Add(float64(failed))
}

// HTTPRequest records one served request. path is the route pattern.
func (c *Collector) HTTPRequest(method, path string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
