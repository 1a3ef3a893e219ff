package metrics

import (
	"net/http"
	"time"

	"github.com/onezonemirror/mirror/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	eventsTotal     *prometheus.CounterVec
	bytesTotal      prometheus.Counter
	queueDepth      prometheus.Gauge
	workersLaunched prometheus.Counter
	duration        prometheus.Histogram
	throughput      *telemetry.Tracker
}

// New creates a new metrics collector backed by its own registry, rather
// than prometheus's global default, so a process that builds more than
// one Collector (or a test that builds many) never hits a duplicate
// registration panic.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_events_total",
				Help: "Total number of queue events processed, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mirror_bytes_copied_total",
				Help: "Total bytes copied to the target store",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mirror_queue_depth",
				Help: "Last observed queue depth (visible + in-flight)",
			},
		),
		workersLaunched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mirror_workers_launched_total",
				Help: "Total worker launches requested by the dispatcher",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mirror_copy_duration_seconds",
				Help:    "Time taken to copy one object",
				Buckets: prometheus.DefBuckets,
			},
		),
		throughput: telemetry.NewTracker(),
	}

	c.registry.MustRegister(c.eventsTotal)
	c.registry.MustRegister(c.bytesTotal)
	c.registry.MustRegister(c.queueDepth)
	c.registry.MustRegister(c.workersLaunched)
	c.registry.MustRegister(c.duration)

	return c
}

// IncCopied records a successful copy of the given size.
func (c *Collector) IncCopied(bytes int64) {
	c.eventsTotal.WithLabelValues("copy", "success").Inc()
	c.bytesTotal.Add(float64(bytes))
	c.throughput.AddSuccess(bytes)
}

// IncDeleted records a successful delete.
func (c *Collector) IncDeleted() {
	c.eventsTotal.WithLabelValues("delete", "success").Inc()
	c.throughput.AddSuccess(0)
}

// IncSkipped records an event the Worker skipped because its key didn't
// match the prefix filter. A create whose source object is already gone is
// not counted here: Copy reports it as a success, so it is counted by
// IncCopied.
func (c *Collector) IncSkipped(kind string) {
	c.eventsTotal.WithLabelValues(kind, "skipped").Inc()
	c.throughput.AddSkipped(0)
}

// IncFailed records a failed event, labeled with the event kind only. The
// errKind argument is not recorded, so failures are not broken down by
// cause.
func (c *Collector) IncFailed(kind, errKind string) {
	c.eventsTotal.WithLabelValues(kind, "failed").Inc()
	c.throughput.AddFailed()
}

// SetQueueDepth records the dispatcher's last observed queue depth.
func (c *Collector) SetQueueDepth(depth int64) {
	c.queueDepth.Set(float64(depth))
}

// AddWorkersLaunched records a dispatcher launch.
func (c *Collector) AddWorkersLaunched(n int) {
	c.workersLaunched.Add(float64(n))
}

// ObserveDuration observes one copy's wall-clock duration.
func (c *Collector) ObserveDuration(d time.Duration) {
	c.duration.Observe(d.Seconds())
}

// Throughput exposes the rolling throughput tracker. copyengine's
// multipart watchdog reads it to log aggregate speed alongside per-object
// progress, without needing a cross-invocation store.
func (c *Collector) Throughput() *telemetry.Tracker {
	return c.throughput
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
