package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hostbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "calls",
			Name:      "total",
			Help:      "Guest calls handled, by call and outcome.",
		},
		[]string{"call", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hostbridge",
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Guest call handling time in seconds.",
			Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"call"},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hostbridge",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open guest connections.",
		},
	)
	reapedProcesses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "reaper",
			Name:      "processes_total",
			Help:      "Processes removed because their host process died.",
		},
	)
	reapedThreads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hostbridge",
			Subsystem: "reaper",
			Name:      "threads_total",
			Help:      "Threads removed along with reaped processes.",
		},
	)

	entryGaugesMu sync.Mutex
	entryGauges   = map[string]func() int{}
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			calls, callDuration,
			connections,
			reapedProcesses, reapedThreads,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCall(call, outcome string, duration time.Duration) {
	RegisterMetrics()
	calls.WithLabelValues(call, outcome).Inc()
	callDuration.WithLabelValues(call).Observe(duration.Seconds())
}

func ConnectionOpened() {
	RegisterMetrics()
	connections.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	connections.Dec()
}

func RecordReaped(threads int) {
	RegisterMetrics()
	reapedProcesses.Inc()
	reapedThreads.Add(float64(threads))
}

// RegisterEntryGauge exports the live entry count of a registry. A later
// registration for the same name replaces count, so the most recently
// constructed server's table is the one exported.
func RegisterEntryGauge(name string, count func() int) {
	entryGaugesMu.Lock()
	defer entryGaugesMu.Unlock()
	if _, ok := entryGauges[name]; ok {
		entryGauges[name] = count
		return
	}
	entryGauges[name] = count
	gauge := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   "hostbridge",
			Subsystem:   "registry",
			Name:        "entries",
			Help:        "Live entries per registry.",
			ConstLabels: prometheus.Labels{"registry": name},
		},
		func() float64 { return float64(entryCount(name)) },
	)
	prometheus.MustRegister(gauge)
}

func entryCount(name string) int {
	entryGaugesMu.Lock()
	count := entryGauges[name]
	entryGaugesMu.Unlock()
	if count == nil {
		return 0
	}
	return count()
}
