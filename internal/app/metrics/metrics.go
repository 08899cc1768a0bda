package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deferdel",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deferdel",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deferdel",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.56s
		},
		[]string{"method", "path"},
	)

	// groupDepth tracks how many items currently sit in each lifecycle group.
	groupDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deferdel",
			Subsystem: "engine",
			Name:      "group_depth",
			Help:      "Number of deletion items currently queued per group.",
		},
		[]string{"group"},
	)

	// drops counts items removed from storage without advancing, by reason.
	drops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deferdel",
			Subsystem: "engine",
			Name:      "drops_total",
			Help:      "Total number of deletion items dropped from storage.",
		},
		[]string{"reason"},
	)

	// delayRate observes the adaptive pacing multiplier applied to rescheduled items.
	delayRate = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "deferdel",
			Subsystem: "engine",
			Name:      "delay_rate",
			Help:      "Adaptive delay rate multiplier applied when rescheduling an item.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
	)

	// driverCallDuration observes how long individual driver operations take.
	driverCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deferdel",
			Subsystem: "driver",
			Name:      "call_duration_seconds",
			Help:      "Duration of driver operations invoked by the engine.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	// tickDuration observes the total wall time of one engine run() invocation.
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "deferdel",
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a full engine tick across all four phases.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		groupDepth,
		drops,
		delayRate,
		driverCallDuration,
		tickDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// SetGroupDepth records the current size of a lifecycle group.
func SetGroupDepth(group string, depth int) {
	groupDepth.WithLabelValues(group).Set(float64(depth))
}

// RecordDrop increments the drop counter for the given reason
// (not_found, fatal_budget, retry_budget, orphaned_service).
func RecordDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	drops.WithLabelValues(reason).Inc()
}

// RecordDelayRate observes an adaptive pacing multiplier.
func RecordDelayRate(rate float64) {
	delayRate.Observe(rate)
}

// RecordDriverCall observes the duration of a single driver operation.
func RecordDriverCall(operation string, duration time.Duration) {
	if operation == "" {
		operation = "unknown"
	}
	driverCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTick observes the duration of one full engine run().
func RecordTick(duration time.Duration) {
	tickDuration.Observe(duration.Seconds())
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks creates core observation hooks backed by Prometheus metrics.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if id, ok := meta["service_uuid"]; ok && id != "" {
		return id
	}
	if id, ok := meta["vmid"]; ok && id != "" {
		return id
	}
	if id, ok := meta["resource"]; ok && id != "" {
		return id
	}
	return "unknown"
}

// EngineHooks captures per-driver-call timing for the deletion engine,
// labeled by service_uuid or vmid via meta.
func EngineHooks() core.ObservationHooks {
	return ObservationHooks("deferdel", "engine", "driver_call")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	return "/" + parts[0]
}
