package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "supply_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supply_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "supply_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	plannerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supply_layer",
			Subsystem: "planner",
			Name:      "requests_total",
			Help:      "Total number of planner drafting calls.",
		},
		[]string{"status"},
	)

	plannerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "supply_layer",
			Subsystem: "planner",
			Name:      "request_duration_seconds",
			Help:      "Duration of planner drafting calls.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		},
		[]string{"status"},
	)

	proposalRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supply_layer",
			Subsystem: "orders",
			Name:      "proposal_runs_total",
			Help:      "Total number of proposal pipeline runs.",
		},
		[]string{"mode", "status"},
	)

	broadcastTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supply_layer",
			Subsystem: "broadcast",
			Name:      "transfers_total",
			Help:      "Total number of settlement transactions submitted.",
		},
		[]string{"status"},
	)

	autopilotRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supply_layer",
			Subsystem: "autopilot",
			Name:      "runs_total",
			Help:      "Total number of autonomous proposal runs.",
		},
		[]string{"location", "success"},
	)

	autopilotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "supply_layer",
			Subsystem: "autopilot",
			Name:      "run_duration_seconds",
			Help:      "Duration of autonomous proposal runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"location"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supply_layer",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of read-cache lookups.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		plannerRequests,
		plannerDuration,
		proposalRuns,
		broadcastTransfers,
		autopilotRuns,
		autopilotDuration,
		cacheLookups,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
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

// RecordPlannerRequest records one planner drafting call.
func RecordPlannerRequest(status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	plannerRequests.WithLabelValues(status).Inc()
	plannerDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordProposalRun records one proposal pipeline run.
func RecordProposalRun(mode, status string) {
	if mode == "" {
		mode = "none"
	}
	proposalRuns.WithLabelValues(mode, status).Inc()
}

// RecordBroadcastTransfer records one settlement transaction outcome.
func RecordBroadcastTransfer(status string) {
	broadcastTransfers.WithLabelValues(status).Inc()
}

// RecordAutopilotRun records one autonomous proposal run.
func RecordAutopilotRun(location string, duration time.Duration, success bool) {
	if location == "" {
		location = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "false"
	if success {
		result = "true"
	}
	autopilotRuns.WithLabelValues(location, result).Inc()
	autopilotDuration.WithLabelValues(location).Observe(duration.Seconds())
}

// RecordCacheLookup records a read-cache lookup result.
func RecordCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
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

// canonicalPath collapses per-restaurant path segments so label cardinality
// stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "restaurants" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/restaurants"
	}
	if len(parts) == 2 {
		return "/restaurants/:location"
	}
	resource := parts[2]
	path := "/restaurants/:location/" + resource
	if len(parts) > 3 {
		// nested ids: /orders/:id/execute, /pipeline/:ref/arrived
		if len(parts) > 4 {
			path += "/:id/" + parts[4]
		} else {
			path += "/:id"
		}
	}
	return path
}
