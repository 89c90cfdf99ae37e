package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})

	// Compliance-core counters. Dropped audit writes and denied permission
	// checks are contract-level observability signals, not debug metrics.
	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_writes_dropped_total",
		Help: "Audit entries lost because the audit sink was unavailable.",
	})

	permissionDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_denials_total",
			Help: "Denied permission checks.",
		},
		[]string{"permission"},
	)

	incidentsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidents_opened_total",
			Help: "Incidents created by classification.",
		},
		[]string{"severity"},
	)

	alertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_alerts_sent_total",
			Help: "Escalation alerts handed to the notifier.",
		},
		[]string{"outcome"},
	)

	emergencyGrants = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emergency_grants_total",
		Help: "Emergency access grants issued.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		auditDropped, permissionDenials, incidentsOpened, alertsSent,
		emergencyGrants,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady publishes the readiness state.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// CountAuditDropped records a lost audit write.
func CountAuditDropped() { auditDropped.Inc() }

// CountPermissionDenied records a denied permission check.
func CountPermissionDenied(permission string) {
	permissionDenials.WithLabelValues(permission).Inc()
}

// CountIncidentOpened records a classified incident.
func CountIncidentOpened(severity string) {
	incidentsOpened.WithLabelValues(severity).Inc()
}

// CountAlert records the outcome ("sent" or "failed") of an escalation alert.
func CountAlert(outcome string) {
	alertsSent.WithLabelValues(outcome).Inc()
}

// CountEmergencyGrant records an issued emergency access grant.
func CountEmergencyGrant() { emergencyGrants.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses entity identifiers so metric cardinality stays bounded.
func CanonicalPath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for _, prefix := range []string{"incidents", "grants", "users"} {
		for i := 0; i < len(parts)-1; i++ {
			if parts[i] == prefix && parts[i+1] != "" {
				parts[i+1] = ":id"
				break
			}
		}
	}
	return strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
