package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Protocol ----
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buzzer",
			Name:      "messages_received_total",
			Help:      "Well-formed datagrams handed to the role machine, by kind.",
		},
		[]string{"kind"},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buzzer",
			Name:      "messages_sent_total",
			Help:      "Datagrams submitted to the transport, by kind and local result.",
		},
		[]string{"kind", "result"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buzzer",
			Name:      "messages_dropped_total",
			Help:      "Inbound datagrams or requests dropped, by reason.",
		},
		[]string{"reason"},
	)

	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buzzer",
			Name:      "state_transitions_total",
			Help:      "Game state transitions, by role and target state.",
		},
		[]string{"role", "to"},
	)

	RosterSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buzzer",
			Name:      "roster_size",
			Help:      "Participants currently registered with the coordinator.",
		},
	)

	Rounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buzzer",
			Name:      "rounds_total",
			Help:      "Rounds by outcome (started, won, cancelled).",
		},
		[]string{"outcome"},
	)

	FalseStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buzzer",
			Name:      "false_starts_total",
			Help:      "False starts observed, by offending participant.",
		},
		[]string{"participant"},
	)

	ReactionTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "buzzer",
			Name:      "reaction_time_seconds",
			Help:      "Time from round start to the accepted winning press, as seen by the coordinator.",
			// 50ms .. ~13s
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 9),
		},
	)

	// ---- Admin HTTP ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buzzer",
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buzzer",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "buzzer",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "buzzer",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		MessagesReceived, MessagesSent, MessagesDropped,
		StateTransitions, RosterSize, Rounds, FalseStarts, ReactionTime,
		RequestsTotal, RequestDuration, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// Dropped counts one dropped datagram or request.
func Dropped(reason string) {
	MessagesDropped.WithLabelValues(reason).Inc()
}

// Sent counts one send attempt; err is the transport's local result.
func Sent(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	MessagesSent.WithLabelValues(kind, result).Inc()
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
