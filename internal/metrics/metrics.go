package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// Ingest metrics
	ReadingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_readings_ingested_total",
			Help: "Total number of sensor readings accepted",
		},
		[]string{"source"}, // source: http, mqtt
	)

	ReadingsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_readings_rejected_total",
			Help: "Total number of sensor payloads rejected",
		},
		[]string{"source", "reason"},
	)

	// Alert metrics
	AlertsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_alerts_evaluated_total",
			Help: "Candidate alerts produced by the threshold evaluator",
		},
		[]string{"type"},
	)

	AlertsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_alerts_admitted_total",
			Help: "Alerts admitted by the cooldown gate",
		},
		[]string{"type"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_alerts_suppressed_total",
			Help: "Alerts suppressed by the cooldown gate",
		},
		[]string{"type"},
	)

	CooldownKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_cooldown_keys",
			Help: "Device/alert-type pairs tracked by the in-memory cooldown gate",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_notifications_total",
			Help: "Alert notifications attempted",
		},
		[]string{"status"}, // status: sent, failed
	)

	AlertStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_alert_store_errors_total",
			Help: "Alert store operations that failed",
		},
		[]string{"operation"},
	)

	// Live update metrics
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_websocket_clients",
			Help: "Currently connected live-update subscribers",
		},
	)

	WebsocketDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_websocket_dropped_clients_total",
			Help: "Subscribers dropped because their send buffer was full",
		},
	)

	// Event stream metrics
	StreamPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stream_publish_total",
			Help: "Messages handed to the event stream",
		},
		[]string{"topic", "status"},
	)

	// Rate limiting
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_requests_total",
			Help: "Requests rejected with 429",
		},
		[]string{"limiter"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
