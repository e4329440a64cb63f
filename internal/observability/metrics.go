package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "freight"

var (
	TripsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_created_total", Help: "Total number of trips created"})

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Lifecycle transitions by target state"},
		[]string{"to"},
	)

	BidsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bids_submitted_total", Help: "Counter-prices recorded by role"},
		[]string{"role"},
	)
	BidsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bids_rejected_total", Help: "Counter-prices refused by reason"},
		[]string{"reason"},
	)

	ActiveWindows  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "bidding_windows_active", Help: "Bidding windows with a pending expiry timer"})
	WindowsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bidding_windows_expired_total", Help: "Bidding windows that reached their deadline"})

	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Live push channel sessions"})

	EventsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_pushed_total", Help: "Push events delivered by type"},
		[]string{"type"},
	)
	PushFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "push_failures_total", Help: "Push events that could not be written to a session"})

	LocationReports = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_reports_total", Help: "Location samples by outcome"},
		[]string{"outcome"},
	)

	PaymentsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payments_captured_total", Help: "Captured payment stages"},
		[]string{"stage"},
	)
	PaymentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_failures_total", Help: "Gateway failures by operation"},
		[]string{"op"},
	)
	GatewayBreakerState = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "gateway_breaker_state", Help: "Payment gateway circuit breaker state (0=closed, 1=open, 2=half-open)"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
