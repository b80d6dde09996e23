package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_coordination"

var (
	JoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "joins_total", Help: "Join attempts by result kind"},
		[]string{"result"},
	)
	ConsensusRunsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "consensus_runs_total", Help: "Attendance consensus computations"})
	SurveysOpenedTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "surveys_opened_total", Help: "Attendance surveys created by the sweep"})
	SurveysExpiredTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "surveys_expired_total", Help: "Attendance surveys that missed their deadline"})
	PaymentsRecorded     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "payments_recorded_total", Help: "Cost reports recorded"}, []string{"cost_type"})
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Post-commit notifications that failed"},
		[]string{"event_type"},
	)
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "sweep_duration_seconds", Help: "Duration of timer-driven sweeps", Buckets: prometheus.DefBuckets},
		[]string{"sweep"},
	)

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
