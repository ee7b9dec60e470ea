package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "npurt_jobs_submitted_total",
			Help: "Total number of executions submitted, by mode.",
		},
		[]string{"backend", "mode"},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "npurt_jobs_finished_total",
			Help: "Total number of executions that reached a terminal status.",
		},
		[]string{"backend", "mode", "result"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "npurt_job_duration_seconds",
			Help:    "Time from submission to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"backend", "mode"},
	)

	jobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "npurt_jobs_in_flight",
			Help: "Jobs that are pending or running.",
		},
		[]string{"backend"},
	)

	callbacksDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "npurt_callbacks_delivered_total",
			Help: "Completion callbacks delivered, by status.",
		},
		[]string{"backend", "result"},
	)
)

func init() {
	prometheus.MustRegister(jobsSubmittedTotal)
	prometheus.MustRegister(jobsFinishedTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(jobsInFlight)
	prometheus.MustRegister(callbacksDeliveredTotal)
}
