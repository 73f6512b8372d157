package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMutation = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "selfmail_mutation_duration_seconds",
			Help:    "Mailbox mutations and their duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30},
		},
		[]string{
			"op",     // copy, move, append
			"result", // ok, or error code like overquota, trycreate, unavailable
		},
	)
	metricMutationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfmail_mutation_messages_total",
			Help: "Number of messages written by mailbox mutations.",
		},
		[]string{
			"op",
		},
	)
	metricLockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "selfmail_lock_wait_seconds",
			Help:    "Time spent waiting for the account mutation lock.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
		[]string{
			"result", // ok, timeout, error
		},
	)
	metricAlert = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfmail_alert_total",
			Help: "Fatal-severity conditions reported to operators, by kind.",
		},
		[]string{
			"kind", // lockrelease, overquota, usage
		},
	)
	metricNotify = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfmail_notify_entries_total",
			Help: "Change notification entries published.",
		},
		[]string{
			"via", // local, pipe
		},
	)
)

// MutationObserve tracks a finished mutation.
func MutationObserve(op, result string, messages int, start time.Time) {
	metricMutation.WithLabelValues(op, result).Observe(float64(time.Since(start)) / float64(time.Second))
	if messages > 0 {
		metricMutationMessages.WithLabelValues(op).Add(float64(messages))
	}
}

// LockWaitObserve tracks time waiting for an account lock.
func LockWaitObserve(result string, d time.Duration) {
	metricLockWait.WithLabelValues(result).Observe(float64(d) / float64(time.Second))
}

func AlertInc(kind string) {
	metricAlert.WithLabelValues(kind).Inc()
}

func NotifyAdd(via string, n int) {
	metricNotify.WithLabelValues(via).Add(float64(n))
}
