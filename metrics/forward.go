package metrics

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/selfmail/mlog"
)

var xlog = mlog.New("metrics")

var metricForward = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "selfmail_workerpool_forward_duration_seconds",
		Help:    "Mutations forwarded to the authoritative worker, by function and result.",
		Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60},
	},
	[]string{
		"function",
		"result",
	},
)

// ForwardObserve tracks a forwarded mutation. Code is the error code returned
// by the other worker, if any. Transport failures are classified from err.
func ForwardObserve(ctx context.Context, worker, function string, statusCode int, code string, err error, start time.Time) {
	var result string
	switch {
	case err == nil:
		result = "ok"
	case code != "" && statusCode == 200:
		result = "remote:" + code
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	case statusCode != 0:
		result = "http" + strconv.Itoa(statusCode)
	default:
		result = "error"
	}
	metricForward.WithLabelValues(function, result).Observe(float64(time.Since(start)) / float64(time.Second))
	xlog.WithContext(ctx).Debugx("forwarded mutation", err,
		mlog.Field("worker", worker),
		mlog.Field("function", function),
		mlog.Field("result", result),
		mlog.Field("duration", time.Since(start)))
}
