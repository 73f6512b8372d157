// Package metrics has prometheus metric variables and functions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "selfmail_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panic is the package where a panic was recovered.
type Panic string

const (
	Store      Panic = "store"
	Quota      Panic = "quota"
	Mutate     Panic = "mutate"
	Notify     Panic = "notify"
	Workerpool Panic = "workerpool"
	Serve      Panic = "serve"
)

func PanicInc(pkg Panic) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
