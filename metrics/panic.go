package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "smtpsubmit_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

type Panic string

const (
	Smtpclient Panic = "smtpclient"
	Bulk       Panic = "bulk"
)

func init() {
	// Make sure the labels are present, also without panics.
	for _, pkg := range []Panic{Smtpclient, Bulk} {
		metricPanic.WithLabelValues(string(pkg)).Add(0)
	}
}

func PanicInc(pkg Panic) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
