package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/smtpsubmit/dns"
	"github.com/mjl-/smtpsubmit/metrics"
	"github.com/mjl-/smtpsubmit/outbox"
	"github.com/mjl-/smtpsubmit/smtpclient"
	"github.com/mjl-/smtpsubmit/smtppool"
	"github.com/mjl-/smtpsubmit/transport"
)

func init() {
	dns.MetricLookup = histogramVec{
		promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smtpsubmit_dns_lookup_duration_seconds",
				Help:    "DNS lookups.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
			},
			[]string{
				"pkg",
				"type",   // Lower-case Resolver method name without leading Lookup.
				"result", // ok, nxdomain, temporary, timeout, canceled, error
			},
		),
	}

	smtpclient.MetricCommands = histogramVec{
		promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smtpsubmit_smtpclient_command_duration_seconds",
				Help:    "SMTP client command duration and result codes in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
			},
			[]string{
				"cmd",
				"code",
				"secode",
			},
		),
	}
	smtpclient.MetricConnections = counterVec{
		promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtpsubmit_smtpclient_connections_total",
				Help: "SMTP client connections, by result of the initial greeting and EHLO.",
			},
			[]string{
				"result", // ok, error
			},
		),
	}
	smtpclient.MetricPanicInc = func() {
		metrics.PanicInc(metrics.Smtpclient)
	}
	smtpclient.MetricAuthInc = metrics.AuthenticationInc

	smtppool.MetricConnections = gaugeVec{
		promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpsubmit_smtppool_connections",
				Help: "Connections in the pool, by state.",
			},
			[]string{
				"state", // idle, inuse
			},
		),
	}
	smtppool.MetricDropped = counterVec{
		promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtpsubmit_smtppool_dropped_total",
				Help: "Connections dropped from the pool instead of reused.",
			},
			[]string{
				"reason", // broken, dead, stale, closed
			},
		),
	}

	transport.MetricSubmit = counterVec{
		promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtpsubmit_submit_total",
				Help: "Message submissions, by result.",
			},
			[]string{
				"result", // ok, transient, permanent, error
			},
		),
	}

	outbox.MetricQueued = gaugeVec{
		promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smtpsubmit_outbox_messages",
				Help: "Messages in the outbox, by state.",
			},
			[]string{
				"state", // pending, failed
			},
		),
	}
	outbox.MetricRetry = counterVec{
		promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtpsubmit_outbox_retry_total",
				Help: "Attempts to submit messages from the outbox, by result.",
			},
			[]string{
				"result", // ok, transient, permanent
			},
		),
	}
}

type counterVec struct {
	*prometheus.CounterVec
}

func (m counterVec) IncLabels(labels ...string) {
	m.CounterVec.WithLabelValues(labels...).Inc()
}

type gaugeVec struct {
	*prometheus.GaugeVec
}

func (m gaugeVec) SetLabels(v float64, labels ...string) {
	m.GaugeVec.WithLabelValues(labels...).Set(v)
}

type histogramVec struct {
	*prometheus.HistogramVec
}

func (m histogramVec) ObserveLabels(v float64, labels ...string) {
	m.HistogramVec.WithLabelValues(labels...).Observe(v)
}
