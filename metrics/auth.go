package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpsubmit_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"mechanism", // plain, login, cram-md5, scram-sha-1, scram-sha-256, xoauth2, oauthbearer
			"result",    // ok, badcreds, error
		},
	)
)

func AuthenticationInc(mechanism, result string) {
	metricAuthentication.WithLabelValues(mechanism, result).Inc()
}
