package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"kind",    // cluster, webapi
			"variant", // hmac, bypass, httpbasic
			"result",  // ok, baduser, badcreds, disabled, error
		},
	)
)

func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}
