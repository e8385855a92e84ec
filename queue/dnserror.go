package queue

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloudmailing/cm/dns"
	"github.com/cloudmailing/cm/mx"
)

var metricDNSError = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cm_queue_dns_errors_total",
		Help: "Failed MX lookups for domain queues, by kind.",
	},
	[]string{
		"kind", // timeout, temporary, nxdomain, nomx, nullmx, cname, invalid, other
	},
)

// classifyDNSError returns whether an MX lookup error is temporary, a short
// kind for the error, and a text for the recipient status.
//
// Go resolvers do not distinguish a server failure from a refused query, both
// are temporary.
func classifyDNSError(err error) (temporary bool, kind, text string) {
	var dnsErr interface{ Timeout() bool }
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.As(err, &dnsErr) && dnsErr.Timeout():
		return true, "timeout", "dns timeout, no answer in reasonable time"
	case dns.IsTemporary(err):
		return true, "temporary", "dns lookup failed temporarily, maybe a network problem"
	case errors.Is(err, mx.ErrNullMX):
		return false, "nullmx", "domain does not accept email (null mx)"
	case errors.Is(err, mx.ErrNoMX):
		return false, "nomx", "no mail server for domain"
	case dns.IsNotFound(err):
		return false, "nxdomain", "dns lookup failed, domain does not exist"
	case errors.Is(err, mx.ErrCanonicalNameLoop), errors.Is(err, mx.ErrCanonicalNameChainTooLong):
		return false, "cname", "dns error, bad canonical names for domain: " + err.Error()
	case errors.Is(err, mx.ErrDomain):
		return false, "invalid", "invalid domain"
	}
	return false, "other", "dns error: " + err.Error()
}
