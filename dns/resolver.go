package dns

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/adns"

	"github.com/cloudmailing/cm/mlog"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

var metricLookup = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "cm_dns_lookup_duration_seconds",
		Help:    "DNS lookups.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
	},
	[]string{
		"pkg",
		"type",   // Lower-case Resolver method name without leading Lookup.
		"result", // ok, nxdomain, temporary, timeout, canceled, error
	},
)

// Resolver is the interface strict resolver implements.
type Resolver interface {
	LookupCNAME(ctx context.Context, host string) (string, adns.Result, error) // NOTE: returns an error if no CNAME record is present.
	LookupHost(ctx context.Context, host string) ([]string, adns.Result, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
	LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error)
}

// StrictResolver is a resolver that enforces that DNS names end with a dot,
// preventing "search"-relative lookups.
type StrictResolver struct {
	Pkg      string         // Name of subsystem that is making DNS requests, for metrics.
	Resolver *adns.Resolver // Where the actual lookups are done. If nil, adns.DefaultResolver is used for lookups.
	Log      *slog.Logger
}

func (r StrictResolver) log() mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg, r.Log)
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

func metricLookupObserve(pkg, typ string, err error, start time.Time) {
	var result string
	var dnsErr *adns.DNSError
	switch {
	case err == nil:
		result = "ok"
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		result = "nxdomain"
	case errors.As(err, &dnsErr) && dnsErr.IsTemporary:
		result = "temporary"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	metricLookup.WithLabelValues(pkg, typ, result).Observe(float64(time.Since(start)) / float64(time.Second))
}

func (r StrictResolver) resolver() *adns.Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

// lookup wraps a lookup with the absolute name check, metrics and logging.
func lookup[T any](ctx context.Context, r StrictResolver, typ, name string, fn func() (T, adns.Result, error)) (resp T, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, typ, err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", typ),
			slog.String("name", name),
			slog.Any("resp", resp),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(name, ".") {
		return resp, result, ErrRelativeDNSName
	}
	return fn()
}

// LookupCNAME looks up a CNAME. Unlike "net" LookupCNAME, it returns a "not found"
// error if there is no CNAME record.
func (r StrictResolver) LookupCNAME(ctx context.Context, host string) (string, adns.Result, error) {
	return lookup(ctx, r, "cname", host, func() (string, adns.Result, error) {
		resp, result, err := r.resolver().LookupCNAME(ctx, host)
		if err == nil && resp == host {
			return "", result, &adns.DNSError{
				Err:        "no cname record",
				Name:       host,
				Server:     "",
				IsNotFound: true,
			}
		}
		return resp, result, err
	})
}

func (r StrictResolver) LookupHost(ctx context.Context, host string) ([]string, adns.Result, error) {
	return lookup(ctx, r, "host", host, func() ([]string, adns.Result, error) {
		return r.resolver().LookupHost(ctx, host)
	})
}

func (r StrictResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error) {
	return lookup(ctx, r, "ipaddr", host, func() ([]net.IPAddr, adns.Result, error) {
		return r.resolver().LookupIPAddr(ctx, host)
	})
}

func (r StrictResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	return lookup(ctx, r, "mx", name, func() ([]*net.MX, adns.Result, error) {
		return r.resolver().LookupMX(ctx, name)
	})
}

func (r StrictResolver) LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error) {
	return lookup(ctx, r, "txt", name, func() ([]string, adns.Result, error) {
		return r.resolver().LookupTXT(ctx, name)
	})
}
