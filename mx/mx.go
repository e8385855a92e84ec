// Package mx resolves the mail servers for a destination domain, following
// CNAMEs and skipping servers that recently failed.
package mx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloudmailing/cm/dns"
	"github.com/cloudmailing/cm/mlog"
)

var pkglog = mlog.New("mx", nil)

var (
	ErrCanonicalNameChainTooLong = errors.New("canonical name chain too long")
	ErrCanonicalNameLoop         = errors.New("canonical name loop")
	ErrNoMX                      = errors.New("no mx found")
	ErrNullMX                    = errors.New("domain does not accept email, null mx")
	ErrDomain                    = errors.New("invalid domain")
)

var metricBadHosts = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "cm_mx_bad_hosts",
		Help: "Number of mail servers currently marked bad.",
	},
)

// Host is a mail server for a domain.
type Host struct {
	Name string // ASCII, without trailing dot.
	Pref int
}

// Interface is implemented by Resolver and Fake.
type Interface interface {
	Resolve(ctx context.Context, domain string) ([]Host, error)
	MarkBad(host string)
	MarkGood(host string)
}

// Resolver looks up MX records. It remembers hosts that failed, and skips
// them until their cooldown elapsed.
type Resolver struct {
	DNS         dns.Resolver
	FallbackToA bool          // Deliver to the domain itself when it has no MX records.
	CNAMELimit  int           // Maximum CNAME chain length, default 3.
	Cooldown    time.Duration // How long a host stays bad, default 60s.

	now func() time.Time

	mu  sync.Mutex
	bad map[string]time.Time // Lower-case host name to time it was marked bad.
}

var _ Interface = (*Resolver)(nil)

// NewResolver returns a resolver with defaults applied for zero values.
func NewResolver(r dns.Resolver, fallbackToA bool, cnameLimit int, cooldown time.Duration) *Resolver {
	if cnameLimit <= 0 {
		cnameLimit = 3
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Resolver{
		DNS:         r,
		FallbackToA: fallbackToA,
		CNAMELimit:  cnameLimit,
		Cooldown:    cooldown,
		now:         time.Now,
		bad:         map[string]time.Time{},
	}
}

// Resolve returns the mail servers for domain, lowest preference first. Hosts
// marked bad within the cooldown are left out, unless all hosts are bad, in
// which case only the host with the lowest preference is returned.
//
// Errors wrap the DNS error, so dns.IsTemporary and dns.IsNotFound can be used
// for classification.
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]Host, error) {
	log := pkglog.WithContext(ctx)

	d, err := dns.ParseDomain(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrDomain, domain, err)
	}

	name := d.ASCII
	seen := map[string]bool{}
	for i := 0; ; i++ {
		if seen[name] {
			return nil, fmt.Errorf("%w: domain %s, already saw %s", ErrCanonicalNameLoop, d, name)
		}
		seen[name] = true

		cname, _, err := r.DNS.LookupCNAME(ctx, name+".")
		if err != nil && !dns.IsNotFound(err) {
			return nil, fmt.Errorf("cname lookup for %s: %w", name, err)
		}
		if err == nil && cname != "" && cname != name+"." {
			if i >= r.CNAMELimit {
				return nil, fmt.Errorf("%w: domain %s, more than %d canonical names", ErrCanonicalNameChainTooLong, d, r.CNAMELimit)
			}
			log.Debug("following cname", slog.String("name", name), slog.String("cname", cname))
			name = strings.ToLower(strings.TrimSuffix(cname, "."))
			continue
		}
		break
	}

	mxl, _, err := r.DNS.LookupMX(ctx, name+".")
	if err != nil && len(mxl) == 0 {
		if !dns.IsNotFound(err) {
			return nil, fmt.Errorf("mx lookup for %s: %w", name, err)
		}
	} else if err != nil {
		log.Infox("mx record has some invalid records, keeping only the valid mx records", err)
	}

	if len(mxl) == 1 && mxl[0].Host == "." {
		return nil, fmt.Errorf("%w: %s", ErrNullMX, name)
	}

	var hosts []Host
	for _, mx := range mxl {
		h := strings.ToLower(strings.TrimSuffix(mx.Host, "."))
		if h == "" {
			continue
		}
		hosts = append(hosts, Host{h, int(mx.Pref)})
	}
	if len(hosts) == 0 {
		if !r.FallbackToA {
			return nil, fmt.Errorf("%w: %s", ErrNoMX, name)
		}
		ips, _, err := r.DNS.LookupIPAddr(ctx, name+".")
		if err != nil && !dns.IsNotFound(err) {
			return nil, fmt.Errorf("address lookup for %s: %w", name, err)
		} else if len(ips) == 0 {
			return nil, fmt.Errorf("%w: %s, also no address records", ErrNoMX, name)
		}
		log.Debug("no mx records, using domain itself", slog.String("domain", name))
		return []Host{{name, 0}}, nil
	}
	sort.SliceStable(hosts, func(i, j int) bool {
		return hosts[i].Pref < hosts[j].Pref
	})

	good := r.filterBad(hosts)
	if len(good) == 0 {
		log.Info("all mx hosts marked bad, using lowest preference", slog.String("domain", name), slog.String("host", hosts[0].Name))
		return hosts[:1], nil
	}
	return good, nil
}

func (r *Resolver) filterBad(hosts []Host) []Host {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var good []Host
	for _, h := range hosts {
		t, ok := r.bad[h.Name]
		if ok && now.Sub(t) >= r.Cooldown {
			delete(r.bad, h.Name)
			ok = false
		}
		if !ok {
			good = append(good, h)
		}
	}
	metricBadHosts.Set(float64(len(r.bad)))
	return good
}

// MarkBad marks host as failing, skipping it for the cooldown.
func (r *Resolver) MarkBad(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bad[strings.ToLower(host)] = r.now()
	metricBadHosts.Set(float64(len(r.bad)))
}

// MarkGood removes a bad mark from host.
func (r *Resolver) MarkGood(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bad, strings.ToLower(host))
	metricBadHosts.Set(float64(len(r.bad)))
}

// IsBad returns whether host is marked bad and its cooldown has not elapsed.
func (r *Resolver) IsBad(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.bad[strings.ToLower(host)]
	return ok && r.now().Sub(t) < r.Cooldown
}

// CleanupExpiredBad removes bad marks whose cooldown elapsed.
func (r *Resolver) CleanupExpiredBad() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for h, t := range r.bad {
		if now.Sub(t) >= r.Cooldown {
			delete(r.bad, h)
		}
	}
	metricBadHosts.Set(float64(len(r.bad)))
}

// Fake resolves every domain to a single host, for test deployments.
type Fake struct {
	Host string
}

var _ Interface = Fake{}

func (f Fake) Resolve(ctx context.Context, domain string) ([]Host, error) {
	h := f.Host
	if h == "" {
		h = "localhost"
	}
	return []Host{{h, 0}}, nil
}

func (Fake) MarkBad(host string)  {}
func (Fake) MarkGood(host string) {}
