package dns

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/exp/slices"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to values.
type MockResolver struct {
	A       map[string][]string
	AAAA    map[string][]string
	TXT     map[string][]string
	MX      map[string][]*net.MX
	CNAME   map[string]string
	Fail    []string // Records of the form "type name", e.g. "mx example.com." that will return a servfail.
	Timeout []string // Like Fail, but the lookups time out.
	Broken  []string // Like Fail, but the lookups fail with an error that is neither temporary nor not found.
}

type mockReq struct {
	Type string // E.g. "cname", "txt", "mx", "host".
	Name string
}

func (mr mockReq) String() string {
	return mr.Type + " " + mr.Name
}

var _ Resolver = MockResolver{}

// result follows CNAMEs for the request, and returns the final name. It
// returns an error for requests configured to fail.
func (r MockResolver) result(ctx context.Context, mr mockReq) (string, adns.Result, error) {
	var result adns.Result

	if err := ctx.Err(); err != nil {
		return "", result, err
	}

	seen := map[string]bool{}
	for {
		switch {
		case slices.Contains(r.Fail, mr.String()):
			return mr.Name, result, r.servfail(mr.Name)
		case slices.Contains(r.Timeout, mr.String()):
			return mr.Name, result, &adns.DNSError{Err: "i/o timeout", Name: mr.Name, Server: "mock", IsTimeout: true}
		case slices.Contains(r.Broken, mr.String()):
			return mr.Name, result, &adns.DNSError{Err: "server misbehaving", Name: mr.Name, Server: "mock"}
		}

		cname, ok := r.CNAME[mr.Name]
		if !ok || mr.Type == "cname" || seen[mr.Name] {
			break
		}
		seen[mr.Name] = true
		mr.Name = cname
	}
	return mr.Name, result, nil
}

func (r MockResolver) nxdomain(s string) error {
	return &adns.DNSError{
		Err:        "no record",
		Name:       s,
		Server:     "mock",
		IsNotFound: true,
	}
}

func (r MockResolver) servfail(s string) error {
	return &adns.DNSError{
		Err:         "temp error",
		Name:        s,
		Server:      "mock",
		IsTemporary: true,
	}
}

func (r MockResolver) LookupCNAME(ctx context.Context, name string) (string, adns.Result, error) {
	mr := mockReq{"cname", name}
	name, result, err := r.result(ctx, mr)
	if err != nil {
		return name, result, err
	}
	cname, ok := r.CNAME[name]
	if !ok {
		return cname, result, r.nxdomain(name)
	}
	return cname, result, nil
}

func (r MockResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error) {
	mr := mockReq{"ipaddr", host}
	_, result, err := r.result(ctx, mr)
	if err != nil {
		return nil, result, err
	}
	addrs, result, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, result, err
	}
	ips := make([]net.IPAddr, len(addrs))
	for i, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			return nil, result, fmt.Errorf("malformed ip %q", a)
		}
		ips[i] = net.IPAddr{IP: ip}
	}
	return ips, result, nil
}

func (r MockResolver) LookupHost(ctx context.Context, host string) ([]string, adns.Result, error) {
	mr := mockReq{"host", host}
	name, result, err := r.result(ctx, mr)
	if err != nil {
		return nil, result, err
	}
	var addrs []string
	addrs = append(addrs, r.A[name]...)
	addrs = append(addrs, r.AAAA[name]...)
	if len(addrs) == 0 {
		return nil, result, r.nxdomain(host)
	}
	return addrs, result, nil
}

func (r MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	mr := mockReq{"mx", name}
	name, result, err := r.result(ctx, mr)
	if err != nil {
		return nil, result, err
	}
	l, ok := r.MX[name]
	if !ok {
		return nil, result, r.nxdomain(name)
	}
	return l, result, nil
}

func (r MockResolver) LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error) {
	mr := mockReq{"txt", name}
	name, result, err := r.result(ctx, mr)
	if err != nil {
		return nil, result, err
	}
	l, ok := r.TXT[name]
	if !ok {
		return nil, result, r.nxdomain(name)
	}
	return l, result, nil
}
