// Package ratelimit limits events per remote IP over fixed time windows, for
// the listeners facing the internet: the DSN receiver and the management API.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Number of subnet classes counted per IP.
const classes = 3

// Prefix lengths for the subnet classes, from the IP itself to a large network.
var (
	maskV4 = [classes]int{32, 26, 21}
	maskV6 = [classes]int{64, 48, 32}
)

// Limiter counts events in one or more fixed windows, e.g. the current minute
// and hour. Each event is counted for the IP and for its enclosing subnets, each
// class with its own limit.
type Limiter struct {
	Windows []Window

	mu sync.Mutex
}

// Window has the limits for one window duration, per subnet class.
type Window struct {
	Duration time.Duration
	Limits   [classes]int64

	period uint32 // Start of the window, as time/Duration.
	counts map[key]int64
}

type key struct {
	class  uint8
	subnet [16]byte
}

// Add counts n events for ip at tm, unless that would exceed a limit. It returns
// whether the events were counted. A negative n uncounts, e.g. when a
// connection ends.
func (l *Limiter) Add(ip net.IP, tm time.Time, n int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := subnets(ip)
	if !l.fits(keys, tm, n) {
		return false
	}
	for i := range l.Windows {
		for _, k := range keys {
			l.Windows[i].counts[k] += n
		}
	}
	return true
}

// CanAdd returns whether Add would succeed, without counting.
func (l *Limiter) CanAdd(ip net.IP, tm time.Time, n int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fits(subnets(ip), tm, n)
}

// Reset clears the count of ip in the windows of tm. Its count is also taken
// off the subnets it is part of.
func (l *Limiter) Reset(ip net.IP, tm time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := subnets(ip)
	for i := range l.Windows {
		w := &l.Windows[i]
		if w.counts == nil || w.period != uint32(tm.UnixNano()/int64(w.Duration)) {
			continue
		}
		n := w.counts[keys[0]]
		for _, k := range keys {
			w.counts[k] -= n
		}
	}
}

// fits starts new windows when tm is past them, and checks whether n fits in
// all limits. Must be called with lock held.
func (l *Limiter) fits(keys [classes]key, tm time.Time, n int64) bool {
	ok := true
	for i := range l.Windows {
		w := &l.Windows[i]
		period := uint32(tm.UnixNano() / int64(w.Duration))
		if w.counts == nil || period > w.period {
			w.period = period
			w.counts = map[key]int64{}
		}
		for c, k := range keys {
			if w.counts[k]+n > w.Limits[c] {
				ok = false
			}
		}
	}
	return ok
}

func subnets(ip net.IP) (keys [classes]key) {
	masks, bits := maskV6, 128
	if ip.To4() != nil {
		masks, bits = maskV4, 32
		ip = ip.To4()
	}
	for c := range keys {
		keys[c].class = uint8(c)
		copy(keys[c].subnet[:], ip.Mask(net.CIDRMask(masks[c], bits)).To16())
	}
	return keys
}

// IP returns the IP address of a remote address as found on connections and
// HTTP requests, or nil.
func IP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}
