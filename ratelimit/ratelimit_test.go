package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	l := &Limiter{
		Windows: []Window{
			{Duration: time.Minute, Limits: [...]int64{2, 4, 6}},
		},
	}

	now := time.Now()
	check := func(exp bool, ip string, tm time.Time, n int64) {
		t.Helper()
		if ok := l.CanAdd(net.ParseIP(ip), tm, n); ok != exp {
			t.Fatalf("canadd %s, got %v, expected %v", ip, ok, exp)
		}
		if ok := l.Add(net.ParseIP(ip), tm, n); ok != exp {
			t.Fatalf("add %s, got %v, expected %v", ip, ok, exp)
		}
	}
	check(false, "10.0.0.1", now, 3) // Over limit.
	check(true, "10.0.0.1", now, 1)
	check(false, "10.0.0.1", now, 2)
	check(true, "10.0.0.1", now, 1)
	check(false, "10.0.0.1", now, 1)

	next := now.Add(time.Minute)
	check(true, "10.0.0.1", next, 2)  // New window.
	check(true, "10.0.0.2", next, 2)  // Other ip in same /26.
	check(false, "10.0.0.3", next, 2) // The /26 is full.
	check(true, "10.0.1.4", next, 2)  // Other /26 in same /21.
	check(false, "10.0.2.4", next, 2) // The /21 is full.
	l.Reset(net.ParseIP("10.0.1.4"), next)
	if !l.CanAdd(net.ParseIP("10.0.1.4"), next, 2) {
		t.Fatalf("reset did not free up count for ip")
	}
	check(true, "10.0.2.4", next, 2)

	// Uncounting, as done when connections close.
	check(true, "2001:db8::1", next, 2)
	check(false, "2001:db8::2", next, 1) // Same /64.
	check(true, "2001:db8::1", next, -1)
	check(true, "2001:db8::2", next, 1)

	l = &Limiter{
		Windows: []Window{
			{Duration: time.Minute, Limits: [...]int64{1, 2, 3}},
			{Duration: time.Hour, Limits: [...]int64{2, 3, 4}},
		},
	}
	hour := now.Truncate(time.Hour)
	min1 := hour.Add(time.Minute)
	min2 := hour.Add(2 * time.Minute)
	min3 := hour.Add(3 * time.Minute)
	check(true, "10.0.0.1", min1, 1)
	check(true, "10.0.0.1", min2, 1)
	check(false, "10.0.0.1", min3, 1)   // Hourly limit of ip.
	check(true, "10.0.0.50", min3, 1)   // The /26 still has room.
	check(false, "10.0.0.51", min3, 1)  // Now full for the hour.
	check(true, "10.0.1.1", min3, 1)    // The /21 still has room.
	check(false, "10.0.1.255", min3, 1) // Now full for the hour.
}

func TestIP(t *testing.T) {
	for _, tc := range []struct{ addr, exp string }{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:25", "2001:db8::1"},
		{"192.0.2.2", "192.0.2.2"},
	} {
		if ip := IP(tc.addr); !ip.Equal(net.ParseIP(tc.exp)) {
			t.Fatalf("ip for %s: got %v, expected %s", tc.addr, ip, tc.exp)
		}
	}
	if ip := IP("bogus"); ip != nil {
		t.Fatalf("got %v, expected nil", ip)
	}
}
