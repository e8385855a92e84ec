package smtpclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cloudmailing/cm/cm-"
	"github.com/cloudmailing/cm/mlog"
)

// DialHook can be used during tests to override the regular dialer from being used.
var DialHook func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error)

func dial(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
	if DialHook != nil {
		return DialHook(ctx, dialer, timeout, addr)
	}

	// If this is a net.Dialer, use its settings and add the timeout.
	if d, ok := dialer.(*net.Dialer); ok {
		nd := *d
		nd.Timeout = timeout
		return nd.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dialer is used to dial mail servers, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

// Dial connects to host:port, making up to attempts connection attempts. Between
// attempts, Dial waits with exponential backoff starting at backoff, capped at
// one minute.
//
// The IP address of the remote end of the connection is returned with the
// connection, to be recorded with the delivery.
func Dial(ctx context.Context, log mlog.Log, dialer Dialer, host string, port int, attempts int, backoff time.Duration) (conn net.Conn, ip net.IP, rerr error) {
	if attempts <= 0 {
		attempts = 1
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	for i := 0; i < attempts; i++ {
		if i > 0 {
			d := cm.Backoff(i-1, backoff, time.Minute)
			log.Debug("waiting before next connection attempt", slog.String("addr", addr), slog.Duration("delay", d))
			if cm.Sleep(ctx, d) {
				return nil, nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
			}
		}
		log.Debug("dialing host", slog.String("addr", addr), slog.Int("attempt", i+1))
		conn, err := dial(ctx, dialer, 30*time.Second, addr)
		if err == nil {
			if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
				ip = ta.IP
			}
			log.Debug("connected to host", slog.String("addr", addr), slog.Any("ip", ip))
			return conn, ip, nil
		}
		log.Debugx("connection attempt", err, slog.String("addr", addr))
		rerr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, nil, rerr
}
