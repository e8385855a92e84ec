package cm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloudmailing/cm/metrics"
	"github.com/cloudmailing/cm/mlog"
)

// Shutdown is canceled when a graceful shutdown is initiated. Periodic tasks,
// listeners and the cluster channel check this before starting a new operation.
var Shutdown context.Context
var ShutdownCancel func()

// Context is the parent for most operations. It is canceled shortly after
// Shutdown, aborting active operations.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

// Connections holds all active protocol sockets (outgoing smtp, dsn, cluster).
// They get an immediate read/write deadline shortly after shutdown is initiated.
var Connections = &connections{
	conns:  map[net.Conn]connKind{},
	gauges: map[connKind]prometheus.GaugeFunc{},
	active: map[connKind]int64{},
}

type connKind struct {
	protocol string
	listener string
}

type connections struct {
	sync.Mutex
	conns  map[net.Conn]connKind
	dones  []chan struct{}
	gauges map[connKind]prometheus.GaugeFunc

	activeMutex sync.Mutex
	active      map[connKind]int64
}

// Register adds a connection for receiving an immediate i/o deadline on shutdown.
// When the connection is closed, Unregister must be called.
func (c *connections) Register(nc net.Conn, protocol, listener string) {
	select {
	case <-Shutdown.Done():
		pkglog.Error("new connection added while shutting down", slog.String("protocol", protocol))
	default:
	}

	ck := connKind{protocol, listener}

	c.activeMutex.Lock()
	c.active[ck]++
	c.activeMutex.Unlock()

	c.Lock()
	defer c.Unlock()
	c.conns[nc] = ck
	if _, ok := c.gauges[ck]; !ok {
		c.gauges[ck] = promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "cm_connections_count",
				Help: "Open connections, per protocol/listener.",
				ConstLabels: prometheus.Labels{
					"protocol": protocol,
					"listener": listener,
				},
			},
			func() float64 {
				c.activeMutex.Lock()
				defer c.activeMutex.Unlock()
				return float64(c.active[ck])
			},
		)
	}
}

// Unregister removes a connection for shutdown.
func (c *connections) Unregister(nc net.Conn) {
	c.Lock()
	defer c.Unlock()
	ck, ok := c.conns[nc]
	if !ok {
		return
	}

	c.activeMutex.Lock()
	c.active[ck]--
	c.activeMutex.Unlock()

	delete(c.conns, nc)
	if len(c.conns) > 0 {
		return
	}
	for _, done := range c.dones {
		done <- struct{}{}
	}
	c.dones = nil
}

// Shutdown sets an immediate i/o deadline on all open registered sockets.
func (c *connections) Shutdown() {
	now := time.Now()
	c.Lock()
	defer c.Unlock()
	for nc := range c.conns {
		if err := nc.SetDeadline(now); err != nil {
			pkglog.Errorx("setting immediate read/write deadline for shutdown", err)
		}
	}
}

// Done returns a new channel on which a value is sent when no more sockets are
// open, which could be immediate.
func (c *connections) Done() chan struct{} {
	c.Lock()
	defer c.Unlock()
	done := make(chan struct{}, 1)
	if len(c.conns) == 0 {
		done <- struct{}{}
		return done
	}
	c.dones = append(c.dones, done)
	return done
}

// Periodic calls fn every interval until ctx is done. A panic in fn is logged
// and counted, and does not stop later runs. Each run gets its own cid.
func Periodic(ctx context.Context, log mlog.Log, name string, interval func() time.Duration, fn func(ctx context.Context) error) {
	for {
		if Sleep(ctx, interval()) {
			return
		}
		runTask(ctx, log, name, fn)
	}
}

func runTask(ctx context.Context, log mlog.Log, name string, fn func(ctx context.Context) error) {
	ctx = CidContext(ctx)
	log = log.WithContext(ctx)
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		log.Error("unhandled panic in periodic task", slog.String("task", name), slog.Any("panic", x))
		debug.PrintStack()
		metrics.PanicInc(metrics.Periodic)
	}()
	t0 := time.Now()
	err := fn(ctx)
	if err != nil {
		log.Errorx("periodic task", err, slog.String("task", name))
	} else {
		log.Debug("periodic task done", slog.String("task", name), slog.Duration("duration", time.Since(t0)))
	}
}

// Every returns an interval function for Periodic with a fixed duration.
func Every(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

// Go starts fn in a goroutine, recovering and logging panics.
func Go(log mlog.Log, pkg metrics.Panic, name string, fn func()) {
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				log.Error("unhandled panic", slog.String("goroutine", name), slog.Any("panic", x))
				debug.PrintStack()
				metrics.PanicInc(pkg)
			}
		}()
		fn()
	}()
}

// ErrShutdown is returned by operations refused because of shutdown.
var ErrShutdown = fmt.Errorf("shutting down")
