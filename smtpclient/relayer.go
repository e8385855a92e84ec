package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloudmailing/cm/cm-"
	"github.com/cloudmailing/cm/dns"
	"github.com/cloudmailing/cm/metrics"
	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/smtp"
)

var (
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_delivery_total",
			Help: "Message deliveries by result.",
		},
		[]string{
			"result", // ok, temperror, permerror, aborted
		},
	)
	metricDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cm_delivery_duration_seconds",
			Help:    "Duration of a message transaction, from MAIL FROM until the DATA response.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
	)
)

// ErrRelayerClosed is returned for messages added after Close, or after the
// connection was lost.
var ErrRelayerClosed = errors.New("relayer closed")

// RelayerOpts configure a Relayer.
type RelayerOpts struct {
	EHLO       dns.Domain
	Attempts   int           // Connection attempts, default 1.
	Backoff    time.Duration // Initial wait between connection attempts, default 1s.
	TLSMode    TLSMode       // Default TLSOpportunistic.
	VerifyPKIX bool
	Auth       sasl.Client
	Timeout    time.Duration // Session timeout for each read and write, default 60s.
}

// Result is the outcome of delivering a message.
type Result struct {
	// Per recipient outcome, in the order of the recipients passed to Send. Nil
	// when the transaction failed before recipients were accepted or rejected, in
	// which case ConnLevel is set.
	Recipients []RecipientResult

	// Whether Code, Secode and Line apply to all recipients.
	ConnLevel bool

	// Response to the DATA command, or the error response that ended the
	// transaction. Code is 0 for i/o errors.
	Code   int
	Secode string
	Line   string
	Err    error

	// Protocol transcript, only set when delivery failed for one or more recipients.
	Log string
}

// RecipientResult is the response to RCPT TO for a recipient, or to DATA when
// the recipient was accepted.
type RecipientResult struct {
	Rcpt   string
	Code   int
	Secode string
	Line   string
}

// EnhancedCode returns the full enhanced status code, e.g. "5.1.1", or the empty
// string if the server did not send one.
func EnhancedCode(code int, secode string) string {
	if secode == "" || code < 200 {
		return ""
	}
	return fmt.Sprintf("%d.%s", code/100, secode)
}

// Status returns the reply for rcpt.
func (r Result) Status(rcpt string) (code int, enhancedCode, text string) {
	if !r.ConnLevel {
		for _, rr := range r.Recipients {
			if rr.Rcpt == rcpt {
				return rr.Code, EnhancedCode(rr.Code, rr.Secode), ReplyText(rr.Line)
			}
		}
	}
	text = ReplyText(r.Line)
	if text == "" && r.Err != nil {
		text = r.Err.Error()
	}
	return r.Code, EnhancedCode(r.Code, r.Secode), text
}

type delivery struct {
	from   string
	to     []string
	path   string
	result chan Result
}

// Relayer delivers messages over a single SMTP connection, in the order they
// were added with Send. When the connection is lost, pending messages fail with
// a connection level result without code.
type Relayer struct {
	Host string
	IP   net.IP // Remote IP of the connection.

	log    mlog.Log
	client *Client
	conn   net.Conn

	mu      sync.Mutex
	fifo    []*delivery
	closing bool
	broken  error // Set when the connection is no longer usable.
	wake    chan struct{}
	done    chan struct{}
}

// Connect dials host and initializes an SMTP session, returning a relayer that
// delivers messages added with Send until Close is called or ctx is canceled.
func Connect(ctx context.Context, elog *slog.Logger, dialer Dialer, host string, port int, opts RelayerOpts) (*Relayer, error) {
	log := mlog.New("smtpclient", elog).With(slog.String("host", host))
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.TLSMode == "" {
		opts.TLSMode = TLSOpportunistic
	}

	conn, ip, err := Dial(ctx, log, dialer, host, port, opts.Attempts, opts.Backoff)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	cm.Connections.Register(conn, "smtp", "relayer")

	remoteHostname, err := dns.ParseDomain(strings.TrimSuffix(host, "."))
	if err != nil {
		remoteHostname = dns.Domain{ASCII: host}
	}
	client, err := New(ctx, log.Logger, conn, opts.TLSMode, opts.VerifyPKIX, opts.EHLO, remoteHostname, Opts{Auth: opts.Auth, Timeout: opts.Timeout})
	if err != nil {
		cm.Connections.Unregister(conn)
		conn.Close()
		return nil, err
	}

	r := &Relayer{
		Host:   host,
		IP:     ip,
		log:    log,
		client: client,
		conn:   conn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	cm.Go(log, metrics.Relayer, "relayer", func() { r.run(ctx) })
	return r, nil
}

// Send adds a message to the FIFO. The message is read from the file at path
// when its turn comes. The returned channel receives exactly one result.
func (r *Relayer) Send(from string, to []string, path string) <-chan Result {
	d := &delivery{from, to, path, make(chan Result, 1)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing || r.broken != nil {
		err := r.broken
		if err == nil {
			err = ErrRelayerClosed
		}
		d.result <- Result{ConnLevel: true, Err: err}
		return d.result
	}
	r.fifo = append(r.fifo, d)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return d.result
}

// Pending returns the number of messages waiting for delivery, excluding a
// message in transaction.
func (r *Relayer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fifo)
}

// Close waits for the pending messages to be delivered, then sends QUIT and
// closes the connection.
func (r *Relayer) Close() {
	r.mu.Lock()
	r.closing = true
	select {
	case r.wake <- struct{}{}:
	default:
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Relayer) next() (*delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fifo) == 0 {
		return nil, r.closing
	}
	d := r.fifo[0]
	r.fifo = r.fifo[1:]
	return d, false
}

func (r *Relayer) run(ctx context.Context) {
	defer close(r.done)
	defer func() {
		if err := r.client.Close(); err != nil && !errors.Is(err, ErrClosed) {
			r.log.Debugx("closing smtp client", err)
		}
		cm.Connections.Unregister(r.conn)
	}()

	for {
		d, stop := r.next()
		if stop {
			return
		}
		if d == nil {
			select {
			case <-r.wake:
				continue
			case <-ctx.Done():
				r.fail(ctx.Err())
				return
			}
		}

		result := r.deliver(ctx, d)
		d.result <- result
		if r.client.Botched() {
			r.log.Debug("connection botched, failing pending messages", slog.Int("pending", r.Pending()))
			err := result.Err
			if err == nil {
				err = ErrBotched
			}
			r.fail(err)
			return
		}
	}
}

// fail marks the relayer broken and fails all pending messages.
func (r *Relayer) fail(err error) {
	r.mu.Lock()
	r.broken = err
	l := r.fifo
	r.fifo = nil
	r.mu.Unlock()

	for _, d := range l {
		d.result <- Result{ConnLevel: true, Err: err}
	}
}

func (r *Relayer) deliver(ctx context.Context, d *delivery) Result {
	log := r.log.With(slog.Any("to", d.to))

	f, err := os.Open(d.path)
	if err != nil {
		// The customized message is removed when its mailing is closed.
		log.Infox("opening customized message, aborting delivery", err, slog.String("path", d.path))
		metricDelivery.WithLabelValues("aborted").Inc()
		return Result{
			ConnLevel: true,
			Code:      smtp.C471SendingAborted,
			Line:      "471 Sending aborted. Mailing stopped.",
			Err:       err,
		}
	}
	defer func() {
		err := f.Close()
		log.Check(err, "closing customized message")
	}()
	var size int64
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}

	t0 := time.Now()
	resps, err := r.client.DeliverMultiple(ctx, d.from, d.to, size, f)
	metricDeliveryDuration.Observe(float64(time.Since(t0)) / float64(time.Second))

	var result Result
	var cerr Error
	if err != nil && !errors.Is(err, errNoRecipients) {
		// Failure for the whole transaction.
		result.ConnLevel = true
		if errors.As(err, &cerr) {
			result.Code = cerr.Code
			result.Secode = cerr.Secode
			result.Line = cerr.Line
		}
		result.Err = err
	} else {
		if errors.As(err, &cerr) {
			result.Code = cerr.Code
			result.Secode = cerr.Secode
			result.Line = cerr.Line
			result.Err = err
		} else {
			result.Code = smtp.C250Completed
		}
		result.Recipients = make([]RecipientResult, len(d.to))
		for i, rcpt := range d.to {
			rr := RecipientResult{Rcpt: rcpt}
			if i < len(resps) {
				rr.Code = resps[i].Code
				rr.Secode = resps[i].Secode
				rr.Line = resps[i].Line
			}
			result.Recipients[i] = rr
		}
	}

	failed := result.ConnLevel && result.Code/100 != 2
	for _, rr := range result.Recipients {
		if rr.Code/100 != 2 {
			failed = true
		}
	}
	transcript := r.client.Transcript()
	switch {
	case !failed:
		metricDelivery.WithLabelValues("ok").Inc()
	case result.Code >= 500:
		metricDelivery.WithLabelValues("permerror").Inc()
	default:
		metricDelivery.WithLabelValues("temperror").Inc()
	}
	if failed {
		result.Log = transcript
		log.Debugx("delivery failed", result.Err, slog.Int("code", result.Code), slog.String("secode", result.Secode))
	} else {
		log.Debug("delivered message")
	}
	return result
}
