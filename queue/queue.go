// Package queue delivers the messages of a batch of recipients in a single
// destination domain: it looks up the mail servers, customizes the messages,
// sends them over one SMTP connection, and reports the outcome per recipient.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloudmailing/cm/cmio"
	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/customize"
	"github.com/cloudmailing/cm/dns"
	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/mx"
	"github.com/cloudmailing/cm/smtp"
	"github.com/cloudmailing/cm/smtpclient"
	"github.com/cloudmailing/cm/store"
)

var (
	metricQueue = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_queue_total",
			Help: "Domain queues run, by result.",
		},
		[]string{
			"result", // ok, dnserror, connecterror, nomessages, rejected
		},
	)
	metricQueueDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cm_queue_duration_seconds",
			Help:    "Duration of a domain queue run, from MX lookup until all messages were handled.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
)

var (
	errRejected   = errors.New("domain rejected by its score")
	errNoMessages = errors.New("no messages to deliver, all customizations failed")
)

// Mode is the way messages are delivered.
type Mode string

const (
	ModeDirect    Mode = "direct"    // To the MX hosts of the recipient domain.
	ModeProvider  Mode = "provider"  // Through a configured server.
	ModeSmarthost Mode = "smarthost" // Same as provider.
)

// Server is the delivery configuration of a queue.
type Server struct {
	Mode Mode

	// For direct mode.
	Port       int // Default 25.
	RequireTLS bool

	// For provider and smarthost modes.
	Host      string
	TLS       bool // Immediate TLS, instead of STARTTLS.
	STARTTLS  bool // Require STARTTLS.
	Username  string
	Password  string
	Mechanism string // PLAIN (default) or LOGIN.
}

// ServerFromConfig returns the server configuration for the SendMail
// configuration.
func ServerFromConfig(sm config.SendMail, p *config.SendMailProvider) Server {
	s := Server{Mode: Mode(sm.Method), Port: config.Port(sm.Port, 25), RequireTLS: sm.RequireTLS}
	if s.Mode == "" {
		s.Mode = ModeDirect
	}
	if s.Mode != ModeDirect && p != nil {
		s.Host = p.Host
		s.TLS = p.TLS
		s.STARTTLS = p.STARTTLS
		s.Username = p.Username
		s.Password = p.Password
		s.Mechanism = p.Mechanism
		if p.TLS {
			s.Port = config.Port(p.Port, 465)
		} else {
			s.Port = config.Port(p.Port, 587)
		}
	}
	return s
}

func (s Server) relayed() bool {
	return s.Mode == ModeProvider || s.Mode == ModeSmarthost
}

func (s Server) auth() sasl.Client {
	if !s.relayed() || s.Username == "" {
		return nil
	}
	if s.Mechanism == "LOGIN" {
		return sasl.NewLoginClient(s.Username, s.Password)
	}
	return sasl.NewPlainClient("", s.Username, s.Password)
}

func (s Server) tlsMode() smtpclient.TLSMode {
	switch {
	case s.relayed() && s.TLS:
		return smtpclient.TLSImmediate
	case s.relayed() && s.STARTTLS, !s.relayed() && s.RequireTLS:
		return smtpclient.TLSRequiredStartTLS
	}
	return smtpclient.TLSOpportunistic
}

// Mailing is a mailing with messages in the queue.
type Mailing struct {
	customize.Mailing
	Backup bool // Keep delivered messages, for retrieval by the master.
}

// Recipient is a recipient in the queue.
type Recipient struct {
	ID         int64
	TrackingID string
	Email      string
	TryCount   int // Including the current attempt.
	Contact    map[string]any
	Mailing    *Mailing
}

// Outcome is the result of the delivery attempt for a recipient.
type Outcome struct {
	RecipientID  int64
	Status       store.SendStatus // FINISHED, WARNING, ERROR or GENERAL_ERROR.
	Code         int
	EnhancedCode string
	Text         string
	Log          string    // SMTP transcript, for failures.
	NextTry      time.Time // For WARNING.
	IP           string    // Of the mail server, if connected.
}

// Env holds the dependencies shared by all queues of a satellite.
type Env struct {
	Log        *slog.Logger
	DB         *bstore.DB // With DomainStats.
	MX         mx.Interface
	Customizer *customize.Customizer

	// Limits concurrent customizations over all queues.
	CustomizePool *cmio.Pool

	Dialer   smtpclient.Dialer // Nil for a net.Dialer.
	EHLO     dns.Domain
	Attempts int           // Connection attempts per host.
	Timeout  time.Duration // SMTP session timeout.
	Testing  *config.Testing
	Notation []config.NotationStep

	// Directory delivered messages are moved to for mailings with backup.
	BackupDir string

	// Report is called once for each recipient of a queue.
	Report func(ctx context.Context, o Outcome) error

	Now func() time.Time
}

func (env *Env) now() time.Time {
	if env.Now != nil {
		return env.Now()
	}
	return time.Now()
}

// Queue is a batch of recipients in a domain, delivered over a single
// connection.
type Queue struct {
	ID         int64
	Domain     string
	Recipients []Recipient
	Server     Server
	Testing    bool // Deliver to the fake SMTP server from the testing configuration.
	Env        *Env
}

// Run delivers the messages. Every recipient gets exactly one outcome through
// Env.Report, also when an error is returned for the queue as a whole.
func (q *Queue) Run(ctx context.Context) (rerr error) {
	t0 := time.Now()
	log := mlog.New("queue", q.Env.Log).WithContext(ctx).With(slog.Int64("queue", q.ID), slog.String("domain", q.Domain))
	o := &outcomes{
		q:    q,
		log:  log,
		ctx:  context.WithoutCancel(ctx),
		done: map[int64]bool{},
	}

	result := "ok"
	defer func() {
		// Recipients not handled, e.g. because of cancelation, are retried.
		for _, r := range q.Recipients {
			if !o.done[r.ID] {
				o.retry(r, 0, "", "delivery aborted", "", false)
			}
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, errRejected):
			result = "rejected"
		case errors.Is(rerr, errNoMessages):
			result = "nomessages"
		}
		metricQueue.WithLabelValues(result).Inc()
		metricQueueDuration.Observe(float64(time.Since(t0)) / float64(time.Second))
		log.Debugx("queue finished", rerr, slog.Duration("duration", time.Since(t0)))
	}()

	if limit, err := Limit(ctx, q.Env.DB, q.Domain, q.Env.Notation, q.Env.now()); err != nil {
		log.Errorx("checking domain score, continuing", err)
	} else if limit == 0 {
		log.Info("domain score too low, rejecting recipients")
		for _, r := range q.Recipients {
			o.report(r, Outcome{Status: store.StatusError, Code: smtp.C554TransactionFailed, Text: "domain rejected, too many delivery failures"})
		}
		return errRejected
	}

	hosts, port, err := q.hosts(ctx, log, o)
	if err != nil {
		result = "dnserror"
		return err
	}

	ready := q.customize(ctx, log, o)
	if len(ready) == 0 {
		log.Error("all customizations failed, nothing to deliver")
		return errNoMessages
	}

	relayer, err := q.connect(ctx, log, hosts, port)
	if err != nil {
		result = "connecterror"
		for _, m := range ready {
			o.retry(m.r, 0, "", err.Error(), "", true)
		}
		return err
	}

	results := make([]<-chan smtpclient.Result, len(ready))
	for i, m := range ready {
		results[i] = relayer.Send(m.from, []string{m.r.Email}, m.path)
	}
	for i, m := range ready {
		res := <-results[i]
		o.delivered(m, res, relayer.IP)
	}
	relayer.Close()
	return nil
}

// hosts returns the hosts to connect to, in order.
func (q *Queue) hosts(ctx context.Context, log mlog.Log, o *outcomes) ([]string, int, error) {
	if q.Testing {
		host, port := "localhost", 2525
		if t := q.Env.Testing; t != nil {
			if t.FakeSMTPHost != "" {
				host = t.FakeSMTPHost
			}
			port = config.Port(t.FakeSMTPPort, port)
		}
		return []string{host}, port, nil
	}
	if q.Server.relayed() {
		return []string{q.Server.Host}, q.Server.Port, nil
	}

	log.Debug("looking up mx hosts")
	mxs, err := q.Env.MX.Resolve(ctx, q.Domain)
	if err != nil {
		return nil, 0, o.dnsError(err)
	}
	if err := AddDNSSuccess(ctx, q.Env.DB, q.Domain); err != nil {
		log.Errorx("updating domain stats", err)
	}
	hosts := make([]string, len(mxs))
	for i, h := range mxs {
		hosts[i] = h.Name
	}
	log.Debug("mx hosts", slog.Any("hosts", hosts))
	return hosts, config.Port(q.Server.Port, 25), nil
}

type message struct {
	r    Recipient
	from string
	path string
}

// customize renders the messages, in the order of the recipients. Failed
// customizations get their outcome reported.
func (q *Queue) customize(ctx context.Context, log mlog.Log, o *outcomes) []message {
	var ready []message
	t0 := time.Now()

	procs := 1
	if q.Env.CustomizePool != nil {
		procs = min(q.Env.CustomizePool.Size(), len(q.Recipients))
	}
	prepare := func(r Recipient) (string, error) {
		cr := customize.Recipient{
			ID:         r.ID,
			TrackingID: r.TrackingID,
			Email:      r.Email,
			DomainName: q.Domain,
			Contact:    r.Contact,
		}
		var path string
		fn := func() error {
			var err error
			_, path, err = q.Env.Customizer.Customize(ctx, cr, &r.Mailing.Mailing)
			return err
		}
		if q.Env.CustomizePool == nil {
			return path, fn()
		}
		err := q.Env.CustomizePool.Do(ctx, fn)
		return path, err
	}
	process := func(r Recipient, path string, err error) error {
		if err != nil {
			o.customizeFailed(r, err)
			return nil
		}
		ready = append(ready, message{r, envelopeFrom(r), path})
		return nil
	}
	wq := cmio.NewWorkQueue[Recipient, string](max(procs, 1), 2*max(procs, 1), prepare, process)
	defer wq.Stop()

	for _, r := range q.Recipients {
		if r.Mailing == nil {
			log.Info("mailing of recipient unknown", slog.Int64("recipient", r.ID))
			o.report(r, Outcome{Status: store.StatusGeneralError, Text: "mailing not found"})
			continue
		}
		if err := wq.Add(r); err != nil {
			log.Errorx("adding customization", err)
		}
	}
	if err := wq.Finish(); err != nil {
		log.Errorx("finishing customizations", err)
	}
	log.Debug("customization finished", slog.Int("messages", len(ready)), slog.Duration("duration", time.Since(t0)))
	return ready
}

// envelopeFrom returns the MAIL FROM address for r: a bounce address if the
// mailing has a return path domain.
func envelopeFrom(r Recipient) string {
	m := r.Mailing
	if m.ReturnPathDomain != "" {
		if d, err := dns.ParseDomain(m.ReturnPathDomain); err == nil {
			return smtp.BounceAddress(m.ID, r.TrackingID, d).Pack()
		}
	}
	return m.MailFrom
}

// connect connects to the first host that accepts a connection. Hosts that
// fail are marked bad.
func (q *Queue) connect(ctx context.Context, log mlog.Log, hosts []string, port int) (*smtpclient.Relayer, error) {
	opts := smtpclient.RelayerOpts{
		EHLO:       q.Env.EHLO,
		Attempts:   q.Env.Attempts,
		TLSMode:    q.Server.tlsMode(),
		VerifyPKIX: q.Server.relayed() && (q.Server.TLS || q.Server.STARTTLS),
		Auth:       q.Server.auth(),
		Timeout:    q.Env.Timeout,
	}
	if q.Testing {
		opts.TLSMode = smtpclient.TLSSkip
		opts.VerifyPKIX = false
		opts.Auth = nil
	}
	direct := !q.Testing && !q.Server.relayed()

	var lastErr error
	for _, h := range hosts {
		relayer, err := smtpclient.Connect(ctx, q.Env.Log, q.Env.Dialer, h, port, opts)
		if err == nil {
			if direct {
				q.Env.MX.MarkGood(h)
			}
			log.Debug("connected", slog.String("host", h), slog.Any("ip", relayer.IP))
			return relayer, nil
		}
		log.Infox("connecting to mail server", err, slog.String("host", h), slog.Int("port", port))
		if direct {
			q.Env.MX.MarkBad(h)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no hosts")
	}
	return nil, fmt.Errorf("connecting to mail servers for %s: %w", q.Domain, lastErr)
}

// outcomes reports the outcome for recipients and keeps the domain stats.
type outcomes struct {
	q    *Queue
	log  mlog.Log
	ctx  context.Context // Not canceled, outcomes are stored during shutdown.
	done map[int64]bool
}

func (o *outcomes) report(r Recipient, out Outcome) {
	if o.done[r.ID] {
		o.log.Error("second outcome for recipient, ignoring", slog.Int64("recipient", r.ID), slog.Any("status", out.Status))
		return
	}
	o.done[r.ID] = true
	out.RecipientID = r.ID
	if o.q.Env.Report == nil {
		return
	}
	if err := o.q.Env.Report(o.ctx, out); err != nil {
		o.log.Errorx("storing recipient outcome", err, slog.Int64("recipient", r.ID))
	}
}

func (o *outcomes) stat(name string, fn func(ctx context.Context, db *bstore.DB, domain string) error) {
	if err := fn(o.ctx, o.q.Env.DB, o.q.Domain); err != nil {
		o.log.Errorx("updating domain stats", err, slog.String("stat", name))
	}
}

// retry reports a temporary failure, the recipient is tried again later.
func (o *outcomes) retry(r Recipient, code int, ecode, text, smtpLog string, countTry bool) {
	next := store.NextTry(r.TryCount, o.q.Env.now())
	o.log.Info("delivery failed temporarily", slog.String("email", r.Email), slog.Int("code", code), slog.String("text", text), slog.Time("nexttry", next))
	o.report(r, Outcome{Status: store.StatusWarning, Code: code, EnhancedCode: ecode, Text: text, Log: smtpLog, NextTry: next})
	if countTry {
		o.stat("try", AddTry)
	}
}

func (o *outcomes) customizeFailed(r Recipient, err error) {
	if errors.Is(err, customize.ErrSourceMissing) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		o.retry(r, 0, "", "message customization temporary error: "+err.Error(), "", false)
		return
	}
	o.log.Errorx("customizing message", err, slog.String("email", r.Email))
	o.report(r, Outcome{Status: store.StatusGeneralError, Text: err.Error()})
	o.stat("failed", AddFailed)
}

// dnsError reports the outcome for all recipients after a failed MX lookup.
func (o *outcomes) dnsError(err error) error {
	temporary, kind, text := classifyDNSError(err)
	o.log.Infox("mx lookup failed", err, slog.Bool("temporary", temporary), slog.String("kind", kind))
	metricDNSError.WithLabelValues(kind).Inc()

	var st DomainStats
	var serr error
	if temporary {
		st, serr = AddDNSTempError(o.ctx, o.q.Env.DB, o.q.Domain, kind)
	} else {
		st, serr = AddDNSFatalError(o.ctx, o.q.Env.DB, o.q.Domain, kind)
	}
	if serr != nil {
		o.log.Errorx("updating domain stats", serr)
	}

	for _, r := range o.q.Recipients {
		if temporary || st.DNSFatalErrors < MaxFatalDNSErrors {
			o.retry(r, 0, "", text, "", false)
		} else {
			o.log.Info("too many fatal dns errors for domain, failing recipient", slog.String("email", r.Email), slog.Int("errors", st.DNSFatalErrors))
			o.report(r, Outcome{Status: store.StatusError, Text: text})
		}
	}
	return fmt.Errorf("mx lookup for %s: %w", o.q.Domain, err)
}

// delivered handles the result of a delivery attempt.
func (o *outcomes) delivered(m message, res smtpclient.Result, ip net.IP) {
	code, ecode, text, ok := resultStatus(res, m.r.Email)
	var ipstr string
	if ip != nil {
		ipstr = ip.String()
	}
	log := o.log.With(slog.Int64("mailing", m.r.Mailing.ID), slog.String("from", m.from), slog.String("to", m.r.Email))

	switch {
	case ok:
		log.Info("message delivered")
		o.report(m.r, Outcome{Status: store.StatusFinished, Code: code, EnhancedCode: ecode, Text: text, IP: ipstr})
		o.stat("sent", AddSent)
		o.keepOrRemove(m)
	case code < 500:
		log.Info("message delivery failed temporarily", slog.Int("code", code), slog.String("text", text))
		next := store.NextTry(m.r.TryCount, o.q.Env.now())
		o.report(m.r, Outcome{Status: store.StatusWarning, Code: code, EnhancedCode: ecode, Text: text, Log: res.Log, NextTry: next, IP: ipstr})
		o.stat("try", AddTry)
	default:
		log.Info("message delivery failed permanently", slog.Int("code", code), slog.String("text", text))
		o.report(m.r, Outcome{Status: store.StatusError, Code: code, EnhancedCode: ecode, Text: text, Log: res.Log, IP: ipstr})
		o.stat("failed", AddFailed)
		o.remove(m.path)
	}
}

// keepOrRemove moves a delivered message to the backup directory for mailings
// with backup, and removes it otherwise.
func (o *outcomes) keepOrRemove(m message) {
	if !m.r.Mailing.Backup || o.q.Env.BackupDir == "" {
		o.remove(m.path)
		return
	}
	os.MkdirAll(o.q.Env.BackupDir, 0770)
	dst := filepath.Join(o.q.Env.BackupDir, filepath.Base(m.path))
	if err := os.Rename(m.path, dst); err != nil {
		o.log.Errorx("moving delivered message to backup directory", err, slog.String("path", m.path))
	}
}

func (o *outcomes) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.log.Errorx("removing customized message", err, slog.String("path", path))
	}
}

// resultStatus returns the reply for rcpt, and whether the message was
// delivered. A recipient accepted with RCPT TO gets the reply to DATA.
func resultStatus(res smtpclient.Result, rcpt string) (code int, ecode, text string, ok bool) {
	code, ecode, text = res.Status(rcpt)
	if !res.ConnLevel && code/100 == 2 && res.Code/100 != 2 {
		code = res.Code
		ecode = smtpclient.EnhancedCode(res.Code, res.Secode)
		text = smtpclient.ReplyText(res.Line)
		if text == "" && res.Err != nil {
			text = res.Err.Error()
		}
	}
	if code/100 == 2 && res.Err == nil {
		return code, ecode, text, true
	}
	if code/100 == 2 {
		// Error without a reply, e.g. connection lost after RCPT TO.
		code = 0
	}
	return code, ecode, text, false
}
