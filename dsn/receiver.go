package dsn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloudmailing/cm/cm-"
	"github.com/cloudmailing/cm/dns"
	"github.com/cloudmailing/cm/metrics"
	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/ratelimit"
	cmsmtp "github.com/cloudmailing/cm/smtp"
	"github.com/cloudmailing/cm/store"
)

var (
	metricReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_dsn_received_total",
			Help: "Delivery status notifications received, by action.",
		},
		[]string{
			"action", // failed, delayed, delivered, relayed, expanded, invalid, ratelimited
		},
	)
	metricBounced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cm_dsn_recipients_failed_total",
			Help: "Recipients set to error because of a DSN.",
		},
	)
)

// MaxMessageSize is the maximum size of a DSN message.
const MaxMessageSize = 10 * 1024 * 1024

var errConnectionRate = &smtp.SMTPError{Code: 421, EnhancedCode: smtp.EnhancedCode{4, 7, 0}, Message: "too many connections, try again later"}

var errUnknownAddress = &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such bounce address"}

// Apply records a DSN for the recipient of a mailing with tracking id. For a
// failed action, the recipient is set to error, and the counters of the
// mailing adjusted for its previous status. Recipients already failed are not
// changed. It returns whether the recipient changed.
func Apply(ctx context.Context, db *bstore.DB, mailingID int64, trackingID string, m *Message, raw []byte) (bool, error) {
	rcpt := m.Recipient()
	var changed bool
	err := db.Write(ctx, func(tx *bstore.Tx) error {
		changed = false
		rec := store.DSNRecord{MailingID: mailingID, TrackingID: trackingID, Action: string(rcpt.Action), Status: rcpt.Status, Received: time.Now()}
		if err := tx.Insert(&rec); err != nil {
			return fmt.Errorf("insert dsn record: %w", err)
		}
		if rcpt.Action != Failed {
			return nil
		}

		r, err := bstore.QueryTx[store.Recipient](tx).FilterNonzero(store.Recipient{MailingID: mailingID, TrackingID: trackingID}).Get()
		if err == bstore.ErrAbsent {
			return store.ErrRecipientAbsent
		} else if err != nil {
			return fmt.Errorf("get recipient: %w", err)
		}
		var c store.Counters
		switch r.SendStatus {
		case store.StatusFinished:
			c = store.Counters{Sent: -1, Error: 1}
		case store.StatusReady, store.StatusWarning, store.StatusInProgress:
			c = store.Counters{Pending: -1, Error: 1}
			if r.SendStatus == store.StatusWarning {
				c.Softbounce = -1
			}
		default:
			r.DSN = string(raw)
			r.Modified = time.Now()
			return tx.Update(&r)
		}
		r.SendStatus = store.StatusError
		r.ReplyCode = cmsmtp.C550MailboxUnavail
		r.ReplyEnhancedCode = rcpt.Status
		r.ReplyText = rcpt.DiagnosticCode
		r.DSN = string(raw)
		r.InProgress = false
		r.Modified = time.Now()
		if err := tx.Update(&r); err != nil {
			return fmt.Errorf("update recipient: %w", err)
		}
		if err := store.IncMailingCounters(tx, mailingID, c); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if errors.Is(err, store.ErrRecipientAbsent) {
		// The DSN record was rolled back with the transaction, store it on its own.
		rec := store.DSNRecord{MailingID: mailingID, TrackingID: trackingID, Action: string(rcpt.Action), Status: rcpt.Status, Received: time.Now()}
		if xerr := db.Insert(ctx, &rec); xerr != nil {
			return false, fmt.Errorf("insert dsn record: %w", xerr)
		}
	}
	if changed {
		metricBounced.Inc()
	}
	return changed, err
}

// Server receives DSNs over SMTP, for bounce addresses of the form
// <mailingid>-<trackingid>@<domain>.
type Server struct {
	Host string
	Port int

	// Connections per remote IP and subnet.
	ConnectionRate *ratelimit.Limiter

	db     *bstore.DB
	domain dns.Domain
	log    mlog.Log
	ctx    context.Context
	srv    *smtp.Server
	done   chan struct{}
}

// Listen starts an SMTP server for DSNs on address. If domain is not zero,
// only bounce addresses in that domain are accepted. The server stops when
// ctx is done, or on Close.
func Listen(ctx context.Context, elog *slog.Logger, db *bstore.DB, address string, hostname, domain dns.Domain) (*Server, error) {
	log := mlog.New("dsn", elog)
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen for dsn: %w", err)
	}
	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, err
	}
	s := &Server{Host: host, db: db, domain: domain, log: log, ctx: ctx, done: make(chan struct{})}
	s.Port, _ = strconv.Atoi(port)

	s.ConnectionRate = &ratelimit.Limiter{
		Windows: []ratelimit.Window{
			{Duration: time.Minute, Limits: [...]int64{300, 600, 1200}},
			{Duration: time.Hour, Limits: [...]int64{6000, 12000, 24000}},
		},
	}

	s.srv = smtp.NewServer(smtp.BackendFunc(func(c *smtp.Conn) (smtp.Session, error) {
		cid := cm.Cid()
		remote := ""
		if c.Conn() != nil {
			remote = c.Conn().RemoteAddr().String()
		}
		if !s.ConnectionRate.Add(ratelimit.IP(remote), time.Now(), 1) {
			metricReceived.WithLabelValues("ratelimited").Inc()
			log.Debug("connection rate limited", slog.String("remote", remote))
			return nil, errConnectionRate
		}
		return &session{s: s, log: log.WithCid(cid).With(slog.String("remote", remote))}, nil
	}))
	s.srv.Domain = hostname.ASCII
	if s.srv.Domain == "" {
		s.srv.Domain = "localhost"
	}
	s.srv.ReadTimeout = 5 * time.Minute
	s.srv.WriteTimeout = time.Minute
	s.srv.MaxMessageBytes = MaxMessageSize
	s.srv.MaxRecipients = 100

	cm.Go(log, metrics.DSN, "dsnserve", func() {
		defer close(s.done)
		err := s.srv.Serve(ln)
		if err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			log.Errorx("dsn smtp server", err)
		}
	})
	cm.Go(log, metrics.DSN, "dsnshutdown", func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	})
	log.Print("listening for dsns", slog.String("address", ln.Addr().String()))
	return s, nil
}

// Close stops the server.
func (s *Server) Close() {
	err := s.srv.Close()
	if err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		s.log.Debugx("closing dsn smtp server", err)
	}
	<-s.done
}

type bounceRecipient struct {
	mailingID  int64
	trackingID string
}

type session struct {
	s     *Server
	log   mlog.Log
	from  string
	rcpts []bounceRecipient
}

func (ss *session) Mail(from string, opts *smtp.MailOptions) error {
	ss.from = from
	return nil
}

func (ss *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	addr, err := cmsmtp.ParseAddress(to)
	if err != nil {
		ss.log.Debugx("bad recipient address", err, slog.String("to", to))
		return errUnknownAddress
	}
	if !ss.s.domain.IsZero() && !strings.EqualFold(addr.Domain.ASCII, ss.s.domain.ASCII) {
		ss.log.Debug("recipient not in bounce domain", slog.String("to", to))
		return errUnknownAddress
	}
	mailingID, trackingID, err := cmsmtp.ParseBounceLocalpart(addr.Localpart)
	if err != nil {
		ss.log.Debugx("recipient not a bounce address", err, slog.String("to", to))
		return errUnknownAddress
	}
	ss.rcpts = append(ss.rcpts, bounceRecipient{mailingID, trackingID})
	return nil
}

func (ss *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m, err := Parse(bytes.NewReader(buf))
	if err != nil {
		// Not a DSN, e.g. an autoreply. Accepted and dropped.
		metricReceived.WithLabelValues("invalid").Inc()
		ss.log.Infox("message to bounce address is not a dsn, dropping", err, slog.String("from", ss.from))
		return nil
	}
	rcpt := m.Recipient()
	metricReceived.WithLabelValues(string(rcpt.Action)).Inc()
	for _, br := range ss.rcpts {
		log := ss.log.With(slog.Int64("mailing", br.mailingID), slog.String("trackingid", br.trackingID), slog.Any("action", rcpt.Action), slog.String("status", rcpt.Status))
		changed, err := Apply(ss.s.ctx, ss.s.db, br.mailingID, br.trackingID, m, buf)
		if errors.Is(err, store.ErrRecipientAbsent) {
			log.Info("dsn for unknown recipient")
		} else if err != nil {
			log.Errorx("applying dsn", err)
			return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "error processing dsn, try again later"}
		} else {
			log.Info("dsn received", slog.String("finalrecipient", rcpt.FinalRecipient), slog.Bool("changed", changed))
		}
	}
	return nil
}

func (ss *session) Reset() {
	ss.from = ""
	ss.rcpts = nil
}

func (ss *session) Logout() error {
	return nil
}
