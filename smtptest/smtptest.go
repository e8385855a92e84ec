// Package smtptest runs an SMTP server that stores the messages it receives,
// for tests and as delivery target for mailings in testing mode.
package smtptest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/cloudmailing/cm/mlog"
)

var pkglog = mlog.New("smtptest", nil)

// Message is a received message.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Server is a running SMTP server.
type Server struct {
	Host string
	Port int

	// If set, called for each RCPT TO. A non-nil error rejects the recipient.
	// Typically an *smtp.SMTPError.
	Rcpt func(to string) error

	// If set, called at the end of DATA. A non-nil error rejects the message.
	Data func(m Message) error

	// Whether received messages are kept, for Messages. Default true for
	// Start.
	Keep bool

	log  mlog.Log
	srv  *smtp.Server
	ln   net.Listener
	done chan struct{}

	sync.Mutex
	msgs []Message
}

// Start listens on a random port on localhost.
func Start() (*Server, error) {
	return Listen(pkglog, "127.0.0.1:0", true)
}

// Listen starts a server on address.
func Listen(log mlog.Log, address string, keep bool) (*Server, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, err
	}
	s := &Server{Host: host, Keep: keep, log: log, ln: ln, done: make(chan struct{})}
	s.Port, _ = strconv.Atoi(port)

	s.srv = smtp.NewServer(smtp.BackendFunc(func(c *smtp.Conn) (smtp.Session, error) {
		return &session{s: s}, nil
	}))
	s.srv.Domain = "smtptest.localhost"
	s.srv.ReadTimeout = 30 * time.Second
	s.srv.WriteTimeout = 30 * time.Second
	s.srv.MaxMessageBytes = 50 * 1024 * 1024
	s.srv.AllowInsecureAuth = true

	go func() {
		defer close(s.done)
		err := s.srv.Serve(ln)
		if err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			log.Errorx("smtp test server", err)
		}
	}()
	log.Debug("test smtp server listening", slog.String("address", ln.Addr().String()))
	return s, nil
}

// Messages returns the messages received so far.
func (s *Server) Messages() []Message {
	s.Lock()
	defer s.Unlock()
	return append([]Message{}, s.msgs...)
}

// Close stops the server.
func (s *Server) Close() {
	err := s.srv.Close()
	if err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		s.log.Debugx("closing test smtp server", err)
	}
	<-s.done
}

// Shutdown stops accepting connections and waits for sessions to end, or ctx to
// be done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type session struct {
	s    *Server
	from string
	to   []string
}

func (ss *session) Mail(from string, opts *smtp.MailOptions) error {
	ss.from = from
	ss.to = nil
	return nil
}

func (ss *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if ss.s.Rcpt != nil {
		if err := ss.s.Rcpt(to); err != nil {
			return err
		}
	}
	ss.to = append(ss.to, to)
	return nil
}

func (ss *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m := Message{ss.from, ss.to, buf}
	if ss.s.Data != nil {
		if err := ss.s.Data(m); err != nil {
			return err
		}
	}
	ss.s.log.Debug("test smtp server received message", slog.String("from", m.From), slog.Any("to", m.To), slog.Int("size", len(buf)))
	if ss.s.Keep {
		ss.s.Lock()
		ss.s.msgs = append(ss.s.msgs, m)
		ss.s.Unlock()
	}
	return nil
}

func (ss *session) Reset() {
	ss.from = ""
	ss.to = nil
}

func (ss *session) Logout() error {
	return nil
}
