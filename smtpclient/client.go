// Package smtpclient is an SMTP client for delivering customized messages to
// a mail server.
//
// A Client is a single SMTP session: it reads the greeting, identifies itself
// with EHLO (falling back to HELO), starts TLS with STARTTLS when the server
// supports it (or immediately, for smarthosts that require it), and
// authenticates when configured to. Messages are then delivered one at a time,
// each to one or more recipients, with a result for each recipient.
//
// A Relayer wraps a Client with a FIFO of messages, delivered in order over the
// same connection. Satellite domain queues use a Relayer per connection.
package smtpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloudmailing/cm/dns"
	"github.com/cloudmailing/cm/metrics"
	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/smtp"
)

var (
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cm_smtpclient_command_duration_seconds",
			Help:    "SMTP client command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"cmd",
			"code",
			"secode",
		},
	)
)

var (
	ErrStatus   = errors.New("remote smtp server sent unexpected response status code") // Relatively common, e.g. when a 250 OK was expected and server sent 451 temporary error.
	ErrProtocol = errors.New("smtp protocol error")                                     // After a malformed SMTP response or inconsistent multi-line response.
	ErrTLS      = errors.New("tls error")                                               // E.g. handshake failure.
	ErrAuth     = errors.New("authentication failed")
	ErrBotched  = errors.New("smtp connection is botched") // Set on a client, and returned for new operations, after an i/o error or malformed SMTP response.
	ErrClosed   = errors.New("client is closed")

	errNoRecipients = errors.New("no recipients accepted in transaction")
)

// TLSMode indicates if TLS must, should or must not be used.
type TLSMode string

const (
	// TLS immediately, directly starting TLS on the TCP connection, so not using
	// STARTTLS. Used for smarthosts on port 465.
	TLSImmediate TLSMode = "immediate"

	// Required TLS with STARTTLS. The STARTTLS command is always executed, even if
	// the server does not announce support.
	TLSRequiredStartTLS TLSMode = "requiredstarttls"

	// Use TLS with STARTTLS if remote claims to support it.
	TLSOpportunistic TLSMode = "opportunistic"

	// TLS must not be attempted.
	TLSSkip TLSMode = "skip"
)

// Client is an SMTP client that can deliver messages to a mail server.
//
// Use New to make a new client.
type Client struct {
	// OrigConn is the original (TCP) connection. We'll read from/write to conn, which
	// can be wrapped in a tls.Client. We close origConn instead of conn because
	// closing the TLS connection would send a TLS close notification, which may block
	// for 5s if the server isn't reading it.
	origConn       net.Conn
	conn           net.Conn
	tlsVerifyPKIX  bool
	remoteHostname dns.Domain
	tlsConfigOpts  *tls.Config
	timeout        time.Duration

	r          *bufio.Reader
	w          *bufio.Writer
	log        mlog.Log
	traceLevel slog.Level // For lines written, raised during authentication.
	transcript *transcript
	cmds       []string  // Last or active command, for generating errors and metrics.
	cmdStart   time.Time // Start of command.
	tls        bool      // Whether connection is TLS protected.

	botched  bool // If set, protocol is out of sync and no further commands can be sent.
	needRset bool // If set, a new delivery requires an RSET command.

	remoteHelo        string   // From 220 greeting line.
	extEcodes         bool     // Remote server supports sending extended error codes.
	extStartTLS       bool     // Remote server supports STARTTLS.
	ext8bitmime       bool     //
	extSize           bool     // Remote server supports SIZE parameter.
	maxSize           int64    // Max size of email message, if > 0.
	extAuthMechanisms []string // Supported authentication mechanisms.
}

// Error represents a failure to deliver a message.
//
// Code, Secode, Command and Line are only set for SMTP-level errors, and are zero
// values otherwise.
type Error struct {
	// Whether failure is permanent, typically because of 5xx response.
	Permanent bool
	// SMTP response status, e.g. 2xx for success, 4xx for transient error and 5xx for
	// permanent failure.
	Code int
	// Short enhanced status, minus first digit and dot. Can be empty, e.g. for io
	// errors or if remote does not send enhanced status codes. If remote responds with
	// "550 5.7.1 ...", the Secode will be "7.1".
	Secode string
	// SMTP command causing failure.
	Command string
	// For errors due to SMTP responses, the full SMTP line excluding CRLF that caused
	// the error. First line of a multi-line response.
	Line string
	// Optional additional lines in case of multi-line SMTP response.
	MoreLines []string
	// Underlying error, e.g. one of the Err variables in this package, or io errors.
	Err error
}

// Response is the reply to a command, e.g. a RCPT TO.
type Response Error

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// Opts influence behaviour of Client.
type Opts struct {
	// If non-nil, authentication is done after EHLO (and STARTTLS) with this SASL
	// client, e.g. sasl.NewPlainClient or sasl.NewLoginClient.
	Auth sasl.Client

	// If not nil, the TLS config to use instead of the default.
	TLSConfig *tls.Config

	// Timeout for reading a response and writing a command. Default 60 seconds.
	Timeout time.Duration
}

// New initializes an SMTP session on the given connection, returning a client that
// can be used to deliver messages.
//
// New optionally starts TLS immediately, reads the server greeting, identifies
// itself with a HELO or EHLO command, initializes TLS with STARTTLS if remote
// supports it and tlsMode allows it, and optionally authenticates. If successful,
// a client is returned on which eventually Close must be called. Otherwise an
// error is returned and the caller is responsible for closing the connection.
//
// If tlsVerifyPKIX is false, the TLS certificate of the remote is not verified,
// the default for opportunistic TLS when delivering to MX hosts.
func New(ctx context.Context, elog *slog.Logger, conn net.Conn, tlsMode TLSMode, tlsVerifyPKIX bool, ehloHostname, remoteHostname dns.Domain, opts Opts) (*Client, error) {
	c := &Client{
		origConn:       conn,
		tlsVerifyPKIX:  tlsVerifyPKIX,
		remoteHostname: remoteHostname,
		tlsConfigOpts:  opts.TLSConfig,
		timeout:        opts.Timeout,
		cmds:           []string{"(none)"},
		traceLevel:     mlog.LevelTrace,
		transcript:     &transcript{},
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	c.log = mlog.New("smtpclient", elog)

	if tlsMode == TLSImmediate {
		config := c.tlsConfig()
		tlsconn := tls.Client(conn, config)
		if err := tlsconn.HandshakeContext(ctx); err != nil {
			return nil, Error{Err: fmt.Errorf("%w: tls handshake: %s", ErrTLS, err)}
		}
		c.conn = tlsconn
		c.log.Debug("tls client handshake done", slog.Any("servername", remoteHostname))
		c.tls = true
	} else {
		c.conn = conn
	}

	c.r = bufio.NewReader(c.conn)
	c.w = bufio.NewWriter(timeoutWriter{c.conn, c.timeout, c.log})

	if err := c.hello(ctx, tlsMode, ehloHostname, opts.Auth); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) tlsConfig() *tls.Config {
	if c.tlsConfigOpts != nil {
		return c.tlsConfigOpts
	}
	return &tls.Config{
		ServerName:         c.remoteHostname.ASCII, // For SNI.
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !c.tlsVerifyPKIX,
	}
}

// xbotchf generates a temporary error and marks the client as botched. e.g. for
// i/o errors or invalid protocol messages.
func (c *Client) xbotchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) {
	panic(c.botchf(code, secode, firstLine, moreLines, format, args...))
}

// botchf generates a temporary error and marks the client as botched. e.g. for
// i/o errors or invalid protocol messages.
func (c *Client) botchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) error {
	c.botched = true
	return c.errorf(false, code, secode, firstLine, moreLines, format, args...)
}

func (c *Client) errorf(permanent bool, code int, secode, firstLine string, moreLines []string, format string, args ...any) error {
	var cmd string
	if len(c.cmds) > 0 {
		cmd = c.cmds[0]
	}
	return Error{permanent, code, secode, cmd, firstLine, moreLines, fmt.Errorf(format, args...)}
}

func (c *Client) xerrorf(permanent bool, code int, secode, firstLine string, moreLines []string, format string, args ...any) {
	panic(c.errorf(permanent, code, secode, firstLine, moreLines, format, args...))
}

// timeoutWriter passes each Write on to conn after setting a write deadline on conn based on
// timeout.
type timeoutWriter struct {
	conn    net.Conn
	timeout time.Duration
	log     mlog.Log
}

func (w timeoutWriter) Write(buf []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		w.log.Errorx("setting write deadline", err)
	}

	return w.conn.Write(buf)
}

func (c *Client) readline() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		c.log.Errorx("setting read deadline", err)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", c.botchf(0, "", "", nil, "%s: %w", strings.Join(c.cmds, ","), err)
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	c.log.Trace(mlog.LevelTrace, "RS: ", []byte(line))
	c.transcript.add("S: ", line)
	return line, nil
}

func (c *Client) xwritelinef(format string, args ...any) {
	c.xwriteline(fmt.Sprintf(format, args...))
}

func (c *Client) xwriteline(line string) {
	c.log.Trace(c.traceLevel, "LC: ", []byte(line))
	if c.traceLevel == mlog.LevelTraceauth {
		c.transcript.add("C: ", "***")
	} else {
		c.transcript.add("C: ", line)
	}
	if _, err := fmt.Fprintf(c.w, "%s\r\n", line); err != nil {
		c.xbotchf(0, "", "", nil, "write: %w", err)
	}
	c.xflush()
}

func (c *Client) xflush() {
	err := c.w.Flush()
	if err != nil {
		c.xbotchf(0, "", "", nil, "writes: %w", err)
	}
}

// read response, possibly multiline, with supporting extended codes based on configuration in client.
func (c *Client) xread() (code int, secode, firstLine string, moreLines []string) {
	var err error
	code, secode, _, firstLine, moreLines, _, err = c.readecode(c.extEcodes)
	if err != nil {
		panic(err)
	}
	return
}

// read response, possibly multiline.
// if ecodes, extended codes are parsed.
func (c *Client) readecode(ecodes bool) (code int, secode, lastText, firstLine string, moreLines, moreTexts []string, rerr error) {
	first := true
	for {
		co, sec, text, line, last, err := c.read1(ecodes)
		if first {
			firstLine = line
			first = false
		} else if line != "" {
			moreLines = append(moreLines, line)
			if text != "" {
				moreTexts = append(moreTexts, text)
			}
		}
		if err != nil {
			rerr = err
			return
		}
		if code != 0 && co != code {
			err := c.botchf(0, "", firstLine, moreLines, "%w: multiline response with different codes, previous %d, last %d", ErrProtocol, code, co)
			return 0, "", "", "", nil, nil, err
		}
		code = co
		if last {
			if code != smtp.C334ContinueAuth {
				cmd := ""
				if len(c.cmds) > 0 {
					cmd = c.cmds[0]
					// We only keep the last, so we're not creating new slices all the time.
					if len(c.cmds) > 1 {
						c.cmds = c.cmds[1:]
					}
				}
				metricCommands.WithLabelValues(cmd, fmt.Sprintf("%d", co), sec).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
				c.log.Debug("smtpclient command result",
					slog.String("cmd", cmd),
					slog.Int("code", co),
					slog.String("secode", sec),
					slog.Duration("duration", time.Since(c.cmdStart)))
			}
			return co, sec, text, firstLine, moreLines, moreTexts, nil
		}
	}
}

func (c *Client) xreadecode(ecodes bool) (code int, secode, lastText, firstLine string, moreLines, moreTexts []string) {
	var err error
	code, secode, lastText, firstLine, moreLines, moreTexts, err = c.readecode(ecodes)
	if err != nil {
		panic(err)
	}
	return
}

// read single response line.
// if ecodes, extended codes are parsed.
func (c *Client) read1(ecodes bool) (code int, secode, text, line string, last bool, rerr error) {
	line, rerr = c.readline()
	if rerr != nil {
		return
	}
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		rerr = c.botchf(0, "", line, nil, "%w: expected response code: %s", ErrProtocol, line)
		return
	}
	v, err := strconv.ParseInt(line[:i], 10, 32)
	if err != nil {
		rerr = c.botchf(0, "", line, nil, "%w: bad response code (%s): %s", ErrProtocol, err, line)
		return
	}
	code = int(v)
	major := code / 100
	s := line[3:]
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, " ") {
		last = s[0] == ' '
		s = s[1:]
	} else if s == "" {
		// Allow missing space.
		last = true
	} else {
		rerr = c.botchf(0, "", line, nil, "%w: expected space or dash after response code: %s", ErrProtocol, line)
		return
	}

	if ecodes {
		secode, s = parseEcode(major, s)
	}

	return code, secode, s, line, last, nil
}

func parseEcode(major int, s string) (secode string, remain string) {
	o := 0
	bad := false
	take := func(need bool, a, b byte) bool {
		if !bad && o < len(s) && s[o] >= a && s[o] <= b {
			o++
			return true
		}
		bad = bad || need
		return false
	}
	digit := func(need bool) bool {
		return take(need, '0', '9')
	}
	dot := func() bool {
		return take(true, '.', '.')
	}

	digit(true)
	dot()
	xo := o
	digit(true)
	for digit(false) {
	}
	dot()
	digit(true)
	for digit(false) {
	}
	secode = s[xo:o]
	take(false, ' ', ' ')
	if bad || int(s[0])-int('0') != major {
		return "", s
	}
	return secode, s[o:]
}

// ReplyText returns the text of a response line, without reply code and
// enhanced status code.
func ReplyText(line string) string {
	if len(line) < 3 {
		return line
	}
	s := strings.TrimLeft(line[3:], " -")
	if len(line) > 0 && line[0] >= '2' && line[0] <= '5' {
		if _, rem := parseEcode(int(line[0]-'0'), s); rem != s {
			return rem
		}
	}
	return s
}

func (c *Client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(Error)
	if !ok {
		metrics.PanicInc(metrics.Relayer)
		panic(x)
	}
	*rerr = cerr
}

func (c *Client) hello(ctx context.Context, tlsMode TLSMode, ehloHostname dns.Domain, auth sasl.Client) (rerr error) {
	defer c.recover(&rerr)

	// perform EHLO handshake, falling back to HELO if server does not appear to
	// implement EHLO.
	hello := func(heloOK bool) {
		c.cmds[0] = "ehlo"
		c.cmdStart = time.Now()
		c.xwritelinef("EHLO %s", ehloHostname.ASCII)
		code, _, _, firstLine, moreLines, moreTexts := c.xreadecode(false)
		switch code {
		case smtp.C500BadSyntax, smtp.C501BadParamSyntax, smtp.C502CmdNotImpl, smtp.C503BadCmdSeq:
			if !heloOK {
				c.xerrorf(true, code, "", firstLine, moreLines, "%w: remote claims ehlo is not supported", ErrProtocol)
			}
			c.cmds[0] = "helo"
			c.cmdStart = time.Now()
			c.xwritelinef("HELO %s", ehloHostname.ASCII)
			code, _, _, firstLine, _, _ = c.xreadecode(false)
			if code != smtp.C250Completed {
				c.xerrorf(code/100 == 5, code, "", firstLine, moreLines, "%w: expected 250 to HELO, got %d", ErrStatus, code)
			}
			return
		case smtp.C250Completed:
		default:
			c.xerrorf(code/100 == 5, code, "", firstLine, moreLines, "%w: expected 250, got %d", ErrStatus, code)
		}
		for _, s := range moreTexts {
			s = strings.ToUpper(strings.TrimSpace(s))
			switch s {
			case "STARTTLS":
				c.extStartTLS = true
			case "ENHANCEDSTATUSCODES":
				c.extEcodes = true
			case "8BITMIME":
				c.ext8bitmime = true
			default:
				if strings.HasPrefix(s, "SIZE ") {
					c.extSize = true
					if v, err := strconv.ParseInt(s[len("SIZE "):], 10, 64); err == nil {
						c.maxSize = v
					}
				} else if strings.HasPrefix(s, "AUTH ") || strings.HasPrefix(s, "AUTH=") {
					c.extAuthMechanisms = strings.Fields(s[len("AUTH "):])
				}
			}
		}
	}

	// Read greeting.
	c.cmds = []string{"(greeting)"}
	c.cmdStart = time.Now()
	code, _, _, firstLine, moreLines, _ := c.xreadecode(false)
	if code != smtp.C220ServiceReady {
		c.xerrorf(code/100 == 5, code, "", firstLine, moreLines, "%w: expected 220, got %d", ErrStatus, code)
	}
	_, c.remoteHelo, _ = strings.Cut(firstLine, " ")

	// Write EHLO, falling back to HELO if server doesn't appear to support it.
	hello(true)

	// Attempt TLS if remote understands STARTTLS and we aren't doing immediate TLS or if caller requires it.
	if c.extStartTLS && tlsMode == TLSOpportunistic || tlsMode == TLSRequiredStartTLS {
		c.log.Debug("starting tls client", slog.Any("tlsmode", tlsMode), slog.Any("servername", c.remoteHostname))
		c.cmds[0] = "starttls"
		c.cmdStart = time.Now()
		c.xwritelinef("STARTTLS")
		code, secode, firstLine, _ := c.xread()
		if code != smtp.C220ServiceReady {
			c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: STARTTLS: got %d, expected 220", ErrTLS, code)
		}
		if c.r.Buffered() > 0 {
			c.xbotchf(0, "", "", nil, "%w: remote sent data before tls handshake", ErrProtocol)
		}

		tlsConfig := c.tlsConfig()
		nconn := tls.Client(c.conn, tlsConfig)
		c.conn = nconn

		nctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		err := nconn.HandshakeContext(nctx)
		if err != nil {
			c.xbotchf(0, "", "", nil, "%w: STARTTLS TLS handshake: %s", ErrTLS, err)
		}
		cancel()
		c.r = bufio.NewReader(c.conn)
		c.w = bufio.NewWriter(timeoutWriter{c.conn, c.timeout, c.log})

		cs := nconn.ConnectionState()
		c.log.Debug("starttls client handshake done",
			slog.Any("tlsmode", tlsMode),
			slog.Bool("verifypkix", c.tlsVerifyPKIX),
			slog.String("version", tls.VersionName(cs.Version)),
			slog.String("ciphersuite", tls.CipherSuiteName(cs.CipherSuite)),
			slog.Any("servername", c.remoteHostname))
		c.tls = true

		hello(false)
	}

	if auth != nil {
		return c.auth(auth)
	}
	return
}

func (c *Client) auth(a sasl.Client) (rerr error) {
	defer c.recover(&rerr)

	c.cmds[0] = "auth"
	c.cmdStart = time.Now()

	name, toserver, err := a.Start()
	if err != nil {
		c.xerrorf(true, 0, "", "", nil, "%w: starting mechanism: %s", ErrAuth, err)
	}
	if len(c.extAuthMechanisms) > 0 && !containsFold(c.extAuthMechanisms, name) {
		c.xerrorf(true, 0, "", "", nil, "%w: mechanism %s not supported by server, it supports %s", ErrAuth, name, strings.Join(c.extAuthMechanisms, ", "))
	}

	abort := func() {
		c.xwriteline("*")
		code, _, _, _ := c.xread()
		if code != smtp.C501BadParamSyntax {
			c.botched = true
		}
	}

	c.traceLevel = mlog.LevelTraceauth
	defer func() {
		c.traceLevel = mlog.LevelTrace
	}()
	if toserver == nil {
		c.xwriteline("AUTH " + name)
	} else if len(toserver) == 0 {
		c.xwriteline("AUTH " + name + " =")
	} else {
		c.xwriteline("AUTH " + name + " " + base64.StdEncoding.EncodeToString(toserver))
	}
	for {
		code, secode, lastText, firstLine, moreLines, _ := c.xreadecode(c.extEcodes)
		switch code {
		case smtp.C235AuthSuccess:
			return nil
		case smtp.C334ContinueAuth:
			fromserver, err := base64.StdEncoding.DecodeString(lastText)
			if err != nil {
				abort()
				c.xerrorf(false, code, secode, firstLine, moreLines, "%w: malformed base64 data in authentication continuation response", ErrAuth)
			}
			toserver, err = a.Next(fromserver)
			if err != nil {
				abort()
				c.xerrorf(false, code, secode, firstLine, moreLines, "%w: client aborted authentication: %s", ErrAuth, err)
			}
			c.xwriteline(base64.StdEncoding.EncodeToString(toserver))
		default:
			c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: unexpected response during authentication, expected 334 continue or 235 auth success", ErrAuth)
		}
	}
}

func containsFold(l []string, s string) bool {
	for _, e := range l {
		if strings.EqualFold(e, s) {
			return true
		}
	}
	return false
}

// SupportsStartTLS returns whether the SMTP server supports the STARTTLS
// extension.
func (c *Client) SupportsStartTLS() bool {
	return c.extStartTLS
}

// TLSConnectionState returns TLS details if TLS is enabled, and nil otherwise.
func (c *Client) TLSConnectionState() *tls.ConnectionState {
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		cs := tlsConn.ConnectionState()
		return &cs
	}
	return nil
}

// Transcript returns the protocol lines exchanged since the previous call, and
// starts a new transcript.
func (c *Client) Transcript() string {
	s := c.transcript.String()
	c.transcript.reset()
	return s
}

// DeliverMultiple attempts to deliver a message to multiple recipients. Errors
// about the entire transaction, such as i/o errors or error responses to the MAIL
// FROM or DATA commands, are returned by a non-nil rerr. The SMTP response for each
// recipient is returned in rcptResps, also when no recipient was accepted, in
// which case rerr wraps errNoRecipients.
//
// mailFrom can be empty for a null reverse path.
func (c *Client) DeliverMultiple(ctx context.Context, mailFrom string, rcptTo []string, msgSize int64, msg io.Reader) (rcptResps []Response, rerr error) {
	defer c.recover(&rerr)

	if len(rcptTo) == 0 {
		return nil, fmt.Errorf("need at least one recipient")
	}

	if c.origConn == nil {
		return nil, ErrClosed
	} else if c.botched {
		return nil, ErrBotched
	} else if c.needRset {
		if err := c.Reset(); err != nil {
			return nil, err
		}
	}

	if c.extSize && c.maxSize > 0 && msgSize > c.maxSize {
		c.xerrorf(true, smtp.C552MailboxFull, smtp.SeSys3Other0, "", nil, "message is %d bytes, remote has a %d bytes maximum size", msgSize, c.maxSize)
	}

	var mailSize, bodyType string
	if c.extSize && msgSize > 0 {
		mailSize = fmt.Sprintf(" SIZE=%d", msgSize)
	}
	if c.ext8bitmime {
		bodyType = " BODY=8BITMIME"
	}

	// We are going into a transaction. We'll clear this when done.
	c.needRset = true

	c.cmds[0] = "mailfrom"
	c.cmdStart = time.Now()
	c.xwritelinef("MAIL FROM:<%s>%s%s", mailFrom, mailSize, bodyType)
	code, secode, firstLine, moreLines := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}

	rcptResps = make([]Response, len(rcptTo))
	nok := 0
	for i, rcpt := range rcptTo {
		c.cmds[0] = "rcptto"
		c.cmdStart = time.Now()
		c.xwriteline(fmt.Sprintf("RCPT TO:<%s>", rcpt))
		code, secode, firstLine, moreLines = c.xread()
		if i > 0 && (code == smtp.C452StorageFull || code == smtp.C552MailboxFull) {
			// Remote doesn't accept more recipients for this transaction. Don't send more, give
			// remaining recipients the same error result.
			for j := i; j < len(rcptTo); j++ {
				rcptResps[j] = Response{false, code, secode, "rcptto", firstLine, moreLines, fmt.Errorf("no more recipients accepted in transaction")}
			}
			break
		}
		var err error
		if code == smtp.C250Completed {
			nok++
		} else {
			err = fmt.Errorf("%w: got %d, expected 2xx", ErrStatus, code)
		}
		rcptResps[i] = Response{code/100 == 5, code, secode, "rcptto", firstLine, moreLines, err}
	}

	if nok == 0 {
		r := rcptResps[len(rcptResps)-1]
		c.xerrorf(r.Permanent, r.Code, r.Secode, r.Line, r.MoreLines, "%w", errNoRecipients)
	}

	c.cmds[0] = "data"
	c.cmdStart = time.Now()
	c.xwriteline("DATA")
	code, secode, firstLine, moreLines = c.xread()
	if code != smtp.C354Continue {
		c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: got %d, expected 354", ErrStatus, code)
	}

	dw := &dataTracer{log: c.log, w: c.w}
	err := smtp.DataWrite(dw, msg)
	if err != nil {
		c.xbotchf(0, "", "", nil, "writing message as smtp data: %w", err)
	}
	c.xflush()
	c.transcript.add("C: ", fmt.Sprintf("(message, %d bytes)", dw.n))
	code, secode, firstLine, moreLines = c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}

	c.needRset = false
	return
}

// Reset sends an SMTP RSET command to reset the message transaction state.
// DeliverMultiple automatically sends it if needed.
func (c *Client) Reset() (rerr error) {
	if c.origConn == nil {
		return ErrClosed
	} else if c.botched {
		return ErrBotched
	}

	defer c.recover(&rerr)

	c.cmds[0] = "rset"
	c.cmdStart = time.Now()
	c.xwriteline("RSET")
	code, secode, firstLine, moreLines := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}
	c.needRset = false
	return
}

// Botched returns whether this connection is botched, e.g. a protocol error
// occurred and the connection is in unknown state, and cannot be used for message
// delivery.
func (c *Client) Botched() bool {
	return c.botched || c.origConn == nil
}

// Close cleans up the client, closing the underlying connection.
//
// If the connection is initialized and not botched, a QUIT command is sent and the
// response read with a short timeout before closing the underlying connection.
//
// Close returns any error encountered during QUIT and closing.
func (c *Client) Close() (rerr error) {
	if c.origConn == nil {
		return ErrClosed
	}

	defer c.recover(&rerr)

	if !c.botched {
		c.cmds[0] = "quit"
		c.cmdStart = time.Now()
		c.xwriteline("QUIT")
		if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			c.log.Infox("setting read deadline for reading quit response", err)
		} else if _, err := c.r.ReadString('\n'); err != nil {
			rerr = fmt.Errorf("reading response to quit command: %v", err)
			c.log.Debugx("reading quit response", err)
		}
	}

	err := c.origConn.Close()
	if c.conn != c.origConn {
		// This is the TLS connection. Close will attempt to write a close notification.
		// But it will fail quickly because the underlying socket was closed.
		c.conn.Close()
	}
	c.origConn = nil
	c.conn = nil
	if rerr == nil {
		rerr = err
	}
	return
}
