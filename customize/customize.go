// Package customize renders the message of a mailing for a single recipient.
//
// The source message of a mailing is parsed for each recipient. Text parts
// are rendered as templates with the contact data of the recipient, html parts
// get click and read tracking, attachments from the contact data are added,
// the addressing header fields are set, and the result is DKIM signed and
// written to a file that is handed to the SMTP relayer.
package customize

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/cloudmailing/cm/cmio"
	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/dns"
	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/smtp"
)

var metricCustomize = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "cm_customize_duration_seconds",
		Help:    "Duration of rendering a message for a recipient.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	},
	[]string{
		"result", // ok, exists, missing, error
	},
)

// ErrSourceMissing is returned when the source message of a mailing is not
// available. The recipient should be retried later.
var ErrSourceMissing = errors.New("source message of mailing not available")

// UserAgent is set in the User-Agent header of messages.
var UserAgent = "Cloud Mailing"

// Mailing holds the fields of a mailing needed for rendering.
type Mailing struct {
	ID               int64
	MailFrom         string
	SenderName       string
	DomainName       string // Of MailFrom.
	Type             string // REGULAR or OPENED.
	TrackingURL      string // Base URL, ending with a slash.
	ReadTracking     bool
	ClickTracking    bool
	URLEncoding      string // "" or "base64".
	ReturnPathDomain string
	DKIM             *config.DKIM
	FeedbackLoop     *config.FeedbackLoop
}

// Recipient is the recipient a message is rendered for.
type Recipient struct {
	ID         int64
	TrackingID string
	Email      string
	DomainName string
	Contact    map[string]any // With "email", "firstname", "lastname", and optionally "attachments".
}

// Customizer renders messages into files in a directory.
type Customizer struct {
	Dir string

	// Source returns the raw source message of a mailing, header and body.
	// It is called when the source is not in the cache. It must return an
	// error wrapping ErrSourceMissing if the mailing content is not known.
	Source func(ctx context.Context, mailingID int64) ([]byte, error)

	log   mlog.Log
	now   func() time.Time
	mutex sync.Mutex
	cache map[int64][]byte // Source messages, with CRLF line endings. Never modified.
}

// New returns a customizer writing to dir.
func New(elog *slog.Logger, dir string, source func(ctx context.Context, mailingID int64) ([]byte, error)) *Customizer {
	return &Customizer{
		Dir:    dir,
		Source: source,
		log:    mlog.New("customize", elog),
		now:    time.Now,
		cache:  map[int64][]byte{},
	}
}

// FileName returns the name of the file with the rendered message for a
// recipient.
func FileName(mailingID, recipientID int64) string {
	return fmt.Sprintf("cust_ml_%d_rcpt_%d.rfc822", mailingID, recipientID)
}

// Path returns the full path of the rendered message for a recipient.
func (c *Customizer) Path(mailingID, recipientID int64) string {
	return filepath.Join(c.Dir, FileName(mailingID, recipientID))
}

// SetSource stores the source message of a mailing in the cache.
func (c *Customizer) SetSource(mailingID int64, header, body []byte) {
	buf := make([]byte, 0, len(header)+len(body))
	buf = append(buf, header...)
	buf = append(buf, body...)
	buf = crlf(buf)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache[mailingID] = buf
}

// Invalidate removes the source message of a mailing from the cache, e.g.
// after the mailing was changed.
func (c *Customizer) Invalidate(mailingID int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.cache, mailingID)
}

// InvalidateAll empties the cache.
func (c *Customizer) InvalidateAll() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache = map[int64][]byte{}
}

func (c *Customizer) source(ctx context.Context, mailingID int64) ([]byte, error) {
	c.mutex.Lock()
	buf, ok := c.cache[mailingID]
	c.mutex.Unlock()
	if ok {
		return buf, nil
	}
	if c.Source == nil {
		return nil, ErrSourceMissing
	}
	buf, err := c.Source(ctx, mailingID)
	if err != nil {
		return nil, err
	}
	buf = crlf(buf)
	c.mutex.Lock()
	c.cache[mailingID] = buf
	c.mutex.Unlock()
	return buf, nil
}

// RemoveFiles removes the rendered messages of a mailing, including
// leftover temporary files.
func (c *Customizer) RemoveFiles(mailingID int64) error {
	return c.remove(fmt.Sprintf("cust_ml_%d_rcpt_*.rfc822*", mailingID))
}

// RemoveAll removes all rendered messages.
func (c *Customizer) RemoveAll() error {
	return c.remove("cust_ml_*_rcpt_*.rfc822*")
}

func (c *Customizer) remove(pattern string) error {
	l, err := filepath.Glob(filepath.Join(c.Dir, pattern))
	if err != nil {
		return fmt.Errorf("listing files: %w", err)
	}
	var rerr error
	for _, p := range l {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Errorx("removing rendered message", err, slog.String("path", p))
			rerr = err
		}
	}
	c.log.Debug("removed rendered messages", slog.String("pattern", pattern), slog.Int("count", len(l)))
	return rerr
}

// Customize renders the message of mailing m for recipient r, and returns its
// Message-ID and path. If the file already exists, it is not rendered again.
func (c *Customizer) Customize(ctx context.Context, r Recipient, m *Mailing) (messageID, path string, rerr error) {
	log := c.log.WithContext(ctx).With(slog.Int64("mailing", m.ID), slog.Int64("recipient", r.ID))
	t0 := time.Now()
	result := "error"
	defer func() {
		metricCustomize.WithLabelValues(result).Observe(float64(time.Since(t0)) / float64(time.Second))
	}()

	path = c.Path(m.ID, r.ID)
	if f, err := os.Open(path); err == nil {
		defer f.Close()
		h, err := textproto.ReadHeader(bufio.NewReader(f))
		if err != nil {
			return "", "", fmt.Errorf("reading header of existing message: %w", err)
		}
		result = "exists"
		log.Debug("rendered message exists", slog.String("path", path))
		return h.Get("Message-Id"), path, nil
	}

	src, err := c.source(ctx, m.ID)
	if err != nil {
		if errors.Is(err, ErrSourceMissing) {
			result = "missing"
		}
		return "", "", err
	}

	buf, messageID, err := c.render(src, r, m)
	if err != nil {
		log.Errorx("rendering message", err, slog.String("email", r.Email))
		return "", "", err
	}

	err = cmio.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(buf)
		return err
	})
	if err != nil {
		return "", "", fmt.Errorf("writing rendered message: %w", err)
	}
	result = "ok"
	log.Debug("rendered message", slog.String("path", path), slog.Int("size", len(buf)))
	return messageID, path, nil
}

// render returns the full message for the recipient, including DKIM
// signatures.
func (c *Customizer) render(src []byte, r Recipient, m *Mailing) ([]byte, string, error) {
	root, err := parseMessage(src)
	if err != nil {
		return nil, "", err
	}

	tracking := NewTracking(m.TrackingURL, r.TrackingID, m.URLEncoding)
	vars := map[string]any{
		"unsubscribe":   tracking.Unsubscribe,
		"UNSUBSCRIBE":   tracking.Unsubscribe,
		"_tracking_url": tracking.Click,
		"_url_encoding": m.URLEncoding,
	}
	for k, v := range r.Contact {
		vars[k] = v
	}
	if _, ok := vars["email"]; !ok {
		vars["email"] = r.Email
	}

	related, mixed, err := attachments(r.Contact)
	if err != nil {
		return nil, "", err
	}
	pz := personalizer{m: m, tracking: tracking, vars: vars, log: c.log}
	if err := pz.personalize(root, mixed, related); err != nil {
		return nil, "", err
	}

	h := mail.Header{Header: root.header}
	subject, err := h.Text("Subject")
	if err != nil {
		// Undecodable encoded-words, render as is.
		subject = h.Get("Subject")
	}
	subject, err = renderString(subject, vars, urlEncoder(m.URLEncoding))
	if err != nil {
		return nil, "", fmt.Errorf("subject: %w", err)
	}

	for _, k := range []string{"Received", "Authentication-Results", "Return-Path", "Delivered-To", "DKIM-Signature", "Feedback-ID", "User-Agent", "X-Mailer", "To", "Cc", "Bcc", "From", "Date", "Message-ID", "Subject", "List-Unsubscribe"} {
		h.Del(k)
	}
	if !h.Has("MIME-Version") {
		h.Set("MIME-Version", "1.0")
	}
	h.SetText("Subject", subject)
	h.Set("User-Agent", UserAgent)
	h.SetAddressList("From", []*mail.Address{{Name: m.SenderName, Address: m.MailFrom}})
	first, _ := r.Contact["firstname"].(string)
	last, _ := r.Contact["lastname"].(string)
	h.SetAddressList("To", []*mail.Address{{Name: strings.TrimSpace(first + " " + last), Address: r.Email}})
	h.SetDate(c.now())
	domain := r.DomainName
	if domain == "" {
		_, domain, _ = strings.Cut(r.Email, "@")
	}
	messageID := fmt.Sprintf("%d.%d@cm.%s", r.ID, m.ID, domain)
	h.SetMessageID(messageID)
	h.Set("List-Unsubscribe", "<"+tracking.Unsubscribe+">")
	if m.ReturnPathDomain != "" {
		d, err := dns.ParseDomain(m.ReturnPathDomain)
		if err != nil {
			return nil, "", fmt.Errorf("return path domain: %w", err)
		}
		h.Set("Return-Path", "<"+smtp.BounceAddress(m.ID, r.TrackingID, d).Pack()+">")
	}
	if fbl := m.FeedbackLoop; fbl != nil && fbl.SenderID != "" {
		h.Set("Feedback-ID", FeedbackID(m, fbl))
	}
	root.header = h.Header

	present := map[string]bool{}
	for _, k := range defaultSignedHeaders {
		present[k] = h.Has(k)
	}

	var out bytes.Buffer
	if err := root.write(&out); err != nil {
		return nil, "", fmt.Errorf("writing message: %w", err)
	}
	buf := out.Bytes()

	if m.DKIM.Usable() {
		if buf, err = sign(buf, m.DKIM, present); err != nil {
			return nil, "", err
		}
	}
	if fbl := m.FeedbackLoop; fbl != nil && fbl.SenderID != "" && fbl.DKIM.Usable() {
		if buf, err = sign(buf, fbl.DKIM, present); err != nil {
			return nil, "", fmt.Errorf("feedback loop: %w", err)
		}
	}
	return buf, "<" + messageID + ">", nil
}

// FeedbackID returns the value for the Feedback-ID header, with defaults for
// unset fields from the mailing.
func FeedbackID(m *Mailing, fbl *config.FeedbackLoop) string {
	or := func(s, def string) string {
		if s == "" {
			return def
		}
		return s
	}
	return fmt.Sprintf("%s:%s:%s:%s",
		or(fbl.CampaignID, fmt.Sprintf("%d", m.ID)),
		or(fbl.CustomerID, m.DomainName),
		or(fbl.MailTypeID, m.Type),
		fbl.SenderID)
}

type personalizer struct {
	m        *Mailing
	tracking Tracking
	vars     map[string]any
	log      mlog.Log
}

// personalize renders the text parts in p, and adds the attachments.
func (pz personalizer) personalize(p *part, mixed, related []*part) error {
	mt, st := p.contentType()
	if p.multipart() {
		switch st {
		case "mixed":
			if len(p.children) > 0 {
				if err := pz.personalize(p.children[0], nil, related); err != nil {
					return err
				}
			}
			p.children = append(p.children, mixed...)
		case "alternative":
			for _, c := range p.children {
				if err := pz.personalize(c, nil, related); err != nil {
					return err
				}
			}
			if len(mixed) > 0 {
				p.wrap("mixed", mixed)
			}
		case "related":
			if len(p.children) > 0 {
				if err := pz.personalize(p.children[0], nil, nil); err != nil {
					return err
				}
			}
			p.children = append(p.children, related...)
			if len(mixed) > 0 {
				p.wrap("mixed", mixed)
			}
		case "digest", "parallel":
			return fmt.Errorf("multipart/%s not supported", st)
		default:
			pz.log.Info("unknown multipart subtype, not personalized", slog.String("subtype", st))
		}
		return nil
	}

	if mt != "text" {
		pz.log.Info("cannot personalize part", slog.String("contenttype", mt+"/"+st))
		return nil
	}
	if err := pz.renderText(p, st == "html"); err != nil {
		return err
	}
	if st == "html" && len(related) > 0 {
		p.wrap("related", related)
	}
	if len(mixed) > 0 {
		p.wrap("mixed", mixed)
	}
	return nil
}

var unsubscribeSpellings = strings.NewReplacer(
	"%7B%7B%20unsubscribe%20%7D%7D", "{{ unsubscribe }}",
	"%7B%7Bunsubscribe%7D%7D", "{{ unsubscribe }}",
)

func (pz personalizer) renderText(p *part, html bool) error {
	body := []byte(unsubscribeSpellings.Replace(string(p.body)))
	if html && pz.m.ClickTracking {
		var err error
		body, err = rewriteLinks(body, pz.tracking, pz.vars)
		if err != nil {
			return err
		}
	}
	s, err := renderString(string(body), pz.vars, urlEncoder(pz.m.URLEncoding))
	if err != nil {
		return err
	}
	if html && pz.m.ReadTracking {
		s += pz.tracking.ReadImage()
	}
	p.body = crlf([]byte(s))

	t, params, _ := p.header.ContentType()
	if t == "" {
		t = "text/plain"
	}
	if params == nil {
		params = map[string]string{}
	}
	params["charset"] = "utf-8"
	p.header.SetContentType(t, params)

	switch strings.ToLower(p.header.Get("Content-Transfer-Encoding")) {
	case "quoted-printable", "base64":
	default:
		if needsEncoding(p.body) {
			p.header.Set("Content-Transfer-Encoding", "quoted-printable")
		} else {
			p.header.Set("Content-Transfer-Encoding", "7bit")
		}
	}
	return nil
}

// needsEncoding returns whether buf has non-ascii bytes or lines longer than
// SMTP allows.
func needsEncoding(buf []byte) bool {
	n := 0
	for _, c := range buf {
		if c >= 0x80 || c == 0 {
			return true
		}
		if c == '\n' {
			n = 0
			continue
		}
		n++
		if n > 998 {
			return true
		}
	}
	return false
}

// crlf replaces bare newlines and bare carriage returns with CRLF.
func crlf(buf []byte) []byte {
	if !bytes.ContainsAny(buf, "\r\n") {
		return buf
	}
	var out bytes.Buffer
	out.Grow(len(buf) + len(buf)/40)
	for i := 0; i < len(buf); i++ {
		switch c := buf[i]; c {
		case '\r':
			out.WriteString("\r\n")
			if i+1 < len(buf) && buf[i+1] == '\n' {
				i++
			}
		case '\n':
			out.WriteString("\r\n")
		default:
			out.WriteByte(c)
		}
	}
	return out.Bytes()
}
