// Package dsn parses Delivery Status Notification messages (RFC 3464) and
// receives them over SMTP. Failed deliveries reported in a DSN turn the
// recipient of the mailing into an error, also after it was delivered.
package dsn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

var ErrNotDSN = errors.New("not a delivery status notification")

// Action is the per-recipient action field of a DSN.
type Action string

const (
	Failed    Action = "failed"
	Delayed   Action = "delayed"
	Delivered Action = "delivered"
	Relayed   Action = "relayed"
	Expanded  Action = "expanded"
)

// Message is a parsed DSN.
type Message struct {
	ReportingMTA string
	TextBody     string // Human-readable part, if any.
	Recipients   []Recipient
}

// Recipient holds the per-recipient fields of a DSN.
type Recipient struct {
	FinalRecipient    string // Address, without address type.
	OriginalRecipient string
	Action            Action
	Status            string // Enhanced status code, e.g. 5.1.1, comments stripped.
	DiagnosticCode    string // Without diagnostic type, e.g. "550 5.1.1 no such user".
	RemoteMTA         string
	Header            textproto.Header // All fields.
}

// Recipient returns the per-recipient block the DSN is most likely about: the
// first failed recipient, or the first recipient.
func (m *Message) Recipient() Recipient {
	for _, r := range m.Recipients {
		if r.Action == Failed {
			return r
		}
	}
	if len(m.Recipients) > 0 {
		return m.Recipients[0]
	}
	return Recipient{}
}

// Parse reads a DSN message: a multipart/report with report-type
// delivery-status, with a message/delivery-status part.
func Parse(r io.Reader) (*Message, error) {
	e, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	mt, params, err := e.Header.ContentType()
	if err != nil {
		return nil, fmt.Errorf("%w: parsing content-type: %v", ErrNotDSN, err)
	}
	if mt != "multipart/report" {
		return nil, fmt.Errorf("%w: content-type %q, must be multipart/report", ErrNotDSN, mt)
	}
	if rt := strings.ToLower(params["report-type"]); rt != "delivery-status" && rt != "global-delivery-status" {
		return nil, fmt.Errorf("%w: report-type %q", ErrNotDSN, rt)
	}

	mr := e.MultipartReader()
	if mr == nil {
		return nil, fmt.Errorf("%w: not a multipart message", ErrNotDSN)
	}
	var m *Message
	var text string
	for i := 0; ; i++ {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return nil, fmt.Errorf("reading part: %w", err)
		}
		pmt, _, _ := p.Header.ContentType()
		switch {
		case i == 0 && (pmt == "" || pmt == "text/plain"):
			buf, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("reading human-readable part: %w", err)
			}
			text = strings.ReplaceAll(string(buf), "\r\n", "\n")
		case m == nil && (pmt == "message/delivery-status" || pmt == "message/global-delivery-status"):
			m, err = Decode(p.Body)
			if err != nil {
				return nil, fmt.Errorf("parsing delivery-status part: %w", err)
			}
		}
	}
	if m == nil {
		return nil, fmt.Errorf("%w: missing delivery-status part", ErrNotDSN)
	}
	m.TextBody = text
	return m, nil
}

// Decode parses the fields of a delivery-status part: a block of per-message
// fields, followed by one or more blocks of per-recipient fields.
func Decode(r io.Reader) (*Message, error) {
	br := bufio.NewReader(io.MultiReader(r, strings.NewReader("\r\n\r\n")))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("reading per-message fields: %w", err)
	}
	m := &Message{ReportingMTA: typedValue(h.Get("Reporting-MTA"))}

	for {
		if done, err := skipEmptyLines(br); err != nil {
			return nil, err
		} else if done {
			break
		}
		rh, err := textproto.ReadHeader(br)
		if err != nil {
			return nil, fmt.Errorf("reading per-recipient fields: %w", err)
		}
		rcpt, err := parseRecipient(rh)
		if err != nil {
			return nil, err
		}
		m.Recipients = append(m.Recipients, rcpt)
	}
	if len(m.Recipients) == 0 {
		return nil, fmt.Errorf("no per-recipient fields")
	}
	return m, nil
}

func skipEmptyLines(br *bufio.Reader) (eof bool, rerr error) {
	for {
		b, err := br.Peek(1)
		if err == io.EOF {
			return true, nil
		} else if err != nil {
			return false, err
		}
		if b[0] != '\r' && b[0] != '\n' {
			return false, nil
		}
		br.ReadByte()
	}
}

func parseRecipient(h textproto.Header) (Recipient, error) {
	r := Recipient{
		FinalRecipient:    typedValue(h.Get("Final-Recipient")),
		OriginalRecipient: typedValue(h.Get("Original-Recipient")),
		Action:            Action(strings.ToLower(strings.TrimSpace(h.Get("Action")))),
		Status:            stripComment(h.Get("Status")),
		DiagnosticCode:    typedValue(h.Get("Diagnostic-Code")),
		RemoteMTA:         typedValue(h.Get("Remote-MTA")),
		Header:            h,
	}
	switch r.Action {
	case Failed, Delayed, Delivered, Relayed, Expanded:
	default:
		return Recipient{}, fmt.Errorf("unrecognized action %q", h.Get("Action"))
	}
	if r.FinalRecipient == "" {
		return Recipient{}, fmt.Errorf("missing final-recipient")
	}
	return r, nil
}

// typedValue returns the value of a field with a type prefix, such as
// "rfc822; user@example.org" or "smtp; 550 no such user".
func typedValue(s string) string {
	if _, v, ok := strings.Cut(s, ";"); ok {
		s = v
	}
	return strings.TrimSpace(s)
}

// stripComment returns the status code without comment, e.g. "5.1.1" for
// "5.1.1 (user unknown)".
func stripComment(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t("); i >= 0 {
		s = s[:i]
	}
	return s
}
