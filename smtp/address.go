package smtp

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/cloudmailing/cm/dns"
)

var ErrBadAddress = errors.New("invalid email address")
var ErrBadLocalpart = errors.New("invalid localpart")

// Localpart is a decoded local part of an email address, before the "@". For
// quoted strings, values do not have the enclosing quotes.
type Localpart string

// String returns a packed representation of an address, with proper escaping
// and quoting, for use in SMTP.
func (lp Localpart) String() string {
	dotstr := len(lp) > 0
	for _, e := range strings.Split(string(lp), ".") {
		dotstr = dotstr && len(e) > 0
		for _, c := range e {
			if !isatext(c) {
				dotstr = false
				break
			}
		}
	}
	if dotstr {
		return string(lp)
	}

	r := `"`
	for _, b := range lp {
		if b == '"' || b == '\\' {
			r += "\\" + string(b)
		} else {
			r += string(b)
		}
	}
	r += `"`
	return r
}

// Address is an email address, a localpart with a domain.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack returns the address in string form, with the ASCII domain, for use in
// SMTP commands.
func (a Address) Pack() string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.ASCII
}

// String returns the address in string form with the unicode domain.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.Name()
}

// ParseAddress parses an email address. UTF-8 is allowed.
// Returns ErrBadAddress for invalid addresses.
func ParseAddress(s string) (address Address, err error) {
	lp, rem, err := parseLocalPart(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	if !strings.HasPrefix(rem, "@") {
		return Address{}, fmt.Errorf("%w: expected @", ErrBadAddress)
	}
	d, err := dns.ParseDomain(rem[1:])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	return Address{lp, d}, nil
}

// ParseLocalpart parses the local part of an address, such as the bounce
// address local part with mailing and tracking id.
func ParseLocalpart(s string) (Localpart, error) {
	lp, rem, err := parseLocalPart(s)
	if err != nil {
		return "", err
	}
	if rem != "" {
		return "", fmt.Errorf("%w: remaining after localpart: %q", ErrBadLocalpart, rem)
	}
	return lp, nil
}

func parseLocalPart(s string) (localpart Localpart, remain string, err error) {
	p := &parser{s, 0}

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		e, ok := x.(error)
		if !ok {
			panic(x)
		}
		err = fmt.Errorf("%w: %s", ErrBadLocalpart, e)
	}()

	lp := p.xlocalpart()
	return lp, p.s[p.o:], nil
}

type parser struct {
	s string
	o int
}

func (p *parser) xerrorf(format string, args ...any) {
	panic(fmt.Errorf(format, args...))
}

func (p *parser) take(s string) bool {
	if strings.HasPrefix(p.s[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xlocalpart() Localpart {
	var s string
	if p.take(`"`) {
		s = p.xquotedString()
	} else {
		s = p.xatom()
		for p.take(".") {
			s += "." + p.xatom()
		}
	}
	// Generated bounce addresses can be long, allow more than the 64 octets
	// from the RFC.
	if len(s) > 128 {
		p.xerrorf("localpart longer than 128 octets")
	}
	// Same address in different unicode forms must compare equal, e.g. for
	// duplicate recipients.
	return Localpart(norm.NFC.String(s))
}

// xquotedString parses a quoted string, after the opening quote.
func (p *parser) xquotedString() string {
	var s strings.Builder
	var esc bool
	for _, c := range p.s[p.o:] {
		p.o += len(string(c))
		switch {
		case esc && c >= ' ' && c < 0x7f:
			s.WriteRune(c)
			esc = false
		case esc:
			p.xerrorf("invalid localpart, bad escaped char %c", c)
		case c == '\\':
			esc = true
		case c == '"':
			return s.String()
		case c >= ' ' && c < 0x7f || c > 0x7f:
			s.WriteRune(c)
		default:
			p.xerrorf("invalid localpart, invalid character %c", c)
		}
	}
	p.xerrorf("missing end of quoted string")
	return ""
}

func (p *parser) xatom() string {
	n := 0
	for _, c := range p.s[p.o:] {
		if !isatext(c) {
			break
		}
		n += len(string(c))
	}
	if n == 0 {
		p.xerrorf("expected atom")
	}
	r := p.s[p.o : p.o+n]
	p.o += n
	return r
}

func isatext(c rune) bool {
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~':
		return true
	}
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f
}
