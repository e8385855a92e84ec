package customize

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// quote percent-encodes s for use in a URL. Letters, digits and "_.-~/" are
// kept as is.
func quote(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', strings.IndexByte("_.-~/", c) >= 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xf])
		}
	}
	return b.String()
}

// urlEncoder returns the function encoding values in tracking URLs.
func urlEncoder(urlEncoding string) func(string) string {
	if urlEncoding == "base64" {
		return func(s string) string {
			return base64.RawURLEncoding.EncodeToString([]byte(s))
		}
	}
	return quote
}

// Tracking holds the per-recipient tracking URLs.
type Tracking struct {
	Click       string // Prefix for click tracking links, "<base>c/<trackingID>/".
	Read        string // Image for read tracking, "<base>r/<trackingID>/blank.gif".
	Unsubscribe string // "<base>u/<trackingID>".
	URLEncoding string // "" for percent encoding, or "base64".
}

// NewTracking returns the tracking URLs for a recipient. The base URL is
// expected to end with a slash.
func NewTracking(base, trackingID, urlEncoding string) Tracking {
	return Tracking{
		Click:       fmt.Sprintf("%sc/%s/", base, trackingID),
		Read:        fmt.Sprintf("%sr/%s/blank.gif", base, trackingID),
		Unsubscribe: fmt.Sprintf("%su/%s", base, trackingID),
		URLEncoding: urlEncoding,
	}
}

// ReadImage returns the html for the read tracking image.
func (t Tracking) ReadImage() string {
	return fmt.Sprintf(`<img src="%s" border="0" alt="" width="1" height="1" />`+"\n", t.Read)
}

// ClickURL returns the click tracking URL for a link. The original is the
// link as it appears in the message, possibly with template expressions, and
// rendered is the link after rendering for the recipient.
func (t Tracking) ClickURL(original, rendered string) string {
	enc := urlEncoder(t.URLEncoding)
	var c string
	if t.URLEncoding == "base64" {
		c = "c=b64&"
	}
	return t.Click + "?" + c + "o=" + enc(original) + "&t=" + enc(rendered)
}

var hrefAttr = regexp.MustCompile(`(?is)(\shref\s*=\s*)("[^"]*"|'[^']*'|[^\s>]+)`)

// rewriteLinks replaces the http and https links in the anchors of an html
// document with click tracking links. Links are rendered with vars to get
// the destination. Links that already point to the click tracking URL are
// left alone, so rewriting twice gives the same result as rewriting once.
// Everything other than the href values is copied unchanged.
func rewriteLinks(src []byte, t Tracking, vars map[string]any) ([]byte, error) {
	var out bytes.Buffer
	z := html.NewTokenizer(bytes.NewReader(src))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				break
			}
			return nil, fmt.Errorf("parsing html: %w", z.Err())
		}
		raw := append([]byte(nil), z.Raw()...)
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			out.Write(raw)
			continue
		}
		tok := z.Token()
		if tok.Data != "a" {
			out.Write(raw)
			continue
		}
		var href string
		for _, a := range tok.Attr {
			if a.Namespace == "" && a.Key == "href" {
				href = strings.TrimSpace(a.Val)
				break
			}
		}
		lower := strings.ToLower(href)
		if !(strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")) || strings.HasPrefix(href, t.Click) {
			out.Write(raw)
			continue
		}
		rendered, err := renderString(href, vars, urlEncoder(t.URLEncoding))
		if err != nil {
			return nil, fmt.Errorf("link %q: %w", href, err)
		}
		link := t.ClickURL(href, rendered)
		loc := hrefAttr.FindSubmatchIndex(raw)
		if loc == nil {
			out.Write(raw)
			continue
		}
		out.Write(raw[:loc[4]])
		out.WriteString(`"` + link + `"`)
		out.Write(raw[loc[5]:])
	}
	return out.Bytes(), nil
}
