package customize

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/cloudmailing/cm/config"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

func TestQuote(t *testing.T) {
	tcompare(t, quote("http://example.com/x?y={{ id }}"), "http%3A//example.com/x%3Fy%3D%7B%7B%20id%20%7D%7D")
	tcompare(t, quote("az_.-~/09"), "az_.-~/09")
	tcompare(t, quote("é"), "%C3%A9")
}

func TestTemplate(t *testing.T) {
	vars := map[string]any{
		"firstname": "Jane",
		"id":        float64(42),
		"address":   map[string]any{"city": "Paris"},
	}
	test := func(s, exp string) {
		t.Helper()
		r, err := renderString(s, vars, quote)
		tcheck(t, err, "render")
		tcompare(t, r, exp)
	}
	test("Hi {{ firstname }}!", "Hi Jane!")
	test("Hi {{firstname|upper}}", "Hi JANE")
	test("{{ id }}", "42")
	test("{{ address.city }}/{{ address.zip }}", "Paris/")
	test("{{ missing }}", "")
	test("{{ 'a b'|urlencode }}", "a%20b")
	test("{% click %}http://x/?n={{ firstname }} {% endclick %}", "http%3A//x/%3Fn%3DJane%20")
	test("a { b } c {x", "a { b } c {x")

	for _, s := range []string{"{{ x ", "{% click %}", "{% endclick %}", "{% if x %}", "{{ x|nope }}", "{{ }}", "{{ 'x }}"} {
		_, err := renderString(s, vars, quote)
		if !errors.Is(err, ErrTemplate) {
			t.Fatalf("render %q: got err %v, expected ErrTemplate", s, err)
		}
	}
}

func TestClickURL(t *testing.T) {
	tr := NewTracking("https://t.example/", "abc", "")
	vars := map[string]any{"id": "42"}
	src := `<p><a class="x" href="http://example.com/x?y={{ id }}">link</a> <a href="mailto:a@b">m</a></p>`
	out, err := rewriteLinks([]byte(src), tr, vars)
	tcheck(t, err, "rewrite")
	exp := `<p><a class="x" href="https://t.example/c/abc/?o=http%3A//example.com/x%3Fy%3D%7B%7B%20id%20%7D%7D&t=http%3A//example.com/x%3Fy%3D42">link</a> <a href="mailto:a@b">m</a></p>`
	tcompare(t, string(out), exp)

	// Rewriting again changes nothing.
	out2, err := rewriteLinks(out, tr, vars)
	tcheck(t, err, "rewrite again")
	tcompare(t, string(out2), exp)

	tr = NewTracking("https://t.example/", "abc", "base64")
	out, err = rewriteLinks([]byte(`<a href='https://example.com/?n={{ id }}'>`), tr, vars)
	tcheck(t, err, "rewrite base64")
	o := base64.RawURLEncoding.EncodeToString([]byte("https://example.com/?n={{ id }}"))
	tt := base64.RawURLEncoding.EncodeToString([]byte("https://example.com/?n=42"))
	tcompare(t, string(out), `<a href="https://t.example/c/abc/?c=b64&o=`+o+`&t=`+tt+`">`)
}

const htmlMsg = "From: Someone <old@example.org>\n" +
	"To: nobody@example.org\n" +
	"Subject: Hello {{ firstname }}\n" +
	"Received: from somewhere\n" +
	"MIME-Version: 1.0\n" +
	"Content-Type: text/html; charset=iso-8859-1\n" +
	"Content-Transfer-Encoding: quoted-printable\n" +
	"\n" +
	"<html><body>Bonjour {{ firstname }} =E9t=E9\n" +
	"<a href=3D\"http://example.com/x?y=3D{{ id }}\">x</a>\n" +
	"<a href=3D\"%7B%7B%20unsubscribe%20%7D%7D\">unsubscribe</a>\n" +
	"</body></html>\n"

func newCustomizer(t *testing.T) *Customizer {
	dir := t.TempDir()
	c := New(nil, dir, nil)
	c.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func testMailing() *Mailing {
	return &Mailing{
		ID:            7,
		MailFrom:      "news@sender.example",
		SenderName:    "News",
		DomainName:    "sender.example",
		Type:          "REGULAR",
		TrackingURL:   "https://t.example/",
		ReadTracking:  true,
		ClickTracking: true,
	}
}

func testRecipient() Recipient {
	return Recipient{
		ID:         3,
		TrackingID: "trk1",
		Email:      "jane@dest.example",
		DomainName: "dest.example",
		Contact: map[string]any{
			"email":     "jane@dest.example",
			"firstname": "Jane",
			"lastname":  "Doe",
			"id":        "42",
		},
	}
}

func readMessage(t *testing.T, path string) *part {
	t.Helper()
	buf, err := os.ReadFile(path)
	tcheck(t, err, "read message")
	if bytes.Contains(bytes.ReplaceAll(buf, []byte("\r\n"), nil), []byte("\n")) {
		t.Fatalf("message has bare newlines")
	}
	p, err := parseMessage(buf)
	tcheck(t, err, "parse message")
	return p
}

func TestCustomize(t *testing.T) {
	c := newCustomizer(t)
	m := testMailing()
	r := testRecipient()
	m.FeedbackLoop = &config.FeedbackLoop{SenderID: "CloudMailing"}
	c.SetSource(m.ID, nil, []byte(htmlMsg))

	msgID, path, err := c.Customize(ctxbg, r, m)
	tcheck(t, err, "customize")
	tcompare(t, msgID, "<3.7@cm.dest.example>")
	tcompare(t, filepath.Base(path), "cust_ml_7_rcpt_3.rfc822")

	p := readMessage(t, path)
	h := p.header
	tcompare(t, h.Get("Subject"), "Hello Jane")
	tcompare(t, h.Get("From"), `"News" <news@sender.example>`)
	tcompare(t, h.Get("To"), `"Jane Doe" <jane@dest.example>`)
	tcompare(t, h.Get("Message-Id"), "<3.7@cm.dest.example>")
	tcompare(t, h.Get("List-Unsubscribe"), "<https://t.example/u/trk1>")
	tcompare(t, h.Get("User-Agent"), "Cloud Mailing")
	tcompare(t, h.Get("Feedback-Id"), "7:sender.example:REGULAR:CloudMailing")
	tcompare(t, h.Has("Received"), false)
	tcompare(t, h.Get("Date"), "Fri, 01 Mar 2024 12:00:00 +0000")

	ct, params, err := h.ContentType()
	tcheck(t, err, "content-type")
	tcompare(t, ct, "text/html")
	tcompare(t, params["charset"], "utf-8")
	tcompare(t, h.Get("Content-Transfer-Encoding"), "quoted-printable")

	body := string(p.body)
	if !strings.Contains(body, "Bonjour Jane été") {
		t.Fatalf("body not rendered: %q", body)
	}
	if !strings.Contains(body, `href="https://t.example/c/trk1/?o=http%3A//example.com/x%3Fy%3D%7B%7B%20id%20%7D%7D&t=http%3A//example.com/x%3Fy%3D42"`) {
		t.Fatalf("link not rewritten: %q", body)
	}
	if !strings.Contains(body, `<a href="https://t.example/u/trk1">unsubscribe</a>`) {
		t.Fatalf("unsubscribe link not rendered: %q", body)
	}
	if !strings.HasSuffix(body, `<img src="https://t.example/r/trk1/blank.gif" border="0" alt="" width="1" height="1" />`+"\r\n") {
		t.Fatalf("missing read tracking image: %q", body)
	}

	// Existing file is not rendered again.
	c.Invalidate(m.ID)
	msgID2, path2, err := c.Customize(ctxbg, r, m)
	tcheck(t, err, "customize existing")
	tcompare(t, msgID2, msgID)
	tcompare(t, path2, path)

	tcheck(t, c.RemoveFiles(m.ID), "remove files")
	_, err = os.Stat(path)
	tcompare(t, errors.Is(err, os.ErrNotExist), true)

	// Source now missing.
	_, _, err = c.Customize(ctxbg, r, m)
	if !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("got err %v, expected ErrSourceMissing", err)
	}
}

func TestSourceLoader(t *testing.T) {
	c := newCustomizer(t)
	var calls int
	c.Source = func(ctx context.Context, mailingID int64) ([]byte, error) {
		calls++
		if mailingID != 7 {
			return nil, fmt.Errorf("%w: mailing %d", ErrSourceMissing, mailingID)
		}
		return []byte("Subject: x\n\nHello {{ firstname }}\n"), nil
	}
	m := testMailing()
	r := testRecipient()
	_, path, err := c.Customize(ctxbg, r, m)
	tcheck(t, err, "customize")
	r.ID = 4
	_, _, err = c.Customize(ctxbg, r, m)
	tcheck(t, err, "customize")
	tcompare(t, calls, 1)

	p := readMessage(t, path)
	tcompare(t, string(p.body), "Hello Jane\r\n")
	tcompare(t, p.header.Get("Content-Transfer-Encoding"), "7bit")

	m.ID = 8
	_, _, err = c.Customize(ctxbg, r, m)
	if !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("got err %v, expected ErrSourceMissing", err)
	}

	tcheck(t, c.RemoveAll(), "remove all")
	l, err := filepath.Glob(filepath.Join(c.Dir, "*"))
	tcheck(t, err, "glob")
	tcompare(t, len(l), 0)
}

func TestAttachments(t *testing.T) {
	c := newCustomizer(t)
	m := testMailing()
	m.ReadTracking = false
	r := testRecipient()
	r.Contact["attachments"] = []any{
		map[string]any{
			"data":         base64.StdEncoding.EncodeToString([]byte("hello")),
			"content-type": "application/octet-stream",
			"filename":     "hello.bin",
		},
		map[string]any{
			"data":         base64.StdEncoding.EncodeToString([]byte("GIF89a")),
			"content-type": "image/gif",
			"content-id":   "logo",
		},
	}

	const alt = "Subject: x\n" +
		"MIME-Version: 1.0\n" +
		"Content-Type: multipart/alternative; boundary=b1\n" +
		"\n" +
		"--b1\n" +
		"Content-Type: text/plain\n" +
		"\n" +
		"Hi {{ firstname }}\n" +
		"--b1\n" +
		"Content-Type: text/html\n" +
		"\n" +
		"<p>Hi {{ firstname }}<img src=\"cid:logo\"></p>\n" +
		"--b1--\n"
	c.SetSource(m.ID, nil, []byte(alt))
	_, path, err := c.Customize(ctxbg, r, m)
	tcheck(t, err, "customize")

	// mixed [alternative [plain, related [html, gif]], octet-stream]
	p := readMessage(t, path)
	ct, _, _ := p.header.ContentType()
	tcompare(t, ct, "multipart/mixed")
	tcompare(t, p.header.Get("Subject"), "x")
	tcompare(t, len(p.children), 2)
	altp := p.children[0]
	ct, _, _ = altp.header.ContentType()
	tcompare(t, ct, "multipart/alternative")
	tcompare(t, len(altp.children), 2)
	tcompare(t, string(altp.children[0].body), "Hi Jane")
	rel := altp.children[1]
	ct, _, _ = rel.header.ContentType()
	tcompare(t, ct, "multipart/related")
	tcompare(t, len(rel.children), 2)
	tcompare(t, string(rel.children[1].body), "GIF89a")
	tcompare(t, rel.children[1].header.Get("Content-Id"), "<logo>")
	att := p.children[1]
	tcompare(t, string(att.body), "hello")
	_, dparams, err := att.header.ContentDisposition()
	tcheck(t, err, "content-disposition")
	tcompare(t, dparams["filename"], "hello.bin")

	const digest = "Subject: x\n" +
		"Content-Type: multipart/digest; boundary=b1\n" +
		"\n" +
		"--b1\n" +
		"\n" +
		"x\n" +
		"--b1--\n"
	c.SetSource(9, nil, []byte(digest))
	m.ID = 9
	_, _, err = c.Customize(ctxbg, r, m)
	if err == nil || !strings.Contains(err.Error(), "digest") {
		t.Fatalf("got err %v, expected error about digest", err)
	}
}

func TestDKIM(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	tcheck(t, err, "generate key")
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	tcheck(t, err, "marshal key")
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))

	fblPub, fblPriv, err := ed25519.GenerateKey(nil)
	tcheck(t, err, "generate key")
	pkcs8, err = x509.MarshalPKCS8PrivateKey(fblPriv)
	tcheck(t, err, "marshal key")
	fblPemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))

	c := newCustomizer(t)
	m := testMailing()
	m.DKIM = &config.DKIM{Enabled: true, Selector: "sel", Domain: "sender.example", PrivateKey: pemKey}
	m.FeedbackLoop = &config.FeedbackLoop{
		SenderID: "CloudMailing",
		DKIM:     &config.DKIM{Enabled: true, Selector: "fbl", Domain: "esp.example", PrivateKey: fblPemKey},
	}
	r := testRecipient()
	c.SetSource(m.ID, nil, []byte(htmlMsg))
	_, path, err := c.Customize(ctxbg, r, m)
	tcheck(t, err, "customize")

	buf, err := os.ReadFile(path)
	tcheck(t, err, "read message")
	records := map[string]string{
		"sel._domainkey.sender.example": "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(pub),
		"fbl._domainkey.esp.example":    "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(fblPub),
	}
	opts := &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if v, ok := records[strings.TrimSuffix(domain, ".")]; ok {
				return []string{v}, nil
			}
			return nil, fmt.Errorf("no record for %s", domain)
		},
	}
	l, err := dkim.VerifyWithOptions(bytes.NewReader(buf), opts)
	tcheck(t, err, "verify")
	tcompare(t, len(l), 2)
	domains := map[string]bool{}
	for _, v := range l {
		tcheck(t, v.Err, "verification of "+v.Domain)
		domains[v.Domain] = true
	}
	tcompare(t, domains, map[string]bool{"sender.example": true, "esp.example": true})

	// Disabled configuration does not sign.
	m.DKIM.Enabled = false
	m.FeedbackLoop = nil
	r.ID = 5
	_, path, err = c.Customize(ctxbg, r, m)
	tcheck(t, err, "customize")
	buf, err = os.ReadFile(path)
	tcheck(t, err, "read message")
	if bytes.Contains(buf, []byte("DKIM-Signature:")) {
		t.Fatalf("unexpected dkim signature")
	}
}

func TestFeedbackID(t *testing.T) {
	m := testMailing()
	tcompare(t, FeedbackID(m, &config.FeedbackLoop{SenderID: "CloudMailing"}), "7:sender.example:REGULAR:CloudMailing")
	tcompare(t, FeedbackID(m, &config.FeedbackLoop{CampaignID: "c", CustomerID: "cu", MailTypeID: "t", SenderID: "s"}), "c:cu:t:s")
}

func TestCRLF(t *testing.T) {
	tcompare(t, string(crlf([]byte("a\nb\r\nc\rd"))), "a\r\nb\r\nc\r\nd")
	tcompare(t, needsEncoding([]byte("plain\r\n")), false)
	tcompare(t, needsEncoding([]byte("é")), true)
	tcompare(t, needsEncoding(bytes.Repeat([]byte("x"), 999)), true)
}
