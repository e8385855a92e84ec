package customize

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

// part is a node of a parsed message. Leaf bodies are decoded: no
// content-transfer-encoding, and text is UTF-8.
type part struct {
	header   message.Header
	body     []byte
	children []*part
}

func (p *part) multipart() bool {
	t, _, _ := p.header.ContentType()
	return strings.HasPrefix(t, "multipart/")
}

func (p *part) contentType() (mediaType, subtype string) {
	t, _, err := p.header.ContentType()
	if err != nil || t == "" {
		t = "text/plain"
	}
	mediaType, subtype, _ = strings.Cut(t, "/")
	return
}

// parseMessage parses a full message into a tree of parts.
func parseMessage(buf []byte) (*part, error) {
	e, err := message.Read(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	return readPart(e)
}

func readPart(e *message.Entity) (*part, error) {
	p := &part{header: e.Header}
	if mr := e.MultipartReader(); mr != nil {
		for {
			ce, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil {
				return nil, fmt.Errorf("reading multipart: %w", err)
			}
			c, err := readPart(ce)
			if err != nil {
				return nil, err
			}
			p.children = append(p.children, c)
		}
		return p, nil
	}
	buf, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	p.body = buf
	t, params, _ := p.header.ContentType()
	if cs, ok := params["charset"]; ok && !isUTF8(cs) {
		// Body has been converted by go-message, update the label.
		if strings.HasPrefix(t, "text/") {
			params["charset"] = "utf-8"
		} else {
			delete(params, "charset")
		}
		p.header.SetContentType(t, params)
	}
	return p, nil
}

func isUTF8(cs string) bool {
	switch strings.ToLower(cs) {
	case "", "us-ascii", "utf-8", "utf8":
		return true
	}
	return false
}

// wrap turns p into a multipart container of subtype, with the previous
// contents of p as first child followed by extra. Content header fields move
// to the new child, other header fields (e.g. From, Subject) stay with p.
func (p *part) wrap(subtype string, extra []*part) {
	inner := &part{body: p.body, children: p.children}
	type field struct{ k, v string }
	var l []field
	fields := p.header.Fields()
	for fields.Next() {
		if strings.HasPrefix(strings.ToLower(fields.Key()), "content-") {
			l = append(l, field{fields.Key(), fields.Value()})
			fields.Del()
		}
	}
	// Add inserts at the top, keep the original order.
	for i := len(l) - 1; i >= 0; i-- {
		inner.header.Add(l[i].k, l[i].v)
	}
	boundary := textproto.NewMultipartWriter(io.Discard).Boundary()
	p.header.SetContentType("multipart/"+subtype, map[string]string{"boundary": boundary})
	p.body = nil
	p.children = append([]*part{inner}, extra...)
}

// write writes p and its children. Text bodies are written with their
// content-transfer-encoding, multipart boundaries are generated when absent.
func (p *part) write(w io.Writer) error {
	mw, err := message.CreateWriter(w, p.header)
	if err != nil {
		return err
	}
	if err := p.writeBody(mw); err != nil {
		return err
	}
	return mw.Close()
}

func (p *part) writeBody(mw *message.Writer) error {
	if !p.multipart() {
		_, err := mw.Write(p.body)
		return err
	}
	for _, c := range p.children {
		cw, err := mw.CreatePart(c.header)
		if err != nil {
			return err
		}
		if err := c.writeBody(cw); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
	}
	return nil
}
