package customize

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
)

// attachment is an entry of the "attachments" list in the contact data of a
// recipient.
type attachment struct {
	Data        string // Base64.
	ContentType string
	Filename    string
	ContentID   string
	Charset     string
}

// attachments returns the attachments from contact data, split in those with
// a content-id, to be added to a multipart/related, and the others, to be
// added to a multipart/mixed.
func attachments(contact map[string]any) (related, mixed []*part, err error) {
	l, ok := contact["attachments"].([]any)
	if !ok {
		return nil, nil, nil
	}
	for i, x := range l {
		m, ok := x.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("attachment %d: not an object", i)
		}
		str := func(k string) string {
			s, _ := m[k].(string)
			return s
		}
		a := attachment{str("data"), str("content-type"), str("filename"), str("content-id"), str("charset")}
		p, err := a.part()
		if err != nil {
			return nil, nil, fmt.Errorf("attachment %d: %w", i, err)
		}
		if a.ContentID != "" {
			related = append(related, p)
		} else {
			mixed = append(mixed, p)
		}
	}
	return related, mixed, nil
}

func (a attachment) part() (*part, error) {
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 data: %w", err)
	}
	ct := strings.ToLower(strings.TrimSpace(a.ContentType))
	maintype, subtype, ok := strings.Cut(ct, "/")
	if !ok || maintype == "" || subtype == "" || maintype == "multipart" {
		return nil, fmt.Errorf("bad content-type %q", a.ContentType)
	}

	var h message.Header
	params := map[string]string{}
	if maintype == "text" {
		cs := a.Charset
		if cs == "" {
			cs = "us-ascii"
		}
		if !isUTF8(cs) {
			r, err := charset.Reader(cs, bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("charset %q: %w", cs, err)
			}
			data, err = io.ReadAll(r)
			if err != nil {
				return nil, fmt.Errorf("decoding charset %q: %w", cs, err)
			}
			cs = "utf-8"
		}
		params["charset"] = cs
	}
	h.SetContentType(ct, params)
	h.Set("Content-Transfer-Encoding", "base64")
	if a.Filename != "" {
		h.SetContentDisposition("attachment", map[string]string{"filename": a.Filename})
	}
	if a.ContentID != "" {
		cid := a.ContentID
		if !strings.HasPrefix(cid, "<") {
			cid = "<" + cid + ">"
		}
		h.Set("Content-ID", cid)
	}
	return &part{header: h, body: data}, nil
}
