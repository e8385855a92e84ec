package customize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrTemplate = errors.New("bad template")

// A template is message text with substitutions. Supported are variables,
// "{{ name }}" and "{{ contact.city }}", optionally with filters like
// "{{ name|urlencode }}", quoted literals "{{ 'text'|urlencode }}", and click
// blocks "{% click %}...{% endclick %}" that render their contents and then
// encode the result for use in a URL.
type template struct {
	nodes []node
}

type node struct {
	text   string // Literal text, when expr and click are both empty.
	expr   *expr
	click  bool
	nested []node // For click blocks.
}

type expr struct {
	name    string // Dotted path into the variables.
	literal *string
	filters []string
}

var filters = map[string]func(string) string{
	"urlencode": quote,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
}

type parseError struct{ err error }

type parser struct {
	s string
	o int
}

func (p *parser) xerrorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(parseError{fmt.Errorf("%w: %s (offset %d)", ErrTemplate, msg, p.o)})
}

func parseTemplate(s string) (t *template, rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(parseError); ok {
			rerr = err.err
			return
		}
		panic(x)
	}()

	p := &parser{s: s}
	nodes, end := p.xnodes()
	if end != "" {
		p.xerrorf("unexpected {%% %s %%}", end)
	}
	return &template{nodes}, nil
}

// xnodes parses until the end of the input or a closing block tag, which is
// returned.
func (p *parser) xnodes() (l []node, end string) {
	for p.o < len(p.s) {
		rem := p.s[p.o:]
		i := nextOpen(rem)
		if i < 0 {
			l = append(l, node{text: rem})
			p.o = len(p.s)
			break
		}
		if i > 0 {
			l = append(l, node{text: rem[:i]})
		}
		p.o += i
		if rem[i+1] == '{' {
			l = append(l, node{expr: p.xexpr()})
			continue
		}
		tag := p.xtag()
		switch tag {
		case "click":
			nested, end := p.xnodes()
			if end != "endclick" {
				p.xerrorf("missing {%% endclick %%}")
			}
			l = append(l, node{click: true, nested: nested})
		case "endclick":
			return l, tag
		default:
			p.xerrorf("unknown tag %q", tag)
		}
	}
	return l, ""
}

// nextOpen returns the index of the first "{{" or "{%" in s, or -1.
func nextOpen(s string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '{' && (s[i+1] == '{' || s[i+1] == '%') {
			return i
		}
	}
	return -1
}

func (p *parser) xexpr() *expr {
	p.o += 2
	i := strings.Index(p.s[p.o:], "}}")
	if i < 0 {
		p.xerrorf("unterminated {{")
	}
	s := strings.TrimSpace(p.s[p.o : p.o+i])
	p.o += i + 2

	var e expr
	if s != "" && (s[0] == '\'' || s[0] == '"') {
		j := strings.IndexByte(s[1:], s[0])
		if j < 0 {
			p.xerrorf("unterminated string literal")
		}
		lit := s[1 : 1+j]
		e.literal = &lit
		s = strings.TrimSpace(s[2+j:])
		if s != "" && s[0] != '|' {
			p.xerrorf("unexpected text after literal")
		}
		s = strings.TrimPrefix(s, "|")
	} else {
		var rest string
		e.name, rest, _ = strings.Cut(s, "|")
		e.name = strings.TrimSpace(e.name)
		if e.name == "" {
			p.xerrorf("empty expression")
		}
		s = rest
	}
	if s == "" {
		return &e
	}
	for _, f := range strings.Split(s, "|") {
		f = strings.TrimSpace(f)
		if _, ok := filters[f]; !ok {
			p.xerrorf("unknown filter %q", f)
		}
		e.filters = append(e.filters, f)
	}
	return &e
}

func (p *parser) xtag() string {
	p.o += 2
	i := strings.Index(p.s[p.o:], "%}")
	if i < 0 {
		p.xerrorf("unterminated {%%")
	}
	s := strings.TrimSpace(p.s[p.o : p.o+i])
	p.o += i + 2
	return s
}

// render executes the template. Variables not present render as empty
// strings. Click blocks are encoded with enc.
func (t *template) render(vars map[string]any, enc func(string) string) string {
	var b strings.Builder
	renderNodes(&b, t.nodes, vars, enc)
	return b.String()
}

func renderNodes(b *strings.Builder, nodes []node, vars map[string]any, enc func(string) string) {
	for _, n := range nodes {
		switch {
		case n.click:
			var nb strings.Builder
			renderNodes(&nb, n.nested, vars, enc)
			b.WriteString(enc(nb.String()))
		case n.expr != nil:
			var s string
			if n.expr.literal != nil {
				s = *n.expr.literal
			} else {
				s = lookup(vars, n.expr.name)
			}
			for _, f := range n.expr.filters {
				s = filters[f](s)
			}
			b.WriteString(s)
		default:
			b.WriteString(n.text)
		}
	}
}

func lookup(vars map[string]any, name string) string {
	var v any = vars
	for _, k := range strings.Split(name, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return ""
		}
		v = m[k]
	}
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case map[string]any, []any:
		buf, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(buf)
	}
	return fmt.Sprint(v)
}

// renderString parses and renders s in one step.
func renderString(s string, vars map[string]any, enc func(string) string) (string, error) {
	t, err := parseTemplate(s)
	if err != nil {
		return "", err
	}
	return t.render(vars, enc), nil
}
