package selector

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/hazyhaar/attrwatch/dom"
)

const xpathPrefix = "xpath:"

var (
	textForm  = regexp.MustCompile(`^(.+)\[text="([^"]+)"\]$`)
	hintID    = regexp.MustCompile(`#((?:\\[0-9a-fA-F]{1,6}\s?|\\.|[\w-])+)`)
	hintClass = regexp.MustCompile(`\.((?:\\[0-9a-fA-F]{1,6}\s?|\\.|[\w-])+)`)
	hintAttr  = regexp.MustCompile(`\[\s*([\w-]+)\s*([~|^$*]?=)\s*"((?:\\.|[^"\\])*)"\s*\]`)
)

// Scoring weights for disambiguation.
const (
	weightID         = 100
	weightName       = 50
	weightType       = 20
	weightClass      = 10
	weightValueExact = 30
	weightValuePart  = 15
	weightDataAttr   = 25
)

// Resolver looks selectors up in one document.
type Resolver struct {
	root    *html.Node
	scoring bool
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithoutScoring disables the scoring step: matches that neither the id nor
// the name preference can separate become ErrAmbiguousTarget.
func WithoutScoring() ResolverOption {
	return func(r *Resolver) { r.scoring = false }
}

// NewResolver returns a Resolver over the tree rooted at root.
func NewResolver(root *html.Node, opts ...ResolverOption) *Resolver {
	r := &Resolver{root: root, scoring: true}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsXPath reports whether sel is written in the XPath form.
func IsXPath(sel string) bool {
	sel = strings.TrimSpace(sel)
	return strings.HasPrefix(sel, xpathPrefix) || strings.HasPrefix(sel, "/") || strings.HasPrefix(sel, "(/")
}

// QueryAll returns every element matching sel in document order.
func (r *Resolver) QueryAll(sel string) ([]*html.Node, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSelector)
	}
	if IsXPath(sel) {
		return r.queryXPath(strings.TrimPrefix(sel, xpathPrefix))
	}

	m, err := cascadia.Compile(sel)
	if err != nil {
		if tm := textForm.FindStringSubmatch(sel); tm != nil {
			return r.queryText(tm[1], tm[2])
		}
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSelector, sel, err)
	}
	found := m.MatchAll(r.root)
	if len(found) == 0 {
		// tag[text="..."] also parses as CSS; fall back to text matching.
		if tm := textForm.FindStringSubmatch(sel); tm != nil {
			return r.queryText(tm[1], tm[2])
		}
	}
	return found, nil
}

// Resolve returns the single element sel designates.
func (r *Resolver) Resolve(sel string) (*html.Node, error) {
	found, err := r.QueryAll(sel)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrTargetNotFound, sel)
	case 1:
		return found[0], nil
	}
	n := r.disambiguate(sel, found)
	if n == nil {
		return nil, fmt.Errorf("%w: %q matches %d elements", ErrAmbiguousTarget, sel, len(found))
	}
	return n, nil
}

func (r *Resolver) queryXPath(expr string) ([]*html.Node, error) {
	nodes, err := htmlquery.QueryAll(r.root, expr)
	if err != nil {
		return nil, fmt.Errorf("%w: xpath %q: %v", ErrInvalidSelector, expr, err)
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *Resolver) queryText(base, text string) ([]*html.Node, error) {
	m, err := cascadia.Compile(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSelector, base, err)
	}
	var out []*html.Node
	for _, n := range m.MatchAll(r.root) {
		if strings.TrimSpace(dom.TextContent(n)) == text {
			out = append(out, n)
		}
	}
	return out, nil
}

// disambiguate prefers id-bearing elements, then a matching name, then the
// highest score. Ties go to the later element in document order.
func (r *Resolver) disambiguate(sel string, found []*html.Node) *html.Node {
	h := parseHints(sel)

	cands := found
	if withID := filter(cands, func(n *html.Node) bool { return dom.AttrValue(n, "id") != "" }); len(withID) > 0 {
		if len(withID) == 1 {
			return withID[0]
		}
		cands = withID
	}
	if name, ok := h.attrs["name"]; ok {
		named := filter(cands, func(n *html.Node) bool { return dom.AttrValue(n, "name") == name })
		if len(named) == 1 {
			return named[0]
		}
		if len(named) > 0 {
			cands = named
		}
	}
	if !r.scoring {
		return nil
	}

	var best *html.Node
	bestScore := -1
	for _, n := range cands {
		if s := h.score(n); s >= bestScore {
			best, bestScore = n, s
		}
	}
	return best
}

type hints struct {
	id      string
	classes []string
	attrs   map[string]string
}

func parseHints(sel string) hints {
	h := hints{attrs: map[string]string{}}
	// Strip attribute blocks first so values cannot pose as ids or classes.
	rest := hintAttr.ReplaceAllStringFunc(sel, func(m string) string {
		sm := hintAttr.FindStringSubmatch(m)
		if sm[2] == "=" {
			h.attrs[sm[1]] = unescape(sm[3])
		}
		return " "
	})
	if m := hintID.FindStringSubmatch(rest); m != nil {
		h.id = unescape(m[1])
	}
	for _, m := range hintClass.FindAllStringSubmatch(rest, -1) {
		h.classes = append(h.classes, unescape(m[1]))
	}
	return h
}

func (h hints) score(n *html.Node) int {
	s := 0
	if h.id != "" && dom.AttrValue(n, "id") == h.id {
		s += weightID
	}
	if v, ok := h.attrs["name"]; ok && dom.AttrValue(n, "name") == v {
		s += weightName
	}
	if v, ok := h.attrs["type"]; ok && dom.AttrValue(n, "type") == v {
		s += weightType
	}
	classes := dom.Classes(n)
	for _, c := range h.classes {
		if slices.Contains(classes, c) {
			s += weightClass
		}
	}
	for _, key := range formValueAttributes {
		want, ok := h.attrs[key]
		if !ok || want == "" {
			continue
		}
		got := dom.AttrValue(n, key)
		switch {
		case got == want:
			s += weightValueExact
		case strings.Contains(got, want):
			s += weightValuePart
		}
	}
	for key, want := range h.attrs {
		if strings.HasPrefix(key, "data-") && dom.AttrValue(n, key) == want {
			s += weightDataAttr
		}
	}
	return s
}

func filter(nodes []*html.Node, keep func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	for _, n := range nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// unescape decodes CSS backslash escapes for comparison purposes. A hex
// escape is one to six hex digits plus one optional whitespace.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		j := i + 1
		for j < len(s) && j-i <= 6 && isHex(s[j]) {
			j++
		}
		if j == i+1 {
			// Not hex: the next character stands for itself.
			b.WriteByte(s[j])
			i = j
			continue
		}
		cp, _ := strconv.ParseUint(s[i+1:j], 16, 32)
		r := rune(cp)
		if r == 0 || r > unicode.MaxRune || (r >= 0xD800 && r <= 0xDFFF) {
			r = unicode.ReplacementChar
		}
		b.WriteRune(r)
		if j < len(s) && isCSSSpace(s[j]) {
			j++
		}
		i = j - 1
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func isCSSSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
