// Package selector derives CSS selectors that re-identify an element and
// resolves selectors back to elements.
//
// Synthesis tries a chain of strategies from most to least stable and
// accepts the first candidate that matches exactly the target element.
// Resolution is the inverse: it accepts CSS plus two extended forms
// (tag[text="..."] and XPath) and breaks ties between several matches.
package selector

import (
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/hazyhaar/attrwatch/dom"
)

// Strategy names the rule that produced a selector.
type Strategy string

const (
	StrategyID         Strategy = "id"
	StrategyAttribute  Strategy = "attribute"
	StrategyClass      Strategy = "class"
	StrategyPositional Strategy = "positional"
	StrategyFullPath   Strategy = "full-path"
)

// Candidate is a validated selector and the strategy that produced it.
type Candidate struct {
	Selector string   `json:"selector"`
	Strategy Strategy `json:"strategy"`
}

// stableAttributes are tried in order before other data-* attributes.
var stableAttributes = []string{
	"data-testid", "data-cy", "data-test", "name", "type", "role", "aria-label",
}

// formValueAttributes are combined into a compound segment for controls.
var formValueAttributes = []string{"value", "placeholder"}

var formTags = []string{"input", "textarea", "select", "button", "option"}

// Synthesizer builds selectors. It holds no per-document state and can be
// shared by any number of documents on the same loop.
type Synthesizer struct {
	genericIDs []string
	ignored    []string
	logger     *slog.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithGenericIDs replaces the list of ids the id strategy skips.
func WithGenericIDs(ids []string) Option {
	return func(s *Synthesizer) { s.genericIDs = slices.Clone(ids) }
}

// IgnoreAttributes keeps the attribute strategy away from names such as
// marker attributes stamped by the caller.
func IgnoreAttributes(names ...string) Option {
	return func(s *Synthesizer) { s.ignored = append(s.ignored, names...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synthesizer) { s.logger = l }
}

// NewSynthesizer returns a Synthesizer with the default generic id list.
func NewSynthesizer(opts ...Option) *Synthesizer {
	s := &Synthesizer{genericIDs: slices.Clone(DefaultGenericIDs), logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Synthesize returns a selector for n. It never fails: when no strategy
// validates, the full ancestor path is returned.
func (s *Synthesizer) Synthesize(n *html.Node) string {
	return s.SynthesizeCandidate(n).Selector
}

// SynthesizeCandidate is Synthesize plus the winning strategy.
func (s *Synthesizer) SynthesizeCandidate(n *html.Node) Candidate {
	root := topOf(n)
	try := func(strategy Strategy, sels ...string) (Candidate, bool) {
		for _, sel := range sels {
			if sel != "" && validate(root, sel, n) {
				return Candidate{Selector: sel, Strategy: strategy}, true
			}
		}
		return Candidate{}, false
	}

	if c, ok := try(StrategyID, s.idSelector(n)); ok {
		return c
	}
	if c, ok := try(StrategyAttribute, s.attributeSelectors(n)...); ok {
		return c
	}
	if c, ok := try(StrategyClass, s.classSelectors(n)...); ok {
		return c
	}
	if c, ok := try(StrategyPositional, s.positionalSelectors(n)...); ok {
		return c
	}
	sel := s.fullPath(root, n)
	if !validate(root, sel, n) {
		s.logger.Debug("selector: full path did not validate", "selector", sel)
	}
	return Candidate{Selector: sel, Strategy: StrategyFullPath}
}

func (s *Synthesizer) idSelector(n *html.Node) string {
	id := dom.AttrValue(n, "id")
	if id == "" || strings.ContainsAny(id, " \t\n") || s.genericID(id) || LooksHashed(id) {
		return ""
	}
	return "#" + EscapeIdent(id)
}

func (s *Synthesizer) attributeSelectors(n *html.Node) []string {
	tag := dom.Tag(n)
	var out []string
	stable := ""
	for _, name := range s.attributeOrder(n) {
		v, ok := dom.Attr(n, name)
		if !ok || strings.TrimSpace(v) == "" || LooksHashed(v) {
			continue
		}
		seg := attrSelector(name, v)
		if stable == "" {
			stable = seg
		}
		out = append(out, tag+seg)
	}

	if !slices.Contains(formTags, tag) {
		return out
	}
	compound := stable
	added := 0
	for _, name := range formValueAttributes {
		v, ok := dom.Attr(n, name)
		if !ok || v == "" {
			continue
		}
		compound += attrSelector(name, v)
		added++
	}
	if added > 0 {
		out = append(out, tag+compound)
	}
	return out
}

// attributeOrder lists the stable attributes present on n, then the
// remaining data-* attributes sorted by name.
func (s *Synthesizer) attributeOrder(n *html.Node) []string {
	var names []string
	for _, name := range stableAttributes {
		if _, ok := dom.Attr(n, name); ok && !slices.Contains(s.ignored, name) {
			names = append(names, name)
		}
	}
	var extra []string
	for _, a := range n.Attr {
		if a.Namespace != "" || !strings.HasPrefix(a.Key, "data-") {
			continue
		}
		if slices.Contains(stableAttributes, a.Key) || slices.Contains(s.ignored, a.Key) {
			continue
		}
		extra = append(extra, a.Key)
	}
	sort.Strings(extra)
	return append(names, extra...)
}

func (s *Synthesizer) classSelectors(n *html.Node) []string {
	seg := classSegment(n)
	if seg == "" {
		return nil
	}
	out := []string{seg}
	if dom.SameTagSiblings(n) > 1 {
		out = append(out, seg+nthChild(n))
	}
	return out
}

func (s *Synthesizer) positionalSelectors(n *html.Node) []string {
	seg := dom.Tag(n) + nthChild(n)
	var out []string
	if prefix := s.ancestorPrefix(n.Parent, 2); prefix != "" {
		out = append(out, prefix+" > "+seg)
	}
	return append(out, seg)
}

// ancestorPrefix climbs at most depth levels, stopping at the first
// ancestor that has an id or class segment.
func (s *Synthesizer) ancestorPrefix(p *html.Node, depth int) string {
	var path []string
	for i := 0; i < depth && dom.IsElement(p); i++ {
		if seg := s.anchorSegment(p); seg != "" {
			path = append(path, seg)
			break
		}
		path = append(path, dom.Tag(p))
		p = p.Parent
	}
	slices.Reverse(path)
	return strings.Join(path, " > ")
}

func (s *Synthesizer) anchorSegment(n *html.Node) string {
	if id := s.idSelector(n); id != "" {
		return id
	}
	return classSegment(n)
}

// fullPath walks towards <body>, stopping early at an ancestor whose id or
// class segment is unique in the document.
func (s *Synthesizer) fullPath(root, n *html.Node) string {
	var path []string
	for cur := n; dom.IsElement(cur); cur = cur.Parent {
		tag := dom.Tag(cur)
		if tag == "body" || tag == "html" {
			path = append(path, tag)
			break
		}
		if cur != n {
			if id := s.idSelector(cur); id != "" && unique(root, id) {
				path = append(path, id)
				break
			}
			if seg := classSegment(cur); seg != "" && unique(root, seg) {
				path = append(path, seg)
				break
			}
		}
		path = append(path, tag+nthChild(cur))
	}
	slices.Reverse(path)
	return strings.Join(path, " > ")
}

func classSegment(n *html.Node) string {
	classes := StableClasses(dom.Classes(n))
	if len(classes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(dom.Tag(n))
	for _, c := range classes {
		b.WriteByte('.')
		b.WriteString(EscapeIdent(c))
	}
	return b.String()
}

func nthChild(n *html.Node) string {
	i := dom.ChildIndex(n)
	if i == 0 {
		return ""
	}
	return ":nth-child(" + strconv.Itoa(i) + ")"
}

// validate reports whether sel matches exactly one element under root and
// that element is n.
func validate(root *html.Node, sel string, n *html.Node) bool {
	m, err := cascadia.Compile(sel)
	if err != nil {
		return false
	}
	found := m.MatchAll(root)
	return len(found) == 1 && found[0] == n
}

func unique(root *html.Node, sel string) bool {
	m, err := cascadia.Compile(sel)
	if err != nil {
		return false
	}
	return len(m.MatchAll(root)) == 1
}

func topOf(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}
