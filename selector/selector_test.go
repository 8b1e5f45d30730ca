package selector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/hazyhaar/attrwatch/dom"
)

const fixture = `<html><body>
<div id="root">
  <header class="site-header css-1x2y3z">
    <nav>
      <a class="nav-link" href="/a">A</a>
      <a class="nav-link is-active" href="/b">B</a>
      <a href="/c">C</a>
    </nav>
  </header>
  <main>
    <form>
      <input name="q" placeholder="Search">
      <input type="text" placeholder="First name">
      <input type="text" placeholder="Last name">
      <button data-testid="submit-btn" class="btn primary">Go</button>
    </form>
    <ul class="items">
      <li class="item">one</li>
      <li class="item">two</li>
      <li class="item selected">three</li>
    </ul>
    <div id="price" class="price-box">42</div>
    <span class="css-a1b2c3 btn is-active">buy</span>
    <p><em>x</em><em>y</em></p>
    <p><em>z</em></p>
    <div id="a1b2c3d4e5"><i>hashed parent</i></div>
    <section data-section="pricing"><h2>Plans</h2></section>
  </main>
</div>
</body></html>`

func parse(t *testing.T) *html.Node {
	t.Helper()
	root, err := html.Parse(strings.NewReader(fixture))
	require.NoError(t, err)
	return root
}

func TestSynthesize_RoundTrip(t *testing.T) {
	root := parse(t)
	s := NewSynthesizer()
	r := NewResolver(root, WithoutScoring())

	for _, n := range dom.Elements(root) {
		sel := s.Synthesize(n)
		found, err := r.QueryAll(sel)
		require.NoError(t, err, "selector %q", sel)
		require.Len(t, found, 1, "selector %q for <%s>", sel, n.Data)
		assert.Same(t, n, found[0], "selector %q", sel)
	}
}

func TestSynthesize_StrategyPriority(t *testing.T) {
	root := parse(t)
	s := NewSynthesizer()

	price := byText(t, root, "div", "42")
	c := s.SynthesizeCandidate(price)
	assert.Equal(t, Candidate{Selector: "#price", Strategy: StrategyID}, c,
		"id wins over distinguishing classes")

	btn := byText(t, root, "button", "Go")
	c = s.SynthesizeCandidate(btn)
	assert.Equal(t, StrategyAttribute, c.Strategy)
	assert.Equal(t, `button[data-testid="submit-btn"]`, c.Selector)

	sec := byText(t, root, "section", "Plans")
	assert.Equal(t, `section[data-section="pricing"]`, s.Synthesize(sec))
}

func TestSynthesize_GenericAndHashedIDsSkipped(t *testing.T) {
	root := parse(t)
	s := NewSynthesizer()

	app := dom.FindFirst(root, func(n *html.Node) bool { return dom.AttrValue(n, "id") == "root" })
	require.NotNil(t, app)
	assert.NotEqual(t, "#root", s.Synthesize(app))

	hashed := dom.FindFirst(root, func(n *html.Node) bool { return dom.AttrValue(n, "id") == "a1b2c3d4e5" })
	require.NotNil(t, hashed)
	assert.NotContains(t, s.Synthesize(hashed), "a1b2c3d4e5")

	custom := NewSynthesizer(WithGenericIDs(nil))
	assert.Equal(t, "#root", custom.Synthesize(app))
}

func TestSynthesize_StableClassFiltering(t *testing.T) {
	root := parse(t)
	s := NewSynthesizer()

	span := byText(t, root, "span", "buy")
	c := s.SynthesizeCandidate(span)
	assert.Equal(t, Candidate{Selector: "span.btn", Strategy: StrategyClass}, c)

	// No class survives on the third link, so synthesis moves on.
	link := byText(t, root, "a", "C")
	c = s.SynthesizeCandidate(link)
	assert.NotEqual(t, StrategyClass, c.Strategy)
	assert.NotContains(t, c.Selector, "is-active")
}

func TestSynthesize_ClassWithNthChild(t *testing.T) {
	root := parse(t)
	s := NewSynthesizer()

	li := byText(t, root, "li", "two")
	assert.Equal(t, Candidate{Selector: "li.item:nth-child(2)", Strategy: StrategyClass}, s.SynthesizeCandidate(li))
}

func TestSynthesize_FormCompound(t *testing.T) {
	root := parse(t)
	s := NewSynthesizer()

	last := dom.FindFirst(root, func(n *html.Node) bool { return dom.AttrValue(n, "placeholder") == "Last name" })
	require.NotNil(t, last)
	c := s.SynthesizeCandidate(last)
	assert.Equal(t, StrategyAttribute, c.Strategy)
	assert.Equal(t, `input[type="text"][placeholder="Last name"]`, c.Selector)

	q := dom.FindFirst(root, func(n *html.Node) bool { return dom.AttrValue(n, "name") == "q" })
	assert.Equal(t, `input[name="q"]`, s.Synthesize(q))
}

func TestSynthesize_Positional(t *testing.T) {
	root := parse(t)
	s := NewSynthesizer()

	em := byText(t, root, "em", "y")
	c := s.SynthesizeCandidate(em)
	assert.Equal(t, StrategyPositional, c.Strategy)
	assert.Equal(t, "main > p > em:nth-child(2)", c.Selector)
}

func TestSynthesize_FullPathFallback(t *testing.T) {
	root := parse(t)
	s := NewSynthesizer()

	em := byText(t, root, "em", "z")
	c := s.SynthesizeCandidate(em)
	assert.Equal(t, StrategyFullPath, c.Strategy)
	assert.True(t, strings.HasPrefix(c.Selector, "body > "), c.Selector)
	assert.True(t, validate(root, c.Selector, em))
}

func TestSynthesize_IgnoredAttribute(t *testing.T) {
	root, err := html.Parse(strings.NewReader(
		`<html><body><b data-dom-watcher="dw_x">one</b><b>two</b></body></html>`))
	require.NoError(t, err)
	b := byText(t, root, "b", "one")

	assert.Equal(t, `b[data-dom-watcher="dw_x"]`, NewSynthesizer().Synthesize(b))
	assert.Equal(t, "html > body > b:nth-child(1)", NewSynthesizer(IgnoreAttributes("data-dom-watcher")).Synthesize(b))
}

func TestEscapeIdent(t *testing.T) {
	assert.Equal(t, "plain-id_1", EscapeIdent("plain-id_1"))
	assert.Equal(t, `\31 23`, EscapeIdent("123"))
	assert.Equal(t, `a\:b`, EscapeIdent("a:b"))
	assert.Equal(t, `\-`, EscapeIdent("-"))
	assert.Equal(t, `"say \"hi\""`, QuoteValue(`say "hi"`))
}

func TestSynthesize_EscapedID(t *testing.T) {
	root, err := html.Parse(strings.NewReader(`<html><body><p id="1st:item">x</p></body></html>`))
	require.NoError(t, err)
	p := byText(t, root, "p", "x")
	sel := NewSynthesizer().Synthesize(p)
	assert.Equal(t, `#\31 st\:item`, sel)
	assert.True(t, validate(root, sel, p))
}

func TestResolve_HexEscapedIDHint(t *testing.T) {
	root, err := html.Parse(strings.NewReader(
		`<html><body><p id="1st">first</p><p id="z9">second</p></body></html>`))
	require.NoError(t, err)
	first := byText(t, root, "p", "first")

	sel := NewSynthesizer().Synthesize(first)
	require.Equal(t, `#\31 st`, sel)
	got, err := NewResolver(root).Resolve(sel)
	require.NoError(t, err)
	assert.Same(t, first, got)

	// Both elements match the group; only the decoded id hint picks the first.
	got, err = NewResolver(root).Resolve(`#\31 st, #z9`)
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, "1st", parseHints(`#\31 st, #z9`).id)
	assert.Equal(t, []string{"123"}, parseHints(`p.\31 23`).classes)
}

func TestUnescape(t *testing.T) {
	cases := map[string]string{
		`plain`:         "plain",
		`\31 23`:        "123",
		`\31 st\:item`: "1st:item",
		`\000031x`:      "1x",
		`\e9t\e9`:       "été",
		`a\\b`:         `a\b`,
		`\-`:            "-",
		`\0 x`:          "\uFFFDx",
	}
	for in, want := range cases {
		assert.Equal(t, want, unescape(in), in)
	}
}

func TestStableClasses(t *testing.T) {
	assert.Equal(t, []string{"btn"}, StableClasses([]string{"css-a1b2c3", "btn", "is-active"}))
	assert.Equal(t, []string{"card", "card__title"},
		StableClasses([]string{"sc-bdVaJa", "card", "jsx-123", "card__title", "extra"}))
	assert.Empty(t, StableClasses([]string{"ab", "x1", "MuiButton-root", "has-error", "tab-selected", "hover"}))
	assert.Empty(t, StableClasses([]string{"Button_primary__3xYz9", "_1f2e3d"}))
}

func TestLooksHashed(t *testing.T) {
	assert.True(t, LooksHashed("a1b2c3d4"))
	assert.True(t, LooksHashed("3f2a-11ee-b962"))
	assert.True(t, LooksHashed("xK9pQ2rT7vW1yZ3a"))
	assert.False(t, LooksHashed("submit-btn"))
	assert.False(t, LooksHashed("pricing"))
	assert.False(t, LooksHashed(""))
}

func TestResolve_Errors(t *testing.T) {
	r := NewResolver(parse(t))

	_, err := r.Resolve("#nope")
	assert.ErrorIs(t, err, ErrTargetNotFound)

	_, err = r.Resolve("div[")
	assert.ErrorIs(t, err, ErrInvalidSelector)

	_, err = r.Resolve("")
	assert.ErrorIs(t, err, ErrInvalidSelector)

	_, err = r.Resolve("xpath://*[")
	assert.ErrorIs(t, err, ErrInvalidSelector)

	_, err = NewResolver(parse(t), WithoutScoring()).Resolve("li.item")
	assert.ErrorIs(t, err, ErrAmbiguousTarget)
}

func TestResolve_Disambiguation(t *testing.T) {
	root := parse(t)
	r := NewResolver(root)

	// Equal scores: the later element wins.
	n, err := r.Resolve("li.item")
	require.NoError(t, err)
	assert.Equal(t, "three", dom.TextContent(n))

	// A matching placeholder outscores the other text input.
	n, err = r.Resolve(`form input[type="text"], input[placeholder="First name"]`)
	require.NoError(t, err)
	assert.Equal(t, "First name", dom.AttrValue(n, "placeholder"))

	// id-bearing elements win outright.
	n, err = r.Resolve("main > [class]")
	require.NoError(t, err)
	assert.Equal(t, "price", dom.AttrValue(n, "id"))

	// A matching name breaks the tie before scoring.
	n, err = r.Resolve(`input[name="q"], input[type="text"]`)
	require.NoError(t, err)
	assert.Equal(t, "q", dom.AttrValue(n, "name"))
}

func TestResolve_ExtendedForms(t *testing.T) {
	root := parse(t)
	r := NewResolver(root)

	n, err := r.Resolve(`li[text="two"]`)
	require.NoError(t, err)
	assert.Equal(t, "two", dom.TextContent(n))

	_, err = r.Resolve(`li[text="four"]`)
	assert.ErrorIs(t, err, ErrTargetNotFound)

	n, err = r.Resolve(`//ul[@class='items']/li[1]`)
	require.NoError(t, err)
	assert.Equal(t, "one", dom.TextContent(n))

	n, err = r.Resolve(`xpath://*[@id='price']`)
	require.NoError(t, err)
	assert.Equal(t, "42", dom.TextContent(n))

	// The XPath produced by dom.XPath resolves to the same element.
	li := byText(t, root, "li", "three")
	n, err = r.Resolve(dom.XPath(li))
	require.NoError(t, err)
	assert.Same(t, li, n)
}

func byText(t *testing.T, root *html.Node, tag, text string) *html.Node {
	t.Helper()
	n := dom.FindFirst(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == tag && strings.TrimSpace(dom.TextContent(n)) == text
	})
	require.NotNil(t, n, "no <%s> with text %q", tag, text)
	return n
}
