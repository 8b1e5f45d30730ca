package dom

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

const (
	textExcerptLen    = 100
	channelPreviewLen = 50
)

// Descriptor is a snapshot of an element's identifying characteristics.
// It is never re-read against the live tree after capture.
type Descriptor struct {
	Tag        string            `json:"tagName"`
	ID         string            `json:"id,omitempty"`
	Classes    []string          `json:"classes,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Text       string            `json:"textContent"`
	XPath      string            `json:"xpath"`
	// Channels previews the content channels of elements that carry no
	// attributes at all, so a picker still has something to offer.
	Channels map[string]string `json:"channels,omitempty"`
}

// Describe captures a Descriptor for an element.
func Describe(n *html.Node) Descriptor {
	d := Descriptor{
		Tag:        Tag(n),
		ID:         AttrValue(n, "id"),
		Classes:    Classes(n),
		Attributes: make(map[string]string, len(n.Attr)),
		Text:       truncate(TextContent(n), textExcerptLen),
		XPath:      XPath(n),
	}
	for _, a := range n.Attr {
		if a.Namespace != "" {
			continue
		}
		d.Attributes[a.Key] = a.Val
	}
	if len(d.Attributes) == 0 {
		d.Channels = map[string]string{}
		text := truncate(TextContent(n), channelPreviewLen)
		if text != "" {
			d.Channels["textContent"] = text
		}
		if inner := truncate(InnerText(n), channelPreviewLen); inner != "" && inner != text {
			d.Channels["innerText"] = inner
		}
		if markup := truncate(InnerHTML(n), channelPreviewLen); markup != "" && markup != text {
			d.Channels["innerHTML"] = markup
		}
	}
	return d
}

// XPath returns an absolute XPath for n, anchored at the nearest ancestor
// carrying an id. Indices count same-tag element siblings.
func XPath(n *html.Node) string {
	if n == nil {
		return ""
	}
	var path []string
	for cur := n; cur != nil && cur.Type != html.DocumentNode; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		tag := Tag(cur)
		if id := htmlquery.SelectAttr(cur, "id"); id != "" {
			path = append(path, fmt.Sprintf(`//*[@id=%s]`, xpathLiteral(id)))
			break
		}
		index := 1
		for prev := cur.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && Tag(prev) == tag {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, index))
	}
	if len(path) == 0 {
		return "/"
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	xp := strings.Join(path, "/")
	if !strings.HasPrefix(xp, "//") {
		xp = "/" + xp
	}
	return xp
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	return "concat('" + strings.Join(parts, `', "'", '`) + "')"
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
