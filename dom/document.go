// Package dom is a live, mutable document model built on golang.org/x/net/html.
//
// A Document is owned by a loop.Loop: every mutation method must be called
// from a task running on that loop. Mutations are reported to subscriptions
// (see Observe) in batches, after the current task finishes, the same way a
// browser delivers MutationObserver records.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/attrwatch/loop"
)

// ErrNotChild is returned when a node is removed from a parent it does not
// belong to.
var ErrNotChild = errors.New("dom: node is not a child of parent")

// Document is a mutable HTML tree with mutation notification.
type Document struct {
	root *html.Node
	loop *loop.Loop

	subs          []*Subscription
	notifyPending bool
}

// New wraps an existing tree. If root is not a document node it is placed
// under a fresh one.
func New(root *html.Node, l *loop.Loop) *Document {
	if root == nil {
		root = &html.Node{Type: html.DocumentNode}
	}
	if root.Type != html.DocumentNode {
		doc := &html.Node{Type: html.DocumentNode}
		if root.Parent != nil {
			root.Parent.RemoveChild(root)
		}
		doc.AppendChild(root)
		root = doc
	}
	return &Document{root: root, loop: l}
}

// Parse reads an HTML document.
func Parse(r io.Reader, l *loop.Loop) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return New(root, l), nil
}

// ParseString is Parse for an in-memory string.
func ParseString(s string, l *loop.Loop) (*Document, error) {
	return Parse(strings.NewReader(s), l)
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// Loop returns the loop that owns the document.
func (d *Document) Loop() *loop.Loop { return d.loop }

// Body returns the <body> element, or nil.
func (d *Document) Body() *html.Node {
	return FindFirst(d.root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "body"
	})
}

// Contains reports whether n is attached to the document.
func (d *Document) Contains(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// Render serialises the whole document.
func (d *Document) Render() string {
	var buf bytes.Buffer
	html.Render(&buf, d.root)
	return buf.String()
}

// SetAttribute sets name=value on an element. A record is queued even when
// the value does not change.
func (d *Document) SetAttribute(n *html.Node, name, value string) {
	old, had := Attr(n, name)
	if had {
		for i := range n.Attr {
			if n.Attr[i].Namespace == "" && n.Attr[i].Key == name {
				n.Attr[i].Val = value
				break
			}
		}
	} else {
		n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
	}
	d.queue(Record{Type: Attributes, Target: n, AttributeName: name, OldValue: old, hadOld: had})
}

// RemoveAttribute deletes an attribute. Removing a missing attribute is a
// no-op and queues nothing.
func (d *Document) RemoveAttribute(n *html.Node, name string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			d.queue(Record{Type: Attributes, Target: n, AttributeName: name, OldValue: a.Val, hadOld: true})
			return
		}
	}
}

// AppendChild moves child to the end of parent's children.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.InsertBefore(parent, child, nil)
}

// InsertBefore inserts child before ref. A nil ref appends.
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if child.Parent != nil {
		d.detach(child)
	}
	parent.InsertBefore(child, ref)
	d.queue(Record{Type: ChildList, Target: parent, Added: []*html.Node{child}})
}

// RemoveChild detaches child from parent.
func (d *Document) RemoveChild(parent, child *html.Node) error {
	if child.Parent != parent {
		return ErrNotChild
	}
	d.detach(child)
	return nil
}

// Remove detaches n from its parent, if any.
func (d *Document) Remove(n *html.Node) {
	if n.Parent != nil {
		d.detach(n)
	}
}

func (d *Document) detach(n *html.Node) {
	parent := n.Parent
	parent.RemoveChild(n)
	d.queue(Record{Type: ChildList, Target: parent, Removed: []*html.Node{n}})
}

// SetCharacterData replaces the data of a text or comment node.
func (d *Document) SetCharacterData(n *html.Node, data string) {
	old := n.Data
	n.Data = data
	d.queue(Record{Type: CharacterData, Target: n, OldValue: old, hadOld: true})
}

// SetTextContent replaces all children of n with a single text node.
func (d *Document) SetTextContent(n *html.Node, text string) {
	var nodes []*html.Node
	if text != "" {
		nodes = append(nodes, &html.Node{Type: html.TextNode, Data: text})
	}
	d.ReplaceChildren(n, nodes...)
}

// SetInnerHTML parses markup in the context of n and replaces its children.
func (d *Document) SetInnerHTML(n *html.Node, markup string) error {
	nodes, err := html.ParseFragment(strings.NewReader(markup), n)
	if err != nil {
		return fmt.Errorf("dom: parse fragment: %w", err)
	}
	d.ReplaceChildren(n, nodes...)
	return nil
}

// ReplaceChildren swaps the children of n for nodes, queuing one record.
func (d *Document) ReplaceChildren(n *html.Node, nodes ...*html.Node) {
	var removed []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for _, c := range nodes {
		if c.Parent != nil {
			c.Parent.RemoveChild(c)
		}
		n.AppendChild(c)
	}
	if len(removed) == 0 && len(nodes) == 0 {
		return
	}
	d.queue(Record{Type: ChildList, Target: n, Added: nodes, Removed: removed})
}

// ReplaceRoot swaps the whole tree for the children of newRoot, keeping the
// document node itself. Every previously attached node becomes detached.
func (d *Document) ReplaceRoot(newRoot *html.Node) {
	var nodes []*html.Node
	for c := newRoot.FirstChild; c != nil; c = c.NextSibling {
		nodes = append(nodes, c)
	}
	d.ReplaceChildren(d.root, nodes...)
}
