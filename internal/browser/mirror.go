package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/attrwatch/dom"
	"github.com/hazyhaar/attrwatch/loop"
)

// CDP node types.
const (
	nodeElement  = 1
	nodeText     = 3
	nodeCDATA    = 4
	nodeComment  = 8
	nodeDocument = 9
	nodeDoctype  = 10
)

// Mirror keeps a dom.Document in step with a tab's DOM. CDP events arrive
// on rod's event goroutine and are replayed as loop tasks through the dom
// mutation primitives, so subscriptions fire exactly as for local edits.
type Mirror struct {
	loop   *loop.Loop
	doc    *dom.Document
	logger *slog.Logger

	// Loop-owned.
	nodes map[proto.DOMNodeID]*html.Node
	ids   map[*html.Node]proto.DOMNodeID

	done chan struct{}
}

// NewMirror creates an empty mirror whose document belongs to l.
func NewMirror(l *loop.Loop, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		loop:   l,
		logger: logger,
		nodes:  make(map[proto.DOMNodeID]*html.Node),
		ids:    make(map[*html.Node]proto.DOMNodeID),
	}
}

// Document returns the mirrored document, nil before Build or Attach.
func (m *Mirror) Document() *dom.Document { return m.doc }

// Build converts a CDP tree into the mirror's document. Call it on the
// loop, or before the loop runs.
func (m *Mirror) Build(root *proto.DOMNode) *dom.Document {
	m.doc = dom.New(m.convert(root), m.loop)
	return m.doc
}

// Attach enables the DOM domain on page, builds the document from a full
// getDocument and starts replaying DOM events until ctx is done. Call it
// before the loop starts running.
func (m *Mirror) Attach(ctx context.Context, page *rod.Page) (*dom.Document, error) {
	p := page.Context(ctx)
	if err := (proto.DOMEnable{}).Call(p); err != nil {
		return nil, fmt.Errorf("browser: DOM.enable: %w", err)
	}

	wait := p.EachEvent(
		func(e *proto.DOMChildNodeInserted) { m.loop.Post(func() { m.Apply(e) }) },
		func(e *proto.DOMChildNodeRemoved) { m.loop.Post(func() { m.Apply(e) }) },
		func(e *proto.DOMAttributeModified) { m.loop.Post(func() { m.Apply(e) }) },
		func(e *proto.DOMAttributeRemoved) { m.loop.Post(func() { m.Apply(e) }) },
		func(e *proto.DOMCharacterDataModified) { m.loop.Post(func() { m.Apply(e) }) },
		func(e *proto.DOMSetChildNodes) { m.loop.Post(func() { m.Apply(e) }) },
		func(*proto.DOMDocumentUpdated) {
			// Node ids are invalidated; refetch off the event goroutine.
			go m.refresh(ctx, p)
		},
	)

	root, err := getDocument(p)
	if err != nil {
		return nil, err
	}
	doc := m.Build(root)
	m.logger.Info("browser: DOM mirror attached", "nodes", len(m.nodes))

	m.done = make(chan struct{})
	go func() {
		wait()
		close(m.done)
	}()
	return doc, nil
}

// Done is closed once event replay has stopped.
func (m *Mirror) Done() <-chan struct{} { return m.done }

func (m *Mirror) refresh(ctx context.Context, page *rod.Page) {
	root, err := getDocument(page)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("browser: refetch document failed", "error", err)
		}
		return
	}
	m.loop.Post(func() { m.Reset(root) })
}

// Reset replaces the whole mirrored tree after a document update. Loop-only.
func (m *Mirror) Reset(root *proto.DOMNode) {
	clear(m.nodes)
	clear(m.ids)
	fresh := m.convert(root)
	m.doc.ReplaceRoot(fresh)
	// The document node keeps its identity; map the new root id onto it.
	delete(m.ids, fresh)
	m.track(root.NodeID, m.doc.Root())
}

func getDocument(page *rod.Page) (*proto.DOMNode, error) {
	depth := -1
	res, err := proto.DOMGetDocument{Depth: &depth}.Call(page)
	if err != nil {
		return nil, fmt.Errorf("browser: DOM.getDocument: %w", err)
	}
	return res.Root, nil
}

// Apply replays one CDP DOM event. Events naming unknown nodes are
// dropped. Loop-only.
func (m *Mirror) Apply(ev any) {
	switch e := ev.(type) {
	case *proto.DOMChildNodeInserted:
		parent := m.nodes[e.ParentNodeID]
		if parent == nil {
			m.unknown("childNodeInserted", e.ParentNodeID)
			return
		}
		ref := parent.FirstChild
		if e.PreviousNodeID != 0 {
			prev := m.nodes[e.PreviousNodeID]
			if prev == nil || prev.Parent != parent {
				m.unknown("childNodeInserted", e.PreviousNodeID)
				return
			}
			ref = prev.NextSibling
		}
		if n := m.convert(e.Node); n != nil {
			m.doc.InsertBefore(parent, n, ref)
		}

	case *proto.DOMChildNodeRemoved:
		n := m.nodes[e.NodeID]
		if n == nil {
			m.unknown("childNodeRemoved", e.NodeID)
			return
		}
		m.doc.Remove(n)
		m.forget(n)

	case *proto.DOMAttributeModified:
		if n := m.element(e.NodeID, "attributeModified"); n != nil {
			m.doc.SetAttribute(n, e.Name, e.Value)
		}

	case *proto.DOMAttributeRemoved:
		if n := m.element(e.NodeID, "attributeRemoved"); n != nil {
			m.doc.RemoveAttribute(n, e.Name)
		}

	case *proto.DOMCharacterDataModified:
		n := m.nodes[e.NodeID]
		if n == nil {
			m.unknown("characterDataModified", e.NodeID)
			return
		}
		m.doc.SetCharacterData(n, e.CharacterData)

	case *proto.DOMSetChildNodes:
		parent := m.nodes[e.ParentID]
		if parent == nil {
			m.unknown("setChildNodes", e.ParentID)
			return
		}
		// setChildNodes reveals children CDP had not sent yet. A parent that
		// already has children is not rewritten.
		if parent.FirstChild != nil {
			return
		}
		var kids []*html.Node
		for _, c := range e.Nodes {
			if n := m.convert(c); n != nil {
				kids = append(kids, n)
			}
		}
		m.doc.ReplaceChildren(parent, kids...)

	default:
		m.logger.Debug("browser: ignoring event", "type", fmt.Sprintf("%T", ev))
	}
}

func (m *Mirror) element(id proto.DOMNodeID, event string) *html.Node {
	n := m.nodes[id]
	if n == nil || n.Type != html.ElementNode {
		m.unknown(event, id)
		return nil
	}
	return n
}

func (m *Mirror) unknown(event string, id proto.DOMNodeID) {
	m.logger.Debug("browser: event for unknown node", "event", event, "node_id", id)
}

// convert builds the html subtree for a CDP node and records its ids.
// Frame documents, shadow roots and template contents are not mirrored.
func (m *Mirror) convert(c *proto.DOMNode) *html.Node {
	if c == nil {
		return nil
	}
	var n *html.Node
	switch c.NodeType {
	case nodeDocument:
		n = &html.Node{Type: html.DocumentNode}
	case nodeDoctype:
		n = &html.Node{Type: html.DoctypeNode, Data: c.NodeName}
	case nodeElement:
		name := c.LocalName
		if name == "" {
			name = strings.ToLower(c.NodeName)
		}
		n = &html.Node{Type: html.ElementNode, Data: name, DataAtom: atom.Lookup([]byte(name))}
		for i := 0; i+1 < len(c.Attributes); i += 2 {
			n.Attr = append(n.Attr, html.Attribute{Key: c.Attributes[i], Val: c.Attributes[i+1]})
		}
	case nodeText, nodeCDATA:
		n = &html.Node{Type: html.TextNode, Data: c.NodeValue}
	case nodeComment:
		n = &html.Node{Type: html.CommentNode, Data: c.NodeValue}
	default:
		return nil
	}
	m.track(c.NodeID, n)
	for _, child := range c.Children {
		if k := m.convert(child); k != nil {
			n.AppendChild(k)
		}
	}
	return n
}

func (m *Mirror) track(id proto.DOMNodeID, n *html.Node) {
	if id == 0 {
		return
	}
	m.nodes[id] = n
	m.ids[n] = id
}

func (m *Mirror) forget(n *html.Node) {
	dom.Walk(n, func(c *html.Node) bool {
		if id, ok := m.ids[c]; ok {
			delete(m.ids, c)
			delete(m.nodes, id)
		}
		return true
	})
}
