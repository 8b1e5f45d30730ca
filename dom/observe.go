package dom

import (
	"slices"

	"golang.org/x/net/html"
)

// RecordType is the kind of mutation reported to a subscription.
type RecordType string

const (
	Attributes    RecordType = "attributes"
	ChildList     RecordType = "childList"
	CharacterData RecordType = "characterData"
)

// Record describes one mutation.
type Record struct {
	Type          RecordType
	Target        *html.Node
	AttributeName string
	OldValue      string
	Added         []*html.Node
	Removed       []*html.Node

	hadOld bool
}

// HadOldValue reports whether an attribute existed before the mutation.
func (r Record) HadOldValue() bool { return r.hadOld }

// ObserveOptions selects which mutations a subscription receives.
type ObserveOptions struct {
	Attributes bool
	// AttributeFilter limits attribute records to these names. A non-empty
	// filter implies Attributes.
	AttributeFilter []string
	ChildList       bool
	// CharacterData reports edits of the target's own text children as
	// well as of the target itself when it is a text node.
	CharacterData bool
	Subtree       bool
}

// Subscription is a registered mutation callback. It holds records until
// the document's next notification turn.
type Subscription struct {
	doc    *Document
	target *html.Node
	opts   ObserveOptions
	cb     func([]Record)
	queue  []Record
	active bool
}

// Observe registers cb for mutations on target. Records are delivered in
// mutation order, batched per loop turn.
func (d *Document) Observe(target *html.Node, opts ObserveOptions, cb func([]Record)) *Subscription {
	if len(opts.AttributeFilter) > 0 {
		opts.Attributes = true
	}
	s := &Subscription{doc: d, target: target, opts: opts, cb: cb, active: true}
	d.subs = append(d.subs, s)
	return s
}

// Target returns the observed node.
func (s *Subscription) Target() *html.Node { return s.target }

// Active reports whether the subscription is still connected.
func (s *Subscription) Active() bool { return s.active }

// Disconnect stops delivery immediately. Records already queued are
// discarded, so the callback never runs again after Disconnect returns.
func (s *Subscription) Disconnect() {
	if !s.active {
		return
	}
	s.active = false
	s.queue = nil
	d := s.doc
	d.subs = slices.DeleteFunc(d.subs, func(x *Subscription) bool { return x == s })
}

// TakeRecords empties and returns the pending queue.
func (s *Subscription) TakeRecords() []Record {
	q := s.queue
	s.queue = nil
	return q
}

func (s *Subscription) wants(r Record) bool {
	switch r.Type {
	case Attributes:
		if !s.opts.Attributes {
			return false
		}
		if len(s.opts.AttributeFilter) > 0 && !slices.Contains(s.opts.AttributeFilter, r.AttributeName) {
			return false
		}
		return s.covers(r.Target)
	case ChildList:
		return s.opts.ChildList && s.covers(r.Target)
	case CharacterData:
		if !s.opts.CharacterData {
			return false
		}
		if r.Target.Parent == s.target {
			return true
		}
		return s.covers(r.Target)
	}
	return false
}

func (s *Subscription) covers(n *html.Node) bool {
	if n == s.target {
		return true
	}
	if !s.opts.Subtree {
		return false
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p == s.target {
			return true
		}
	}
	return false
}

func (d *Document) queue(r Record) {
	queued := false
	for _, s := range d.subs {
		if s.wants(r) {
			s.queue = append(s.queue, r)
			queued = true
		}
	}
	if queued && !d.notifyPending {
		d.notifyPending = true
		d.loop.Post(d.notify)
	}
}

// notify delivers pending batches in registration order.
func (d *Document) notify() {
	d.notifyPending = false
	subs := slices.Clone(d.subs)
	for _, s := range subs {
		if !s.active || len(s.queue) == 0 {
			continue
		}
		s.cb(s.TakeRecords())
	}
}
