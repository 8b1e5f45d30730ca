// Package attrwatch binds (selector, attribute) pairs to live elements and
// records every change of the observed value.
//
// A Registry owns the watchers of one document. All of its methods run on
// the document's loop; Engine wraps a Registry with the log buffer, push
// events and the request/response surface.
package attrwatch

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
	"weak"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/attrwatch/attrwatch/message"
	"github.com/hazyhaar/attrwatch/dom"
	"github.com/hazyhaar/attrwatch/idgen"
	"github.com/hazyhaar/attrwatch/loop"
	"github.com/hazyhaar/attrwatch/selector"
)

// BindingAttr is the marker attribute holding the binding tokens of every
// watcher bound to an element, as a whitespace-separated list.
const BindingAttr = "data-dom-watcher"

// DefaultDebounce is the quiet period before a changed value is recorded.
const DefaultDebounce = 50 * time.Millisecond

// State is a watcher's lifecycle position.
type State int

const (
	StateBinding State = iota
	StateLive
	StatePaused
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateBinding:
		return "binding"
	case StateLive:
		return "live"
	case StatePaused:
		return "paused"
	case StateRemoved:
		return "removed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Watcher is one observation. The element reference is weak: the registry
// never keeps a node alive and re-checks attachment before every use.
type Watcher struct {
	id        int64
	serial    int64
	name      string
	selector  string
	attribute string
	token     string

	elem  weak.Pointer[html.Node]
	last  *string
	state State

	sub     *dom.Subscription
	timer   *loop.Timer
	resv    *rate.Reservation
	limiter *rate.Limiter
	// gen invalidates callbacks scheduled before a pause or removal.
	gen uint64
}

func (w *Watcher) ID() int64         { return w.id }
func (w *Watcher) Serial() int64     { return w.serial }
func (w *Watcher) Name() string      { return w.name }
func (w *Watcher) Selector() string  { return w.selector }
func (w *Watcher) Attribute() string { return w.attribute }
func (w *Watcher) Token() string     { return w.token }
func (w *Watcher) State() State      { return w.state }

// LastValue returns the last recorded value, nil when absent.
func (w *Watcher) LastValue() *string { return w.last }

// Element returns the bound element, or nil once it has been collected.
func (w *Watcher) Element() *html.Node { return w.elem.Value() }

func (w *Watcher) info() message.WatcherInfo {
	return message.WatcherInfo{
		ID:        w.id,
		Name:      w.name,
		Selector:  w.selector,
		Attribute: w.attribute,
		Live:      w.state == StateLive,
		Serial:    w.serial,
	}
}

type bindingKey struct {
	elem weak.Pointer[html.Node]
	attr string
}

// Hooks receive the registry's output. Both run on the loop.
type Hooks struct {
	OnLog   func(message.LogEntry)
	OnEvent func(message.Event)
}

// Options tune a Registry. Zero values select the defaults.
type Options struct {
	Debounce time.Duration
	// RatePerSecond caps emitted change entries per watcher. Zero or less
	// disables the cap.
	RatePerSecond float64
	RateBurst     int
	Resolver      []selector.ResolverOption
	Tokens        idgen.Generator
	LogIDs        idgen.Generator
	Logger        *slog.Logger
}

// Registry holds the watchers of one document.
type Registry struct {
	doc      *dom.Document
	loop     *loop.Loop
	resolver *selector.Resolver
	hooks    Hooks
	opts     Options
	logger   *slog.Logger

	watchers   map[int64]*Watcher
	bindings   map[bindingKey]*Watcher
	nextID     int64
	nextSerial int64
	sentinel   *dom.Subscription
	closed     bool
}

// NewRegistry creates a registry for doc. It must be called on the loop.
func NewRegistry(doc *dom.Document, hooks Hooks, opts Options) *Registry {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Tokens == nil {
		opts.Tokens = idgen.Token()
	}
	if opts.LogIDs == nil {
		opts.LogIDs = idgen.UUIDv7()
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		doc:      doc,
		loop:     doc.Loop(),
		resolver: selector.NewResolver(doc.Root(), opts.Resolver...),
		hooks:    hooks,
		opts:     opts,
		logger:   logger,
		watchers: make(map[int64]*Watcher),
		bindings: make(map[bindingKey]*Watcher),
	}
	r.sentinel = doc.Observe(doc.Root(), dom.ObserveOptions{ChildList: true, Subtree: true}, func([]dom.Record) {
		r.loop.Post(r.sweep)
	})
	return r
}

// Resolver returns the resolver bound to the registry's document.
func (r *Registry) Resolver() *selector.Resolver { return r.resolver }

// Add binds a new watcher to the element sel resolves to and records the
// baseline value. Nothing is registered when it fails.
func (r *Registry) Add(sel, attribute, name string) (int64, error) {
	attribute = NormalizeAttribute(attribute)
	if attribute == "" || strings.ContainsAny(attribute, " \t\n\"'>/=") || attribute == BindingAttr {
		return 0, fmt.Errorf("attrwatch: add watcher: %w: %q", ErrInvalidAttribute, attribute)
	}
	n, err := r.resolver.Resolve(sel)
	if err != nil {
		return 0, fmt.Errorf("attrwatch: add watcher: %w", err)
	}
	key := bindingKey{weak.Make(n), attribute}
	if other, ok := r.bindings[key]; ok {
		return 0, fmt.Errorf("attrwatch: add watcher: %w: watcher %d observes %q", ErrDuplicateBinding, other.id, attribute)
	}

	r.nextID++
	r.nextSerial++
	w := &Watcher{
		id:        r.nextID,
		serial:    r.nextSerial,
		name:      name,
		selector:  sel,
		attribute: attribute,
		token:     r.opts.Tokens(),
		elem:      key.elem,
		state:     StateBinding,
		limiter:   r.newLimiter(),
	}
	if w.name == "" {
		w.name = "Watcher " + strconv.FormatInt(w.serial, 10)
	}

	r.stamp(n, w.token)
	r.bindings[key] = w
	r.watchers[w.id] = w
	r.subscribe(w, n)
	w.last = ValueOf(n, attribute)
	w.state = StateLive

	r.logger.Info("attrwatch: watcher added", "watcher_id", w.id, "selector", sel, "attribute", attribute)
	info := w.info()
	r.event(message.Event{Kind: message.EventWatcherAdded, WatcherID: w.id, Watcher: &info})
	r.record(w, message.EntryInitial)
	return w.id, nil
}

// Remove tears a watcher down. Removing an unknown id is a no-op.
func (r *Registry) Remove(id int64) {
	w, ok := r.watchers[id]
	if !ok {
		return
	}
	r.drop(w, message.ReasonRequested)
}

// Toggle pauses a live watcher or resumes a paused one. It returns whether
// the watcher is live afterwards.
func (r *Registry) Toggle(id int64) (bool, error) {
	w, ok := r.watchers[id]
	if !ok {
		return false, fmt.Errorf("attrwatch: toggle watcher %d: %w", id, ErrUnknownWatcher)
	}
	if w.state == StateLive {
		r.pause(w)
		return false, nil
	}
	if err := r.resume(w); err != nil {
		return false, fmt.Errorf("attrwatch: toggle watcher %d: %w", id, err)
	}
	return true, nil
}

// Get returns a watcher by id.
func (r *Registry) Get(id int64) (*Watcher, bool) {
	w, ok := r.watchers[id]
	return w, ok
}

// Len returns the number of registered watchers.
func (r *Registry) Len() int { return len(r.watchers) }

// Snapshot lists the watchers ordered by serial number.
func (r *Registry) Snapshot() []message.WatcherInfo {
	out := make([]message.WatcherInfo, 0, len(r.watchers))
	for _, w := range r.watchers {
		out = append(out, w.info())
	}
	slices.SortFunc(out, func(a, b message.WatcherInfo) int { return cmp.Compare(a.Serial, b.Serial) })
	return out
}

// Close removes every watcher and stops observing the document.
func (r *Registry) Close() {
	if r.closed {
		return
	}
	r.closed = true
	ws := make([]*Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		ws = append(ws, w)
	}
	slices.SortFunc(ws, func(a, b *Watcher) int { return cmp.Compare(a.serial, b.serial) })
	for _, w := range ws {
		r.drop(w, message.ReasonClosed)
	}
	r.sentinel.Disconnect()
}

func (r *Registry) newLimiter() *rate.Limiter {
	if r.opts.RatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(r.opts.RatePerSecond), r.opts.RateBurst)
}

func (r *Registry) subscribe(w *Watcher, n *html.Node) {
	gen := w.gen
	w.sub = r.doc.Observe(n, observeOptions(w.attribute), func([]dom.Record) {
		// Yield before touching anything so the mutating task finishes first.
		r.loop.Post(func() { r.changed(w, gen) })
	})
}

// halt cancels everything scheduled for w and stops observation.
func (r *Registry) halt(w *Watcher) {
	w.gen++
	if w.sub != nil {
		w.sub.Disconnect()
		w.sub = nil
	}
	w.timer.Stop()
	w.timer = nil
	if w.resv != nil {
		w.resv.CancelAt(r.loop.Now())
		w.resv = nil
	}
}

func (r *Registry) pause(w *Watcher) {
	r.halt(w)
	w.state = StatePaused
	r.logger.Info("attrwatch: watcher paused", "watcher_id", w.id)
	r.event(message.Event{Kind: message.EventWatcherStopped, WatcherID: w.id})
}

func (r *Registry) resume(w *Watcher) error {
	n := r.findByToken(w.token)
	if n == nil {
		found, err := r.resolver.Resolve(w.selector)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTargetLost, err)
		}
		n = found
	}
	key := bindingKey{weak.Make(n), w.attribute}
	if other, ok := r.bindings[key]; ok && other != w {
		return fmt.Errorf("%w: watcher %d observes %q", ErrDuplicateBinding, other.id, w.attribute)
	}

	if old := (bindingKey{w.elem, w.attribute}); old != key {
		if prev := w.elem.Value(); prev != nil {
			r.unstamp(prev, w.token)
		}
		delete(r.bindings, old)
		r.bindings[key] = w
		w.elem = key.elem
	}
	r.stamp(n, w.token)
	w.last = ValueOf(n, w.attribute)
	w.limiter = r.newLimiter()
	r.subscribe(w, n)
	w.state = StateLive
	r.logger.Info("attrwatch: watcher resumed", "watcher_id", w.id)
	r.event(message.Event{Kind: message.EventWatcherStarted, WatcherID: w.id})
	return nil
}

// drop moves w to Removed and releases its subscription and token together.
func (r *Registry) drop(w *Watcher, reason string) {
	r.halt(w)
	if n := w.elem.Value(); n != nil {
		r.unstamp(n, w.token)
	}
	delete(r.bindings, bindingKey{w.elem, w.attribute})
	delete(r.watchers, w.id)
	w.state = StateRemoved
	r.logger.Info("attrwatch: watcher removed", "watcher_id", w.id, "reason", reason)
	r.event(message.Event{Kind: message.EventWatcherRemoved, WatcherID: w.id, Reason: reason})
}

// attached reports whether w's element is still part of the document.
func (r *Registry) attached(w *Watcher) bool {
	n := w.elem.Value()
	return n != nil && r.doc.Contains(n)
}

// sweep auto-removes live watchers whose element left the document.
// Paused watchers stay registered and are re-found on resume.
func (r *Registry) sweep() {
	var gone []*Watcher
	for _, w := range r.watchers {
		if w.state == StateLive && !r.attached(w) {
			gone = append(gone, w)
		}
	}
	slices.SortFunc(gone, func(a, b *Watcher) int { return cmp.Compare(a.serial, b.serial) })
	for _, w := range gone {
		r.drop(w, message.ReasonDetached)
	}
}

// changed restarts w's debounce timer after a relevant mutation.
func (r *Registry) changed(w *Watcher, gen uint64) {
	if w.gen != gen || w.state != StateLive {
		return
	}
	if !r.attached(w) {
		r.drop(w, message.ReasonDetached)
		return
	}
	w.timer.Stop()
	if w.resv != nil {
		w.resv.CancelAt(r.loop.Now())
		w.resv = nil
	}
	w.timer = r.loop.AfterFunc(r.opts.Debounce, func() { r.settle(w, gen, false) })
}

// settle records the value observed after the quiet period. When the rate
// limiter has no token the same check is postponed, never dropped.
func (r *Registry) settle(w *Watcher, gen uint64, reserved bool) {
	if w.gen != gen || w.state != StateLive {
		return
	}
	w.timer = nil
	if !r.attached(w) {
		r.drop(w, message.ReasonDetached)
		return
	}
	v := ValueOf(w.elem.Value(), w.attribute)
	if sameValue(v, w.last) {
		if w.resv != nil {
			w.resv.CancelAt(r.loop.Now())
			w.resv = nil
		}
		return
	}
	if !reserved {
		now := r.loop.Now()
		resv := w.limiter.ReserveN(now, 1)
		if d := resv.DelayFrom(now); resv.OK() && d > 0 {
			w.resv = resv
			w.timer = r.loop.AfterFunc(d, func() { r.settle(w, gen, true) })
			return
		}
	}
	w.resv = nil
	w.last = v
	r.record(w, message.EntryChange)
}

func (r *Registry) record(w *Watcher, typ message.EntryType) {
	now := r.loop.Now()
	var v *string
	if w.last != nil {
		s := *w.last
		v = &s
	}
	entry := message.LogEntry{
		ID:          r.opts.LogIDs(),
		Timestamp:   now.UnixMilli(),
		TimeString:  now.Format("2006-01-02 15:04:05.000"),
		WatcherID:   w.id,
		WatcherName: w.name,
		Serial:      w.serial,
		Attribute:   w.attribute,
		NewValue:    v,
		Type:        typ,
	}
	if r.hooks.OnLog != nil {
		r.hooks.OnLog(entry)
	}
}

func (r *Registry) event(ev message.Event) {
	if r.hooks.OnEvent != nil {
		r.hooks.OnEvent(ev)
	}
}

func (r *Registry) findByToken(token string) *html.Node {
	found, err := r.resolver.QueryAll("[" + BindingAttr + "~=" + selector.QuoteValue(token) + "]")
	if err != nil || len(found) != 1 {
		return nil
	}
	return found[0]
}

func (r *Registry) stamp(n *html.Node, token string) {
	tokens := strings.Fields(dom.AttrValue(n, BindingAttr))
	if slices.Contains(tokens, token) {
		return
	}
	r.doc.SetAttribute(n, BindingAttr, strings.Join(append(tokens, token), " "))
}

// unstamp strips token only if it is still present; other watchers'
// tokens on the same element are left alone.
func (r *Registry) unstamp(n *html.Node, token string) {
	tokens := strings.Fields(dom.AttrValue(n, BindingAttr))
	i := slices.Index(tokens, token)
	if i < 0 {
		return
	}
	tokens = slices.Delete(tokens, i, i+1)
	if len(tokens) == 0 {
		r.doc.RemoveAttribute(n, BindingAttr)
		return
	}
	r.doc.SetAttribute(n, BindingAttr, strings.Join(tokens, " "))
}
