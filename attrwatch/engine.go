package attrwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/attrwatch/attrwatch/message"
	"github.com/hazyhaar/attrwatch/dom"
	"github.com/hazyhaar/attrwatch/eventlog"
	"github.com/hazyhaar/attrwatch/loop"
	"github.com/hazyhaar/attrwatch/selector"
)

// DefaultRequestTimeout bounds how long Dispatch waits for the loop.
const DefaultRequestTimeout = 5 * time.Second

// EngineOptions configure an Engine. Zero values select the defaults.
type EngineOptions struct {
	PageID         string
	LogCapacity    int
	RequestTimeout time.Duration
	GenericIDs     []string
	Registry       Options
	Logger         *slog.Logger
}

// Engine is one page context: a registry, its change log, push events and
// the request dispatcher.
type Engine struct {
	pageID   string
	doc      *dom.Document
	loop     *loop.Loop
	reg      *Registry
	synth    *selector.Synthesizer
	exporter *Exporter
	logs     *eventlog.Buffer[message.LogEntry]
	events   *eventlog.Broadcaster[message.Event]
	timeout  time.Duration
	logger   *slog.Logger

	capturing bool
}

// NewEngine builds an engine for doc. Call it on the loop, or before the
// loop starts running.
func NewEngine(doc *dom.Document, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Registry.Logger == nil {
		opts.Registry.Logger = logger
	}
	synthOpts := []selector.Option{selector.IgnoreAttributes(BindingAttr), selector.WithLogger(logger)}
	if opts.GenericIDs != nil {
		synthOpts = append(synthOpts, selector.WithGenericIDs(opts.GenericIDs))
	}

	e := &Engine{
		pageID:   opts.PageID,
		doc:      doc,
		loop:     doc.Loop(),
		synth:    selector.NewSynthesizer(synthOpts...),
		exporter: NewExporter(),
		logs:     eventlog.NewBuffer[message.LogEntry](opts.LogCapacity),
		events:   eventlog.NewBroadcaster[message.Event](logger),
		timeout:  opts.RequestTimeout,
		logger:   logger.With("page_id", opts.PageID),
	}
	e.reg = NewRegistry(doc, Hooks{OnLog: e.onLog, OnEvent: e.events.Publish}, opts.Registry)
	return e
}

func (e *Engine) onLog(entry message.LogEntry) {
	e.logs.Add(entry)
	e.events.Publish(message.Event{Kind: message.EventNewLog, WatcherID: entry.WatcherID, LogEntry: &entry})
}

// PageID returns the page identifier given at construction.
func (e *Engine) PageID() string { return e.pageID }

// Document returns the observed document.
func (e *Engine) Document() *dom.Document { return e.doc }

// Registry returns the watcher registry. Loop-only.
func (e *Engine) Registry() *Registry { return e.reg }

// Synthesizer returns the selector synthesizer used by describeElement.
func (e *Engine) Synthesizer() *selector.Synthesizer { return e.synth }

// Subscribe returns a stream of push events. Close the subscriber when
// done.
func (e *Engine) Subscribe(depth int) *eventlog.Subscriber[message.Event] {
	return e.events.Subscribe(depth)
}

// Dispatch runs req on the loop and waits at most the request timeout.
// It never returns a Go error: failures become message.Failure.
func (e *Engine) Dispatch(ctx context.Context, req message.Request) message.Response {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan message.Response, 1)
	err := e.loop.Call(ctx, func() error {
		done <- e.Handle(req)
		return nil
	})
	if err != nil {
		e.logger.Warn("attrwatch: dispatch failed", "action", req.Action(), "error", err)
		return message.Fail(fmt.Errorf("attrwatch: %s: %w", req.Action(), err))
	}
	return <-done
}

// HandleJSON decodes a request envelope, dispatches it and encodes the
// reply.
func (e *Engine) HandleJSON(ctx context.Context, data []byte) []byte {
	var resp message.Response
	req, err := message.Decode(data)
	if err != nil {
		resp = message.Fail(err)
	} else {
		resp = e.Dispatch(ctx, req)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(message.Fail(fmt.Errorf("attrwatch: encode response: %w", err)))
	}
	return out
}

// Handle executes req. It must run on the loop.
func (e *Engine) Handle(req message.Request) message.Response {
	switch r := req.(type) {
	case message.StartCapture:
		e.capturing = true
		return message.Ack{Success: true}
	case message.StopCapture:
		e.capturing = false
		return message.Ack{Success: true}
	case message.AddWatcher:
		id, err := e.reg.Add(r.ElementSelector, r.Attribute, r.Name)
		if err != nil {
			e.logger.Info("attrwatch: add watcher rejected", "selector", r.ElementSelector, "error", err)
			return message.Fail(err)
		}
		return message.Added{Success: true, WatcherID: id}
	case message.RemoveWatcher:
		e.reg.Remove(r.WatcherID)
		return message.Ack{Success: true}
	case message.ToggleWatcher:
		live, err := e.reg.Toggle(r.WatcherID)
		if err != nil {
			return message.Fail(err)
		}
		return message.Toggled{Success: true, Live: live}
	case message.GetStatus:
		return message.Status{
			Connected: true,
			Capturing: e.capturing,
			Watchers:  e.reg.Snapshot(),
			Logs:      e.logs.Entries(),
			LogsCount: e.logs.Len(),
		}
	case message.ClearLogs:
		e.logs.Clear()
		e.events.Publish(message.Event{Kind: message.EventLogsCleared})
		return message.Ack{Success: true}
	case message.GetLogs:
		return message.Logs{Logs: e.logsFor(r.WatcherID)}
	case message.DescribeElement:
		return e.describe(r)
	case message.ExportLogs:
		watchers := e.reg.Snapshot()
		if r.WatcherID != nil {
			watchers = filterWatchers(watchers, *r.WatcherID)
		}
		out, err := e.exporter.Export(e.loop.Now(), r.Format, watchers, e.logsFor(r.WatcherID))
		if err != nil {
			return message.Fail(err)
		}
		return out
	}
	return message.Fail(fmt.Errorf("%w: %q", message.ErrUnknownAction, req.Action()))
}

func (e *Engine) describe(r message.DescribeElement) message.Response {
	sel := r.Selector
	if r.XPath != "" {
		sel = "xpath:" + r.XPath
	}
	if sel == "" {
		return message.Fail(fmt.Errorf("attrwatch: describe: %w: xpath or selector required", selector.ErrInvalidSelector))
	}
	n, err := e.reg.Resolver().Resolve(sel)
	if err != nil {
		return message.Fail(fmt.Errorf("attrwatch: describe: %w", err))
	}
	c := e.synth.SynthesizeCandidate(n)
	return message.Described{
		Success:     true,
		Selector:    c.Selector,
		Strategy:    string(c.Strategy),
		ElementInfo: dom.Describe(n),
	}
}

func (e *Engine) logsFor(id *int64) []message.LogEntry {
	if id == nil {
		return e.logs.Entries()
	}
	return e.logs.Filter(func(l message.LogEntry) bool { return l.WatcherID == *id })
}

func filterWatchers(ws []message.WatcherInfo, id int64) []message.WatcherInfo {
	var out []message.WatcherInfo
	for _, w := range ws {
		if w.ID == id {
			out = append(out, w)
		}
	}
	return out
}

// Close removes every watcher and closes all event subscribers. It must
// run on the loop.
func (e *Engine) Close() {
	e.reg.Close()
	e.events.Close()
}

// CloseWait runs Close through the loop from another goroutine.
func (e *Engine) CloseWait(ctx context.Context) error {
	err := e.loop.Call(ctx, func() error { e.Close(); return nil })
	if errors.Is(err, loop.ErrClosed) {
		e.events.Close()
		return nil
	}
	return err
}
