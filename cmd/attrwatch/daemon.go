package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/attrwatch/attrwatch"
	"github.com/hazyhaar/attrwatch/internal/browser"
	"github.com/hazyhaar/attrwatch/internal/config"
	"github.com/hazyhaar/attrwatch/internal/sink"
	"github.com/hazyhaar/attrwatch/attrwatch/message"
	"github.com/hazyhaar/attrwatch/dom"
	"github.com/hazyhaar/attrwatch/loop"
)

// page is one observed document with its own loop and engine.
type page struct {
	id     string
	source string
	loop   *loop.Loop
	engine *attrwatch.Engine
	tab    *browser.Tab
}

// daemon owns every page, the shared sinks and the browser.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mgr     *browser.Manager
	router  *sink.Router
	archive *sink.Archive

	mu    sync.RWMutex
	pages map[string]*page
	order []string

	closeOnce sync.Once
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	dctx, cancel := context.WithCancel(ctx)
	d := &daemon{
		cfg:    cfg,
		logger: logger,
		ctx:    dctx,
		cancel: cancel,
		pages:  make(map[string]*page),
	}
	if err := d.openSinks(); err != nil {
		cancel()
		return nil, err
	}
	for _, pc := range cfg.Pages {
		if err := d.openPage(pc); err != nil {
			d.Close()
			return nil, fmt.Errorf("page %s: %w", pc.ID, err)
		}
	}
	return d, nil
}

func (d *daemon) openSinks() error {
	var sinks []sink.Sink
	for _, sc := range d.cfg.Sinks {
		switch sc.Type {
		case config.SinkStdout:
			sinks = append(sinks, sink.NewStdout(os.Stdout))
		case config.SinkWebhook:
			sinks = append(sinks, sink.NewWebhook(sc.URL,
				sink.WithWebhookRetries(sc.Retries),
				sink.WithWebhookLogger(d.logger)))
		case config.SinkArchive:
			if d.archive != nil {
				d.logger.Warn("attrwatch: extra archive sink ignored", "path", sc.Path)
				continue
			}
			a, err := sink.OpenArchive(sc.Path, sink.WithArchiveLogger(d.logger))
			if err != nil {
				return err
			}
			d.archive = a
			sinks = append(sinks, a)
		}
	}
	d.router = sink.NewRouter(d.logger, sinks...)
	return nil
}

// openPage builds the document, creates the engine and its initial
// watchers, then starts the page loop.
func (d *daemon) openPage(pc config.PageConfig) error {
	l := loop.New(loop.WithLogger(d.logger))
	p := &page{id: pc.ID, loop: l}

	var doc *dom.Document
	switch {
	case pc.File != "":
		f, err := os.Open(pc.File)
		if err != nil {
			return fmt.Errorf("open %s: %w", pc.File, err)
		}
		doc, err = dom.Parse(f, l)
		f.Close()
		if err != nil {
			return err
		}
		p.source = pc.File
	default:
		tab, err := d.openTab(pc)
		if err != nil {
			return err
		}
		p.tab = tab
		doc, err = browser.NewMirror(l, d.logger).Attach(d.ctx, tab.Page)
		if err != nil {
			tab.Close()
			return err
		}
		p.source = pc.URL
	}

	p.engine = attrwatch.NewEngine(doc, attrwatch.EngineOptions{
		PageID:         pc.ID,
		LogCapacity:    d.cfg.LogCapacity,
		RequestTimeout: d.cfg.RequestTimeout,
		GenericIDs:     d.cfg.GenericIDs,
		Registry: attrwatch.Options{
			Debounce:      d.cfg.Debounce,
			RatePerSecond: d.cfg.RateLimit.PerSecond,
			RateBurst:     d.cfg.RateLimit.Burst,
			Logger:        d.logger,
		},
		Logger: d.logger,
	})

	if d.router.Len() > 0 {
		sub := p.engine.Subscribe(256)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			sink.Pump(d.ctx, pc.ID, sub, d.router, d.logger)
		}()
	}

	// The loop is not running yet, so Handle may be called directly.
	for _, w := range pc.Watchers {
		resp := p.engine.Handle(message.AddWatcher{ElementSelector: w.Selector, Attribute: w.Attribute, Name: w.Name})
		if f, ok := resp.(message.Failure); ok {
			d.logger.Warn("attrwatch: initial watcher rejected",
				"page_id", pc.ID, "selector", w.Selector, "code", f.Code, "error", f.Error)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := l.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("attrwatch: page loop stopped", "page_id", pc.ID, "error", err)
		}
	}()

	d.mu.Lock()
	d.pages[pc.ID] = p
	d.order = append(d.order, pc.ID)
	d.mu.Unlock()
	d.logger.Info("attrwatch: page ready", "page_id", pc.ID, "source", p.source, "watchers", len(pc.Watchers))
	return nil
}

func (d *daemon) openTab(pc config.PageConfig) (*browser.Tab, error) {
	if d.mgr == nil {
		d.mgr = browser.NewManager(browser.Config{
			RemoteURL:        d.cfg.Browser.Remote,
			Headful:          d.cfg.Browser.Headful,
			Stealth:          d.cfg.Browser.StealthEnabled(),
			ResourceBlocking: d.cfg.Browser.ResourceBlocking,
			NavigateTimeout:  d.cfg.Browser.NavigateTimeout,
			Logger:           d.logger,
		})
	}
	if _, err := d.mgr.Start(d.ctx); err != nil {
		return nil, err
	}
	return browser.OpenTab(d.ctx, d.mgr, pc.URL, pc.ID)
}

func (d *daemon) page(id string) *page {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pages[id]
}

func (d *daemon) list() []*page {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*page, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.pages[id])
	}
	return out
}

// Close removes every watcher, stops the loops and releases sinks and the
// browser. It is idempotent.
func (d *daemon) Close() {
	d.closeOnce.Do(d.close)
}

func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, p := range d.list() {
		if err := p.engine.CloseWait(ctx); err != nil {
			d.logger.Warn("attrwatch: page close", "page_id", p.id, "error", err)
		}
		if p.tab != nil {
			p.tab.Close()
		}
	}
	d.cancel()
	d.wg.Wait()

	if d.router != nil {
		if err := d.router.Close(); err != nil {
			d.logger.Warn("attrwatch: sink close", "error", err)
		}
	}
	if d.mgr != nil {
		if err := d.mgr.Close(); err != nil {
			d.logger.Warn("attrwatch: browser close", "error", err)
		}
	}
}
