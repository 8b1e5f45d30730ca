// Package sink delivers a page's push events (log entries and watcher
// lifecycle) to output backends.
package sink

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/attrwatch/attrwatch/message"
	"github.com/hazyhaar/attrwatch/eventlog"
)

// Record is one event tagged with the page it came from.
type Record struct {
	PageID string        `json:"pageId"`
	Event  message.Event `json:"event"`
}

// Sink is the output interface.
type Sink interface {
	Send(ctx context.Context, rec Record) error
	Close() error
}

// Pump forwards every event of sub to s until sub is closed or ctx is
// done. Delivery errors are logged and do not stop the pump.
func Pump(ctx context.Context, pageID string, sub *eventlog.Subscriber[message.Event], s Sink, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.Send(ctx, Record{PageID: pageID, Event: ev}); err != nil {
				logger.Warn("sink: deliver failed", "page_id", pageID, "action", ev.Kind, "error", err)
			}
		}
	}
}
