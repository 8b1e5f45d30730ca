package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/attrwatch/attrwatch/message"
)

// Stdout writes one JSON line per record to an io.Writer (default
// os.Stdout).
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Send(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(newEnvelope(rec))
}

func (s *Stdout) Close() error { return nil }

// envelope is the wire shape shared by the line and webhook sinks.
type envelope struct {
	Type   message.Action `json:"type"`
	PageID string         `json:"pageId"`
	Data   message.Event  `json:"data"`
}

func newEnvelope(rec Record) envelope {
	return envelope{Type: rec.Event.Kind, PageID: rec.PageID, Data: rec.Event}
}
