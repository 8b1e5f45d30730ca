package sink

import "context"

// Func receives records in-process.
type Func func(ctx context.Context, rec Record) error

// Callback delivers records via a Go function call, with no serialisation.
type Callback struct {
	fn Func
}

// NewCallback creates a Callback sink. A nil fn discards records.
func NewCallback(fn Func) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, rec Record) error {
	if c.fn != nil {
		return c.fn(ctx, rec)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
