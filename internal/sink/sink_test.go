package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hazyhaar/attrwatch/attrwatch/message"
	"github.com/hazyhaar/attrwatch/eventlog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func logRecord(watcherID int64, value string) Record {
	v := value
	return Record{PageID: "page-1", Event: message.Event{
		Kind:      message.EventNewLog,
		WatcherID: watcherID,
		LogEntry: &message.LogEntry{
			ID:        "log-" + value,
			Timestamp: 1_700_000_000_000,
			WatcherID: watcherID,
			Attribute: "data-v",
			NewValue:  &v,
			Type:      message.EntryChange,
		},
	}}
}

func TestRouter_FanOutSurvivesFailure(t *testing.T) {
	errDown := errors.New("down")
	var got []string
	ok := NewCallback(func(_ context.Context, rec Record) error {
		got = append(got, *rec.Event.LogEntry.NewValue)
		return nil
	})
	bad := NewCallback(func(context.Context, Record) error { return errDown })

	r := NewRouter(nil, bad, ok)
	assert.Equal(t, 2, r.Len())
	err := r.Send(context.Background(), logRecord(1, "a"))
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, []string{"a"}, got)
	assert.NoError(t, r.Close())
}

func TestCallback_NilDiscards(t *testing.T) {
	assert.NoError(t, NewCallback(nil).Send(context.Background(), logRecord(1, "a")))
}

func TestStdout_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(&buf)
	require.NoError(t, s.Send(context.Background(), logRecord(1, "a")))
	require.NoError(t, s.Send(context.Background(), Record{PageID: "page-1", Event: message.Event{
		Kind: message.EventWatcherRemoved, WatcherID: 1, Reason: message.ReasonDetached,
	}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first struct {
		Type   string         `json:"type"`
		PageID string         `json:"pageId"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "newLog", first.Type)
	assert.Equal(t, "page-1", first.PageID)
	assert.Equal(t, "newLog", first.Data["action"])

	assert.Contains(t, lines[1], `"reason":"detached"`)
}

func TestWebhook_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	var (
		mu   sync.Mutex
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookClient(srv.Client()), WithWebhookBackoff(time.Millisecond))
	require.NoError(t, w.Send(context.Background(), logRecord(3, "x")))
	assert.Equal(t, int32(2), calls.Load())
	mu.Lock()
	assert.Contains(t, string(body), `"type":"newLog"`)
	mu.Unlock()
	assert.NoError(t, w.Close())
}

func TestWebhook_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookClient(srv.Client()), WithWebhookRetries(2), WithWebhookBackoff(time.Millisecond))
	err := w.Send(context.Background(), logRecord(3, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_ContextCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w := NewWebhook(srv.URL, WithWebhookClient(srv.Client()), WithWebhookBackoff(time.Hour))
	assert.ErrorIs(t, w.Send(ctx, logRecord(3, "x")), context.DeadlineExceeded)
}

func TestArchive_AppendAndQuery(t *testing.T) {
	a, err := OpenArchive(":memory:", WithArchiveClock(func() time.Time { return time.UnixMilli(42) }))
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, logRecord(1, "a")))
	require.NoError(t, a.Send(ctx, logRecord(2, "b")))
	require.NoError(t, a.Send(ctx, logRecord(1, "c")))
	require.NoError(t, a.Send(ctx, Record{PageID: "page-1", Event: message.Event{
		Kind: message.EventLogsCleared,
	}}))
	require.NoError(t, a.Send(ctx, Record{PageID: "other", Event: message.Event{
		Kind: message.EventWatcherRemoved, WatcherID: 1, Reason: message.ReasonClosed,
	}}))

	n, err := a.Count(ctx, "page-1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	recs, err := a.Recent(ctx, "page-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, message.EventLogsCleared, recs[0].Event.Kind, "newest first")
	assert.Equal(t, "c", *recs[1].Event.LogEntry.NewValue)

	recs, err = a.Recent(ctx, "page-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", *recs[0].Event.LogEntry.NewValue)
	assert.Equal(t, "a", *recs[1].Event.LogEntry.NewValue)

	recs, err = a.Recent(ctx, "page-1", 0, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = a.Recent(ctx, "nobody", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestArchive_FileSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/nested/archive.db"
	a, err := OpenArchive(path)
	require.NoError(t, err)
	require.NoError(t, a.Send(context.Background(), logRecord(1, "a")))
	require.NoError(t, a.Close())

	a, err = OpenArchive(path)
	require.NoError(t, err)
	defer a.Close()
	n, err := a.Count(context.Background(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPump_ForwardsUntilClosed(t *testing.T) {
	b := eventlog.NewBroadcaster[message.Event](nil)
	sub := b.Subscribe(8)

	var mu sync.Mutex
	var got []Record
	cb := NewCallback(func(_ context.Context, rec Record) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, rec)
		return nil
	})

	done := make(chan struct{})
	go func() {
		Pump(context.Background(), "page-9", sub, cb, nil)
		close(done)
	}()

	b.Publish(message.Event{Kind: message.EventWatcherStopped, WatcherID: 4})
	b.Publish(message.Event{Kind: message.EventWatcherStarted, WatcherID: 4})
	b.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "page-9", got[0].PageID)
	assert.Equal(t, message.EventWatcherStarted, got[1].Event.Kind)
}

func TestPump_StopsOnContext(t *testing.T) {
	b := eventlog.NewBroadcaster[message.Event](nil)
	defer b.Close()
	sub := b.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Pump(ctx, "p", sub, NewCallback(nil), nil)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump ignored cancellation")
	}
}
