package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/attrwatch/internal/config"
)

const fixture = `<html><body>
<div id="price" data-v="1">10 EUR</div>
<p class="note">hello</p>
</body></html>`

func testDaemon(t *testing.T, withArchive bool) (*daemon, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(file, []byte(fixture), 0o644))

	cfg := &config.Config{
		Pages: []config.PageConfig{{
			ID:   "shop",
			File: file,
			Watchers: []config.WatcherConfig{
				{Selector: "#price", Attribute: "data-v", Name: "Price"},
				{Selector: "#missing", Attribute: "x"},
			},
		}},
	}
	if withArchive {
		cfg.Sinks = []config.SinkConfig{{Type: config.SinkArchive, Path: filepath.Join(dir, "archive.db")}}
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := newDaemon(context.Background(), cfg, logger)
	require.NoError(t, err)
	srv := httptest.NewServer(d.routes())
	t.Cleanup(func() {
		srv.Close()
		d.Close()
	})
	return d, srv
}

func post(t *testing.T, srv *httptest.Server, page, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/pages/"+page+"/message", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestServer_HealthAndPages(t *testing.T) {
	_, srv := testDaemon(t, false)

	var health map[string]any
	getJSON(t, srv.URL+"/health", http.StatusOK, &health)
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["pages"])

	var pages []map[string]string
	getJSON(t, srv.URL+"/api/pages", http.StatusOK, &pages)
	require.Len(t, pages, 1)
	assert.Equal(t, "shop", pages[0]["id"])
	assert.True(t, strings.HasSuffix(pages[0]["source"], "page.html"))
}

func TestServer_Message(t *testing.T) {
	_, srv := testDaemon(t, false)

	// The initial watcher from config exists; the one on #missing was rejected.
	status := post(t, srv, "shop", `{"action":"getStatus"}`)
	watchers := status["watchers"].([]any)
	require.Len(t, watchers, 1)
	assert.Equal(t, "Price", watchers[0].(map[string]any)["name"])

	out := post(t, srv, "shop", `{"action":"addWatcher","elementSelector":"p.note","attribute":"textContent"}`)
	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 2, out["watcherId"])

	out = post(t, srv, "shop", `{"action":"addWatcher","elementSelector":"#price","attribute":"data-v"}`)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "DuplicateBinding", out["code"])

	out = post(t, srv, "shop", `{"action":"bogus"}`)
	assert.Equal(t, false, out["success"])

	out = post(t, srv, "shop", `not json`)
	assert.Equal(t, false, out["success"])
}

func TestServer_MessageLimitsAndHeaders(t *testing.T) {
	_, srv := testDaemon(t, false)

	big := `{"action":"getStatus","pad":"` + strings.Repeat("x", maxMessageBytes) + `"}`
	resp, err := http.Post(srv.URL+"/api/pages/shop/message", "application/json", strings.NewReader(big))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestServer_UnknownPage(t *testing.T) {
	_, srv := testDaemon(t, false)

	resp, err := http.Post(srv.URL+"/api/pages/nope/message", "application/json", bytes.NewReader([]byte(`{"action":"getStatus"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	getJSON(t, srv.URL+"/api/pages/shop/archive", http.StatusNotFound, &body)
	assert.Contains(t, body["error"], "not configured")
}

func TestServer_EventStream(t *testing.T) {
	d, srv := testDaemon(t, false)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/pages/shop/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	out := post(t, srv, "shop", `{"action":"clearLogs"}`)
	require.Equal(t, true, out["success"])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "logsCleared", ev["action"])

	out = post(t, srv, "shop", `{"action":"toggleWatcher","watcherId":1}`)
	require.Equal(t, true, out["success"])

	ev = nil
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "watcherStopped", ev["action"])
	assert.EqualValues(t, 1, ev["watcherId"])

	// Closing the page ends the stream with a close frame.
	d.Close()
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway), "got %v", err)
}

func TestServer_Archive(t *testing.T) {
	_, srv := testDaemon(t, true)

	out := post(t, srv, "shop", `{"action":"removeWatcher","watcherId":1}`)
	require.Equal(t, true, out["success"])

	var body struct {
		PageID  string `json:"pageId"`
		Records []struct {
			Event map[string]any `json:"event"`
		} `json:"records"`
	}
	require.Eventually(t, func() bool {
		body.Records = nil
		getJSON(t, srv.URL+"/api/pages/shop/archive?watcherId=1", http.StatusOK, &body)
		return len(body.Records) > 0 && body.Records[0].Event["action"] == "watcherRemoved"
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "shop", body.PageID)

	// The initial watcher was added after the archive subscribed.
	last := body.Records[len(body.Records)-1]
	assert.Equal(t, "watcherAdded", last.Event["action"])

	var bad map[string]string
	getJSON(t, srv.URL+"/api/pages/shop/archive?limit=x", http.StatusBadRequest, &bad)
	assert.Contains(t, bad["error"], "limit")
}

func TestLoadConfig(t *testing.T) {
	_, err := loadConfig("", "", "")
	assert.Error(t, err)

	cfg, err := loadConfig("", "", "page.html")
	require.NoError(t, err)
	require.Len(t, cfg.Pages, 1)
	assert.Equal(t, "page-1", cfg.Pages[0].ID)
	assert.Equal(t, "127.0.0.1:8420", cfg.Listen)
}
