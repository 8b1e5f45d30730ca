package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/attrwatch/attrwatch/message"
	"github.com/hazyhaar/attrwatch/horosafe"
	"github.com/hazyhaar/attrwatch/kit"
	"github.com/hazyhaar/attrwatch/shield"
)

const (
	maxMessageBytes = 256 << 10
	writeWait       = 10 * time.Second
	pingPeriod      = 30 * time.Second
	eventDepth      = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API listens on loopback by default; any origin may subscribe.
	CheckOrigin: func(*http.Request) bool { return true },
}

type pageKey struct{}

func (d *daemon) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(shield.APIStack(d.logger)...)
	if rl := d.cfg.APIRateLimit; rl.PerSecond > 0 {
		r.Use(shield.NewRateLimiter(rl.PerSecond, rl.Burst, "/health").Middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pages": len(d.list())})
	})

	r.Get("/api/pages", func(w http.ResponseWriter, _ *http.Request) {
		type pageInfo struct {
			ID     string `json:"id"`
			Source string `json:"source"`
		}
		out := []pageInfo{}
		for _, p := range d.list() {
			out = append(out, pageInfo{ID: p.id, Source: p.source})
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Route("/api/pages/{pageID}", func(r chi.Router) {
		r.Use(d.withPage)
		r.Post("/message", d.handleMessage)
		r.Get("/events", d.handleEvents)
		r.Get("/archive", d.handleArchive)
	})
	return r
}

// withPage resolves {pageID} or answers 404.
func (d *daemon) withPage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "pageID")
		p := d.page(id)
		if p == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown page %q", id))
			return
		}
		ctx := kit.WithPageID(r.Context(), id)
		ctx = context.WithValue(ctx, pageKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func pageFrom(r *http.Request) *page {
	return r.Context().Value(pageKey{}).(*page)
}

// handleMessage answers one request envelope. Protocol failures are
// reported in the body with status 200, like every other reply.
func (d *daemon) handleMessage(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r)
	body, err := horosafe.LimitedReadAll(r.Body, maxMessageBytes)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.Is(err, horosafe.ErrTooLarge) || errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	logger := shield.GetLogger(r.Context())
	endpoint := kit.Chain(kit.Recovery(logger), kit.Logging(logger, "message"))(
		func(ctx context.Context, req any) (any, error) {
			return p.engine.HandleJSON(ctx, req.([]byte)), nil
		})
	out, err := endpoint(r.Context(), body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Fail(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out.([]byte))
}

// handleEvents streams the page's push events over a WebSocket until the
// client goes away or the page closes.
func (d *daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r)
	// Subscribe before the handshake completes so no event published after
	// the client connects is missed.
	sub := p.engine.Subscribe(eventDepth)
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("attrwatch: websocket upgrade failed", "page_id", p.id, "error", err)
		return
	}
	defer conn.Close()

	// Reads only detect the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	d.logger.Debug("attrwatch: event stream opened", "page_id", p.id)

	for {
		select {
		case <-gone:
			return
		case <-d.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case ev, ok := <-sub.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "page closed"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				d.logger.Debug("attrwatch: event stream write failed", "page_id", p.id, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleArchive lists archived events, newest first. Query parameters:
// watcherId, limit.
func (d *daemon) handleArchive(w http.ResponseWriter, r *http.Request) {
	p := pageFrom(r)
	if d.archive == nil {
		writeError(w, http.StatusNotFound, errors.New("archive sink not configured"))
		return
	}
	watcherID, err := queryInt(r, "watcherId", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := d.archive.Recent(r.Context(), p.id, int64(watcherID), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pageId": p.id, "records": recs})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
