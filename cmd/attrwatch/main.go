// Command attrwatch is the attribute watch daemon. It observes one or more
// documents, live browser pages or static HTML files, and serves the
// watcher protocol over HTTP, a WebSocket event stream and MCP.
//
// Usage:
//
//	attrwatch -config attrwatch.yaml          # pages, watchers and sinks from YAML
//	attrwatch -url https://example.com        # one live page
//	attrwatch -file page.html                 # one static page
//	attrwatch -file page.html -mcp            # MCP over stdio instead of HTTP
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/attrwatch/internal/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to attrwatch.yaml config file")
	pageURL := flag.String("url", "", "observe a single live URL")
	pageFile := flag.String("file", "", "observe a single static HTML file")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	mcpMode := flag.Bool("mcp", false, "serve MCP over stdio instead of HTTP")
	mcpPage := flag.String("mcp-page", "", "page served over MCP (default: first page)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath, *pageURL, *pageFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "usage: attrwatch -config <file> | -url <url> | -file <path> [-mcp] [-listen addr]")
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *mcpMode {
		err = runMCP(ctx, logger, cfg, *mcpPage)
	} else {
		err = runHTTP(ctx, logger, cfg)
	}
	if err != nil {
		logger.Error("attrwatch: fatal", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the YAML file, or builds a one-page configuration from
// -url or -file.
func loadConfig(path, pageURL, pageFile string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if pageURL == "" && pageFile == "" {
		return nil, errors.New("attrwatch: -config, -url or -file required")
	}
	cfg := config.Default()
	cfg.Pages = []config.PageConfig{{URL: pageURL, File: pageFile}}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runHTTP(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("attrwatch: server starting", "addr", cfg.Listen, "pages", len(cfg.Pages))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Shutdown does not track hijacked WebSocket connections; the deferred
	// Close ends their streams.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("attrwatch: shutdown", "error", err)
	}
	logger.Info("attrwatch: server stopped")
	return nil
}

// runMCP serves one page's tools over stdio. Stdout carries the protocol,
// so stdout sinks are dropped.
func runMCP(ctx context.Context, logger *slog.Logger, cfg *config.Config, pageID string) error {
	sinks := cfg.Sinks[:0]
	for _, s := range cfg.Sinks {
		if s.Type == config.SinkStdout {
			logger.Warn("attrwatch: stdout sink disabled in MCP mode")
			continue
		}
		sinks = append(sinks, s)
	}
	cfg.Sinks = sinks

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	p, err := d.mcpPage(pageID)
	if err != nil {
		return err
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: "attrwatch", Version: version}, nil)
	p.engine.RegisterMCP(srv)

	logger.Info("attrwatch: MCP stdio serving", "page_id", p.id)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

func (d *daemon) mcpPage(id string) (*page, error) {
	if id == "" {
		pages := d.list()
		if len(pages) == 0 {
			return nil, errors.New("attrwatch: no page to serve")
		}
		return pages[0], nil
	}
	if p := d.page(id); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("attrwatch: unknown page %q", id)
}
