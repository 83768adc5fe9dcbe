// Command dipcrawl is the domain-aware extraction crawler.
//
// Usage:
//
//	dipcrawl -config dipcrawl.yaml          # serve HTTP + MCP
//	dipcrawl -db dipcrawl.db -addr :8090    # serve with defaults
//	dipcrawl -db dipcrawl.db -profile example.com   # print a profile and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/dipcrawl/connectivity"
	"github.com/hazyhaar/dipcrawl/crawler"
	"github.com/hazyhaar/dipcrawl/shield"
)

func main() {
	configPath := flag.String("config", "", "path to dipcrawl.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	addr := flag.String("addr", "", "listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	showProfile := flag.String("profile", "", "print the profile of a domain and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := resolveConfig(*configPath, *dbPath, *addr, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dipcrawl:", err)
		os.Exit(2)
	}
	logger := newLogger(cfg.LogLevel)

	if err := run(ctx, logger, cfg, *showProfile); err != nil {
		logger.Error("dipcrawl: fatal", "error", err)
		os.Exit(1)
	}
}

// resolveConfig layers flags over environment over the config file.
func resolveConfig(configPath, dbPath, addr, logLevel string) (*crawler.Config, error) {
	cfg := &crawler.Config{}
	if configPath != "" {
		var err error
		if cfg, err = crawler.LoadConfigFile(configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func run(ctx context.Context, logger *slog.Logger, cfg *crawler.Config, showProfile string) error {
	router := connectivity.New(connectivity.WithLogger(logger))
	defer router.Close()

	c, err := crawler.New(cfg, logger, crawler.WithRouter(router))
	if err != nil {
		return err
	}
	defer c.Close()

	if showProfile != "" {
		p, err := c.Profile(ctx, showProfile)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}

	c.RegisterConnectivity(router)

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "dipcrawl", Version: "1.0.0"}, nil)
	c.RegisterMCP(mcpSrv)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	for _, mw := range shield.APIStack(cfg.API, logger) {
		r.Use(mw)
	}
	c.RegisterHTTP(r)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))

	c.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("dipcrawl: listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	logger.Info("dipcrawl: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("dipcrawl: shutdown", "error", err)
	}
	return nil
}
