// Package app wires the Prism server runtime: config, logging, the document
// store backend, HTTP routes, and the sync gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"prism/cmd/internal/messaging"
	"prism/cmd/internal/social"
	"prism/cmd/internal/store"
	"prism/cmd/internal/sync"
)

// App is the Prism server runtime: it owns the HTTP server wiring, the
// document store backend, and the sync gateway dependencies.
type App struct {
	cfg Config
	log Logger

	docs    store.Store
	closeFn func(ctx context.Context)
	ready   func(ctx context.Context) error
	durable bool

	ws *sync.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log}

	if err := a.openStore(context.Background()); err != nil {
		return nil, err
	}

	convs := messaging.NewManager(log, a.docs)
	msgs := messaging.NewMessages(log, a.docs, convs)
	profiles := social.NewProfiles(log, a.docs)
	a.ws = sync.NewGateway(log, convs, msgs, profiles)

	return a, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.ready, a.durable, a.ws)

	var handler http.Handler = mux
	handler = WithRequestLogging(handler, a.log)
	handler = WithSecurityHeaders(handler)
	if len(a.cfg.CORSAllowedOrigins) > 0 {
		handler = WithCORS(handler, a.cfg, a.log)
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"durable_store", a.durable,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.docs.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.closeFn != nil {
		a.closeFn(shutdownCtx)
	}

	a.log.Info("server.stopped")
	return nil
}

// openStore selects and opens the document store backend.
//
// Ownership model:
// - app owns the pool / client lifecycle
// - store Close() stops background workers only
func (a *App) openStore(ctx context.Context) error {
	switch {
	case a.cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return err
		}

		st, err := store.NewPostgresStore(a.log, pool, store.WithSchema(a.cfg.DBSchema))
		if err != nil {
			pool.Close()
			return err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			pool.Close()
			return err
		}

		a.log.Info("store.backend", "kind", "postgres", "schema", a.cfg.DBSchema)
		a.docs = st
		a.durable = true
		a.ready = func(ctx context.Context) error { return PingDB(ctx, pool, 2*time.Second) }
		a.closeFn = func(_ context.Context) { pool.Close() }
		return nil

	case a.cfg.MongoURI != "":
		client, db, err := store.OpenMongo(ctx, a.cfg.MongoURI, a.cfg.MongoDatabase)
		if err != nil {
			return err
		}

		st, err := store.NewMongoStore(a.log, db)
		if err != nil {
			_ = client.Disconnect(ctx)
			return err
		}

		a.log.Info("store.backend", "kind", "mongo", "database", a.cfg.MongoDatabase)
		a.docs = st
		a.durable = true
		a.ready = func(ctx context.Context) error { return pingMongo(ctx, client) }
		a.closeFn = func(ctx context.Context) { _ = client.Disconnect(ctx) }
		return nil

	default:
		var opts []store.MemoryOption
		if a.cfg.DataDir != "" {
			opts = append(opts, store.WithDataDir(a.cfg.DataDir))
		}

		a.log.Info("store.backend", "kind", "memory", "data_dir", a.cfg.DataDir)
		a.docs = store.NewMemoryStore(a.log, opts...)
		return nil
	}
}

func pingMongo(ctx context.Context, client *mongo.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx, nil)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL renders a human-usable base URL for the configured bind
// address (wildcard binds map to loopback).
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}

	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}

	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL converts an HTTP base URL to its WebSocket counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
