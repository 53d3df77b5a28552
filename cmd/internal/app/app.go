// Package app wires the Ember server runtime: config, logging, HTTP routes,
// and the realtime chat gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ember/cmd/internal/auth"
	"ember/cmd/internal/chat"
	chatapi "ember/cmd/internal/chat/api"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// App is the Ember server runtime: it owns the chat core wiring and the HTTP
// server lifecycle.
type App struct {
	cfg Config
	log Logger

	store     chat.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	fanout  chat.Fanout
	gateway *chat.Gateway
	api     *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	store, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	resolver, err := newResolver(cfg, log)
	if err != nil {
		closeStore(log, store, dbPool)
		return nil, err
	}

	fanout, err := newFanout(cfg, log)
	if err != nil {
		closeStore(log, store, dbPool)
		return nil, err
	}

	metrics := chat.NewMetrics(prometheus.DefaultRegisterer)
	directory := chat.NewDirectory(log, store)
	registry := chat.NewRegistry(log)

	broker, err := chat.NewBroker(log, store, directory, registry, fanout, metrics)
	if err != nil {
		_ = fanout.Close()
		closeStore(log, store, dbPool)
		return nil, err
	}

	gateway := chat.NewGateway(log, broker, resolver, metrics)

	api, err := chatapi.NewHandler(log, directory, broker, resolver)
	if err != nil {
		_ = fanout.Close()
		closeStore(log, store, dbPool)
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		fanout:    fanout,
		gateway:   gateway,
		api:       api,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway.HandleWS, a.api)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "nats_enabled", a.cfg.NATSURL != "")

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

	if err := a.fanout.Close(); err != nil {
		a.log.Error("fanout.close.fail", "err", err)
	}
	closeStore(a.log, a.store, a.dbPool)

	a.log.Info("server.stopped")
	return nil
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

// newStore decides between Postgres-backed persistence and in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return chat.NewInMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	store, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return store, pool, true, nil
}

// closeStore releases store resources. The app owns the pool lifecycle; the
// store's own Close is a no-op in Postgres mode.
func closeStore(log Logger, store chat.Store, pool *pgxpool.Pool) {
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error("store.close.fail", "err", err)
		}
	}
	if pool != nil {
		pool.Close()
	}
}

// newResolver picks the credential verifier. Without a configured HMAC key the
// server falls back to the dev-only plain resolver and says so loudly.
func newResolver(cfg Config, log Logger) (auth.Resolver, error) {
	if cfg.AuthHMACKey != "" {
		r, err := auth.NewHMACResolver([]byte(cfg.AuthHMACKey))
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	log.Warn("auth.plain_resolver.active", "hint", "set EMBER_AUTH_HMAC_KEY for verified credentials")
	return auth.PlainResolver{}, nil
}

// newFanout picks the cross-process delivery path. Without NATS the local
// fanout delivers synchronously inside this process.
func newFanout(cfg Config, log Logger) (chat.Fanout, error) {
	if cfg.NATSURL == "" {
		return chat.NewLocalFanout(), nil
	}

	f, err := chat.NewNATSFanout(log, cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	log.Info("fanout.nats.enabled", "url", cfg.NATSURL)
	return f, nil
}
