// Package bridge is the main orchestrator that ties all bridge
// components together.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/wabridge/wabridge/bridge/api"
	"github.com/wabridge/wabridge/bridge/auth"
	"github.com/wabridge/wabridge/bridge/backend"
	"github.com/wabridge/wabridge/bridge/config"
	"github.com/wabridge/wabridge/bridge/registry"
	"github.com/wabridge/wabridge/bridge/relay"
	"github.com/wabridge/wabridge/bridge/router"
	"github.com/wabridge/wabridge/bridge/session"
	"github.com/wabridge/wabridge/bridge/store"
)

// Options tunes construction. The zero value is suitable for the
// binary; tests inject a fake backend factory.
type Options struct {
	// Factory overrides the engine-dialing backend factory.
	Factory backend.Factory
}

// Bridge is the main bridge process.
type Bridge struct {
	cfg      *config.Config
	store    store.Store
	sessions *session.Manager
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new bridge from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Bridge, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Auth is optional. An empty secret keeps the bridge open.
	var authService *auth.Service
	if cfg.Auth.JWTSecret != "" {
		authService = auth.NewService(db, cfg.Auth)
		if err := authService.Bootstrap(context.Background()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap auth: %w", err)
		}
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters, use a stronger secret in production")
		}
	} else {
		logger.Warn("auth disabled, the bridge accepts anonymous clients")
	}

	factory := opts.Factory
	if factory == nil {
		factory = backend.NewRemoteFactory(cfg.Backend, logger)
	}

	reg := registry.New(logger)
	rl := relay.New(reg, db, logger)
	sessions := session.NewManager(cfg.Session, factory, rl, db, logger)

	var provider auth.Provider
	if authService != nil {
		provider = authService
	}
	rt := router.New(reg, sessions, rl, db, provider, cfg, logger)

	apiSrv := api.NewServer(db, authService, sessions, rt, cfg, logger)

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return &Bridge{
		cfg:      cfg,
		store:    db,
		sessions: sessions,
		api:      apiSrv,
		logger:   logger.With("component", "bridge"),
	}, nil
}

// Run starts the bridge HTTP server and blocks until the context is
// canceled.
func (b *Bridge) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    b.cfg.Server.Addr,
		Handler: b.api.Handler(),
	}

	b.api.StartBackgroundTasks(ctx)

	if b.cfg.Storage.Retention.Duration > 0 {
		go b.runRetentionPurger(ctx, b.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("bridge listening", "addr", b.cfg.Server.Addr)
		if b.cfg.Server.TLSCert != "" && b.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(b.cfg.Server.TLSCert, b.cfg.Server.TLSKey)
		} else {
			b.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down bridge gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			b.logger.Info("http server stopped gracefully")
		}

		b.sessions.CloseAll()

		b.logger.Info("closing store")
		_ = b.store.Close()
		b.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		b.sessions.CloseAll()
		_ = b.store.Close()
		return err
	}
}

func (b *Bridge) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := b.store.PurgeOldMessages(ctx, cutoff); err != nil {
				b.logger.Warn("retention purge: messages failed", "error", err)
			} else if n > 0 {
				b.logger.Info("retention purge: deleted old messages", "count", n)
			}
			if n, err := b.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				b.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				b.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
