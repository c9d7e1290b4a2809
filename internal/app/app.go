package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nevotalya/dj-server/internal/config"
	"github.com/nevotalya/dj-server/internal/core"
	"github.com/nevotalya/dj-server/internal/store"
	"github.com/nevotalya/dj-server/internal/store/flush"
	"github.com/nevotalya/dj-server/internal/store/sqlite"
	transporthttp "github.com/nevotalya/dj-server/internal/transport/http"
)

// App wires together store, hub and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	writer          *flush.Debouncer
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DBPath).Msg("database initialized")

	clock := clockwork.NewRealClock()
	writer := flush.NewDebouncer(st, cfg.FlushDelay, clock, logger)
	hub := core.NewHub(st, writer, clock, logger)
	server := transporthttp.NewServer(hub, *cfg, clock, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		writer:          writer,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go a.hub.Run(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup flushes pending writes and closes the database.
func (a *App) cleanup() {
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to flush pending writes")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
