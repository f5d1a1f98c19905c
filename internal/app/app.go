// Package app wires together the durable store, transports and sync engine.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edline/chatsync/internal/auth"
	"github.com/edline/chatsync/internal/cache"
	"github.com/edline/chatsync/internal/chat"
	"github.com/edline/chatsync/internal/config"
	"github.com/edline/chatsync/internal/kv"
	kvsqlite "github.com/edline/chatsync/internal/kv/sqlite"
	"github.com/edline/chatsync/internal/outbox"
	"github.com/edline/chatsync/internal/store"
	syncengine "github.com/edline/chatsync/internal/sync"
	"github.com/edline/chatsync/internal/transport/rest"
	"github.com/edline/chatsync/internal/transport/ws"
)

// App is a configured chat sync client.
type App struct {
	creds  auth.Credentials
	store  kv.Store
	relay  *ws.Client
	engine *syncengine.Engine
	log    *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := kvsqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Debug().Str("db_path", cfg.DatabasePath).Msg("durable store opened")

	creds := auth.Credentials{UserID: cfg.UserID, Token: cfg.Token}

	relay := ws.NewClient(cfg.RelayURL, ws.Options{
		AutoReconnect:        cfg.AutoReconnect,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		RequestTimeout:       cfg.RequestTimeout,
	}, logger)

	var restc *rest.Client
	if cfg.APIBaseURL != "" {
		restc = rest.NewClient(cfg.APIBaseURL, creds)
	}

	queue := outbox.New(st)
	messages := cache.New[[]chat.Message](st, store.MessagesKeyPrefix)
	engine := syncengine.New(relay, restc, queue, messages, syncengine.Options{
		SenderID: cfg.UserID,
		CacheTTL: cfg.CacheTTL,
	}, logger)

	return &App{
		creds:  creds,
		store:  st,
		relay:  relay,
		engine: engine,
		log:    logger,
	}, nil
}

// Engine exposes the sync engine to commands.
func (a *App) Engine() *syncengine.Engine {
	return a.engine
}

// Connect dials the relay. Callers may treat a failed dial as non-fatal:
// the engine keeps working against the queue and the REST surface.
func (a *App) Connect(ctx context.Context) error {
	if a.creds.ExpiresWithin(time.Minute) {
		a.log.Warn().Msg("token expires within a minute, relay may drop the session")
	}
	if err := a.relay.Connect(ctx, a.creds); err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	return nil
}

// Close disconnects the relay and closes the durable store.
func (a *App) Close() {
	if err := a.relay.Disconnect(); err != nil {
		a.log.Warn().Err(err).Msg("failed to disconnect relay")
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close store")
	} else {
		a.log.Debug().Msg("store closed")
	}
}
