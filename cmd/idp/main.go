// Command idp runs the identity provider core's HTTP transport, wiring the
// storage, cache, key store, token engine, client registry, user
// authenticator, authorization state machine, and grant dispatcher
// together. Structured the way dexidp/dex's cmd/dex/serve.go wires a
// *server.Server, minus the config-file/cobra-subcommand layer this
// smaller core does not need.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gepbird/rauthy/internal/authsm"
	"github.com/gepbird/rauthy/internal/cache"
	"github.com/gepbird/rauthy/internal/clientreg"
	"github.com/gepbird/rauthy/internal/config"
	"github.com/gepbird/rauthy/internal/grant"
	"github.com/gepbird/rauthy/internal/keystore"
	"github.com/gepbird/rauthy/internal/log"
	"github.com/gepbird/rauthy/internal/server"
	"github.com/gepbird/rauthy/internal/storage"
	"github.com/gepbird/rauthy/internal/store"
	"github.com/gepbird/rauthy/internal/timing"
	"github.com/gepbird/rauthy/internal/tokens"
	"github.com/gepbird/rauthy/internal/useridp"
	"github.com/gepbird/rauthy/internal/webauthn"

	"github.com/redis/go-redis/v9"
)

// defaultScopes is the registered scope catalog; administration of scopes
// is an external collaborator per spec §1, so this is the process's fixed
// set rather than something loaded from storage.
var defaultScopes = []clientreg.ScopeDef{
	{Name: "openid"},
	{Name: "email"},
	{Name: "profile"},
	{Name: "groups"},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := log.New(cfg.LogLevel)

	db, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	c := openCache(cfg)

	keys := keystore.New(db, c, cfg.EncKeys, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keys.RotateEvery(ctx, 6*time.Hour)

	scopes := clientreg.NewScopeCatalog(defaultScopes)
	clients := clientreg.New(db, scopes)
	users := useridp.New(db, cfg.Argon2)
	engine := tokens.New(keys, cfg.Issuer, scopes)

	authCodes := store.NewAuthCodeStore(db, c)
	sessions := store.NewSessionStore(db, c)
	refresh := store.NewRefreshStore(db, c)
	eq := timing.New(c)

	waStore := webauthn.NewCacheStore(c)
	waCollaborator := webauthn.NewDefaultCollaborator(waStore)

	sm := authsm.New(clients, users, sessions, authCodes, waStore, eq, cfg.MFACookieKey, cfg.WebauthnReqExp)
	grants := grant.New(clients, authCodes, sessions, refresh, engine, users, eq, cfg.RefreshGraceTime)

	srv := server.New(server.Config{
		Issuer:         cfg.Issuer,
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}, sm, grants, engine, keys, sessions, waCollaborator, clients, logger)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sig:
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func openStore(cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.DatabaseDSN == "" {
		return storage.NewMemory(logger), nil
	}
	return storage.OpenPostgres(cfg.DatabaseDSN, logger)
}

func openCache(cfg config.Config) cache.Cache {
	if cfg.RedisAddr == "" {
		return cache.NewMemory()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return cache.NewRedis(client)
}
