package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quorum/api/internal/app"
	"quorum/api/internal/config"
	"quorum/api/internal/gitrepo"
	"quorum/api/internal/session"
	"quorum/api/internal/store"
)

func main() {
	if err := run(context.Background(), config.Load()); err != nil {
		log.Fatalf("startup failed: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return err
	}

	service, cleanup, err := buildService(cfg, store.NewPostgresStore(db), gitrepo.New(cfg.ReposDir))
	if err != nil {
		return err
	}
	defer cleanup()

	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Quorum API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}

// buildService wires the session backend. Redis is preferred when
// configured; otherwise refresh tokens fall back to Postgres.
func buildService(cfg config.Config, dataStore *store.PostgresStore, gitService *gitrepo.Service) (*app.Service, func(), error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Printf("Using PostgreSQL for refresh token storage")
		service, err := app.New(cfg, dataStore, gitService)
		return service, func() {}, err
	}

	log.Printf("Using Redis for refresh token storage")
	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, func() {}, err
	}
	service, err := app.NewWithSessionStore(cfg, dataStore, redisStore, gitService)
	if err != nil {
		redisStore.Close()
		return nil, func() {}, err
	}
	return service, func() { redisStore.Close() }, nil
}
