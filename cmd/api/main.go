package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"courier/api/internal/app"
	"courier/api/internal/auth"
	"courier/api/internal/authpw"
	"courier/api/internal/config"
	"courier/api/internal/email"
	"courier/api/internal/live"
	"courier/api/internal/search"
	"courier/api/internal/session"
	"courier/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !emailService.IsConfigured() {
		log.Printf("SMTP not configured; verification and reset tokens surface in API responses")
	}

	// Refresh sessions live in Redis when available; the same client carries
	// live-update fan-out across instances. Without Redis both fall back to
	// single-instance Postgres-backed operation.
	var sessions app.SessionStore = dataStore
	var broker *live.Broker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		log.Printf("Using Redis for refresh token storage")
		sessions = redisStore
		broker = live.NewBroker(redisStore.Client())
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
		broker = live.NewBroker(nil)
	}
	defer broker.Close()

	tokens := auth.NewAuthenticator(cfg.JWTSecret, "courier")
	authService := authpw.NewService(dataStore)
	service := app.New(cfg, dataStore, sessions, tokens, authService, emailService, searchService, broker)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Courier API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
}
