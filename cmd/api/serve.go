package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"galaxydocs/api/internal/app"
	"galaxydocs/api/internal/auth"
	"galaxydocs/api/internal/comments"
	"galaxydocs/api/internal/email"
	"galaxydocs/api/internal/gateway"
	"galaxydocs/api/internal/logging"
	"galaxydocs/api/internal/presence"
	"galaxydocs/api/internal/rbac"
	"galaxydocs/api/internal/relay"
	"galaxydocs/api/internal/room"
	"galaxydocs/api/internal/session"
	"galaxydocs/api/internal/store"
)

// dataStore is everything the components need from persistence. Both
// store.Memory and store.PostgresStore satisfy it.
type dataStore interface {
	app.Store
	comments.Store
	relay.Persistence
	rbac.DocumentSource
	gateway.UserStore
}

var (
	_ dataStore = (*store.Memory)(nil)
	_ dataStore = (*store.PostgresStore)(nil)
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	var (
		backend dataStore
		checks  []app.ReadyCheck
	)
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn().Msg("DATABASE_URL not set, using the in-memory store")
		mem := store.NewMemory()
		backend = mem
		checks = append(checks, app.ReadyCheck{Name: "database", Ping: mem.Ping})
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info().Strs("versions", applied).Msg("migrations applied")
		}
		pg := store.NewPostgresStore(db)
		backend = pg
		checks = append(checks, app.ReadyCheck{Name: "database", Ping: pg.Ping})
	}

	var (
		revocations gateway.Revocations
		cache       relay.Cache
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		revocations = redisStore
		cache = relay.NewRedisCache(redisStore.Client(), cfg.ReplicaCacheTTL)
		checks = append(checks, app.ReadyCheck{Name: "redis", Ping: redisStore.Ping})
		logger.Info().Msg("redis enabled for token revocation and replica cache")
	}

	guard := rbac.NewGuard(backend, cfg.PersistTimeout)
	registry := room.NewRegistry(guard, logging.Component(logger, "room"))
	tracker := presence.NewTracker(registry, logging.Component(logger, "presence"))
	engine, err := relay.NewSetEngine()
	if err != nil {
		return fmt.Errorf("init relay engine: %w", err)
	}
	rl := relay.New(guard, registry, backend, engine, relay.Options{
		Mode:           cfg.RelayMode,
		PersistTimeout: cfg.PersistTimeout,
		Cache:          cache,
	}, logging.Component(logger, "relay"))
	registry.Observe(tracker)
	registry.Observe(rl)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Info().Msg("SMTP not configured, mention emails disabled")
	}
	notifier := comments.NewEmailNotifier(backend, mailer, cfg.AppURL)
	manager := comments.NewManager(backend, guard, registry, notifier, cfg.PersistTimeout, logging.Component(logger, "comments"))

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience)
	authenticator := gateway.NewAuthenticator(verifier, revocations, backend, cfg.AuthTimeout, logging.Component(logger, "auth"))
	realtime := gateway.NewServer(authenticator, registry, tracker, rl, gateway.Options{
		SendQueueSize: cfg.SendQueueSize,
		WriteTimeout:  cfg.WriteTimeout,
		PingInterval:  cfg.PingInterval,
		AllowedOrigin: cfg.CORSOrigin,
	}, logging.Component(logger, "gateway"))

	service := app.New(app.Deps{
		Store:    backend,
		Auth:     authenticator,
		Guard:    guard,
		Relay:    rl,
		Comments: manager,
		Rooms:    registry,
		Conns:    realtime,
		Checks:   checks,
		Logger:   logging.Component(logger, "app"),
	})
	httpServer := app.NewHTTPServer(service, realtime, app.HTTPOptions{
		CORSOrigin:      cfg.CORSOrigin,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		RateLimitWindow: cfg.RateLimitWindow,
		RateLimitMax:    cfg.RateLimitMax,
	}, logging.Component(logger, "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Str("relay_mode", cfg.RelayMode).Msg("GalaxyDocs API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked WebSocket connections are not closed by Shutdown.
		realtime.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
