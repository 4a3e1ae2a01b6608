package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uncord-chat/uncord-gateway/internal/api"
	"github.com/uncord-chat/uncord-gateway/internal/auth"
	"github.com/uncord-chat/uncord-gateway/internal/config"
	"github.com/uncord-chat/uncord-gateway/internal/gateway"
	"github.com/uncord-chat/uncord-gateway/internal/member"
	"github.com/uncord-chat/uncord-gateway/internal/metrics"
	"github.com/uncord-chat/uncord-gateway/internal/postgres"
	"github.com/uncord-chat/uncord-gateway/internal/presence"
	"github.com/uncord-chat/uncord-gateway/internal/user"
	"github.com/uncord-chat/uncord-gateway/internal/valkey"
	"github.com/uncord-chat/uncord-gateway/internal/voice"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped")
	}
}

func run() error {
	// A missing .env is fine; the environment itself takes precedence anyway.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Uncord Gateway")

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	registry := prometheus.NewRegistry()
	counters := metrics.NewPrometheus(registry)

	sessions := gateway.NewSessionStore(rdb, cfg.SessionTTL, cfg.ResumeWindow, cfg.ResumeBufferMax)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.ServerURL)
	users := user.NewPGRepository(db)
	members := member.NewPGRepository(db)
	presenceStore := presence.NewStore(rdb)
	persister := presence.NewPGPersister(db)
	publisher := gateway.NewPublisher(rdb)

	var voiceSvc voice.Service
	if cfg.VoiceConfigured() {
		voiceSvc = voice.NewClient(cfg.VoiceServiceURL, cfg.VoiceServiceKey, cfg.VoiceServiceTimeout)
		log.Info().Str("url", cfg.VoiceServiceURL).Msg("Voice service configured")
	}

	hub := gateway.NewHub(rdb, cfg, sessions, verifier, users, members,
		presenceStore, persister, voiceSvc, publisher, counters, log.Logger)

	// Run the bus subscriber with reconnection; a dropped subscription must not take the process down.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go func() {
		for {
			err := hub.Run(subCtx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Msg("Bus subscriber stopped, restarting in 5s")
			select {
			case <-subCtx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()

	app := fiber.New(fiber.Config{
		AppName: "Uncord Gateway",
	})

	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(logger.New(logger.Config{
			Format:     "${time} ${locals:requestid} ${method} ${path} ${status} ${latency}\n",
			TimeFormat: time.RFC3339,
		}))
	}

	health := &api.HealthHandler{DB: db, Redis: rdb, Hub: hub}
	app.Get("/api/v1/health", health.Health)

	gw := api.NewGatewayHandler(hub, cfg.MaxConnections)
	app.Get("/api/v1/gateway", gw.Upgrade)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down gateway")
		subCancel()
		hub.Shutdown()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Gateway listening")
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
