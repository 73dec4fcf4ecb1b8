package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-testengine/internal/api"
	"github.com/stemsi/exstem-testengine/internal/config"
	"github.com/stemsi/exstem-testengine/internal/database"
	"github.com/stemsi/exstem-testengine/internal/event"
	"github.com/stemsi/exstem-testengine/internal/guard"
	"github.com/stemsi/exstem-testengine/internal/handler"
	"github.com/stemsi/exstem-testengine/internal/identity"
	"github.com/stemsi/exstem-testengine/internal/logger"
	"github.com/stemsi/exstem-testengine/internal/recorder"
	"github.com/stemsi/exstem-testengine/internal/repository"
	"github.com/stemsi/exstem-testengine/internal/router"
	"github.com/stemsi/exstem-testengine/internal/service"
	"github.com/stemsi/exstem-testengine/internal/store"
	"github.com/stemsi/exstem-testengine/internal/validator"
	"github.com/stemsi/exstem-testengine/internal/websocket"
	"github.com/stemsi/exstem-testengine/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Test Engine")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	// ─── Resolve Identity ──────────────────────────────────────────────
	ident, err := identity.FromToken(cfg.AuthToken, cfg.JWTSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid AUTH_TOKEN")
	}
	log = log.With().Str("identity", ident.ID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Connect to the Grading Service ───────────────────────────────
	sockets := websocket.NewManager(websocket.Options{
		URL:         cfg.SocketURL,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     cfg.ReconnectBackoff,
	}, log)
	defer sockets.Close()

	channel, err := sockets.Connect(ctx, ident)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to the duplex channel")
	}
	gateway := api.NewClient(cfg.APIBaseURL, ident.Token, cfg.RequestTimeout, log)

	// ─── Notifications ─────────────────────────────────────────────────
	publisher, err := event.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer publisher.Close()

	// ─── Initialize Repositories & Stores ─────────────────────────────
	attemptRepo := repository.NewAttemptRepository(pool)
	checkpoints := store.NewCheckpointStore(rdb, cfg.CheckpointTTL)
	attemptRecorder := recorder.NewRedisRecorder(rdb, cfg.CheckpointTTL, log)

	// ─── Initialize Services ──────────────────────────────────────────
	exitGuard := guard.New(log)
	exitGuard.OnBlocked(func(what string) {
		log.Warn().Str("blocked", what).Msg("Exit blocked while a session is running; exit the session first")
	})

	sessionService := service.NewSessionService(ident, gateway, channel, attemptRecorder, checkpoints, exitGuard, service.Options{
		TickInterval:   cfg.TickInterval,
		RequestTimeout: cfg.RequestTimeout,
		GradingGrace:   cfg.GradingGrace,
		AutoAdvance:    cfg.AutoAdvance,
	}, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, log),
		Attempt: handler.NewAttemptHandler(attemptRepo, checkpoints, ident.ID, log),
		WS:      handler.NewWSHandler(sessionService, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})

	attemptWorker := worker.NewAttemptWorker(rdb, gateway, attemptRepo, publisher, log)
	go func() {
		defer close(workerDone)
		attemptWorker.Start(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(ident, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	// Termination signals are swallowed while a session is active.
	<-exitGuard.Watch(ctx)

	log.Info().Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Leave whatever session is left (graded or idle).
	if err := sessionService.Exit(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Session exit error")
	}

	// 3. Stop the attempt worker and wait for the queue to drain.
	workerCancel()
	select {
	case <-workerDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Attempt worker did not drain in time")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
