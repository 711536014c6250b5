package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zapboard/session-server/internal/authstore"
	"github.com/zapboard/session-server/internal/config"
	"github.com/zapboard/session-server/internal/database"
	"github.com/zapboard/session-server/internal/events"
	"github.com/zapboard/session-server/internal/handler"
	"github.com/zapboard/session-server/internal/httputil"
	"github.com/zapboard/session-server/internal/jobs"
	"github.com/zapboard/session-server/internal/middleware"
	"github.com/zapboard/session-server/internal/redis"
	"github.com/zapboard/session-server/internal/registry"
	"github.com/zapboard/session-server/internal/repository"
	"github.com/zapboard/session-server/internal/session"
	"github.com/zapboard/session-server/internal/transport"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	sessionRepo := repository.NewSessionRepository(db.DB)

	authStore, err := authstore.NewFSStore(cfg.AuthDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.AuthDir).Msg("failed to open auth storage")
	}

	connector := transport.NewWSConnector(cfg.GatewayURL)
	broker := events.NewBroker(redisClient)

	manager := session.NewManager(
		registry.NewMemory(), sessionRepo, authStore, connector, broker,
		session.Options{
			MaxRetryAttempts: cfg.MaxRetryAttempts,
			RetryDelay:       cfg.RetryDelay(),
			RateLimitWindow:  cfg.RateLimitWindow(),
			RateLimitMax:     cfg.RateLimitMaxRequests,
		},
	)
	defer manager.Close()

	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), time.Minute)
	restored, err := manager.RestoreSessions(restoreCtx)
	restoreCancel()
	if err != nil {
		log.Error().Err(err).Msg("failed to restore sessions")
	} else if restored > 0 {
		log.Info().Int("count", restored).Msg("restored sessions")
	}

	sessionHandler := handler.NewSessionHandler(manager)
	complianceHandler := handler.NewComplianceHandler(manager)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, manager.Snapshot())
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Mount("/", sessionHandler.Routes())
	})

	r.Post("/v1/compliance/check", complianceHandler.Check)

	cleanupJob := jobs.NewCleanupJob(
		sessionRepo, authStore, manager.RateLimiter(),
		cfg.SessionRetention(), config.CleanupJobInterval,
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
