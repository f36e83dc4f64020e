package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/clock"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/database"
	"github.com/stemsi/exstem-session/internal/handler"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/router"
	"github.com/stemsi/exstem-session/internal/security"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
	"github.com/stemsi/exstem-session/internal/worker"
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
		Str("store_backend", cfg.StoreBackend).
		Msg("Starting ExStem Session Service")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Load Security Rules ───────────────────────────────────────────
	// A rules file takes precedence over SECURITY_WINDOW_MINUTES.
	rules, err := security.LoadRules(cfg.SecurityRulesFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.SecurityRulesFile).Msg("Failed to load security rules")
	}
	if cfg.SecurityRulesFile == "" {
		rules.Window = cfg.SecurityWindow
		if err := rules.Validate(); err != nil {
			log.Fatal().Err(err).Msg("Invalid SECURITY_WINDOW_MINUTES")
		}
	}
	log.Info().
		Dur("window", rules.Window).
		Int("flag_threshold", rules.FlagThreshold).
		Msg("Security rules loaded")

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

	// ─── Initialize Repositories ───────────────────────────────────────
	var store repository.AttemptStore
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		log.Warn().Msg("Using in-memory attempt store; attempts are lost on restart")
		store = repository.NewMemoryAttemptStore()
	case config.StoreBackendPostgres:
		store = repository.NewPostgresAttemptStore(pool)
	default:
		log.Fatal().Str("store_backend", cfg.StoreBackend).Msg("Unknown STORE_BACKEND")
	}
	examRepo := repository.NewExamRepository(pool)
	monitorRepo := repository.NewMonitorRepository(rdb)
	auditQueue := repository.NewAuditQueue(rdb)
	auditRepo := repository.NewAuditEventRepository(pool)
	revocations := repository.NewRedisRevocationStore(rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, revocations)
	examCatalog := service.NewExamCatalog(examRepo, rdb, cfg.ExamCacheTTL, log)
	monitorService := service.NewMonitorService(monitorRepo, log)
	sessionService := service.NewSessionService(
		store,
		examCatalog,
		service.NewAnswerKeyGrader(examCatalog),
		security.NewEngine(rules),
		clock.Real{},
		service.SessionConfig{
			GracePeriod:    cfg.GracePeriod,
			GradingTimeout: cfg.GradingTimeout,
			StoreTimeout:   cfg.StoreTimeout,
			MaxCASRetries:  cfg.MaxCASRetries,
		},
		log,
	).
		WithNotifier(monitorService).
		WithEventSink(service.NewAuditJournal(auditQueue, log))

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:          handler.NewAuthHandler(authService, log),
		StudentPortal: handler.NewStudentPortalHandler(sessionService, log),
		Session:       handler.NewSessionHandler(sessionService, log),
		WS:            handler.NewWSHandler(sessionService, log, cfg.AllowedOrigins),
		Monitor:       handler.NewMonitorHandler(examCatalog, sessionService, monitorService, log),
		System: handler.NewSystemHandler(
			map[string]handler.Check{
				"postgres": pool.Ping,
				"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			},
			auditQueue.Len,
			log,
		),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	auditWorker := worker.NewAuditWorker(auditQueue, auditRepo, log)
	workers.Add(1)
	go func() {
		defer workers.Done()
		auditWorker.Start(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, log)

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
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for the audit buffer to flush.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
