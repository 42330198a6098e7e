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
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/grading"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
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
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL and Redis ───────────────────────────────
	stores, err := database.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to data stores")
	}
	defer stores.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	quizRepo := repository.NewQuizRepository(stores.DB)
	attemptRepo := repository.NewAttemptRepository(stores.DB)
	attemptCache := repository.NewAttemptCache(stores.Redis)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, stores.Redis)
	quizService := service.NewQuizService(quizRepo, attemptCache, log)

	grader := grading.New(cfg.GradingURL, log)
	if cfg.GradingURL == "" {
		log.Warn().Msg("GRADING_URL not set, every attempt is scored locally")
	}

	attemptService := service.NewAttemptService(
		quizService,
		attemptRepo,
		attemptCache,
		grader,
		service.AttemptConfig{
			Engine: proctor.Config{
				TickInterval:      cfg.TickInterval,
				TabSwitchDebounce: cfg.TabSwitchDebounce,
				FullscreenGrace:   cfg.FullscreenGrace,
			},
			SubmitTimeout: cfg.SubmitTimeout,
			Retention:     cfg.AttemptRetention,
		},
		proctor.RealTime{},
		log,
	)
	monitorService := service.NewMonitorService(quizService, attemptCache, attemptRepo, attemptService, proctor.RealTime{})

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Attempt: handler.NewAttemptHandler(quizService, attemptService, log),
		WS:      handler.NewWSHandler(attemptService, log, cfg.AllowedOrigins),
		Monitor: handler.NewMonitorHandler(attemptCache, quizService, monitorService, log),
		System:  handler.NewSystemHandler(stores.DB, stores.Redis, attemptService, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	violationWorker := worker.NewViolationWorker(stores.DB, stores.Redis, log)
	resultWorker := worker.NewResultWorker(stores.DB, stores.Redis, log)
	answerSheetWorker := worker.NewAnswerSheetWorker(stores.DB, stores.Redis, log)

	for _, start := range []func(context.Context){
		violationWorker.Start,
		resultWorker.Start,
		answerSheetWorker.Start,
	} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			start(workerCtx)
		}()
	}

	janitor := worker.NewAttemptJanitor(attemptService, cfg.SweepInterval, log)
	if err := janitor.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule attempt janitor")
	}

	// 10 starts per minute per student.
	startLimiter := middleware.NewRateLimiter(10, time.Minute)
	limiterStop := make(chan struct{})
	go startLimiter.RunCleanup(limiterStop)

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published quizzes into Redis BEFORE accepting traffic.
	// This avoids race conditions from lazy loading under thundering herd.
	if err := quizService.Prewarm(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, startLimiter, cfg)

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

	// 2. Release live attempts; their cached state lets another instance resume them.
	janitor.Stop()
	attemptService.Shutdown()
	close(limiterStop)

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
