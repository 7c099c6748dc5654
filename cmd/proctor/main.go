package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/bridge"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/environment"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/security"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.Setup("info", "pretty")
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("exam_api", cfg.ExamAPIURL).
		Str("store", cfg.StoreDriver).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Open Local State ──────────────────────────────────────────────
	kv, err := store.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open local state store")
	}
	defer kv.Close()
	state := store.NewLocalState(kv, cfg.ClientID)

	// ─── Wire Components ───────────────────────────────────────────────
	clock := clockwork.NewRealClock()
	collector := metrics.New()
	bus := environment.NewBus()
	enforcer := security.NewEnforcer(cfg.Policy.BlockedKeys, log)
	gw := gateway.NewClient(cfg.ExamAPIURL, cfg.ExamAPITimeout, log)
	hub := bridge.NewHub(bus, enforcer, clock, log, cfg.AllowedOrigins)
	enforcer.SetPublisher(hub)

	machine := session.New(session.Deps{
		Gateway:  gw,
		Env:      bus,
		Enforcer: enforcer,
		State:    state,
		Clock:    clock,
		Metrics:  collector,
		Policy:   cfg.Policy,
		Log:      log,
	})
	hub.SetState(machine)
	unobserve := machine.Observe(hub.PublishState)
	defer unobserve()

	if err := machine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(machine),
		Shell:   hub.ShellStream,
	}
	limiter := middleware.NewRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst, clock)
	r := router.SetupRouter(handlers, collector, limiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              "127.0.0.1:" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Local API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	<-ctx.Done()
	log.Info().Msg("Shutting down gracefully...")

	// 1. Stop accepting requests and drop shell connections.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	hub.Close()

	// 2. Stop timers and wait for an in-flight submission to settle.
	machine.Close()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
