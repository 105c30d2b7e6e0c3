package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagnosis/chainconsult/pkg/cache"
	"github.com/diagnosis/chainconsult/pkg/clock"
	"github.com/diagnosis/chainconsult/pkg/config"
	"github.com/diagnosis/chainconsult/pkg/database"
	"github.com/diagnosis/chainconsult/pkg/events"
	"github.com/diagnosis/chainconsult/pkg/logger"
	"github.com/diagnosis/chainconsult/pkg/metrics"
	mw "github.com/diagnosis/chainconsult/pkg/middleware"
	"github.com/diagnosis/chainconsult/services/consultations/internal/clientinfo"
	"github.com/diagnosis/chainconsult/services/consultations/internal/eligibility"
	"github.com/diagnosis/chainconsult/services/consultations/internal/handlers"
	"github.com/diagnosis/chainconsult/services/consultations/internal/repository"
	"github.com/diagnosis/chainconsult/services/consultations/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const serviceName = "consultations"

func main() {
	cfg := config.Load()
	ctx := context.Background()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	eventBus, err := events.NewNATSEventBus(cfg.NATS.URL, serviceName)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	// Idempotent replay is optional; bookings still work without Redis.
	var idempotency func(http.Handler) http.Handler
	if store, err := cache.NewRedisStore(ctx, cfg.Redis.URL); err != nil {
		logger.Warn("Redis unavailable, idempotency keys disabled", "error", err)
	} else {
		defer store.Close()
		idempotency = mw.IdempotencyMiddleware(store, cfg.Redis.IdempotencyTTL)
	}

	reg := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(reg, serviceName)
	gateMetrics := metrics.NewEligibilityMetrics(reg)

	clk := clock.New()
	bookingRepo := repository.NewBookingRepository(pool)
	userRepo := repository.NewUserRepository(pool)

	gate := eligibility.NewChecker(bookingRepo, userRepo, eligibility.PolicyFromConfig(cfg.FreeConsultation), clk, gateMetrics)
	if !cfg.FreeConsultation.EnforceAccountFlag {
		logger.Info("Account free-consultation flag not enforced")
	}

	bookingService := service.NewBookingService(bookingRepo, userRepo, gate, eventBus, clk, cfg)
	authService := service.NewAuthService(userRepo, eventBus, clk, cfg)

	h := handlers.New(bookingService, authService, clientinfo.NewExtractor(cfg.FreeConsultation.FingerprintSecret), cfg.Auth.JWTSecret)

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName(serviceName))
	r.Use(mw.Logging)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Idempotent-Replay"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(mw.Health)
	r.Use(mw.Metrics(reg, httpMetrics))
	r.Mount("/", h.Routes(idempotency))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down consultations service...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Consultations service shutdown error", "error", err)
		}
	}()

	logger.Info("Starting consultations service", "port", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Consultations service error", "error", err)
		os.Exit(1)
	}
}
