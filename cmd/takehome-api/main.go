// Package main provides the take-home diversion control API entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/api/handlers"
	"github.com/otpcare/takehome/internal/api/middleware"
	"github.com/otpcare/takehome/internal/app"
	"github.com/otpcare/takehome/internal/config"
	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/observability/metrics"
	"github.com/otpcare/takehome/internal/observability/tracing"
	"github.com/otpcare/takehome/pkg/idempotency"
)

const serviceName = "takehome-api"

func main() {
	configFile := flag.String("config", "", "optional config file (.env or yaml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing(serviceName))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	a, err := app.New(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	svc := handlers.Services{
		Orders:  a.Orders,
		Scans:   a.Scans,
		Returns: a.Returns,
		Holds:   a.Holds,
		Risk:    a.Risk,
		Reports: a.Reports,
	}
	if a.Pool != nil {
		ic := idempotency.DefaultInboxConfig()
		ic.IsTerminal = func(err error) bool {
			// holds clear and directories catch up; only malformed or settled requests are final
			return errors.Is(err, takehome.ErrValidation) || takehome.IsInvalidState(err)
		}
		inbox := idempotency.NewInbox(a.Pool, ic, logger.Named("inbox"))
		inbox.StartCleanup()
		defer inbox.Stop()
		svc.Dedup = inbox
	}

	clients, _ := cfg.Clients()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Ready(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if len(clients) > 0 {
			r.Use(middleware.APIKeyAuth(clients))
		} else {
			logger.Warn("API_KEYS not set, API authentication is disabled")
		}
		r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
		r.Mount("/", handlers.New(svc, logger.Named("http")).Routes())
	})

	if cfg.ExpiryEnabled {
		go runExpiry(ctx, a, logger)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting take-home API", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

// runExpiry sweeps overdue doses until ctx is cancelled
func runExpiry(ctx context.Context, a *app.App, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		if n, err := a.Expirer.ExpireOverdue(ctx); err != nil {
			logger.Error("dose expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("expired overdue doses", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
}
