// Package main provides the outbox relay service entry point.
// It publishes domain events written by the API's transactions to Redpanda.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/config"
	"github.com/otpcare/takehome/internal/infrastructure/postgres"
	"github.com/otpcare/takehome/internal/infrastructure/redpanda"
	"github.com/otpcare/takehome/internal/observability/metrics"
	"github.com/otpcare/takehome/internal/observability/tracing"
)

func main() {
	configFile := flag.String("config", "", "optional config file (.env or yaml)")
	metricsAddr := flag.String("metrics-addr", ":9101", "address for /metrics")
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

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required for the outbox relay")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing("outbox-relay"))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(prometheus.DefaultRegisterer)

	pool, err := postgres.NewPool(ctx, cfg.Pool())
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	producer, err := redpanda.NewProducer(cfg.Producer(), m, logger.Named("producer"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	oc := postgres.DefaultOutboxConfig()
	oc.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, oc, m, logger.Named("outbox"))
	outbox.Start()
	logger.Info("outbox relay started")

	go serveMetrics(ctx, *metricsAddr, logger)
	go maintain(ctx, outbox, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	outbox.Stop()
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Flush(flushCtx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	stats := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("messages_sent", stats.MessagesSent),
		zap.Int64("bytes_sent", stats.BytesSent),
		zap.Int64("errors", stats.ErrorCount),
	)
}

// maintain dead-letters exhausted entries and prunes processed ones
func maintain(ctx context.Context, outbox *postgres.Outbox, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
			logger.Error("dead letter sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Warn("moved outbox entries to dead letter", zap.Int64("count", n))
		}
		if n, err := outbox.CleanupProcessed(ctx); err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			logger.Debug("pruned processed outbox entries", zap.Int64("count", n))
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
