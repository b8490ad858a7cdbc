// Package main provides the diversion report sync service. It submits due
// reports to the regulator and applies asynchronous acknowledgements.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/app"
	"github.com/otpcare/takehome/internal/config"
	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/infrastructure/redpanda"
	"github.com/otpcare/takehome/internal/observability/metrics"
	"github.com/otpcare/takehome/internal/observability/tracing"
	"github.com/otpcare/takehome/internal/reporting"
)

func main() {
	configFile := flag.String("config", "", "optional config file (.env or yaml)")
	metricsAddr := flag.String("metrics-addr", ":9102", "address for /metrics")
	consumeAcks := flag.Bool("acks", true, "consume regulatory acknowledgements from Redpanda")
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

	if cfg.RegulatorURL == "" {
		logger.Fatal("REGULATOR_URL is required for report sync")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing("report-sync"))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	a, err := app.New(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	relay, err := a.Relay()
	if err != nil {
		logger.Fatal("relay creation failed", zap.Error(err))
	}

	if *consumeAcks {
		consumer, err := redpanda.NewConsumer(cfg.Consumer(), acknowledge(a.Reports, logger), a.Metrics, logger.Named("acks"))
		if err != nil {
			logger.Fatal("consumer creation failed", zap.Error(err))
		}
		consumer.Start()
		defer func() {
			consumer.Stop()
			stats := consumer.Stats()
			logger.Info("acknowledgement consumer stopped",
				zap.Int64("messages_read", stats.MessagesRead),
				zap.Int64("errors", stats.ErrorCount),
				zap.Time("last_commit", stats.LastCommitTime),
			)
		}()
	}

	ready := func(ctx context.Context) error {
		if err := a.Ready(ctx); err != nil {
			return err
		}
		if *consumeAcks {
			if err := redpanda.Ping(ctx, cfg.KafkaBrokers); err != nil {
				return fmt.Errorf("redpanda: %w", err)
			}
		}
		return nil
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := ready(r.Context()); err != nil {
				logger.Warn("not ready", zap.Error(err))
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-ctx.Done()
			_ = srv.Shutdown(context.Background())
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("report sync started", zap.String("regulator", cfg.RegulatorURL))
	if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("relay stopped", zap.Error(err))
	}
	logger.Info("report sync stopped")
}

// acknowledge applies acknowledgements. Malformed or unknown ones are logged and
// dropped so they cannot wedge the partition.
func acknowledge(sync *reporting.Sync, logger *zap.Logger) redpanda.MessageHandler {
	return func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		var ack reporting.Acknowledgement
		if err := json.Unmarshal(msg.Value, &ack); err != nil {
			logger.Warn("dropping malformed acknowledgement",
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return nil
		}
		err := sync.Acknowledge(ctx, ack)
		switch {
		case err == nil:
			return nil
		case takehome.IsNotFound(err), takehome.IsInvalidState(err), errors.Is(err, takehome.ErrValidation):
			logger.Warn("dropping acknowledgement", zap.String("report_id", ack.ReportID), zap.Error(err))
			return nil
		}
		return err
	}
}
