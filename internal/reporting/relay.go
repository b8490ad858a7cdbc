package reporting

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/observability/metrics"
	"github.com/otpcare/takehome/pkg/circuitbreaker"
	"github.com/otpcare/takehome/pkg/workerpool"
)

// RelayConfig holds configuration for report dispatch
type RelayConfig struct {
	// BatchSize is the number of due reports picked per dispatch
	BatchSize int
	// Workers bounds concurrent submissions
	Workers int
	// CallTimeout bounds each channel call
	CallTimeout time.Duration
	// PollInterval is how often Run dispatches
	PollInterval time.Duration
	// MaxRetries is the in-dispatch retry budget for an unreachable channel
	MaxRetries int
	// RetryDelay is the base delay between in-dispatch retries
	RetryDelay time.Duration
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    50,
		Workers:      4,
		CallTimeout:  15 * time.Second,
		PollInterval: 30 * time.Second,
		MaxRetries:   1,
		RetryDelay:   500 * time.Millisecond,
	}
}

// DispatchResult summarizes one dispatch pass
type DispatchResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Deferred  int `json:"deferred"`
	Failed    int `json:"failed"`
}

// Relay submits due reports to the regulatory channel. Channel calls run outside
// any store transaction; outcomes are written back through Sync.
type Relay struct {
	sync    *Sync
	channel Channel
	breaker *circuitbreaker.CircuitBreaker
	config  RelayConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRelay creates a relay. breaker may be nil.
func NewRelay(sync *Sync, channel Channel, breaker *circuitbreaker.CircuitBreaker, cfg RelayConfig, m *metrics.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultRelayConfig().Workers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultRelayConfig().CallTimeout
	}
	return &Relay{
		sync:    sync,
		channel: channel,
		breaker: breaker,
		config:  cfg,
		metrics: m,
		logger:  logger,
	}
}

// Dispatch submits one batch of due reports and records each outcome
func (r *Relay) Dispatch(ctx context.Context) (DispatchResult, error) {
	ctx, span := r.sync.tracer.Start(ctx, "reporting.Dispatch")
	defer span.End()

	var res DispatchResult
	expired, err := r.sync.ExpireDeferred(ctx)
	if err != nil {
		return res, fmt.Errorf("expire deferred reports: %w", err)
	}
	if expired > 0 {
		r.logger.Warn("deferred reports timed out waiting for acknowledgement", zap.Int("reports", expired))
	}

	due, err := r.sync.Due(ctx, r.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("select due reports: %w", err)
	}
	if len(due) == 0 {
		return res, nil
	}
	res.Attempted = len(due)
	span.SetAttributes(attribute.Int("reports", len(due)))

	workers := r.config.Workers
	if workers > len(due) {
		workers = len(due)
	}
	pool, err := workerpool.New(workerpool.Config{
		Workers:                 workers,
		QueueSize:               len(due),
		MaxRetries:              r.config.MaxRetries,
		RetryDelay:              r.config.RetryDelay,
		GracefulShutdownTimeout: r.config.CallTimeout,
		Retryable:               func(err error) bool { return !circuitbreaker.IsOpen(err) },
	}, r.submit, r.logger)
	if err != nil {
		return res, err
	}
	pool.Start()
	defer pool.Stop()

	for _, rep := range due {
		if err := pool.Submit(&workerpool.Task{ID: rep.ID, Payload: rep, Context: ctx}); err != nil {
			return res, fmt.Errorf("submit report %s: %w", rep.ID, err)
		}
	}
	results, err := pool.Collect(ctx, len(due))
	for _, result := range results {
		r.settle(ctx, result, &res)
	}
	if err != nil {
		return res, err
	}

	r.logger.Info("dispatched diversion reports",
		zap.Int("attempted", res.Attempted),
		zap.Int("synced", res.Synced),
		zap.Int("deferred", res.Deferred),
		zap.Int("failed", res.Failed),
		zap.Int64("retried", pool.Stats().TasksRetried),
	)
	return res, nil
}

func (r *Relay) submit(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	report := task.Payload.(*takehome.DiversionReport)
	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()

	start := time.Now()
	call := func(ctx context.Context) (Ack, error) { return r.channel.Submit(ctx, report) }
	var (
		ack Ack
		err error
	)
	if r.breaker != nil {
		ack, err = circuitbreaker.Do(callCtx, r.breaker, call)
	} else {
		ack, err = call(callCtx)
	}
	r.metrics.ObserveSync(time.Since(start))

	if err != nil {
		return &workerpool.Result{TaskID: task.ID, Error: err}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true, Data: ack}
}

func (r *Relay) settle(ctx context.Context, result *workerpool.Result, res *DispatchResult) {
	var err error
	switch {
	case !result.Success:
		res.Failed++
		reason := "regulatory channel unreachable"
		if result.Error != nil {
			reason = result.Error.Error()
		}
		_, err = r.sync.MarkFailed(ctx, result.TaskID, reason)
	default:
		ack, _ := result.Data.(Ack)
		switch ack.Status {
		case AckAccepted:
			res.Synced++
			_, err = r.sync.MarkSynced(ctx, result.TaskID, ack.ReferenceNumber)
		case AckDeferred:
			res.Deferred++
			_, err = r.sync.MarkSubmitted(ctx, result.TaskID)
		default:
			res.Failed++
			_, err = r.sync.MarkFailed(ctx, result.TaskID, "rejected: "+ack.Reason)
		}
	}
	if err != nil {
		// an acknowledgement may have landed first
		r.logger.Warn("failed to record dispatch outcome",
			zap.String("report_id", result.TaskID),
			zap.Error(err),
		)
	}
}

// Run dispatches on every poll interval until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	interval := r.config.PollInterval
	if interval <= 0 {
		interval = DefaultRelayConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("report relay started", zap.Duration("poll_interval", interval))
	for {
		if _, err := r.Dispatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("report dispatch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("report relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

