// Package order implements take-home orders and the kits issued against them.
package order

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/holds"
	"github.com/otpcare/takehome/internal/ids"
	"github.com/otpcare/takehome/internal/observability/metrics"
)

// Config holds order and kit limits
type Config struct {
	// MaxDays is the longest take-home supply an order may cover
	MaxDays int
	// MaxDailyDoseMg caps the daily dose and any per-day override
	MaxDailyDoseMg float64
	// Location is the clinic's time zone, used to default an order's start date
	Location *time.Location
}

// DefaultConfig returns default limits
func DefaultConfig() Config {
	return Config{
		MaxDays:        28,
		MaxDailyDoseMg: 300,
		Location:       time.UTC,
	}
}

// Manager is the order manager and kit generator
type Manager struct {
	store   takehome.Store
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewManager creates an order manager
func NewManager(store takehome.Store, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = DefaultConfig().MaxDays
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Manager{
		store:   store,
		config:  cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("order"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrderRequest authorizes a take-home supply
type CreateOrderRequest struct {
	PatientID   string            `json:"patient_id"`
	DaysSupply  int               `json:"days_supply"`
	RiskTier    takehome.RiskTier `json:"risk_tier"`
	DailyDoseMg float64           `json:"daily_dose_mg"`
	// StartDate defaults to today in the clinic's time zone
	StartDate time.Time `json:"start_date,omitempty"`
	CreatedBy string    `json:"created_by"`
}

// Validate checks the request against the configured limits
func (r *CreateOrderRequest) Validate(cfg Config) error {
	if strings.TrimSpace(r.PatientID) == "" {
		return takehome.Invalid("patient_id", "is required")
	}
	if r.DaysSupply < 1 || r.DaysSupply > cfg.MaxDays {
		return takehome.Invalid("days_supply", "must be between 1 and "+strconv.Itoa(cfg.MaxDays))
	}
	if !r.RiskTier.Valid() {
		return takehome.Invalid("risk_tier", "must be one of low, standard, high")
	}
	if r.DailyDoseMg <= 0 {
		return takehome.Invalid("daily_dose_mg", "must be positive")
	}
	if cfg.MaxDailyDoseMg > 0 && r.DailyDoseMg > cfg.MaxDailyDoseMg {
		return takehome.Invalid("daily_dose_mg", "exceeds the daily maximum")
	}
	return nil
}

// CreateOrder creates a pending order. Patients with an open hold are refused.
func (m *Manager) CreateOrder(ctx context.Context, req CreateOrderRequest) (*takehome.Order, error) {
	ctx, span := m.tracer.Start(ctx, "order.CreateOrder",
		trace.WithAttributes(attribute.String("patient_id", req.PatientID)),
	)
	defer span.End()

	if err := req.Validate(m.config); err != nil {
		return nil, err
	}

	now := m.now()
	start := req.StartDate
	if start.IsZero() {
		start = now.In(m.config.Location)
	}
	start = takehome.DateOf(start)

	order := &takehome.Order{
		ID:          ids.New(),
		PatientID:   req.PatientID,
		DaysSupply:  req.DaysSupply,
		DailyDoseMg: req.DailyDoseMg,
		RiskTier:    req.RiskTier,
		StartDate:   start,
		EndDate:     start.AddDate(0, 0, req.DaysSupply-1),
		Status:      takehome.OrderPending,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := takehome.Atomically(ctx, m.store, func(ctx context.Context, tx takehome.Tx) error {
		if err := tx.LockPatient(ctx, order.PatientID); err != nil {
			return err
		}
		if err := holds.EnsureNoOpenHold(ctx, tx, order.PatientID); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		return takehome.Emit(ctx, tx, takehome.AggregateOrder, order.ID, takehome.EventOrderCreated, order.PatientID, order)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.metrics.OrderCreated()
	m.logger.Info("take-home order created",
		zap.String("order_id", order.ID),
		zap.String("patient_id", order.PatientID),
		zap.Int("days_supply", order.DaysSupply),
	)
	return order, nil
}

// CancelOrder cancels an order that has not been issued yet
func (m *Manager) CancelOrder(ctx context.Context, orderID, by string) (*takehome.Order, error) {
	var order *takehome.Order
	err := takehome.Atomically(ctx, m.store, func(ctx context.Context, tx takehome.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != takehome.OrderPending {
			return takehome.InvalidStatef("order %s is %s, only pending orders can be cancelled", o.ID, o.Status)
		}
		o.Status = takehome.OrderCancelled
		o.UpdatedAt = m.now()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return takehome.Emit(ctx, tx, takehome.AggregateOrder, o.ID, takehome.EventOrderCancelled, o.PatientID, map[string]string{
			"order_id":     o.ID,
			"cancelled_by": by,
		})
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("take-home order cancelled", zap.String("order_id", order.ID), zap.String("cancelled_by", by))
	return order, nil
}

// GetOrder returns one order
func (m *Manager) GetOrder(ctx context.Context, id string) (*takehome.Order, error) {
	return m.store.GetOrder(ctx, id)
}

// ListOrders returns a patient's orders
func (m *Manager) ListOrders(ctx context.Context, patientID string) ([]*takehome.Order, error) {
	return m.store.ListOrdersByPatient(ctx, patientID)
}
