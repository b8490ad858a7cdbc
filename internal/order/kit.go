package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/holds"
	"github.com/otpcare/takehome/internal/ids"
)

// IssueKitRequest issues the kit for a pending order
type IssueKitRequest struct {
	OrderID     string `json:"-"`
	SealBatchID string `json:"seal_batch_id,omitempty"`
	IssuedBy    string `json:"issued_by"`
	// DoseOverrides replaces the daily dose for individual days, keyed by 1-based sequence
	DoseOverrides map[int]float64 `json:"dose_overrides,omitempty"`
}

func (r *IssueKitRequest) validate(o *takehome.Order, cfg Config) error {
	if strings.TrimSpace(r.IssuedBy) == "" {
		return takehome.Invalid("issued_by", "is required")
	}
	for seq, mg := range r.DoseOverrides {
		if seq < 1 || seq > o.DaysSupply {
			return takehome.Invalid("dose_overrides", fmt.Sprintf("day %d is outside the order's %d days", seq, o.DaysSupply))
		}
		if mg <= 0 {
			return takehome.Invalid("dose_overrides", fmt.Sprintf("day %d amount must be positive", seq))
		}
		if cfg.MaxDailyDoseMg > 0 && mg > cfg.MaxDailyDoseMg {
			return takehome.Invalid("dose_overrides", fmt.Sprintf("day %d amount exceeds the daily maximum", seq))
		}
	}
	return nil
}

// IssueKit expands a pending order into one dispensed bottle per day and activates the order.
// The hold gate is re-checked here since a hold may have opened after the order was created.
func (m *Manager) IssueKit(ctx context.Context, req IssueKitRequest) (*takehome.Kit, error) {
	ctx, span := m.tracer.Start(ctx, "order.IssueKit",
		trace.WithAttributes(attribute.String("order_id", req.OrderID)),
	)
	defer span.End()

	if strings.TrimSpace(req.OrderID) == "" {
		return nil, takehome.Invalid("order_id", "is required")
	}

	var kit *takehome.Kit
	err := takehome.Atomically(ctx, m.store, func(ctx context.Context, tx takehome.Tx) error {
		o, err := tx.GetOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if err := tx.LockPatient(ctx, o.PatientID); err != nil {
			return err
		}
		if o.Status != takehome.OrderPending {
			return takehome.InvalidStatef("order %s is %s, kits are issued only for pending orders", o.ID, o.Status)
		}
		if err := req.validate(o, m.config); err != nil {
			return err
		}
		if err := holds.EnsureNoOpenHold(ctx, tx, o.PatientID); err != nil {
			return err
		}

		now := m.now()
		kit, err = buildKit(o, req, now)
		if err != nil {
			return err
		}
		if err := tx.InsertKit(ctx, kit); err != nil {
			return err
		}

		o.Status = takehome.OrderActive
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		if err := takehome.Emit(ctx, tx, takehome.AggregateKit, kit.ID, takehome.EventKitIssued, kit.PatientID, kit); err != nil {
			return err
		}
		return takehome.Emit(ctx, tx, takehome.AggregateOrder, o.ID, takehome.EventOrderActivated, o.PatientID, map[string]string{
			"order_id": o.ID,
			"kit_id":   kit.ID,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.metrics.KitIssued(len(kit.Doses))
	m.logger.Info("take-home kit issued",
		zap.String("kit_id", kit.ID),
		zap.String("order_id", kit.OrderID),
		zap.String("seal_batch_id", kit.SealBatchID),
		zap.Int("doses", len(kit.Doses)),
	)
	return kit, nil
}

func buildKit(o *takehome.Order, req IssueKitRequest, now time.Time) (*takehome.Kit, error) {
	seal := strings.TrimSpace(req.SealBatchID)
	if seal == "" {
		seal = ids.NewSealBatchID(now)
	}
	kit := &takehome.Kit{
		ID:          ids.New(),
		OrderID:     o.ID,
		PatientID:   o.PatientID,
		SealBatchID: seal,
		Status:      takehome.KitIssued,
		IssuedBy:    req.IssuedBy,
		IssuedAt:    now,
		Doses:       make([]*takehome.Dose, 0, o.DaysSupply),
	}
	for i := 0; i < o.DaysSupply; i++ {
		amount := o.DailyDoseMg
		if v, ok := req.DoseOverrides[i+1]; ok {
			amount = v
		}
		d := &takehome.Dose{
			ID:            ids.New(),
			KitID:         kit.ID,
			OrderID:       o.ID,
			PatientID:     o.PatientID,
			BottleUID:     ids.NewBottleUID(),
			Sequence:      i + 1,
			ScheduledDate: o.StartDate.AddDate(0, 0, i),
			AmountMg:      amount,
			Status:        takehome.DosePrepared,
			UpdatedAt:     now,
		}
		if err := d.Advance(takehome.DoseDispensed, now); err != nil {
			return nil, err
		}
		kit.Doses = append(kit.Doses, d)
	}
	return kit, nil
}

// SettleKit closes the kit once every dose is terminal and completes its order.
// It runs in the transaction of whatever moved the last dose.
func SettleKit(ctx context.Context, tx takehome.Tx, kitID string, at time.Time) (bool, error) {
	kit, err := tx.GetKit(ctx, kitID)
	if err != nil {
		return false, err
	}
	if kit.Status == takehome.KitClosed {
		return false, nil
	}
	for _, d := range kit.Doses {
		if !d.Status.Terminal() {
			return false, nil
		}
	}

	kit.Status = takehome.KitClosed
	kit.ClosedAt = &at
	kit.Doses = nil
	if err := tx.UpdateKit(ctx, kit); err != nil {
		return false, err
	}
	if err := takehome.Emit(ctx, tx, takehome.AggregateKit, kit.ID, takehome.EventKitClosed, kit.PatientID, map[string]string{
		"kit_id":   kit.ID,
		"order_id": kit.OrderID,
	}); err != nil {
		return false, err
	}

	o, err := tx.GetOrder(ctx, kit.OrderID)
	if err != nil {
		return false, err
	}
	if o.Status != takehome.OrderActive {
		return true, nil
	}
	o.Status = takehome.OrderCompleted
	o.UpdatedAt = at
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return false, err
	}
	return true, takehome.Emit(ctx, tx, takehome.AggregateOrder, o.ID, takehome.EventOrderCompleted, o.PatientID, map[string]string{
		"order_id": o.ID,
	})
}

// GetKit returns a kit with its doses
func (m *Manager) GetKit(ctx context.Context, id string) (*takehome.Kit, error) {
	return m.store.GetKit(ctx, id)
}

// ListKits returns the kits issued for an order
func (m *Manager) ListKits(ctx context.Context, orderID string) ([]*takehome.Kit, error) {
	return m.store.ListKitsByOrder(ctx, orderID)
}
