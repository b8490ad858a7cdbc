// Package holds manages compliance holds and the alerts that lead to them.
// An open hold blocks new take-home orders and kit issuance for the patient
// until it is cleared.
package holds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/directory"
	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/ids"
	"github.com/otpcare/takehome/internal/observability/metrics"
)

// OpenHoldRequest opens a hold for a patient
type OpenHoldRequest struct {
	PatientID         string `json:"patient_id"`
	ReasonCode        string `json:"reason_code"`
	RequiresCounselor bool   `json:"requires_counselor_clearance"`
	OpenedBy          string `json:"opened_by"`
	AlertID           string `json:"alert_id,omitempty"`
}

// Validate checks required fields
func (r *OpenHoldRequest) Validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return takehome.Invalid("patient_id", "is required")
	}
	if strings.TrimSpace(r.ReasonCode) == "" {
		return takehome.Invalid("reason_code", "is required")
	}
	if strings.TrimSpace(r.OpenedBy) == "" {
		return takehome.Invalid("opened_by", "is required")
	}
	return nil
}

// ClearHoldRequest clears an open hold
type ClearHoldRequest struct {
	HoldID    string `json:"-"`
	Notes     string `json:"notes"`
	ClearedBy string `json:"cleared_by"`
}

// Manager is the compliance hold manager
type Manager struct {
	store   takehome.Store
	roles   directory.Roles
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewManager creates a hold manager
func NewManager(store takehome.Store, roles directory.Roles, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   store,
		roles:   roles,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("holds"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OpenHold opens a manual hold
func (m *Manager) OpenHold(ctx context.Context, req OpenHoldRequest) (*takehome.ComplianceHold, error) {
	ctx, span := m.tracer.Start(ctx, "holds.OpenHold",
		trace.WithAttributes(attribute.String("patient_id", req.PatientID)),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	var hold *takehome.ComplianceHold
	err := takehome.Atomically(ctx, m.store, func(ctx context.Context, tx takehome.Tx) error {
		if req.AlertID != "" {
			alert, err := tx.GetAlert(ctx, req.AlertID)
			if err != nil {
				return err
			}
			if alert.PatientID != req.PatientID {
				return takehome.Invalid("alert_id", "belongs to another patient")
			}
		}
		var err error
		hold, err = Open(ctx, tx, req, m.now())
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.metrics.HoldOpened(hold.ReasonCode)
	m.logger.Info("compliance hold opened",
		zap.String("hold_id", hold.ID),
		zap.String("patient_id", hold.PatientID),
		zap.String("reason", hold.ReasonCode),
	)
	return hold, nil
}

// Open creates a hold inside tx. Engines call it from the same transaction
// that recorded the triggering scan or return.
func Open(ctx context.Context, tx takehome.Tx, req OpenHoldRequest, at time.Time) (*takehome.ComplianceHold, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := tx.LockPatient(ctx, req.PatientID); err != nil {
		return nil, fmt.Errorf("lock patient: %w", err)
	}
	hold := &takehome.ComplianceHold{
		ID:                         ids.New(),
		PatientID:                  req.PatientID,
		ReasonCode:                 req.ReasonCode,
		AlertID:                    req.AlertID,
		RequiresCounselorClearance: req.RequiresCounselor,
		Status:                     takehome.HoldOpen,
		OpenedBy:                   req.OpenedBy,
		OpenedAt:                   at,
	}
	if err := tx.InsertHold(ctx, hold); err != nil {
		return nil, fmt.Errorf("insert hold: %w", err)
	}
	if err := takehome.Emit(ctx, tx, takehome.AggregateHold, hold.ID, takehome.EventHoldOpened, hold.PatientID, hold); err != nil {
		return nil, fmt.Errorf("emit hold opened: %w", err)
	}
	return hold, nil
}

// OpenOnce opens a hold unless the patient already has an open hold with the
// same reason, in which case it returns (nil, nil).
func OpenOnce(ctx context.Context, tx takehome.Tx, req OpenHoldRequest, at time.Time) (*takehome.ComplianceHold, error) {
	if err := tx.LockPatient(ctx, req.PatientID); err != nil {
		return nil, fmt.Errorf("lock patient: %w", err)
	}
	existing, err := tx.ListHoldsByPatient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	for _, h := range takehome.OpenHolds(existing) {
		if h.ReasonCode == req.ReasonCode {
			return nil, nil
		}
	}
	return Open(ctx, tx, req, at)
}

// ClearHold clears an open hold. Holds flagged for counselor clearance can only
// be cleared by staff holding the counselor role.
func (m *Manager) ClearHold(ctx context.Context, req ClearHoldRequest) (*takehome.ComplianceHold, error) {
	ctx, span := m.tracer.Start(ctx, "holds.ClearHold",
		trace.WithAttributes(attribute.String("hold_id", req.HoldID)),
	)
	defer span.End()

	if strings.TrimSpace(req.HoldID) == "" {
		return nil, takehome.Invalid("hold_id", "is required")
	}
	if strings.TrimSpace(req.ClearedBy) == "" {
		return nil, takehome.Invalid("cleared_by", "is required")
	}

	current, err := m.store.GetHold(ctx, req.HoldID)
	if err != nil {
		return nil, err
	}
	if current.Status != takehome.HoldOpen {
		return nil, takehome.InvalidStatef("hold %s is already %s", current.ID, current.Status)
	}
	// role lookups are remote; resolve them before opening the transaction
	if current.RequiresCounselorClearance {
		if err := m.requireCounselor(ctx, req.ClearedBy); err != nil {
			return nil, err
		}
	}

	var hold *takehome.ComplianceHold
	err = takehome.Atomically(ctx, m.store, func(ctx context.Context, tx takehome.Tx) error {
		if err := tx.LockPatient(ctx, current.PatientID); err != nil {
			return err
		}
		h, err := tx.GetHold(ctx, req.HoldID)
		if err != nil {
			return err
		}
		if h.Status != takehome.HoldOpen {
			return takehome.InvalidStatef("hold %s is already %s", h.ID, h.Status)
		}
		at := m.now()
		h.Status = takehome.HoldCleared
		h.ClearedBy = req.ClearedBy
		h.ClearanceNotes = req.Notes
		h.ClearedAt = &at
		if err := tx.UpdateHold(ctx, h); err != nil {
			return err
		}
		hold = h
		return takehome.Emit(ctx, tx, takehome.AggregateHold, h.ID, takehome.EventHoldCleared, h.PatientID, h)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.metrics.HoldCleared()
	m.logger.Info("compliance hold cleared",
		zap.String("hold_id", hold.ID),
		zap.String("patient_id", hold.PatientID),
		zap.String("cleared_by", hold.ClearedBy),
	)
	return hold, nil
}

func (m *Manager) requireCounselor(ctx context.Context, staffID string) error {
	if m.roles == nil {
		return takehome.Forbiddenf("no role directory configured to confirm counselor %s", staffID)
	}
	ok, err := m.roles.HasRole(ctx, staffID, directory.RoleCounselor)
	if err != nil {
		return fmt.Errorf("check counselor role: %w", err)
	}
	if !ok {
		return takehome.Forbiddenf("%s is not a counselor", staffID)
	}
	return nil
}

// ListHolds returns a patient's holds, optionally only the open ones
func (m *Manager) ListHolds(ctx context.Context, patientID string, openOnly bool) ([]*takehome.ComplianceHold, error) {
	hs, err := m.store.ListHoldsByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if openOnly {
		return takehome.OpenHolds(hs), nil
	}
	return hs, nil
}

// HasOpenHold reports whether the patient currently has an open hold
func (m *Manager) HasOpenHold(ctx context.Context, patientID string) (bool, error) {
	hs, err := m.ListHolds(ctx, patientID, true)
	if err != nil {
		return false, err
	}
	return len(hs) > 0, nil
}

// EnsureNoOpenHold returns a HoldBlockedError listing the patient's open holds.
// Call it inside a transaction after LockPatient.
func EnsureNoOpenHold(ctx context.Context, r takehome.Reader, patientID string) error {
	hs, err := r.ListHoldsByPatient(ctx, patientID)
	if err != nil {
		return err
	}
	open := takehome.OpenHolds(hs)
	if len(open) == 0 {
		return nil
	}
	blocked := &takehome.HoldBlockedError{PatientID: patientID}
	for _, h := range open {
		blocked.HoldIDs = append(blocked.HoldIDs, h.ID)
	}
	return blocked
}
