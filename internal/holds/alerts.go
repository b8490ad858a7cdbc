package holds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/ids"
)

// RaiseAlert records a compliance alert inside tx. A failure here must fail the
// triggering operation, so callers return the error unchanged.
func RaiseAlert(ctx context.Context, tx takehome.Tx, alert *takehome.ComplianceAlert, at time.Time) error {
	if alert.ID == "" {
		alert.ID = ids.New()
	}
	alert.Status = takehome.AlertOpen
	alert.CreatedAt = at
	if err := tx.InsertAlert(ctx, alert); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if err := takehome.Emit(ctx, tx, takehome.AggregateAlert, alert.ID, takehome.EventAlertRaised, alert.PatientID, alert); err != nil {
		return fmt.Errorf("emit alert raised: %w", err)
	}
	return nil
}

// ResolveAlertRequest closes the review of an alert
type ResolveAlertRequest struct {
	AlertID    string `json:"-"`
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

// ResolveAlert marks an open alert resolved. Holds opened by the alert stay open.
func (m *Manager) ResolveAlert(ctx context.Context, req ResolveAlertRequest) (*takehome.ComplianceAlert, error) {
	if strings.TrimSpace(req.ResolvedBy) == "" {
		return nil, takehome.Invalid("resolved_by", "is required")
	}

	var alert *takehome.ComplianceAlert
	err := takehome.Atomically(ctx, m.store, func(ctx context.Context, tx takehome.Tx) error {
		a, err := tx.GetAlert(ctx, req.AlertID)
		if err != nil {
			return err
		}
		if a.Status != takehome.AlertOpen {
			return takehome.InvalidStatef("alert %s is already %s", a.ID, a.Status)
		}
		at := m.now()
		a.Status = takehome.AlertResolved
		a.ResolvedAt = &at
		a.ResolvedBy = req.ResolvedBy
		a.ResolutionNotes = req.Notes
		if err := tx.UpdateAlert(ctx, a); err != nil {
			return err
		}
		alert = a
		return takehome.Emit(ctx, tx, takehome.AggregateAlert, a.ID, takehome.EventAlertResolved, a.PatientID, a)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("compliance alert resolved", zap.String("alert_id", alert.ID), zap.String("resolved_by", alert.ResolvedBy))
	return alert, nil
}

// ListAlerts returns a patient's alerts created within r
func (m *Manager) ListAlerts(ctx context.Context, patientID string, r takehome.TimeRange) ([]*takehome.ComplianceAlert, error) {
	return m.store.ListAlertsByPatient(ctx, patientID, r)
}
