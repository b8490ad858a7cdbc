package order

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/directory"
	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/holds"
	"github.com/otpcare/takehome/internal/observability/metrics"
	"github.com/otpcare/takehome/internal/reporting"
)

// ExpiryPolicy controls automatic expiry of never-verified doses. It is off by default:
// an unverified dose otherwise stays dispensed until it is returned.
type ExpiryPolicy struct {
	Enabled bool
	// Grace is added after the end of the dose's dosing window
	Grace time.Duration
}

// DefaultExpiryPolicy returns the disabled policy
func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{Enabled: false, Grace: 24 * time.Hour}
}

// Expirer marks overdue dispensed doses missing and raises a missing-dose alert for each
type Expirer struct {
	store    takehome.Store
	patients directory.Patients
	policy   ExpiryPolicy
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewExpirer creates an expirer
func NewExpirer(store takehome.Store, patients directory.Patients, policy ExpiryPolicy, m *metrics.Metrics, logger *zap.Logger) *Expirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expirer{
		store:    store,
		patients: patients,
		policy:   policy,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// deadline is the end of the dose's window on its scheduled day plus grace.
// Without a dosing profile the window is taken to end at local midnight.
func (e *Expirer) deadline(ctx context.Context, d *takehome.Dose) time.Time {
	loc := time.UTC
	endMinute := 24 * 60
	if e.patients != nil {
		if p, err := e.patients.DosingProfile(ctx, d.PatientID); err == nil {
			if z, zerr := p.Zone(); zerr == nil {
				loc = z
			}
			endMinute = p.WindowEnd + 1
		}
	}
	y, mo, day := d.ScheduledDate.Date()
	start := time.Date(y, mo, day, 0, 0, 0, 0, loc)
	return start.Add(time.Duration(endMinute)*time.Minute + e.policy.Grace)
}

// ExpireOverdue runs one expiry pass and returns the number of doses marked missing
func (e *Expirer) ExpireOverdue(ctx context.Context) (int, error) {
	if !e.policy.Enabled {
		return 0, nil
	}
	now := e.now()
	// anything scheduled up to tomorrow may be overdue in an eastern time zone
	candidates, err := e.store.ListDosesDue(ctx, takehome.DoseDispensed, takehome.DateOf(now).AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("list due doses: %w", err)
	}

	expired := 0
	for _, c := range candidates {
		if now.Before(e.deadline(ctx, c)) {
			continue
		}
		ok, err := e.expire(ctx, c.ID, now)
		if err != nil {
			return expired, fmt.Errorf("expire dose %s: %w", c.ID, err)
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		e.logger.Info("expired overdue doses", zap.Int("count", expired))
	}
	return expired, nil
}

func (e *Expirer) expire(ctx context.Context, doseID string, now time.Time) (bool, error) {
	var alert *takehome.ComplianceAlert
	err := takehome.Atomically(ctx, e.store, func(ctx context.Context, tx takehome.Tx) error {
		alert = nil
		d, err := tx.GetDose(ctx, doseID)
		if err != nil {
			return err
		}
		// verified or returned since the candidate list was read
		if d.Status != takehome.DoseDispensed {
			return nil
		}
		if err := d.Advance(takehome.DoseMissing, now); err != nil {
			return err
		}
		if err := tx.UpdateDose(ctx, d); err != nil {
			return err
		}
		if err := takehome.Emit(ctx, tx, takehome.AggregateDose, d.ID, takehome.EventDoseExpired, d.PatientID, d); err != nil {
			return err
		}

		a := &takehome.ComplianceAlert{
			PatientID: d.PatientID,
			Type:      takehome.AlertMissingDose,
			Severity:  takehome.SeverityHigh,
			DoseID:    d.ID,
			Message:   fmt.Sprintf("bottle %s was never verified for %s", d.BottleUID, d.ScheduledDate.Format("2006-01-02")),
		}
		if err := holds.RaiseAlert(ctx, tx, a, now); err != nil {
			return err
		}
		if _, _, err := reporting.QueueInTx(ctx, tx, reporting.FromAlert(a), now); err != nil {
			return err
		}
		alert = a
		_, err = SettleKit(ctx, tx, d.KitID, now)
		return err
	})
	if err != nil || alert == nil {
		return false, err
	}
	e.metrics.AlertRaised(string(alert.Type), string(alert.Severity))
	return true, nil
}
