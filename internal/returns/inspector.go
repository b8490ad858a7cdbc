// Package returns handles clinic intake of returned take-home bottles.
package returns

import (
	"context"
	"fmt"
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
	"github.com/otpcare/takehome/internal/order"
	"github.com/otpcare/takehome/internal/reporting"
)

// IntakeReturnRequest describes a bottle handed back at the clinic
type IntakeReturnRequest struct {
	BottleUID         string                 `json:"bottle_uid"`
	SealIntact        bool                   `json:"seal_intact"`
	ResidueEstimateMl float64                `json:"residue_estimate_ml"`
	Outcome           takehome.ReturnOutcome `json:"outcome"`
	Notes             string                 `json:"notes,omitempty"`
	ReceivedBy        string                 `json:"received_by"`
}

// Validate checks the request shape
func (r *IntakeReturnRequest) Validate() error {
	if strings.TrimSpace(r.BottleUID) == "" {
		return takehome.Invalid("bottle_uid", "is required")
	}
	if r.ResidueEstimateMl < 0 {
		return takehome.Invalid("residue_estimate_ml", "must not be negative")
	}
	if !r.Outcome.Valid() {
		return takehome.Invalid("outcome", "must be one of ok, tampered, missing, damaged")
	}
	if strings.TrimSpace(r.ReceivedBy) == "" {
		return takehome.Invalid("received_by", "is required")
	}
	return nil
}

// IntakeResult is everything one intake produced
type IntakeResult struct {
	Return  *takehome.ReturnRecord      `json:"return"`
	Dose    *takehome.Dose              `json:"dose"`
	Alerts  []*takehome.ComplianceAlert `json:"alerts,omitempty"`
	Hold    *takehome.ComplianceHold    `json:"hold,omitempty"`
	Reports []*takehome.DiversionReport `json:"reports,omitempty"`
}

// Inspector classifies returned bottles
type Inspector struct {
	store   takehome.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewInspector creates a return intake inspector
func NewInspector(store takehome.Store, m *metrics.Metrics, logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{
		store:   store,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("returns"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// classify decides the recorded outcome and whether the bottle shows tampering.
// A broken seal on a dispensed or consumed dose nobody verified is tampering no
// matter what the caller reported. A reported ok is then recorded as tampered;
// damaged and missing are kept so the missing-dose alert still fires.
func classify(reported takehome.ReturnOutcome, sealIntact, verified bool, status takehome.DoseStatus) (takehome.ReturnOutcome, bool) {
	unverifiedOpen := !sealIntact && !verified &&
		(status == takehome.DoseDispensed || status == takehome.DoseConsumed)
	tamper := reported == takehome.ReturnTampered || reported == takehome.ReturnDamaged || unverifiedOpen
	if !tamper || reported != takehome.ReturnOK {
		return reported, tamper
	}
	return takehome.ReturnTampered, true
}

func checkReturnable(d *takehome.Dose) error {
	switch d.Status {
	case takehome.DoseReturned:
		return takehome.InvalidStatef("dose %s was already returned", d.ID)
	case takehome.DosePrepared:
		return takehome.InvalidStatef("dose %s was never dispensed", d.ID)
	}
	return nil
}

// IntakeReturn records the return of a bottle, raises tamper and missing-dose
// alerts as needed and queues qualifying records for regulatory reporting.
func (i *Inspector) IntakeReturn(ctx context.Context, req IntakeReturnRequest) (*IntakeResult, error) {
	ctx, span := i.tracer.Start(ctx, "returns.IntakeReturn",
		trace.WithAttributes(attribute.String("bottle_uid", req.BottleUID)),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	var result *IntakeResult
	err := takehome.Atomically(ctx, i.store, func(ctx context.Context, tx takehome.Tx) error {
		result = nil
		d, err := tx.GetDoseByBottle(ctx, req.BottleUID)
		if err != nil {
			return err
		}
		if err := checkReturnable(d); err != nil {
			return err
		}
		scans, err := tx.ListScansByDose(ctx, d.ID)
		if err != nil {
			return err
		}
		verified := false
		for _, s := range scans {
			if s.Status == takehome.VerificationSuccess {
				verified = true
				break
			}
		}

		now := i.now()
		outcome, tamper := classify(req.Outcome, req.SealIntact, verified, d.Status)
		rec := &takehome.ReturnRecord{
			ID:                ids.New(),
			DoseID:            d.ID,
			BottleUID:         d.BottleUID,
			PatientID:         d.PatientID,
			SealIntact:        req.SealIntact,
			ResidueEstimateMl: req.ResidueEstimateMl,
			Notes:             req.Notes,
			ReportedOutcome:   req.Outcome,
			Outcome:           outcome,
			ReceivedBy:        req.ReceivedBy,
			ReceivedAt:        now,
		}

		if err := d.Advance(takehome.DoseReturned, now); err != nil {
			return err
		}
		if err := tx.UpdateDose(ctx, d); err != nil {
			return err
		}
		if err := tx.InsertReturn(ctx, rec); err != nil {
			return fmt.Errorf("insert return: %w", err)
		}
		if err := takehome.Emit(ctx, tx, takehome.AggregateDose, d.ID, takehome.EventReturnReceived, d.PatientID, rec); err != nil {
			return err
		}

		res := &IntakeResult{Return: rec, Dose: d}
		if tamper {
			if err := i.raiseTamper(ctx, tx, rec, verified, now, res); err != nil {
				return err
			}
		}
		if outcome == takehome.ReturnMissing {
			if err := i.raise(ctx, tx, &takehome.ComplianceAlert{
				PatientID: d.PatientID,
				Type:      takehome.AlertMissingDose,
				Severity:  takehome.SeverityHigh,
				DoseID:    d.ID,
				ReturnID:  rec.ID,
				Message:   fmt.Sprintf("bottle %s reported missing at return", d.BottleUID),
			}, now, res); err != nil {
				return err
			}
		}

		report, created, err := reporting.QueueInTx(ctx, tx, reporting.FromReturn(rec), now)
		if err != nil {
			return err
		}
		if created {
			res.Reports = append(res.Reports, report)
		}

		if _, err := order.SettleKit(ctx, tx, d.KitID, now); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	i.record(result)
	return result, nil
}

func (i *Inspector) raiseTamper(ctx context.Context, tx takehome.Tx, rec *takehome.ReturnRecord, verified bool, now time.Time, res *IntakeResult) error {
	msg := fmt.Sprintf("bottle %s returned %s", rec.BottleUID, rec.Outcome)
	if !rec.SealIntact {
		msg += "; seal broken"
		if !verified {
			msg += " with no verified dose"
		}
	}
	alert := &takehome.ComplianceAlert{
		PatientID: rec.PatientID,
		Type:      takehome.AlertTamper,
		Severity:  takehome.SeverityCritical,
		DoseID:    rec.DoseID,
		ReturnID:  rec.ID,
		Message:   msg,
	}
	if err := i.raise(ctx, tx, alert, now, res); err != nil {
		return err
	}

	hold, err := holds.OpenOnce(ctx, tx, holds.OpenHoldRequest{
		PatientID:         rec.PatientID,
		ReasonCode:        takehome.HoldReasonTamper,
		RequiresCounselor: true,
		OpenedBy:          "return-intake",
		AlertID:           alert.ID,
	}, now)
	if err != nil {
		return err
	}
	res.Hold = hold
	return nil
}

func (i *Inspector) raise(ctx context.Context, tx takehome.Tx, alert *takehome.ComplianceAlert, now time.Time, res *IntakeResult) error {
	if err := holds.RaiseAlert(ctx, tx, alert, now); err != nil {
		return err
	}
	res.Alerts = append(res.Alerts, alert)
	report, created, err := reporting.QueueInTx(ctx, tx, reporting.FromAlert(alert), now)
	if err != nil {
		return err
	}
	if created {
		res.Reports = append(res.Reports, report)
	}
	return nil
}

func (i *Inspector) record(res *IntakeResult) {
	i.metrics.ReturnReceived(string(res.Return.Outcome))
	for _, a := range res.Alerts {
		i.metrics.AlertRaised(string(a.Type), string(a.Severity))
	}
	if res.Hold != nil {
		i.metrics.HoldOpened(res.Hold.ReasonCode)
	}

	fields := []zap.Field{
		zap.String("return_id", res.Return.ID),
		zap.String("dose_id", res.Return.DoseID),
		zap.String("patient_id", res.Return.PatientID),
		zap.String("outcome", string(res.Return.Outcome)),
	}
	if res.Return.Outcome != res.Return.ReportedOutcome {
		fields = append(fields, zap.String("reported_outcome", string(res.Return.ReportedOutcome)))
	}
	if len(res.Alerts) > 0 {
		i.logger.Warn("return flagged", append(fields, zap.Int("alerts", len(res.Alerts)))...)
		return
	}
	i.logger.Info("return received", fields...)
}

// GetReturn returns the return record for a dose
func (i *Inspector) GetReturn(ctx context.Context, doseID string) (*takehome.ReturnRecord, error) {
	return i.store.GetReturnByDose(ctx, doseID)
}

// ListReturns returns a patient's returns within r
func (i *Inspector) ListReturns(ctx context.Context, patientID string, r takehome.TimeRange) ([]*takehome.ReturnRecord, error) {
	return i.store.ListReturnsByPatient(ctx, patientID, r)
}
