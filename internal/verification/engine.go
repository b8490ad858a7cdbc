// Package verification evaluates field scans of take-home bottles against the
// patient's registered location, dosing window and biometric identity.
package verification

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
	"github.com/otpcare/takehome/internal/holds"
	"github.com/otpcare/takehome/internal/ids"
	"github.com/otpcare/takehome/internal/observability/metrics"
	"github.com/otpcare/takehome/internal/order"
	"github.com/otpcare/takehome/internal/reporting"
)

// Policy holds the verification thresholds
type Policy struct {
	GeofenceRadiusFeet float64
	BiometricThreshold float64
	// RepeatedFailureLimit is the number of failed scans on one dose that escalates
	// the alert to critical and opens a hold
	RepeatedFailureLimit int
	Severities           map[takehome.AlertType]takehome.Severity
}

// DefaultPolicy returns the default verification policy
func DefaultPolicy() Policy {
	return Policy{
		GeofenceRadiusFeet:   250,
		BiometricThreshold:   0.85,
		RepeatedFailureLimit: 3,
		Severities: map[takehome.AlertType]takehome.Severity{
			takehome.AlertBiometricFailure:  takehome.SeverityHigh,
			takehome.AlertLocationViolation: takehome.SeverityMedium,
			takehome.AlertTimeViolation:     takehome.SeverityMedium,
		},
	}
}

func (p Policy) severity(t takehome.AlertType) takehome.Severity {
	if s, ok := p.Severities[t]; ok {
		return s
	}
	return takehome.SeverityMedium
}

// Biometric is the device's identity check result
type Biometric struct {
	Matched    bool    `json:"matched"`
	Confidence float64 `json:"confidence"`
}

// RecordScanRequest is a field verification scan of one bottle
type RecordScanRequest struct {
	DoseID           string            `json:"-"`
	ObservedLocation takehome.Location `json:"observed_location"`
	ObservedAt       time.Time         `json:"observed_at"`
	Biometric        Biometric         `json:"biometric"`
	DeviceID         string            `json:"device_id,omitempty"`
}

// Validate checks the request shape
func (r *RecordScanRequest) Validate() error {
	if strings.TrimSpace(r.DoseID) == "" {
		return takehome.Invalid("dose_id", "is required")
	}
	if r.ObservedAt.IsZero() {
		return takehome.Invalid("observed_at", "is required")
	}
	if !validLocation(r.ObservedLocation) {
		return takehome.Invalid("observed_location", "is not a valid coordinate")
	}
	if r.Biometric.Confidence < 0 || r.Biometric.Confidence > 1 {
		return takehome.Invalid("biometric.confidence", "must be between 0 and 1")
	}
	return nil
}

// ScanResult is the outcome of RecordScan
type ScanResult struct {
	Scan   *takehome.VerificationScan `json:"scan"`
	Dose   *takehome.Dose             `json:"dose"`
	Alert  *takehome.ComplianceAlert  `json:"alert,omitempty"`
	Hold   *takehome.ComplianceHold   `json:"hold,omitempty"`
	Report *takehome.DiversionReport  `json:"report,omitempty"`
}

// Engine is the verification engine
type Engine struct {
	store    takehome.Store
	patients directory.Patients
	policy   Policy
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewEngine creates a verification engine
func NewEngine(store takehome.Store, patients directory.Patients, policy Policy, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.RepeatedFailureLimit <= 0 {
		policy.RepeatedFailureLimit = DefaultPolicy().RepeatedFailureLimit
	}
	return &Engine{
		store:    store,
		patients: patients,
		policy:   policy,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("verification"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// evaluate runs the three checks. It is pure so it can run before the transaction.
func (e *Engine) evaluate(req RecordScanRequest, d *takehome.Dose, p *directory.DosingProfile) (*takehome.VerificationScan, error) {
	zone, err := p.Zone()
	if err != nil {
		return nil, fmt.Errorf("patient %s time zone: %w", p.PatientID, err)
	}

	distance := DistanceFeet(p.Location, req.ObservedLocation)
	local := req.ObservedAt.In(zone)
	minute := local.Hour()*60 + local.Minute()
	sameDay := takehome.DateOf(local).Equal(takehome.DateOf(d.ScheduledDate))

	scan := &takehome.VerificationScan{
		ID:                  ids.New(),
		DoseID:              d.ID,
		PatientID:           d.PatientID,
		DeviceID:            req.DeviceID,
		ObservedAt:          req.ObservedAt.UTC(),
		ObservedLocation:    req.ObservedLocation,
		DistanceFeet:        distance,
		WithinGeofence:      distance <= e.policy.GeofenceRadiusFeet,
		WithinWindow:        sameDay && minute >= p.WindowStart && minute <= p.WindowEnd,
		BiometricMatched:    req.Biometric.Matched,
		BiometricConfidence: req.Biometric.Confidence,
		BiometricPassed:     req.Biometric.Matched && req.Biometric.Confidence >= e.policy.BiometricThreshold,
	}
	scan.Status = takehome.VerificationFailed
	if scan.WithinGeofence && scan.WithinWindow && scan.BiometricPassed {
		scan.Status = takehome.VerificationSuccess
	}
	return scan, nil
}

// failedCheck picks the alert type for a failed scan: biometric, then location, then time
func failedCheck(s *takehome.VerificationScan) takehome.AlertType {
	switch {
	case !s.BiometricPassed:
		return takehome.AlertBiometricFailure
	case !s.WithinGeofence:
		return takehome.AlertLocationViolation
	default:
		return takehome.AlertTimeViolation
	}
}

func scannable(d *takehome.Dose) error {
	switch d.Status {
	case takehome.DoseDispensed, takehome.DoseConsumed:
		return nil
	}
	return takehome.InvalidStatef("dose %s is %s and cannot be scanned", d.ID, d.Status)
}

// RecordScan stores a scan and applies its consequences in one transaction. The
// first successful scan consumes the dose; a failed scan on a dispensed dose raises
// an alert. Scans of an already consumed dose are kept for audit only.
func (e *Engine) RecordScan(ctx context.Context, req RecordScanRequest) (*ScanResult, error) {
	ctx, span := e.tracer.Start(ctx, "verification.RecordScan",
		trace.WithAttributes(attribute.String("dose_id", req.DoseID)),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	dose, err := e.store.GetDose(ctx, req.DoseID)
	if err != nil {
		return nil, err
	}
	if err := scannable(dose); err != nil {
		return nil, err
	}
	profile, err := e.patients.DosingProfile(ctx, dose.PatientID)
	if err != nil {
		return nil, fmt.Errorf("dosing profile: %w", err)
	}

	var result *ScanResult
	err = takehome.Atomically(ctx, e.store, func(ctx context.Context, tx takehome.Tx) error {
		result = nil
		d, err := tx.GetDose(ctx, req.DoseID)
		if err != nil {
			return err
		}
		if err := scannable(d); err != nil {
			return err
		}
		scan, err := e.evaluate(req, d, profile)
		if err != nil {
			return err
		}
		now := e.now()
		scan.RecordedAt = now
		if err := tx.InsertScan(ctx, scan); err != nil {
			return fmt.Errorf("insert scan: %w", err)
		}
		if err := takehome.Emit(ctx, tx, takehome.AggregateDose, d.ID, takehome.EventScanRecorded, d.PatientID, scan); err != nil {
			return err
		}

		res := &ScanResult{Scan: scan, Dose: d}
		if d.Status == takehome.DoseDispensed {
			if scan.Status == takehome.VerificationSuccess {
				err = e.consume(ctx, tx, d, scan, now)
			} else {
				err = e.flag(ctx, tx, d, scan, now, res)
			}
			if err != nil {
				return err
			}
		}
		result = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.record(result)
	return result, nil
}

func (e *Engine) consume(ctx context.Context, tx takehome.Tx, d *takehome.Dose, scan *takehome.VerificationScan, now time.Time) error {
	if err := d.Advance(takehome.DoseConsumed, now); err != nil {
		return err
	}
	consumedAt := scan.ObservedAt
	d.ConsumedAt = &consumedAt
	d.ConsumedScanID = scan.ID
	// conditional on the version read above; a concurrent winner makes this replay
	if err := tx.UpdateDose(ctx, d); err != nil {
		return err
	}
	if err := takehome.Emit(ctx, tx, takehome.AggregateDose, d.ID, takehome.EventDoseConsumed, d.PatientID, d); err != nil {
		return err
	}
	_, err := order.SettleKit(ctx, tx, d.KitID, now)
	return err
}

func (e *Engine) flag(ctx context.Context, tx takehome.Tx, d *takehome.Dose, scan *takehome.VerificationScan, now time.Time, res *ScanResult) error {
	// concurrent failed scans must see each other before counting
	if err := tx.LockPatient(ctx, d.PatientID); err != nil {
		return fmt.Errorf("lock patient: %w", err)
	}
	scans, err := tx.ListScansByDose(ctx, d.ID)
	if err != nil {
		return err
	}
	failures := 0
	for _, s := range scans {
		if s.Status == takehome.VerificationFailed {
			failures++
		}
	}

	alertType := failedCheck(scan)
	severity := e.policy.severity(alertType)
	repeated := failures >= e.policy.RepeatedFailureLimit
	if repeated {
		severity = takehome.SeverityCritical
	}

	alert := &takehome.ComplianceAlert{
		PatientID: d.PatientID,
		Type:      alertType,
		Severity:  severity,
		DoseID:    d.ID,
		ScanID:    scan.ID,
		Message:   describe(scan, alertType, failures),
	}
	if err := holds.RaiseAlert(ctx, tx, alert, now); err != nil {
		return err
	}
	res.Alert = alert

	if repeated {
		hold, err := holds.OpenOnce(ctx, tx, holds.OpenHoldRequest{
			PatientID:         d.PatientID,
			ReasonCode:        takehome.HoldReasonVerificationFailures,
			RequiresCounselor: true,
			OpenedBy:          "verification-engine",
			AlertID:           alert.ID,
		}, now)
		if err != nil {
			return err
		}
		res.Hold = hold
	}

	report, _, err := reporting.QueueInTx(ctx, tx, reporting.FromAlert(alert), now)
	if err != nil {
		return err
	}
	res.Report = report
	return nil
}

func describe(s *takehome.VerificationScan, t takehome.AlertType, failures int) string {
	var msg string
	switch t {
	case takehome.AlertBiometricFailure:
		msg = fmt.Sprintf("biometric check failed (matched=%t, confidence=%.2f)", s.BiometricMatched, s.BiometricConfidence)
	case takehome.AlertLocationViolation:
		msg = fmt.Sprintf("scanned %.0f ft from the registered dosing location", s.DistanceFeet)
	default:
		msg = "scanned outside the dosing window"
	}
	if failures > 1 {
		msg += fmt.Sprintf("; %d failed scans on this dose", failures)
	}
	return msg
}

func (e *Engine) record(res *ScanResult) {
	e.metrics.ScanRecorded(string(res.Scan.Status))
	fields := []zap.Field{
		zap.String("scan_id", res.Scan.ID),
		zap.String("dose_id", res.Scan.DoseID),
		zap.String("patient_id", res.Scan.PatientID),
		zap.String("status", string(res.Scan.Status)),
	}
	if res.Alert == nil {
		e.logger.Info("verification scan recorded", fields...)
		return
	}
	e.metrics.AlertRaised(string(res.Alert.Type), string(res.Alert.Severity))
	if res.Hold != nil {
		e.metrics.HoldOpened(res.Hold.ReasonCode)
	}
	e.logger.Warn("verification scan failed", append(fields,
		zap.String("alert_type", string(res.Alert.Type)),
		zap.String("severity", string(res.Alert.Severity)),
	)...)
}

// ListScans returns the scans recorded for a dose
func (e *Engine) ListScans(ctx context.Context, doseID string) ([]*takehome.VerificationScan, error) {
	if _, err := e.store.GetDose(ctx, doseID); err != nil {
		return nil, err
	}
	return e.store.ListScansByDose(ctx, doseID)
}
