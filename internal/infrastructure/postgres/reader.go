package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

const (
	orderColumns = `id, patient_id, days_supply, daily_dose_mg, risk_tier, start_date, end_date,
		status, created_by, created_at, updated_at, version`
	kitColumns  = `id, order_id, patient_id, seal_batch_id, status, issued_by, issued_at, closed_at, version`
	doseColumns = `id, kit_id, order_id, patient_id, bottle_uid, sequence, scheduled_date, amount_mg,
		status, consumed_at, consumed_scan_id, updated_at, version`
	scanColumns = `id, dose_id, patient_id, device_id, observed_at, observed_lat, observed_lng,
		distance_feet, within_geofence, within_window, biometric_matched, biometric_confidence,
		biometric_passed, status, recorded_at`
	returnColumns = `id, dose_id, bottle_uid, patient_id, seal_intact, residue_estimate_ml, notes,
		reported_outcome, outcome, received_by, received_at`
	alertColumns = `id, patient_id, type, severity, status, dose_id, scan_id, return_id, message,
		created_at, resolved_at, resolved_by, resolution_notes, version`
	holdColumns = `id, patient_id, reason_code, alert_id, requires_counselor_clearance, status,
		opened_by, opened_at, clearance_notes, cleared_by, cleared_at, version`
	assessmentColumns = `id, patient_id, assessed_at, lookback_start, policy_version, total_scans,
		location_compliance_rate, time_compliance_rate, biometric_success_rate, total_returns,
		return_integrity_rate, open_holds, compliance_score, risk_level, takehome_recommendation`
	reportColumns = `id, patient_id, event_type, severity, source_alert_id, source_return_id, payload,
		sync_status, reference_number, attempts, last_error, next_attempt_at, submitted_at, synced_at,
		created_at, updated_at, version`
)

// reader runs the query side against either the pool or a transaction
type reader struct {
	q querier
}

func scanOrder(row pgx.Row) (*takehome.Order, error) {
	o := &takehome.Order{}
	err := row.Scan(&o.ID, &o.PatientID, &o.DaysSupply, &o.DailyDoseMg, &o.RiskTier, &o.StartDate, &o.EndDate,
		&o.Status, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt, &o.Version)
	return o, err
}

func scanKit(row pgx.Row) (*takehome.Kit, error) {
	k := &takehome.Kit{}
	err := row.Scan(&k.ID, &k.OrderID, &k.PatientID, &k.SealBatchID, &k.Status, &k.IssuedBy, &k.IssuedAt, &k.ClosedAt, &k.Version)
	return k, err
}

func scanDose(row pgx.Row) (*takehome.Dose, error) {
	d := &takehome.Dose{}
	err := row.Scan(&d.ID, &d.KitID, &d.OrderID, &d.PatientID, &d.BottleUID, &d.Sequence, &d.ScheduledDate, &d.AmountMg,
		&d.Status, &d.ConsumedAt, &d.ConsumedScanID, &d.UpdatedAt, &d.Version)
	return d, err
}

func scanScan(row pgx.Row) (*takehome.VerificationScan, error) {
	s := &takehome.VerificationScan{}
	err := row.Scan(&s.ID, &s.DoseID, &s.PatientID, &s.DeviceID, &s.ObservedAt, &s.ObservedLocation.Lat, &s.ObservedLocation.Lng,
		&s.DistanceFeet, &s.WithinGeofence, &s.WithinWindow, &s.BiometricMatched, &s.BiometricConfidence,
		&s.BiometricPassed, &s.Status, &s.RecordedAt)
	return s, err
}

func scanReturn(row pgx.Row) (*takehome.ReturnRecord, error) {
	r := &takehome.ReturnRecord{}
	err := row.Scan(&r.ID, &r.DoseID, &r.BottleUID, &r.PatientID, &r.SealIntact, &r.ResidueEstimateMl, &r.Notes,
		&r.ReportedOutcome, &r.Outcome, &r.ReceivedBy, &r.ReceivedAt)
	return r, err
}

func scanAlert(row pgx.Row) (*takehome.ComplianceAlert, error) {
	a := &takehome.ComplianceAlert{}
	err := row.Scan(&a.ID, &a.PatientID, &a.Type, &a.Severity, &a.Status, &a.DoseID, &a.ScanID, &a.ReturnID, &a.Message,
		&a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy, &a.ResolutionNotes, &a.Version)
	return a, err
}

func scanHold(row pgx.Row) (*takehome.ComplianceHold, error) {
	h := &takehome.ComplianceHold{}
	err := row.Scan(&h.ID, &h.PatientID, &h.ReasonCode, &h.AlertID, &h.RequiresCounselorClearance, &h.Status,
		&h.OpenedBy, &h.OpenedAt, &h.ClearanceNotes, &h.ClearedBy, &h.ClearedAt, &h.Version)
	return h, err
}

func scanAssessment(row pgx.Row) (*takehome.RiskAssessment, error) {
	a := &takehome.RiskAssessment{}
	err := row.Scan(&a.ID, &a.PatientID, &a.AssessedAt, &a.LookbackStart, &a.PolicyVersion, &a.TotalScans,
		&a.LocationComplianceRate, &a.TimeComplianceRate, &a.BiometricSuccessRate, &a.TotalReturns,
		&a.ReturnIntegrityRate, &a.OpenHolds, &a.ComplianceScore, &a.RiskLevel, &a.TakehomeRecommendation)
	return a, err
}

func scanReport(row pgx.Row) (*takehome.DiversionReport, error) {
	r := &takehome.DiversionReport{}
	err := row.Scan(&r.ID, &r.PatientID, &r.EventType, &r.Severity, &r.SourceAlertID, &r.SourceReturnID, &r.Payload,
		&r.SyncStatus, &r.ReferenceNumber, &r.Attempts, &r.LastError, &r.NextAttemptAt, &r.SubmittedAt, &r.SyncedAt,
		&r.CreatedAt, &r.UpdatedAt, &r.Version)
	return r, err
}

func list[T any](ctx context.Context, q querier, scan func(pgx.Row) (*T, error), sql string, args ...any) ([]*T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*T, error) {
		return scan(row)
	})
}

// rangeClause appends half-open range conditions on col
func rangeClause(col string, r takehome.TimeRange, args []any) (string, []any) {
	var b strings.Builder
	if !r.From.IsZero() {
		args = append(args, r.From)
		fmt.Fprintf(&b, " and %s >= $%d", col, len(args))
	}
	if !r.To.IsZero() {
		args = append(args, r.To)
		fmt.Fprintf(&b, " and %s < $%d", col, len(args))
	}
	return b.String(), args
}

func (r reader) GetOrder(ctx context.Context, id string) (*takehome.Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, `select `+orderColumns+` from orders where id = $1`, id))
	if err != nil {
		return nil, notFound(err, "order %s", id)
	}
	return o, nil
}

func (r reader) ListOrdersByPatient(ctx context.Context, patientID string) ([]*takehome.Order, error) {
	return list(ctx, r.q, scanOrder, `select `+orderColumns+` from orders where patient_id = $1 order by created_at`, patientID)
}

func (r reader) GetKit(ctx context.Context, id string) (*takehome.Kit, error) {
	k, err := scanKit(r.q.QueryRow(ctx, `select `+kitColumns+` from kits where id = $1`, id))
	if err != nil {
		return nil, notFound(err, "kit %s", id)
	}
	k.Doses, err = r.ListDosesByKit(ctx, id)
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (r reader) ListKitsByOrder(ctx context.Context, orderID string) ([]*takehome.Kit, error) {
	return list(ctx, r.q, scanKit, `select `+kitColumns+` from kits where order_id = $1 order by issued_at`, orderID)
}

func (r reader) GetDose(ctx context.Context, id string) (*takehome.Dose, error) {
	d, err := scanDose(r.q.QueryRow(ctx, `select `+doseColumns+` from doses where id = $1`, id))
	if err != nil {
		return nil, notFound(err, "dose %s", id)
	}
	return d, nil
}

func (r reader) GetDoseByBottle(ctx context.Context, bottleUID string) (*takehome.Dose, error) {
	d, err := scanDose(r.q.QueryRow(ctx, `select `+doseColumns+` from doses where bottle_uid = $1`, bottleUID))
	if err != nil {
		return nil, notFound(err, "bottle %s", bottleUID)
	}
	return d, nil
}

func (r reader) ListDosesByKit(ctx context.Context, kitID string) ([]*takehome.Dose, error) {
	return list(ctx, r.q, scanDose, `select `+doseColumns+` from doses where kit_id = $1 order by sequence`, kitID)
}

func (r reader) ListDosesDue(ctx context.Context, status takehome.DoseStatus, scheduledBefore time.Time) ([]*takehome.Dose, error) {
	return list(ctx, r.q, scanDose,
		`select `+doseColumns+` from doses where status = $1 and scheduled_date < $2 order by scheduled_date, sequence`,
		status, scheduledBefore)
}

func (r reader) ListScansByDose(ctx context.Context, doseID string) ([]*takehome.VerificationScan, error) {
	return list(ctx, r.q, scanScan, `select `+scanColumns+` from verification_scans where dose_id = $1 order by recorded_at`, doseID)
}

func (r reader) ListScansByPatient(ctx context.Context, patientID string, tr takehome.TimeRange) ([]*takehome.VerificationScan, error) {
	cond, args := rangeClause("observed_at", tr, []any{patientID})
	return list(ctx, r.q, scanScan, `select `+scanColumns+` from verification_scans where patient_id = $1`+cond+` order by observed_at`, args...)
}

func (r reader) GetReturnByDose(ctx context.Context, doseID string) (*takehome.ReturnRecord, error) {
	rec, err := scanReturn(r.q.QueryRow(ctx, `select `+returnColumns+` from return_records where dose_id = $1`, doseID))
	if err != nil {
		return nil, notFound(err, "return for dose %s", doseID)
	}
	return rec, nil
}

func (r reader) ListReturnsByPatient(ctx context.Context, patientID string, tr takehome.TimeRange) ([]*takehome.ReturnRecord, error) {
	cond, args := rangeClause("received_at", tr, []any{patientID})
	return list(ctx, r.q, scanReturn, `select `+returnColumns+` from return_records where patient_id = $1`+cond+` order by received_at`, args...)
}

func (r reader) GetAlert(ctx context.Context, id string) (*takehome.ComplianceAlert, error) {
	a, err := scanAlert(r.q.QueryRow(ctx, `select `+alertColumns+` from compliance_alerts where id = $1`, id))
	if err != nil {
		return nil, notFound(err, "alert %s", id)
	}
	return a, nil
}

func (r reader) ListAlertsByPatient(ctx context.Context, patientID string, tr takehome.TimeRange) ([]*takehome.ComplianceAlert, error) {
	cond, args := rangeClause("created_at", tr, []any{patientID})
	return list(ctx, r.q, scanAlert, `select `+alertColumns+` from compliance_alerts where patient_id = $1`+cond+` order by created_at`, args...)
}

func (r reader) GetHold(ctx context.Context, id string) (*takehome.ComplianceHold, error) {
	h, err := scanHold(r.q.QueryRow(ctx, `select `+holdColumns+` from compliance_holds where id = $1`, id))
	if err != nil {
		return nil, notFound(err, "hold %s", id)
	}
	return h, nil
}

func (r reader) ListHoldsByPatient(ctx context.Context, patientID string) ([]*takehome.ComplianceHold, error) {
	return list(ctx, r.q, scanHold, `select `+holdColumns+` from compliance_holds where patient_id = $1 order by opened_at`, patientID)
}

func (r reader) ListAssessmentsByPatient(ctx context.Context, patientID string) ([]*takehome.RiskAssessment, error) {
	return list(ctx, r.q, scanAssessment, `select `+assessmentColumns+` from risk_assessments where patient_id = $1 order by assessed_at`, patientID)
}

func (r reader) GetReport(ctx context.Context, id string) (*takehome.DiversionReport, error) {
	rep, err := scanReport(r.q.QueryRow(ctx, `select `+reportColumns+` from diversion_reports where id = $1`, id))
	if err != nil {
		return nil, notFound(err, "report %s", id)
	}
	return rep, nil
}

func (r reader) GetReportBySource(ctx context.Context, sourceID string) (*takehome.DiversionReport, error) {
	rep, err := scanReport(r.q.QueryRow(ctx, `select `+reportColumns+` from diversion_reports where source_id = $1`, sourceID))
	if err != nil {
		return nil, notFound(err, "report for source %s", sourceID)
	}
	return rep, nil
}

func (r reader) ListReports(ctx context.Context, f takehome.ReportFilter) ([]*takehome.DiversionReport, error) {
	sql, args := reportQuery(f)
	return list(ctx, r.q, scanReport, sql, args...)
}

func reportQuery(f takehome.ReportFilter) (string, []any) {
	var b strings.Builder
	var args []any
	b.WriteString(`select ` + reportColumns + ` from diversion_reports where true`)
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		fmt.Fprintf(&b, " and patient_id = $%d", len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		fmt.Fprintf(&b, " and sync_status = any($%d)", len(args))
	}
	cond, args := rangeClause("created_at", f.Range, args)
	b.WriteString(cond)
	if !f.DueBefore.IsZero() {
		args = append(args, f.DueBefore)
		fmt.Fprintf(&b, " and (next_attempt_at is null or next_attempt_at <= $%d)", len(args))
	}
	b.WriteString(" order by created_at")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " limit $%d", len(args))
	}
	return b.String(), args
}
