package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

type pgTx struct {
	reader
	tx    pgx.Tx
	topic string
}

var _ takehome.Tx = (*pgTx)(nil)

// LockPatient takes a transaction-scoped advisory lock keyed by the patient id
func (t *pgTx) LockPatient(ctx context.Context, patientID string) error {
	if patientID == "" {
		return takehome.Invalid("patient_id", "is required")
	}
	if _, err := t.tx.Exec(ctx, `select pg_advisory_xact_lock(hashtextextended($1, 0))`, patientID); err != nil {
		return fmt.Errorf("lock patient %s: %w", patientID, err)
	}
	return nil
}

// conditional checks the outcome of a version-guarded update
func (t *pgTx) conditional(ctx context.Context, tag pgconn.CommandTag, table, id string, version int) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := t.tx.QueryRow(ctx, `select exists(select 1 from `+table+` where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return takehome.NotFoundf("%s %s", table, id)
	}
	return fmt.Errorf("%w: %s %s is no longer at version %d", takehome.ErrConflict, table, id, version)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *takehome.Order) error {
	_, err := t.tx.Exec(ctx, `insert into orders (`+orderColumns+`) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1)`,
		o.ID, o.PatientID, o.DaysSupply, o.DailyDoseMg, o.RiskTier, o.StartDate, o.EndDate,
		o.Status, o.CreatedBy, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	o.Version = 1
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *takehome.Order) error {
	tag, err := t.tx.Exec(ctx, `update orders set status = $3, updated_at = $4, version = version + 1
		where id = $1 and version = $2`, o.ID, o.Version, o.Status, o.UpdatedAt)
	if err != nil {
		return err
	}
	if err := t.conditional(ctx, tag, "orders", o.ID, o.Version); err != nil {
		return err
	}
	o.Version++
	return nil
}

func (t *pgTx) InsertKit(ctx context.Context, k *takehome.Kit) error {
	batch := &pgx.Batch{}
	batch.Queue(`insert into kits (`+kitColumns+`) values ($1,$2,$3,$4,$5,$6,$7,$8,1)`,
		k.ID, k.OrderID, k.PatientID, k.SealBatchID, k.Status, k.IssuedBy, k.IssuedAt, k.ClosedAt)
	for _, d := range k.Doses {
		batch.Queue(`insert into doses (`+doseColumns+`) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1)`,
			d.ID, d.KitID, d.OrderID, d.PatientID, d.BottleUID, d.Sequence, d.ScheduledDate, d.AmountMg,
			d.Status, d.ConsumedAt, d.ConsumedScanID, d.UpdatedAt)
	}
	br := t.tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return mapError(fmt.Errorf("insert kit %s: %w", k.ID, err))
		}
	}
	if err := br.Close(); err != nil {
		return mapError(err)
	}
	k.Version = 1
	for _, d := range k.Doses {
		d.Version = 1
	}
	return nil
}

func (t *pgTx) UpdateKit(ctx context.Context, k *takehome.Kit) error {
	tag, err := t.tx.Exec(ctx, `update kits set status = $3, closed_at = $4, version = version + 1
		where id = $1 and version = $2`, k.ID, k.Version, k.Status, k.ClosedAt)
	if err != nil {
		return err
	}
	if err := t.conditional(ctx, tag, "kits", k.ID, k.Version); err != nil {
		return err
	}
	k.Version++
	return nil
}

// UpdateDose is the per-dose optimistic transition: it only applies when nobody
// moved the dose since it was read.
func (t *pgTx) UpdateDose(ctx context.Context, d *takehome.Dose) error {
	tag, err := t.tx.Exec(ctx, `update doses set status = $3, consumed_at = $4, consumed_scan_id = $5,
		updated_at = $6, version = version + 1
		where id = $1 and version = $2`, d.ID, d.Version, d.Status, d.ConsumedAt, d.ConsumedScanID, d.UpdatedAt)
	if err != nil {
		return err
	}
	if err := t.conditional(ctx, tag, "doses", d.ID, d.Version); err != nil {
		return err
	}
	d.Version++
	return nil
}

func (t *pgTx) InsertScan(ctx context.Context, s *takehome.VerificationScan) error {
	_, err := t.tx.Exec(ctx, `insert into verification_scans (`+scanColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		s.ID, s.DoseID, s.PatientID, s.DeviceID, s.ObservedAt, s.ObservedLocation.Lat, s.ObservedLocation.Lng,
		s.DistanceFeet, s.WithinGeofence, s.WithinWindow, s.BiometricMatched, s.BiometricConfidence,
		s.BiometricPassed, s.Status, s.RecordedAt)
	return mapError(err)
}

func (t *pgTx) InsertReturn(ctx context.Context, r *takehome.ReturnRecord) error {
	_, err := t.tx.Exec(ctx, `insert into return_records (`+returnColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.DoseID, r.BottleUID, r.PatientID, r.SealIntact, r.ResidueEstimateMl, r.Notes,
		r.ReportedOutcome, r.Outcome, r.ReceivedBy, r.ReceivedAt)
	return mapError(err)
}

func (t *pgTx) InsertAlert(ctx context.Context, a *takehome.ComplianceAlert) error {
	_, err := t.tx.Exec(ctx, `insert into compliance_alerts (`+alertColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1)`,
		a.ID, a.PatientID, a.Type, a.Severity, a.Status, a.DoseID, a.ScanID, a.ReturnID, a.Message,
		a.CreatedAt, a.ResolvedAt, a.ResolvedBy, a.ResolutionNotes)
	if err != nil {
		return mapError(err)
	}
	a.Version = 1
	return nil
}

func (t *pgTx) UpdateAlert(ctx context.Context, a *takehome.ComplianceAlert) error {
	tag, err := t.tx.Exec(ctx, `update compliance_alerts set status = $3, resolved_at = $4, resolved_by = $5,
		resolution_notes = $6, version = version + 1
		where id = $1 and version = $2`, a.ID, a.Version, a.Status, a.ResolvedAt, a.ResolvedBy, a.ResolutionNotes)
	if err != nil {
		return err
	}
	if err := t.conditional(ctx, tag, "compliance_alerts", a.ID, a.Version); err != nil {
		return err
	}
	a.Version++
	return nil
}

func (t *pgTx) InsertHold(ctx context.Context, h *takehome.ComplianceHold) error {
	_, err := t.tx.Exec(ctx, `insert into compliance_holds (`+holdColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1)`,
		h.ID, h.PatientID, h.ReasonCode, h.AlertID, h.RequiresCounselorClearance, h.Status,
		h.OpenedBy, h.OpenedAt, h.ClearanceNotes, h.ClearedBy, h.ClearedAt)
	if err != nil {
		return mapError(err)
	}
	h.Version = 1
	return nil
}

func (t *pgTx) UpdateHold(ctx context.Context, h *takehome.ComplianceHold) error {
	tag, err := t.tx.Exec(ctx, `update compliance_holds set status = $3, clearance_notes = $4, cleared_by = $5,
		cleared_at = $6, version = version + 1
		where id = $1 and version = $2`, h.ID, h.Version, h.Status, h.ClearanceNotes, h.ClearedBy, h.ClearedAt)
	if err != nil {
		return err
	}
	if err := t.conditional(ctx, tag, "compliance_holds", h.ID, h.Version); err != nil {
		return err
	}
	h.Version++
	return nil
}

func (t *pgTx) InsertAssessment(ctx context.Context, a *takehome.RiskAssessment) error {
	_, err := t.tx.Exec(ctx, `insert into risk_assessments (`+assessmentColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.ID, a.PatientID, a.AssessedAt, a.LookbackStart, a.PolicyVersion, a.TotalScans,
		a.LocationComplianceRate, a.TimeComplianceRate, a.BiometricSuccessRate, a.TotalReturns,
		a.ReturnIntegrityRate, a.OpenHolds, a.ComplianceScore, a.RiskLevel, a.TakehomeRecommendation)
	return mapError(err)
}

func (t *pgTx) InsertReport(ctx context.Context, r *takehome.DiversionReport) error {
	_, err := t.tx.Exec(ctx, `insert into diversion_reports (source_id, `+reportColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,1)`,
		r.SourceID(), r.ID, r.PatientID, r.EventType, r.Severity, r.SourceAlertID, r.SourceReturnID, r.Payload,
		r.SyncStatus, r.ReferenceNumber, r.Attempts, r.LastError, r.NextAttemptAt, r.SubmittedAt, r.SyncedAt,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	r.Version = 1
	return nil
}

func (t *pgTx) UpdateReport(ctx context.Context, r *takehome.DiversionReport) error {
	tag, err := t.tx.Exec(ctx, `update diversion_reports set sync_status = $3, reference_number = $4,
		attempts = $5, last_error = $6, next_attempt_at = $7, submitted_at = $8, synced_at = $9,
		updated_at = $10, version = version + 1
		where id = $1 and version = $2`,
		r.ID, r.Version, r.SyncStatus, r.ReferenceNumber, r.Attempts, r.LastError, r.NextAttemptAt,
		r.SubmittedAt, r.SyncedAt, r.UpdatedAt)
	if err != nil {
		return err
	}
	if err := t.conditional(ctx, tag, "diversion_reports", r.ID, r.Version); err != nil {
		return err
	}
	r.Version++
	return nil
}

// Emit writes the event to the outbox in the same transaction
func (t *pgTx) Emit(ctx context.Context, e *takehome.Event) error {
	entry, err := entryFromEvent(e, t.topic)
	if err != nil {
		return err
	}
	return WriteEntry(ctx, t.tx, entry)
}
