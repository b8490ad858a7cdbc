package takehome

import (
	"context"
	"errors"
	"time"
)

// MaxConflictRetries bounds how often a unit of work is replayed after losing a race
const MaxConflictRetries = 5

// Reader is the query side of the store. Every entity is queryable by
// patient and, where it carries timestamps, by time range.
type Reader interface {
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrdersByPatient(ctx context.Context, patientID string) ([]*Order, error)

	// GetKit returns the kit with its doses ordered by sequence
	GetKit(ctx context.Context, id string) (*Kit, error)
	ListKitsByOrder(ctx context.Context, orderID string) ([]*Kit, error)

	GetDose(ctx context.Context, id string) (*Dose, error)
	GetDoseByBottle(ctx context.Context, bottleUID string) (*Dose, error)
	ListDosesByKit(ctx context.Context, kitID string) ([]*Dose, error)
	// ListDosesDue returns doses in status scheduled strictly before the given date
	ListDosesDue(ctx context.Context, status DoseStatus, scheduledBefore time.Time) ([]*Dose, error)

	ListScansByDose(ctx context.Context, doseID string) ([]*VerificationScan, error)
	ListScansByPatient(ctx context.Context, patientID string, r TimeRange) ([]*VerificationScan, error)

	GetReturnByDose(ctx context.Context, doseID string) (*ReturnRecord, error)
	ListReturnsByPatient(ctx context.Context, patientID string, r TimeRange) ([]*ReturnRecord, error)

	GetAlert(ctx context.Context, id string) (*ComplianceAlert, error)
	ListAlertsByPatient(ctx context.Context, patientID string, r TimeRange) ([]*ComplianceAlert, error)

	GetHold(ctx context.Context, id string) (*ComplianceHold, error)
	ListHoldsByPatient(ctx context.Context, patientID string) ([]*ComplianceHold, error)

	ListAssessmentsByPatient(ctx context.Context, patientID string) ([]*RiskAssessment, error)

	GetReport(ctx context.Context, id string) (*DiversionReport, error)
	GetReportBySource(ctx context.Context, sourceID string) (*DiversionReport, error)
	ListReports(ctx context.Context, f ReportFilter) ([]*DiversionReport, error)
}

// Tx is a unit of work. Writes become visible to other callers only on commit.
// Update methods are conditional on the entity's Version and bump it on success,
// returning ErrConflict when another writer got there first.
type Tx interface {
	Reader

	// LockPatient serializes patient-scoped gates (holds vs issuance) until the tx ends
	LockPatient(ctx context.Context, patientID string) error

	InsertOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error

	// InsertKit stores the kit and its doses; a reused bottle uid yields ErrConflict
	InsertKit(ctx context.Context, k *Kit) error
	UpdateKit(ctx context.Context, k *Kit) error
	UpdateDose(ctx context.Context, d *Dose) error

	InsertScan(ctx context.Context, s *VerificationScan) error
	// InsertReturn yields ErrConflict when the dose already has a return record
	InsertReturn(ctx context.Context, r *ReturnRecord) error

	InsertAlert(ctx context.Context, a *ComplianceAlert) error
	UpdateAlert(ctx context.Context, a *ComplianceAlert) error

	InsertHold(ctx context.Context, h *ComplianceHold) error
	UpdateHold(ctx context.Context, h *ComplianceHold) error

	InsertAssessment(ctx context.Context, a *RiskAssessment) error

	InsertReport(ctx context.Context, r *DiversionReport) error
	UpdateReport(ctx context.Context, r *DiversionReport) error

	// Emit records a domain event atomically with the tx
	Emit(ctx context.Context, e *Event) error
}

// Store is the injected persistence abstraction for all domain services
type Store interface {
	Reader
	// WithTx runs fn in a transaction, committing when fn returns nil
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Emit builds and emits an event in one step
func Emit(ctx context.Context, tx Tx, aggregateType, aggregateID string, eventType EventType, patientID string, data interface{}) error {
	event, err := NewEvent(aggregateType, aggregateID, eventType, patientID, data)
	if err != nil {
		return err
	}
	return tx.Emit(ctx, event)
}

// OpenHolds returns the open holds among hs
func OpenHolds(hs []*ComplianceHold) []*ComplianceHold {
	var open []*ComplianceHold
	for _, h := range hs {
		if h.Status == HoldOpen {
			open = append(open, h)
		}
	}
	return open
}

// Atomically runs fn in a transaction, replaying it when an optimistic update
// loses a race with a concurrent writer.
func Atomically(ctx context.Context, s Store, fn func(ctx context.Context, tx Tx) error) error {
	var err error
	for attempt := 0; attempt < MaxConflictRetries; attempt++ {
		err = s.WithTx(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
