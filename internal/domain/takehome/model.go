// Package takehome defines the take-home diversion control domain model:
// orders, kits, doses, verification scans, returns, alerts, holds, risk
// assessments and diversion reports.
package takehome

import (
	"time"
)

// RiskTier is the clinical risk tier recorded on an order
type RiskTier string

const (
	RiskTierLow      RiskTier = "low"
	RiskTierStandard RiskTier = "standard"
	RiskTierHigh     RiskTier = "high"
)

// Valid reports whether the tier is a known value
func (t RiskTier) Valid() bool {
	switch t {
	case RiskTierLow, RiskTierStandard, RiskTierHigh:
		return true
	}
	return false
}

// OrderStatus represents take-home order status
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderActive    OrderStatus = "active"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// KitStatus represents kit status
type KitStatus string

const (
	KitPrepared KitStatus = "prepared"
	KitIssued   KitStatus = "issued"
	KitClosed   KitStatus = "closed"
)

// DoseStatus represents the lifecycle of a single bottle
type DoseStatus string

const (
	DosePrepared  DoseStatus = "prepared"
	DoseDispensed DoseStatus = "dispensed"
	DoseConsumed  DoseStatus = "consumed"
	DoseReturned  DoseStatus = "returned"
	DoseMissing   DoseStatus = "missing"
)

// doseTransitions lists the forward-only moves a dose may make.
var doseTransitions = map[DoseStatus][]DoseStatus{
	DosePrepared:  {DoseDispensed},
	DoseDispensed: {DoseConsumed, DoseReturned, DoseMissing},
	DoseConsumed:  {DoseReturned},
	DoseMissing:   {DoseReturned},
}

// CanTransition reports whether from -> to is a legal dose move
func (s DoseStatus) CanTransition(to DoseStatus) bool {
	for _, next := range doseTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the dose needs no further action
func (s DoseStatus) Terminal() bool {
	return s == DoseConsumed || s == DoseReturned || s == DoseMissing
}

// VerificationStatus is the derived outcome of a scan
type VerificationStatus string

const (
	VerificationSuccess VerificationStatus = "success"
	VerificationFailed  VerificationStatus = "failed"
)

// ReturnOutcome classifies a returned bottle
type ReturnOutcome string

const (
	ReturnOK       ReturnOutcome = "ok"
	ReturnTampered ReturnOutcome = "tampered"
	ReturnMissing  ReturnOutcome = "missing"
	ReturnDamaged  ReturnOutcome = "damaged"
)

// Valid reports whether the outcome is a known value
func (o ReturnOutcome) Valid() bool {
	switch o {
	case ReturnOK, ReturnTampered, ReturnMissing, ReturnDamaged:
		return true
	}
	return false
}

// AlertType identifies the violated policy
type AlertType string

const (
	AlertLocationViolation AlertType = "location_violation"
	AlertTimeViolation     AlertType = "time_violation"
	AlertBiometricFailure  AlertType = "biometric_failure"
	AlertTamper            AlertType = "tamper"
	AlertMissingDose       AlertType = "missing_dose"
)

// Severity is shared by alerts, reports and risk levels
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as min
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// AlertStatus is the review state of an alert
type AlertStatus string

const (
	AlertOpen     AlertStatus = "open"
	AlertResolved AlertStatus = "resolved"
)

// HoldStatus is the state of a compliance hold
type HoldStatus string

const (
	HoldOpen    HoldStatus = "open"
	HoldCleared HoldStatus = "cleared"
)

// Hold reason codes used by the automatic paths
const (
	HoldReasonVerificationFailures = "verification_failures"
	HoldReasonTamper               = "tamper"
	HoldReasonMissingDose          = "missing_dose"
	HoldReasonManual               = "manual"
)

// SyncStatus is the outbound state of a diversion report
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Valid reports whether s is a known sync status
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncFailed:
		return true
	}
	return false
}

// Order is a take-home authorization for a patient
type Order struct {
	ID          string      `json:"id"`
	PatientID   string      `json:"patient_id"`
	DaysSupply  int         `json:"days_supply"`
	DailyDoseMg float64     `json:"daily_dose_mg"`
	RiskTier    RiskTier    `json:"risk_tier"`
	StartDate   time.Time   `json:"start_date"`
	EndDate     time.Time   `json:"end_date"`
	Status      OrderStatus `json:"status"`
	CreatedBy   string      `json:"created_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Version     int         `json:"version"`
}

// Covers reports whether date falls inside the order's date range
func (o *Order) Covers(date time.Time) bool {
	d := DateOf(date)
	return !d.Before(o.StartDate) && !d.After(o.EndDate)
}

// Kit is one issuance event against an order
type Kit struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"order_id"`
	PatientID   string     `json:"patient_id"`
	SealBatchID string     `json:"seal_batch_id"`
	Status      KitStatus  `json:"status"`
	IssuedBy    string     `json:"issued_by,omitempty"`
	IssuedAt    time.Time  `json:"issued_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	Doses       []*Dose    `json:"doses,omitempty"`
	Version     int        `json:"version"`
}

// Dose is a single bottle scheduled for one day
type Dose struct {
	ID             string     `json:"id"`
	KitID          string     `json:"kit_id"`
	OrderID        string     `json:"order_id"`
	PatientID      string     `json:"patient_id"`
	BottleUID      string     `json:"bottle_uid"`
	Sequence       int        `json:"sequence"`
	ScheduledDate  time.Time  `json:"scheduled_date"`
	AmountMg       float64    `json:"amount_mg"`
	Status         DoseStatus `json:"status"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty"`
	ConsumedScanID string     `json:"consumed_scan_id,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Version        int        `json:"version"`
}

// Advance moves the dose forward, rejecting any backwards or sideways move
func (d *Dose) Advance(to DoseStatus, at time.Time) error {
	if !d.Status.CanTransition(to) {
		return InvalidStatef("dose %s cannot move from %s to %s", d.ID, d.Status, to)
	}
	d.Status = to
	d.UpdatedAt = at
	return nil
}

// Location is a WGS84 coordinate
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// VerificationScan is an immutable field verification event
type VerificationScan struct {
	ID                  string             `json:"id"`
	DoseID              string             `json:"dose_id"`
	PatientID           string             `json:"patient_id"`
	DeviceID            string             `json:"device_id,omitempty"`
	ObservedAt          time.Time          `json:"observed_at"`
	ObservedLocation    Location           `json:"observed_location"`
	DistanceFeet        float64            `json:"distance_feet"`
	WithinGeofence      bool               `json:"within_geofence"`
	WithinWindow        bool               `json:"within_window"`
	BiometricMatched    bool               `json:"biometric_matched"`
	BiometricConfidence float64            `json:"biometric_confidence"`
	BiometricPassed     bool               `json:"biometric_passed"`
	Status              VerificationStatus `json:"verification_status"`
	RecordedAt          time.Time          `json:"recorded_at"`
}

// ReturnRecord is the immutable result of a return inspection
type ReturnRecord struct {
	ID                string        `json:"id"`
	DoseID            string        `json:"dose_id"`
	BottleUID         string        `json:"bottle_uid"`
	PatientID         string        `json:"patient_id"`
	SealIntact        bool          `json:"seal_intact"`
	ResidueEstimateMl float64       `json:"residue_estimate_ml"`
	Notes             string        `json:"notes,omitempty"`
	ReportedOutcome   ReturnOutcome `json:"reported_outcome"`
	Outcome           ReturnOutcome `json:"outcome"`
	ReceivedBy        string        `json:"received_by,omitempty"`
	ReceivedAt        time.Time     `json:"received_at"`
}

// ComplianceAlert records a policy violation
type ComplianceAlert struct {
	ID              string      `json:"id"`
	PatientID       string      `json:"patient_id"`
	Type            AlertType   `json:"type"`
	Severity        Severity    `json:"severity"`
	Status          AlertStatus `json:"status"`
	DoseID          string      `json:"dose_id,omitempty"`
	ScanID          string      `json:"scan_id,omitempty"`
	ReturnID        string      `json:"return_id,omitempty"`
	Message         string      `json:"message"`
	CreatedAt       time.Time   `json:"created_at"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy      string      `json:"resolved_by,omitempty"`
	ResolutionNotes string      `json:"resolution_notes,omitempty"`
	Version         int         `json:"version"`
}

// ComplianceHold blocks take-home issuance for a patient
type ComplianceHold struct {
	ID                         string     `json:"id"`
	PatientID                  string     `json:"patient_id"`
	ReasonCode                 string     `json:"reason_code"`
	AlertID                    string     `json:"alert_id,omitempty"`
	RequiresCounselorClearance bool       `json:"requires_counselor_clearance"`
	Status                     HoldStatus `json:"status"`
	OpenedBy                   string     `json:"opened_by"`
	OpenedAt                   time.Time  `json:"opened_at"`
	ClearanceNotes             string     `json:"clearance_notes,omitempty"`
	ClearedBy                  string     `json:"cleared_by,omitempty"`
	ClearedAt                  *time.Time `json:"cleared_at,omitempty"`
	Version                    int        `json:"version"`
}

// RiskAssessment is a point-in-time risk snapshot for a patient
type RiskAssessment struct {
	ID                     string    `json:"id"`
	PatientID              string    `json:"patient_id"`
	AssessedAt             time.Time `json:"assessed_at"`
	LookbackStart          time.Time `json:"lookback_start"`
	PolicyVersion          string    `json:"policy_version"`
	TotalScans             int       `json:"total_scans"`
	LocationComplianceRate float64   `json:"location_compliance_rate"`
	TimeComplianceRate     float64   `json:"time_compliance_rate"`
	BiometricSuccessRate   float64   `json:"biometric_success_rate"`
	TotalReturns           int       `json:"total_returns"`
	ReturnIntegrityRate    float64   `json:"return_integrity_rate"`
	OpenHolds              int       `json:"open_holds"`
	ComplianceScore        float64   `json:"compliance_score"`
	RiskLevel              Severity  `json:"risk_level"`
	TakehomeRecommendation string    `json:"takehome_recommendation"`
}

// DiversionReport is an outbound regulatory record
type DiversionReport struct {
	ID              string     `json:"id"`
	PatientID       string     `json:"patient_id"`
	EventType       string     `json:"event_type"`
	Severity        Severity   `json:"severity"`
	SourceAlertID   string     `json:"source_alert_id,omitempty"`
	SourceReturnID  string     `json:"source_return_id,omitempty"`
	Payload         []byte     `json:"payload,omitempty"`
	SyncStatus      SyncStatus `json:"sync_status"`
	ReferenceNumber string     `json:"reference_number,omitempty"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error,omitempty"`
	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int        `json:"version"`
}

// SourceID returns the id of the alert or return the report was derived from
func (r *DiversionReport) SourceID() string {
	if r.SourceAlertID != "" {
		return r.SourceAlertID
	}
	return r.SourceReturnID
}

// TimeRange bounds list queries; zero values are open ends
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t is inside the range
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// ReportFilter selects diversion reports
type ReportFilter struct {
	Statuses  []SyncStatus
	PatientID string
	Range     TimeRange
	// DueBefore keeps only reports whose NextAttemptAt is unset or not after it
	DueBefore time.Time
	Limit     int
}

// DateOf truncates t to its calendar date (in t's location) expressed as UTC midnight
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
