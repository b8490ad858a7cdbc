package risk

import (
	"context"
	"fmt"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

// Summary is a derived view of a patient's take-home activity. It is computed
// from the stored entities on every call and never persisted.
type Summary struct {
	PatientID      string                         `json:"patient_id"`
	Orders         map[takehome.OrderStatus]int   `json:"orders"`
	Doses          map[takehome.DoseStatus]int    `json:"doses"`
	ScansSucceeded int                            `json:"scans_succeeded"`
	ScansFailed    int                            `json:"scans_failed"`
	Returns        map[takehome.ReturnOutcome]int `json:"returns"`
	OpenAlerts     int                            `json:"open_alerts"`
	OpenHolds      int                            `json:"open_holds"`
	LatestRisk     *takehome.RiskAssessment       `json:"latest_risk,omitempty"`
}

// Summary aggregates everything recorded for a patient
func (e *Engine) Summary(ctx context.Context, patientID string) (*Summary, error) {
	ctx, span := e.tracer.Start(ctx, "risk.Summary")
	defer span.End()

	s := &Summary{
		PatientID: patientID,
		Orders:    map[takehome.OrderStatus]int{},
		Doses:     map[takehome.DoseStatus]int{},
		Returns:   map[takehome.ReturnOutcome]int{},
	}

	orders, err := e.store.ListOrdersByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	for _, o := range orders {
		s.Orders[o.Status]++
		kits, err := e.store.ListKitsByOrder(ctx, o.ID)
		if err != nil {
			return nil, fmt.Errorf("list kits: %w", err)
		}
		for _, k := range kits {
			doses, err := e.store.ListDosesByKit(ctx, k.ID)
			if err != nil {
				return nil, fmt.Errorf("list doses: %w", err)
			}
			for _, d := range doses {
				s.Doses[d.Status]++
			}
		}
	}

	scans, err := e.store.ListScansByPatient(ctx, patientID, takehome.TimeRange{})
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	for _, sc := range scans {
		if sc.Status == takehome.VerificationSuccess {
			s.ScansSucceeded++
		} else {
			s.ScansFailed++
		}
	}

	returns, err := e.store.ListReturnsByPatient(ctx, patientID, takehome.TimeRange{})
	if err != nil {
		return nil, fmt.Errorf("list returns: %w", err)
	}
	for _, r := range returns {
		s.Returns[r.Outcome]++
	}

	alerts, err := e.store.ListAlertsByPatient(ctx, patientID, takehome.TimeRange{})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	for _, a := range alerts {
		if a.Status == takehome.AlertOpen {
			s.OpenAlerts++
		}
	}

	hs, err := e.store.ListHoldsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	s.OpenHolds = len(takehome.OpenHolds(hs))

	assessments, err := e.store.ListAssessmentsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	if n := len(assessments); n > 0 {
		s.LatestRisk = assessments[n-1]
	}
	return s, nil
}
