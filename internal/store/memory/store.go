// Package memory provides an in-process takehome.Store for tests and
// single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

// Store implements takehome.Store in memory.
// Transactions run one at a time behind a writer lock and are rolled back
// from an undo log when the unit of work fails.
type Store struct {
	mu sync.RWMutex
	st *state
}

var _ takehome.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{st: newState()}
}

type state struct {
	orders       *table[takehome.Order]
	kits         *table[takehome.Kit]
	doses        *table[takehome.Dose]
	scans        *table[takehome.VerificationScan]
	returns      *table[takehome.ReturnRecord]
	alerts       *table[takehome.ComplianceAlert]
	holds        *table[takehome.ComplianceHold]
	assessments  *table[takehome.RiskAssessment]
	reports      *table[takehome.DiversionReport]
	bottles      map[string]string // bottle uid -> dose id
	returnByDose map[string]string
	reportBySrc  map[string]string
	events       []*takehome.Event
}

func newState() *state {
	return &state{
		orders:       newTable[takehome.Order](),
		kits:         newTable[takehome.Kit](),
		doses:        newTable[takehome.Dose](),
		scans:        newTable[takehome.VerificationScan](),
		returns:      newTable[takehome.ReturnRecord](),
		alerts:       newTable[takehome.ComplianceAlert](),
		holds:        newTable[takehome.ComplianceHold](),
		assessments:  newTable[takehome.RiskAssessment](),
		reports:      newTable[takehome.DiversionReport](),
		bottles:      make(map[string]string),
		returnByDose: make(map[string]string),
		reportBySrc:  make(map[string]string),
	}
}

// WithTx runs fn as a single unit of work
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx takehome.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{state: s.st}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Events returns a copy of all committed domain events
func (s *Store) Events() []*takehome.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*takehome.Event, len(s.st.events))
	copy(out, s.st.events)
	return out
}

func (s *Store) read(fn func(st *state)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.st)
}

func (s *Store) GetOrder(ctx context.Context, id string) (o *takehome.Order, err error) {
	s.read(func(st *state) { o, err = st.GetOrder(ctx, id) })
	return
}

func (s *Store) ListOrdersByPatient(ctx context.Context, patientID string) (out []*takehome.Order, err error) {
	s.read(func(st *state) { out, err = st.ListOrdersByPatient(ctx, patientID) })
	return
}

func (s *Store) GetKit(ctx context.Context, id string) (k *takehome.Kit, err error) {
	s.read(func(st *state) { k, err = st.GetKit(ctx, id) })
	return
}

func (s *Store) ListKitsByOrder(ctx context.Context, orderID string) (out []*takehome.Kit, err error) {
	s.read(func(st *state) { out, err = st.ListKitsByOrder(ctx, orderID) })
	return
}

func (s *Store) GetDose(ctx context.Context, id string) (d *takehome.Dose, err error) {
	s.read(func(st *state) { d, err = st.GetDose(ctx, id) })
	return
}

func (s *Store) GetDoseByBottle(ctx context.Context, bottleUID string) (d *takehome.Dose, err error) {
	s.read(func(st *state) { d, err = st.GetDoseByBottle(ctx, bottleUID) })
	return
}

func (s *Store) ListDosesByKit(ctx context.Context, kitID string) (out []*takehome.Dose, err error) {
	s.read(func(st *state) { out, err = st.ListDosesByKit(ctx, kitID) })
	return
}

func (s *Store) ListDosesDue(ctx context.Context, status takehome.DoseStatus, before time.Time) (out []*takehome.Dose, err error) {
	s.read(func(st *state) { out, err = st.ListDosesDue(ctx, status, before) })
	return
}

func (s *Store) ListScansByDose(ctx context.Context, doseID string) (out []*takehome.VerificationScan, err error) {
	s.read(func(st *state) { out, err = st.ListScansByDose(ctx, doseID) })
	return
}

func (s *Store) ListScansByPatient(ctx context.Context, patientID string, r takehome.TimeRange) (out []*takehome.VerificationScan, err error) {
	s.read(func(st *state) { out, err = st.ListScansByPatient(ctx, patientID, r) })
	return
}

func (s *Store) GetReturnByDose(ctx context.Context, doseID string) (rr *takehome.ReturnRecord, err error) {
	s.read(func(st *state) { rr, err = st.GetReturnByDose(ctx, doseID) })
	return
}

func (s *Store) ListReturnsByPatient(ctx context.Context, patientID string, r takehome.TimeRange) (out []*takehome.ReturnRecord, err error) {
	s.read(func(st *state) { out, err = st.ListReturnsByPatient(ctx, patientID, r) })
	return
}

func (s *Store) GetAlert(ctx context.Context, id string) (a *takehome.ComplianceAlert, err error) {
	s.read(func(st *state) { a, err = st.GetAlert(ctx, id) })
	return
}

func (s *Store) ListAlertsByPatient(ctx context.Context, patientID string, r takehome.TimeRange) (out []*takehome.ComplianceAlert, err error) {
	s.read(func(st *state) { out, err = st.ListAlertsByPatient(ctx, patientID, r) })
	return
}

func (s *Store) GetHold(ctx context.Context, id string) (h *takehome.ComplianceHold, err error) {
	s.read(func(st *state) { h, err = st.GetHold(ctx, id) })
	return
}

func (s *Store) ListHoldsByPatient(ctx context.Context, patientID string) (out []*takehome.ComplianceHold, err error) {
	s.read(func(st *state) { out, err = st.ListHoldsByPatient(ctx, patientID) })
	return
}

func (s *Store) ListAssessmentsByPatient(ctx context.Context, patientID string) (out []*takehome.RiskAssessment, err error) {
	s.read(func(st *state) { out, err = st.ListAssessmentsByPatient(ctx, patientID) })
	return
}

func (s *Store) GetReport(ctx context.Context, id string) (r *takehome.DiversionReport, err error) {
	s.read(func(st *state) { r, err = st.GetReport(ctx, id) })
	return
}

func (s *Store) GetReportBySource(ctx context.Context, sourceID string) (r *takehome.DiversionReport, err error) {
	s.read(func(st *state) { r, err = st.GetReportBySource(ctx, sourceID) })
	return
}

func (s *Store) ListReports(ctx context.Context, f takehome.ReportFilter) (out []*takehome.DiversionReport, err error) {
	s.read(func(st *state) { out, err = st.ListReports(ctx, f) })
	return
}

// state readers; callers hold the store lock

func (st *state) GetOrder(_ context.Context, id string) (*takehome.Order, error) {
	o, ok := st.orders.get(id)
	if !ok {
		return nil, takehome.NotFoundf("order %s", id)
	}
	return clone(o), nil
}

func (st *state) ListOrdersByPatient(_ context.Context, patientID string) ([]*takehome.Order, error) {
	var out []*takehome.Order
	st.orders.each(func(o *takehome.Order) {
		if o.PatientID == patientID {
			out = append(out, clone(o))
		}
	})
	return out, nil
}

func (st *state) GetKit(ctx context.Context, id string) (*takehome.Kit, error) {
	k, ok := st.kits.get(id)
	if !ok {
		return nil, takehome.NotFoundf("kit %s", id)
	}
	out := clone(k)
	out.Doses, _ = st.ListDosesByKit(ctx, id)
	return out, nil
}

func (st *state) ListKitsByOrder(ctx context.Context, orderID string) ([]*takehome.Kit, error) {
	var out []*takehome.Kit
	st.kits.each(func(k *takehome.Kit) {
		if k.OrderID == orderID {
			c := clone(k)
			c.Doses, _ = st.ListDosesByKit(ctx, k.ID)
			out = append(out, c)
		}
	})
	return out, nil
}

func (st *state) GetDose(_ context.Context, id string) (*takehome.Dose, error) {
	d, ok := st.doses.get(id)
	if !ok {
		return nil, takehome.NotFoundf("dose %s", id)
	}
	return clone(d), nil
}

func (st *state) GetDoseByBottle(ctx context.Context, bottleUID string) (*takehome.Dose, error) {
	id, ok := st.bottles[bottleUID]
	if !ok {
		return nil, takehome.NotFoundf("bottle %s", bottleUID)
	}
	return st.GetDose(ctx, id)
}

func (st *state) ListDosesByKit(_ context.Context, kitID string) ([]*takehome.Dose, error) {
	var out []*takehome.Dose
	st.doses.each(func(d *takehome.Dose) {
		if d.KitID == kitID {
			out = append(out, clone(d))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (st *state) ListDosesDue(_ context.Context, status takehome.DoseStatus, before time.Time) ([]*takehome.Dose, error) {
	var out []*takehome.Dose
	st.doses.each(func(d *takehome.Dose) {
		if d.Status == status && d.ScheduledDate.Before(before) {
			out = append(out, clone(d))
		}
	})
	return out, nil
}

func (st *state) ListScansByDose(_ context.Context, doseID string) ([]*takehome.VerificationScan, error) {
	var out []*takehome.VerificationScan
	st.scans.each(func(s *takehome.VerificationScan) {
		if s.DoseID == doseID {
			out = append(out, clone(s))
		}
	})
	return out, nil
}

func (st *state) ListScansByPatient(_ context.Context, patientID string, r takehome.TimeRange) ([]*takehome.VerificationScan, error) {
	var out []*takehome.VerificationScan
	st.scans.each(func(s *takehome.VerificationScan) {
		if s.PatientID == patientID && r.Contains(s.ObservedAt) {
			out = append(out, clone(s))
		}
	})
	return out, nil
}

func (st *state) GetReturnByDose(_ context.Context, doseID string) (*takehome.ReturnRecord, error) {
	id, ok := st.returnByDose[doseID]
	if !ok {
		return nil, takehome.NotFoundf("return for dose %s", doseID)
	}
	rr, _ := st.returns.get(id)
	return clone(rr), nil
}

func (st *state) ListReturnsByPatient(_ context.Context, patientID string, r takehome.TimeRange) ([]*takehome.ReturnRecord, error) {
	var out []*takehome.ReturnRecord
	st.returns.each(func(rr *takehome.ReturnRecord) {
		if rr.PatientID == patientID && r.Contains(rr.ReceivedAt) {
			out = append(out, clone(rr))
		}
	})
	return out, nil
}

func (st *state) GetAlert(_ context.Context, id string) (*takehome.ComplianceAlert, error) {
	a, ok := st.alerts.get(id)
	if !ok {
		return nil, takehome.NotFoundf("alert %s", id)
	}
	return clone(a), nil
}

func (st *state) ListAlertsByPatient(_ context.Context, patientID string, r takehome.TimeRange) ([]*takehome.ComplianceAlert, error) {
	var out []*takehome.ComplianceAlert
	st.alerts.each(func(a *takehome.ComplianceAlert) {
		if a.PatientID == patientID && r.Contains(a.CreatedAt) {
			out = append(out, clone(a))
		}
	})
	return out, nil
}

func (st *state) GetHold(_ context.Context, id string) (*takehome.ComplianceHold, error) {
	h, ok := st.holds.get(id)
	if !ok {
		return nil, takehome.NotFoundf("hold %s", id)
	}
	return clone(h), nil
}

func (st *state) ListHoldsByPatient(_ context.Context, patientID string) ([]*takehome.ComplianceHold, error) {
	var out []*takehome.ComplianceHold
	st.holds.each(func(h *takehome.ComplianceHold) {
		if h.PatientID == patientID {
			out = append(out, clone(h))
		}
	})
	return out, nil
}

func (st *state) ListAssessmentsByPatient(_ context.Context, patientID string) ([]*takehome.RiskAssessment, error) {
	var out []*takehome.RiskAssessment
	st.assessments.each(func(a *takehome.RiskAssessment) {
		if a.PatientID == patientID {
			out = append(out, clone(a))
		}
	})
	return out, nil
}

func (st *state) GetReport(_ context.Context, id string) (*takehome.DiversionReport, error) {
	r, ok := st.reports.get(id)
	if !ok {
		return nil, takehome.NotFoundf("report %s", id)
	}
	return cloneReport(r), nil
}

func (st *state) GetReportBySource(ctx context.Context, sourceID string) (*takehome.DiversionReport, error) {
	id, ok := st.reportBySrc[sourceID]
	if !ok {
		return nil, takehome.NotFoundf("report for source %s", sourceID)
	}
	return st.GetReport(ctx, id)
}

func (st *state) ListReports(_ context.Context, f takehome.ReportFilter) ([]*takehome.DiversionReport, error) {
	var out []*takehome.DiversionReport
	st.reports.each(func(r *takehome.DiversionReport) {
		if !matchesReport(r, f) {
			return
		}
		if f.Limit > 0 && len(out) >= f.Limit {
			return
		}
		out = append(out, cloneReport(r))
	})
	return out, nil
}

func matchesReport(r *takehome.DiversionReport, f takehome.ReportFilter) bool {
	if f.PatientID != "" && r.PatientID != f.PatientID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.SyncStatus == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Range.Contains(r.CreatedAt) {
		return false
	}
	if !f.DueBefore.IsZero() && r.NextAttemptAt != nil && r.NextAttemptAt.After(f.DueBefore) {
		return false
	}
	return true
}

func cloneReport(r *takehome.DiversionReport) *takehome.DiversionReport {
	c := clone(r)
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	return c
}
