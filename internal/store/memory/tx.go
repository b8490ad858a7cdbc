package memory

import (
	"context"
	"fmt"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

// memTx embeds the shared state for reads and records an undo step for every write.
type memTx struct {
	*state
	undo []func()
}

var _ takehome.Tx = (*memTx)(nil)

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

// LockPatient is satisfied by the store's writer lock, which is held for the whole tx.
func (t *memTx) LockPatient(_ context.Context, patientID string) error {
	if patientID == "" {
		return takehome.Invalid("patient_id", "is required")
	}
	return nil
}

func insertRow[T any](t *memTx, tbl *table[T], id string, v *T) error {
	if id == "" {
		return fmt.Errorf("insert: empty id")
	}
	if _, exists := tbl.get(id); exists {
		return fmt.Errorf("%w: duplicate id %s", takehome.ErrConflict, id)
	}
	tbl.insert(id, clone(v))
	t.onRollback(tbl.dropLast)
	return nil
}

// updateRow swaps in a copy of v when the stored version matches and returns the new version.
func updateRow[T any](t *memTx, tbl *table[T], id string, version int, v *T, setVersion func(*T, int)) (int, error) {
	cur, ok := tbl.get(id)
	if !ok {
		return 0, takehome.NotFoundf("%s", id)
	}
	prev := clone(cur)
	if stored := versionOf(prev); stored != version {
		return 0, fmt.Errorf("%w: %s at version %d, have %d", takehome.ErrConflict, id, stored, version)
	}
	next := clone(v)
	setVersion(next, version+1)
	*cur = *next
	t.onRollback(func() { *cur = *prev })
	return version + 1, nil
}

func versionOf(v any) int {
	switch e := v.(type) {
	case *takehome.Order:
		return e.Version
	case *takehome.Kit:
		return e.Version
	case *takehome.Dose:
		return e.Version
	case *takehome.ComplianceAlert:
		return e.Version
	case *takehome.ComplianceHold:
		return e.Version
	case *takehome.DiversionReport:
		return e.Version
	}
	return 0
}

func (t *memTx) InsertOrder(_ context.Context, o *takehome.Order) error {
	o.Version = 1
	return insertRow(t, t.orders, o.ID, o)
}

func (t *memTx) UpdateOrder(_ context.Context, o *takehome.Order) error {
	v, err := updateRow(t, t.orders, o.ID, o.Version, o, func(x *takehome.Order, v int) { x.Version = v })
	if err != nil {
		return err
	}
	o.Version = v
	return nil
}

func (t *memTx) InsertKit(_ context.Context, k *takehome.Kit) error {
	seen := make(map[string]bool, len(k.Doses))
	for _, d := range k.Doses {
		if _, taken := t.bottles[d.BottleUID]; taken || seen[d.BottleUID] {
			return fmt.Errorf("%w: bottle uid %s already issued", takehome.ErrConflict, d.BottleUID)
		}
		seen[d.BottleUID] = true
	}
	k.Version = 1
	row := clone(k)
	row.Doses = nil
	if err := insertRow(t, t.kits, k.ID, row); err != nil {
		return err
	}
	for _, d := range k.Doses {
		d.Version = 1
		if err := insertRow(t, t.doses, d.ID, d); err != nil {
			return err
		}
		uid := d.BottleUID
		t.bottles[uid] = d.ID
		t.onRollback(func() { delete(t.bottles, uid) })
	}
	return nil
}

func (t *memTx) UpdateKit(_ context.Context, k *takehome.Kit) error {
	row := clone(k)
	row.Doses = nil
	v, err := updateRow(t, t.kits, k.ID, k.Version, row, func(x *takehome.Kit, v int) { x.Version = v })
	if err != nil {
		return err
	}
	k.Version = v
	return nil
}

func (t *memTx) UpdateDose(_ context.Context, d *takehome.Dose) error {
	v, err := updateRow(t, t.doses, d.ID, d.Version, d, func(x *takehome.Dose, v int) { x.Version = v })
	if err != nil {
		return err
	}
	d.Version = v
	return nil
}

func (t *memTx) InsertScan(_ context.Context, s *takehome.VerificationScan) error {
	return insertRow(t, t.scans, s.ID, s)
}

func (t *memTx) InsertReturn(_ context.Context, r *takehome.ReturnRecord) error {
	if _, exists := t.returnByDose[r.DoseID]; exists {
		return fmt.Errorf("%w: dose %s already returned", takehome.ErrConflict, r.DoseID)
	}
	if err := insertRow(t, t.returns, r.ID, r); err != nil {
		return err
	}
	doseID := r.DoseID
	t.returnByDose[doseID] = r.ID
	t.onRollback(func() { delete(t.returnByDose, doseID) })
	return nil
}

func (t *memTx) InsertAlert(_ context.Context, a *takehome.ComplianceAlert) error {
	a.Version = 1
	return insertRow(t, t.alerts, a.ID, a)
}

func (t *memTx) UpdateAlert(_ context.Context, a *takehome.ComplianceAlert) error {
	v, err := updateRow(t, t.alerts, a.ID, a.Version, a, func(x *takehome.ComplianceAlert, v int) { x.Version = v })
	if err != nil {
		return err
	}
	a.Version = v
	return nil
}

func (t *memTx) InsertHold(_ context.Context, h *takehome.ComplianceHold) error {
	h.Version = 1
	return insertRow(t, t.holds, h.ID, h)
}

func (t *memTx) UpdateHold(_ context.Context, h *takehome.ComplianceHold) error {
	v, err := updateRow(t, t.holds, h.ID, h.Version, h, func(x *takehome.ComplianceHold, v int) { x.Version = v })
	if err != nil {
		return err
	}
	h.Version = v
	return nil
}

func (t *memTx) InsertAssessment(_ context.Context, a *takehome.RiskAssessment) error {
	return insertRow(t, t.assessments, a.ID, a)
}

func (t *memTx) InsertReport(_ context.Context, r *takehome.DiversionReport) error {
	src := r.SourceID()
	if _, exists := t.reportBySrc[src]; exists {
		return fmt.Errorf("%w: report for source %s exists", takehome.ErrConflict, src)
	}
	r.Version = 1
	if err := insertRow(t, t.reports, r.ID, cloneReport(r)); err != nil {
		return err
	}
	t.reportBySrc[src] = r.ID
	t.onRollback(func() { delete(t.reportBySrc, src) })
	return nil
}

func (t *memTx) UpdateReport(_ context.Context, r *takehome.DiversionReport) error {
	v, err := updateRow(t, t.reports, r.ID, r.Version, cloneReport(r), func(x *takehome.DiversionReport, v int) { x.Version = v })
	if err != nil {
		return err
	}
	r.Version = v
	return nil
}

func (t *memTx) Emit(_ context.Context, e *takehome.Event) error {
	t.events = append(t.events, e)
	n := len(t.events) - 1
	t.onRollback(func() { t.events = t.events[:n] })
	return nil
}
