package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

func seedKit(t *testing.T, s *Store) *takehome.Kit {
	t.Helper()
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	kit := &takehome.Kit{ID: "kit-1", OrderID: "ord-1", PatientID: "pat-1", Status: takehome.KitIssued}
	for i := 0; i < 3; i++ {
		kit.Doses = append(kit.Doses, &takehome.Dose{
			ID:            "dose-" + string(rune('a'+i)),
			KitID:         kit.ID,
			PatientID:     "pat-1",
			BottleUID:     "BTL-" + string(rune('A'+i)),
			Sequence:      i + 1,
			ScheduledDate: start.AddDate(0, 0, i),
			Status:        takehome.DoseDispensed,
		})
	}
	err := s.WithTx(context.Background(), func(ctx context.Context, tx takehome.Tx) error {
		return tx.InsertKit(ctx, kit)
	})
	require.NoError(t, err)
	return kit
}

func TestStore_KitRoundTrip(t *testing.T) {
	s := New()
	seedKit(t, s)

	kit, err := s.GetKit(context.Background(), "kit-1")
	require.NoError(t, err)
	require.Len(t, kit.Doses, 3)
	assert.Equal(t, 1, kit.Doses[0].Sequence)
	assert.Equal(t, 1, kit.Version)

	d, err := s.GetDoseByBottle(context.Background(), "BTL-B")
	require.NoError(t, err)
	assert.Equal(t, "dose-b", d.ID)
}

func TestStore_DuplicateBottleConflicts(t *testing.T) {
	s := New()
	seedKit(t, s)

	err := s.WithTx(context.Background(), func(ctx context.Context, tx takehome.Tx) error {
		return tx.InsertKit(ctx, &takehome.Kit{ID: "kit-2", Doses: []*takehome.Dose{{ID: "dose-z", BottleUID: "BTL-A"}}})
	})
	assert.ErrorIs(t, err, takehome.ErrConflict)

	_, err = s.GetKit(context.Background(), "kit-2")
	assert.ErrorIs(t, err, takehome.ErrNotFound)
}

func TestStore_UpdateDoseChecksVersion(t *testing.T) {
	s := New()
	seedKit(t, s)
	ctx := context.Background()

	stale, err := s.GetDose(ctx, "dose-a")
	require.NoError(t, err)

	err = s.WithTx(ctx, func(ctx context.Context, tx takehome.Tx) error {
		d, err := tx.GetDose(ctx, "dose-a")
		if err != nil {
			return err
		}
		d.Status = takehome.DoseConsumed
		return tx.UpdateDose(ctx, d)
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(ctx context.Context, tx takehome.Tx) error {
		stale.Status = takehome.DoseMissing
		return tx.UpdateDose(ctx, stale)
	})
	assert.ErrorIs(t, err, takehome.ErrConflict)

	d, err := s.GetDose(ctx, "dose-a")
	require.NoError(t, err)
	assert.Equal(t, takehome.DoseConsumed, d.Status)
	assert.Equal(t, 2, d.Version)
}

func TestStore_RollbackUndoesEverything(t *testing.T) {
	s := New()
	seedKit(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, tx takehome.Tx) error {
		d, _ := tx.GetDose(ctx, "dose-a")
		d.Status = takehome.DoseConsumed
		if err := tx.UpdateDose(ctx, d); err != nil {
			return err
		}
		if err := tx.InsertHold(ctx, &takehome.ComplianceHold{ID: "h1", PatientID: "pat-1", Status: takehome.HoldOpen}); err != nil {
			return err
		}
		if err := takehome.Emit(ctx, tx, takehome.AggregateHold, "h1", takehome.EventHoldOpened, "pat-1", nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	d, err := s.GetDose(ctx, "dose-a")
	require.NoError(t, err)
	assert.Equal(t, takehome.DoseDispensed, d.Status)
	assert.Equal(t, 1, d.Version)

	holds, err := s.ListHoldsByPatient(ctx, "pat-1")
	require.NoError(t, err)
	assert.Empty(t, holds)
	assert.Empty(t, s.Events())
}

func TestStore_ReportIdempotentBySource(t *testing.T) {
	s := New()
	ctx := context.Background()
	insert := func(id string) error {
		return s.WithTx(ctx, func(ctx context.Context, tx takehome.Tx) error {
			return tx.InsertReport(ctx, &takehome.DiversionReport{ID: id, SourceAlertID: "alert-1", SyncStatus: takehome.SyncPending})
		})
	}
	require.NoError(t, insert("r1"))
	assert.ErrorIs(t, insert("r2"), takehome.ErrConflict)

	r, err := s.GetReportBySource(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", r.ID)
}

func TestStore_ListReportsFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	later := time.Now().Add(time.Hour)
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx takehome.Tx) error {
		if err := tx.InsertReport(ctx, &takehome.DiversionReport{ID: "r1", SourceAlertID: "a1", SyncStatus: takehome.SyncPending}); err != nil {
			return err
		}
		if err := tx.InsertReport(ctx, &takehome.DiversionReport{ID: "r2", SourceAlertID: "a2", SyncStatus: takehome.SyncFailed, NextAttemptAt: &later}); err != nil {
			return err
		}
		return tx.InsertReport(ctx, &takehome.DiversionReport{ID: "r3", SourceReturnID: "ret1", SyncStatus: takehome.SyncSynced})
	}))

	due, err := s.ListReports(ctx, takehome.ReportFilter{
		Statuses:  []takehome.SyncStatus{takehome.SyncPending, takehome.SyncFailed},
		DueBefore: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "r1", due[0].ID)

	all, err := s.ListReports(ctx, takehome.ReportFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
