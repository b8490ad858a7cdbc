package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otpcare/takehome/internal/directory"
	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/holds"
	"github.com/otpcare/takehome/internal/store/memory"
)

var start = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	m := NewManager(store, DefaultConfig(), nil, nil)
	m.now = func() time.Time { return start.Add(9 * time.Hour) }
	return m, store
}

func validRequest() CreateOrderRequest {
	return CreateOrderRequest{
		PatientID:   "pat-1",
		DaysSupply:  7,
		RiskTier:    takehome.RiskTierStandard,
		DailyDoseMg: 80,
		StartDate:   start,
		CreatedBy:   "dr-1",
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	cases := map[string]func(r *CreateOrderRequest){
		"missing patient": func(r *CreateOrderRequest) { r.PatientID = "" },
		"zero days":       func(r *CreateOrderRequest) { r.DaysSupply = 0 },
		"too many days":   func(r *CreateOrderRequest) { r.DaysSupply = 29 },
		"bad tier":        func(r *CreateOrderRequest) { r.RiskTier = "extreme" },
		"zero dose":       func(r *CreateOrderRequest) { r.DailyDoseMg = 0 },
		"dose over max":   func(r *CreateOrderRequest) { r.DailyDoseMg = 301 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			_, err := m.CreateOrder(ctx, req)
			assert.ErrorIs(t, err, takehome.ErrValidation)
		})
	}
}

func TestCreateOrder(t *testing.T) {
	m, store := newTestManager(t)

	o, err := m.CreateOrder(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, takehome.OrderPending, o.Status)
	assert.Equal(t, start, o.StartDate)
	assert.Equal(t, start.AddDate(0, 0, 6), o.EndDate)

	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, takehome.EventOrderCreated, events[0].EventType)
}

func TestCreateOrder_DefaultsStartToClinicToday(t *testing.T) {
	store := memory.New()
	cfg := DefaultConfig()
	cfg.Location = time.FixedZone("PST", -8*3600)
	m := NewManager(store, cfg, nil, nil)
	// 03:00 UTC is still the previous day on the west coast
	m.now = func() time.Time { return time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC) }

	req := validRequest()
	req.StartDate = time.Time{}
	o, err := m.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), o.StartDate)
}

func TestIssueKit(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	o, err := m.CreateOrder(ctx, validRequest())
	require.NoError(t, err)

	kit, err := m.IssueKit(ctx, IssueKitRequest{OrderID: o.ID, IssuedBy: "nurse-1", DoseOverrides: map[int]float64{7: 60}})
	require.NoError(t, err)
	assert.Equal(t, takehome.KitIssued, kit.Status)
	assert.Regexp(t, `^2026-[0-9A-F]{8}$`, kit.SealBatchID)
	require.Len(t, kit.Doses, o.DaysSupply)

	bottles := map[string]bool{}
	for i, d := range kit.Doses {
		assert.Equal(t, i+1, d.Sequence)
		assert.Equal(t, takehome.DoseDispensed, d.Status)
		assert.Equal(t, o.StartDate.AddDate(0, 0, i), d.ScheduledDate)
		assert.True(t, o.Covers(d.ScheduledDate))
		assert.False(t, bottles[d.BottleUID], "bottle uid reused")
		bottles[d.BottleUID] = true
	}
	assert.Equal(t, 80.0, kit.Doses[0].AmountMg)
	assert.Equal(t, 60.0, kit.Doses[6].AmountMg)

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, takehome.OrderActive, got.Status)

	stored, err := store.GetKit(ctx, kit.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Doses, 7)

	_, err = m.IssueKit(ctx, IssueKitRequest{OrderID: o.ID, IssuedBy: "nurse-1"})
	assert.ErrorIs(t, err, takehome.ErrInvalidState)
}

func TestIssueKit_BottleUIDsUniqueAcrossKits(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		o, err := m.CreateOrder(ctx, validRequest())
		require.NoError(t, err)
		kit, err := m.IssueKit(ctx, IssueKitRequest{OrderID: o.ID, IssuedBy: "nurse-1"})
		require.NoError(t, err)
		for _, d := range kit.Doses {
			require.False(t, seen[d.BottleUID])
			seen[d.BottleUID] = true
		}
	}
	assert.Len(t, seen, 35)
}

func TestIssueKit_Errors(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.IssueKit(ctx, IssueKitRequest{OrderID: "missing", IssuedBy: "nurse-1"})
	assert.ErrorIs(t, err, takehome.ErrNotFound)

	o, err := m.CreateOrder(ctx, validRequest())
	require.NoError(t, err)

	_, err = m.IssueKit(ctx, IssueKitRequest{OrderID: o.ID, IssuedBy: "nurse-1", DoseOverrides: map[int]float64{8: 50}})
	assert.ErrorIs(t, err, takehome.ErrValidation)
	_, err = m.IssueKit(ctx, IssueKitRequest{OrderID: o.ID, IssuedBy: "nurse-1", DoseOverrides: map[int]float64{2: 0}})
	assert.ErrorIs(t, err, takehome.ErrValidation)
}

func TestHoldBlocksIssuanceUntilCleared(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	dir := directory.NewStatic()
	hm := holds.NewManager(store, dir, nil, nil)

	o, err := m.CreateOrder(ctx, validRequest())
	require.NoError(t, err)

	hold, err := hm.OpenHold(ctx, holds.OpenHoldRequest{PatientID: "pat-1", ReasonCode: takehome.HoldReasonManual, OpenedBy: "counselor-1"})
	require.NoError(t, err)

	_, err = m.IssueKit(ctx, IssueKitRequest{OrderID: o.ID, IssuedBy: "nurse-1"})
	require.ErrorIs(t, err, takehome.ErrHoldBlocked)
	assert.True(t, takehome.Retryable(err))

	_, err = m.CreateOrder(ctx, validRequest())
	assert.ErrorIs(t, err, takehome.ErrHoldBlocked)

	_, err = hm.ClearHold(ctx, holds.ClearHoldRequest{HoldID: hold.ID, ClearedBy: "counselor-1"})
	require.NoError(t, err)

	kit, err := m.IssueKit(ctx, IssueKitRequest{OrderID: o.ID, IssuedBy: "nurse-1"})
	require.NoError(t, err)
	assert.Len(t, kit.Doses, 7)
}

func TestCancelOrder(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	o, err := m.CreateOrder(ctx, validRequest())
	require.NoError(t, err)
	cancelled, err := m.CancelOrder(ctx, o.ID, "dr-1")
	require.NoError(t, err)
	assert.Equal(t, takehome.OrderCancelled, cancelled.Status)

	_, err = m.CancelOrder(ctx, o.ID, "dr-1")
	assert.ErrorIs(t, err, takehome.ErrInvalidState)
	_, err = m.IssueKit(ctx, IssueKitRequest{OrderID: o.ID, IssuedBy: "nurse-1"})
	assert.ErrorIs(t, err, takehome.ErrInvalidState)
}

func TestSettleKit_ClosesKitAndCompletesOrder(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	req := validRequest()
	req.DaysSupply = 2
	o, err := m.CreateOrder(ctx, req)
	require.NoError(t, err)
	kit, err := m.IssueKit(ctx, IssueKitRequest{OrderID: o.ID, IssuedBy: "nurse-1"})
	require.NoError(t, err)

	settle := func(doseID string, to takehome.DoseStatus) bool {
		var closed bool
		require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx takehome.Tx) error {
			d, err := tx.GetDose(ctx, doseID)
			if err != nil {
				return err
			}
			if err := d.Advance(to, start); err != nil {
				return err
			}
			if err := tx.UpdateDose(ctx, d); err != nil {
				return err
			}
			closed, err = SettleKit(ctx, tx, d.KitID, start)
			return err
		}))
		return closed
	}

	assert.False(t, settle(kit.Doses[0].ID, takehome.DoseConsumed))
	assert.True(t, settle(kit.Doses[1].ID, takehome.DoseMissing))

	got, err := m.GetKit(ctx, kit.ID)
	require.NoError(t, err)
	assert.Equal(t, takehome.KitClosed, got.Status)
	order, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, takehome.OrderCompleted, order.Status)
}

func TestHoldOpenRacingIssuance(t *testing.T) {
	ctx := context.Background()
	var issued, blocked int

	for i := 0; i < 200; i++ {
		m, store := newTestManager(t)
		hm := holds.NewManager(store, nil, nil, nil)
		o, err := m.CreateOrder(ctx, validRequest())
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			issueErr error
			holdErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, issueErr = m.IssueKit(ctx, IssueKitRequest{OrderID: o.ID, IssuedBy: "nurse-1"})
		}()
		go func() {
			defer wg.Done()
			_, holdErr = hm.OpenHold(ctx, holds.OpenHoldRequest{
				PatientID: "pat-1", ReasonCode: "counselor_referral", OpenedBy: "counselor-1",
			})
		}()
		wg.Wait()
		require.NoError(t, holdErr)

		committed := map[takehome.EventType]int{}
		for n, e := range store.Events() {
			committed[e.EventType] = n
		}
		holdAt, ok := committed[takehome.EventHoldOpened]
		require.True(t, ok)

		got, err := store.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		kitAt, kitIssued := committed[takehome.EventKitIssued]

		switch {
		case issueErr == nil:
			issued++
			require.True(t, kitIssued)
			assert.Less(t, kitAt, holdAt, fmt.Sprintf("run %d: kit issued after the hold committed", i))
			assert.Equal(t, takehome.OrderActive, got.Status)
		default:
			blocked++
			var hb *takehome.HoldBlockedError
			require.True(t, errors.As(issueErr, &hb), "run %d: %v", i, issueErr)
			assert.ErrorIs(t, issueErr, takehome.ErrHoldBlocked)
			assert.False(t, kitIssued, "run %d: blocked issuance left a kit behind", i)
			assert.Equal(t, takehome.OrderPending, got.Status)
		}
	}
	assert.Equal(t, 200, issued+blocked)
}
