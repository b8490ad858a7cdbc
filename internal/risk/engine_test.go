package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otpcare/takehome/internal/directory"
	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/holds"
	"github.com/otpcare/takehome/internal/order"
	"github.com/otpcare/takehome/internal/store/memory"
	"github.com/otpcare/takehome/internal/verification"
)

var (
	start = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	home  = takehome.Location{Lat: 39.9526, Lng: -75.1652}
	away  = takehome.Location{Lat: 39.9540, Lng: -75.1652}
)

type fixture struct {
	store  *memory.Store
	orders *order.Manager
	scans  *verification.Engine
	risk   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	dir := directory.NewStatic()
	dir.PutProfile(directory.DosingProfile{PatientID: "pat-1", Location: home, WindowStart: 7 * 60, WindowEnd: 9 * 60, TimeZone: "UTC"})
	r, err := NewEngine(store, DefaultPolicy(), nil, nil)
	require.NoError(t, err)
	r.now = func() time.Time { return start.AddDate(0, 0, 10) }
	return &fixture{
		store:  store,
		orders: order.NewManager(store, order.DefaultConfig(), nil, nil),
		scans:  verification.NewEngine(store, dir, verification.DefaultPolicy(), nil, nil),
		risk:   r,
	}
}

func (f *fixture) issue(t *testing.T, days int) *takehome.Kit {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.CreateOrder(ctx, order.CreateOrderRequest{
		PatientID: "pat-1", DaysSupply: days, RiskTier: takehome.RiskTierStandard,
		DailyDoseMg: 80, StartDate: start, CreatedBy: "dr-1",
	})
	require.NoError(t, err)
	kit, err := f.orders.IssueKit(ctx, order.IssueKitRequest{OrderID: o.ID, IssuedBy: "nurse-1"})
	require.NoError(t, err)
	return kit
}

func (f *fixture) scan(t *testing.T, d *takehome.Dose, loc takehome.Location) {
	t.Helper()
	_, err := f.scans.RecordScan(context.Background(), verification.RecordScanRequest{
		DoseID:           d.ID,
		ObservedLocation: loc,
		ObservedAt:       d.ScheduledDate.Add(8 * time.Hour),
		Biometric:        verification.Biometric{Matched: true, Confidence: 0.95},
	})
	require.NoError(t, err)
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	assert.Equal(t, takehome.SeverityLow, p.Level(0.90))
	assert.Equal(t, takehome.SeverityMedium, p.Level(0.8999))
	assert.Equal(t, takehome.SeverityHigh, p.Level(0.5))
	assert.Equal(t, takehome.SeverityCritical, p.Level(0.49))
	assert.InDelta(t, 1.0, p.Score(Rates{1, 1, 1, 1}), 1e-9)
	assert.InDelta(t, 0.7, p.Score(Rates{Location: 0, Time: 1, Biometric: 1, Returns: 1}), 1e-9)
	assert.Equal(t, "reduce take-home days", p.Recommendation(takehome.SeverityHigh))

	bad := p
	bad.Weights = Weights{}
	assert.Error(t, bad.Validate())
	bad = p
	bad.Thresholds = Thresholds{Low: 0.5, Medium: 0.9, High: 0.2}
	assert.Error(t, bad.Validate())
	bad = p
	bad.Version = ""
	assert.Error(t, bad.Validate())
}

func TestAssessPatient_NoActivity(t *testing.T) {
	f := newFixture(t)
	a, err := f.risk.AssessPatient(context.Background(), "pat-1")
	require.NoError(t, err)
	assert.Zero(t, a.TotalScans)
	assert.Equal(t, 1.0, a.LocationComplianceRate)
	assert.Equal(t, 1.0, a.TimeComplianceRate)
	assert.Equal(t, 1.0, a.BiometricSuccessRate)
	assert.Equal(t, 1.0, a.ReturnIntegrityRate)
	assert.Equal(t, takehome.SeverityLow, a.RiskLevel)
	assert.Equal(t, DefaultPolicy().Version, a.PolicyVersion)
}

func TestAssessPatient_SevenDayRoundTrip(t *testing.T) {
	f := newFixture(t)
	kit := f.issue(t, 7)
	require.Len(t, kit.Doses, 7)
	for _, d := range kit.Doses {
		f.scan(t, d, home)
	}
	ctx := context.Background()

	a, err := f.risk.AssessPatient(ctx, "pat-1")
	require.NoError(t, err)
	assert.Equal(t, 7, a.TotalScans)
	assert.Equal(t, takehome.SeverityLow, a.RiskLevel)
	assert.Equal(t, "maintain current phase", a.TakehomeRecommendation)

	hs, err := f.store.ListHoldsByPatient(ctx, "pat-1")
	require.NoError(t, err)
	assert.Empty(t, takehome.OpenHolds(hs))
	alerts, err := f.store.ListAlertsByPatient(ctx, "pat-1", takehome.TimeRange{})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	list, err := f.risk.ListAssessments(ctx, "pat-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}

func TestAssessPatient_LocationRate(t *testing.T) {
	f := newFixture(t)
	kit := f.issue(t, 5)
	// N=5 scans, K=2 outside the geofence
	for i, d := range kit.Doses {
		loc := home
		if i < 2 {
			loc = away
		}
		f.scan(t, d, loc)
	}

	a, err := f.risk.AssessPatient(context.Background(), "pat-1")
	require.NoError(t, err)
	assert.Equal(t, 5, a.TotalScans)
	assert.InDelta(t, 3.0/5.0, a.LocationComplianceRate, 1e-9)
	assert.InDelta(t, 1.0, a.TimeComplianceRate, 1e-9)
	// 0.3*0.6 + 0.2 + 0.3 + 0.2 = 0.88
	assert.InDelta(t, 0.88, a.ComplianceScore, 1e-9)
	assert.Equal(t, takehome.SeverityMedium, a.RiskLevel)
}

func TestAssessPatient_OpenHoldLiftsLow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx takehome.Tx) error {
		_, err := holds.Open(ctx, tx, holds.OpenHoldRequest{
			PatientID: "pat-1", ReasonCode: takehome.HoldReasonManual, OpenedBy: "dr-1",
		}, start)
		return err
	}))

	a, err := f.risk.AssessPatient(ctx, "pat-1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.OpenHolds)
	assert.InDelta(t, 1.0, a.ComplianceScore, 1e-9)
	assert.Equal(t, takehome.SeverityMedium, a.RiskLevel)
}

func TestAssessPatient_LookbackExcludesOldScans(t *testing.T) {
	f := newFixture(t)
	kit := f.issue(t, 2)
	f.scan(t, kit.Doses[0], away)
	f.scan(t, kit.Doses[1], home)

	// 31 days after day 2 both scans are out of the window
	f.risk.now = func() time.Time { return start.AddDate(0, 0, 32) }
	a, err := f.risk.AssessPatient(context.Background(), "pat-1")
	require.NoError(t, err)
	assert.Zero(t, a.TotalScans)
	assert.Equal(t, takehome.SeverityLow, a.RiskLevel)
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	kit := f.issue(t, 3)
	f.scan(t, kit.Doses[0], home)
	f.scan(t, kit.Doses[1], away)
	ctx := context.Background()
	_, err := f.risk.AssessPatient(ctx, "pat-1")
	require.NoError(t, err)

	s, err := f.risk.Summary(ctx, "pat-1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Orders[takehome.OrderActive])
	assert.Equal(t, 1, s.Doses[takehome.DoseConsumed])
	assert.Equal(t, 2, s.Doses[takehome.DoseDispensed])
	assert.Equal(t, 1, s.ScansSucceeded)
	assert.Equal(t, 1, s.ScansFailed)
	assert.Equal(t, 1, s.OpenAlerts)
	assert.Zero(t, s.OpenHolds)
	require.NotNil(t, s.LatestRisk)
}

func TestNewEngine_RejectsInvalidPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.LookbackDays = 0
	_, err := NewEngine(memory.New(), p, nil, nil)
	assert.Error(t, err)
}
