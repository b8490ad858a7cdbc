package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otpcare/takehome/internal/directory"
	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/holds"
	"github.com/otpcare/takehome/internal/order"
	"github.com/otpcare/takehome/internal/reporting"
	"github.com/otpcare/takehome/internal/returns"
	"github.com/otpcare/takehome/internal/risk"
	"github.com/otpcare/takehome/internal/store/memory"
	"github.com/otpcare/takehome/internal/verification"
	"github.com/otpcare/takehome/pkg/idempotency"
)

// start sits inside the risk lookback so assessments see the scans
var start = takehome.DateOf(time.Now().UTC()).AddDate(0, 0, -5)

// memoryDedup keeps finished results in process
type memoryDedup struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	calls   int
}

func (d *memoryDedup) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if r, ok := d.results[key]; ok {
		return &idempotency.ProcessResult{Result: r}, nil
	}
	r, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	d.results[key] = r
	return &idempotency.ProcessResult{IsNew: true, Result: r}, nil
}

type apiFixture struct {
	server *httptest.Server
	dedup  *memoryDedup
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	store := memory.New()
	dir := directory.NewStatic()
	dir.PutProfile(directory.DosingProfile{
		PatientID:   "pat-1",
		Location:    takehome.Location{Lat: 39.9526, Lng: -75.1652},
		WindowStart: 7 * 60,
		WindowEnd:   9 * 60,
		TimeZone:    "UTC",
	})
	dir.Grant("counselor-1", directory.RoleCounselor)

	riskEngine, err := risk.NewEngine(store, risk.DefaultPolicy(), nil, nil)
	require.NoError(t, err)
	dedup := &memoryDedup{results: map[string]json.RawMessage{}}

	h := New(Services{
		Orders:  order.NewManager(store, order.DefaultConfig(), nil, nil),
		Scans:   verification.NewEngine(store, dir, verification.DefaultPolicy(), nil, nil),
		Returns: returns.NewInspector(store, nil, nil),
		Holds:   holds.NewManager(store, dir, nil, nil),
		Risk:    riskEngine,
		Reports: reporting.NewSync(store, reporting.DefaultConfig(), nil, nil),
		Dedup:   dedup,
	}, nil)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &apiFixture{server: srv, dedup: dedup}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *apiFixture) issueKit(t *testing.T, days int) *takehome.Kit {
	t.Helper()
	var o takehome.Order
	resp := f.do(t, http.MethodPost, "/orders", map[string]any{
		"patient_id":    "pat-1",
		"days_supply":   days,
		"risk_tier":     "standard",
		"daily_dose_mg": 80,
		"start_date":    start,
		"created_by":    "dr-1",
	}, &o)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var kit takehome.Kit
	resp = f.do(t, http.MethodPost, "/orders/"+o.ID+"/kits", map[string]any{"issued_by": "nurse-1"}, &kit)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, kit.Doses, days)
	return &kit
}

func scanBody(lat float64, day int) map[string]any {
	return map[string]any{
		"observed_location": map[string]float64{"lat": lat, "lng": -75.1652},
		"observed_at":       start.AddDate(0, 0, day-1).Add(8 * time.Hour),
		"biometric":         map[string]any{"matched": true, "confidence": 0.95},
		"device_id":         "phone-1",
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{takehome.Invalid("x", "bad"), http.StatusBadRequest},
		{takehome.NotFoundf("dose %s", "d"), http.StatusNotFound},
		{takehome.InvalidStatef("returned"), http.StatusConflict},
		{fmt.Errorf("wrap: %w", takehome.ErrConflict), http.StatusConflict},
		{&takehome.HoldBlockedError{PatientID: "p"}, http.StatusLocked},
		{&takehome.ExternalSyncError{ReportID: "r"}, http.StatusBadGateway},
		{takehome.Forbiddenf("nope"), http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}
}

func TestAPI_ScanConsumesDose(t *testing.T) {
	f := newAPI(t)
	kit := f.issueKit(t, 3)
	dose := kit.Doses[0]

	var res verification.ScanResult
	resp := f.do(t, http.MethodPost, "/doses/"+dose.ID+"/scans", scanBody(39.9526, 1), &res)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, takehome.VerificationSuccess, res.Scan.Status)
	assert.Equal(t, takehome.DoseConsumed, res.Dose.Status)

	var scans []*takehome.VerificationScan
	f.do(t, http.MethodGet, "/doses/"+dose.ID+"/scans", nil, &scans)
	assert.Len(t, scans, 1)
}

func TestAPI_RetriedScanIsReplayed(t *testing.T) {
	f := newAPI(t)
	kit := f.issueKit(t, 3)
	dose := kit.Doses[1]

	var first, second verification.ScanResult
	resp := f.do(t, http.MethodPost, "/doses/"+dose.ID+"/scans", scanBody(39.9540, 2), &first)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotNil(t, first.Alert)

	resp = f.do(t, http.MethodPost, "/doses/"+dose.ID+"/scans", scanBody(39.9540, 2), &second)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, first.Scan.ID, second.Scan.ID)

	var scans []*takehome.VerificationScan
	f.do(t, http.MethodGet, "/doses/"+dose.ID+"/scans", nil, &scans)
	assert.Len(t, scans, 1, "the replay stored nothing")

	var alerts []*takehome.ComplianceAlert
	f.do(t, http.MethodGet, "/patients/pat-1/alerts", nil, &alerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, takehome.AlertLocationViolation, alerts[0].Type)
	assert.Equal(t, takehome.SeverityMedium, alerts[0].Severity)
}

func TestAPI_ErrorKinds(t *testing.T) {
	f := newAPI(t)

	var e errorResponse
	resp := f.do(t, http.MethodPost, "/orders", map[string]any{"patient_id": "pat-1", "days_supply": 0}, &e)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", e.Kind)
	assert.Equal(t, "days_supply", e.Field)

	resp = f.do(t, http.MethodPost, "/orders", map[string]any{"unknown": true}, &e)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/orders/nope", nil, &e)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", e.Kind)

	resp = f.do(t, http.MethodGet, "/patients/pat-1/alerts?from=yesterday", nil, &e)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/reports?status=lost", nil, &e)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_HoldLifecycle(t *testing.T) {
	f := newAPI(t)

	var hold takehome.ComplianceHold
	resp := f.do(t, http.MethodPost, "/holds", map[string]any{
		"patient_id":                   "pat-1",
		"reason_code":                  "manual",
		"requires_counselor_clearance": true,
		"opened_by":                    "nurse-1",
	}, &hold)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var e errorResponse
	resp = f.do(t, http.MethodPost, "/orders", map[string]any{
		"patient_id":    "pat-1",
		"days_supply":   3,
		"risk_tier":     "standard",
		"daily_dose_mg": 80,
		"created_by":    "dr-1",
	}, &e)
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, "hold_blocked", e.Kind)
	assert.Equal(t, []string{hold.ID}, e.HoldIDs)

	resp = f.do(t, http.MethodPost, "/holds/"+hold.ID+"/clear", map[string]any{"cleared_by": "nurse-1", "notes": "ok"}, &e)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var cleared takehome.ComplianceHold
	resp = f.do(t, http.MethodPost, "/holds/"+hold.ID+"/clear", map[string]any{"cleared_by": "counselor-1", "notes": "reviewed"}, &cleared)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, takehome.HoldCleared, cleared.Status)

	resp = f.do(t, http.MethodPost, "/holds/"+hold.ID+"/clear", map[string]any{"cleared_by": "counselor-1"}, &e)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var open []*takehome.ComplianceHold
	f.do(t, http.MethodGet, "/patients/pat-1/holds?open=true", nil, &open)
	assert.Empty(t, open)
}

func TestAPI_TamperedReturnIsReported(t *testing.T) {
	f := newAPI(t)
	kit := f.issueKit(t, 2)

	var res returns.IntakeResult
	resp := f.do(t, http.MethodPost, "/returns", map[string]any{
		"bottle_uid":          kit.Doses[0].BottleUID,
		"seal_intact":         false,
		"residue_estimate_ml": 0,
		"outcome":             "ok",
		"received_by":         "nurse-2",
	}, &res)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, takehome.ReturnTampered, res.Return.Outcome)
	require.NotNil(t, res.Hold)

	var reports []*takehome.DiversionReport
	f.do(t, http.MethodGet, "/reports?status=pending&patient_id=pat-1", nil, &reports)
	require.Len(t, reports, 2)

	var synced takehome.DiversionReport
	resp = f.do(t, http.MethodPost, "/reports/"+reports[0].ID+"/synced", map[string]string{"reference_number": "DEA-1"}, &synced)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, takehome.SyncSynced, synced.SyncStatus)

	var failed takehome.DiversionReport
	resp = f.do(t, http.MethodPost, "/reports/"+reports[1].ID+"/failed", map[string]string{"reason": "timeout"}, &failed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, takehome.SyncFailed, failed.SyncStatus)

	var retried takehome.DiversionReport
	resp = f.do(t, http.MethodPost, "/reports/"+reports[1].ID+"/retry", nil, &retried)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, takehome.SyncPending, retried.SyncStatus)

	var q queueResponse
	resp = f.do(t, http.MethodPost, "/reports", map[string]string{"dose_id": kit.Doses[0].ID}, &q)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, q.Queued)
	assert.False(t, q.Created, "already queued")

	export, err := http.Get(f.server.URL + "/reports/export.xlsx")
	require.NoError(t, err)
	defer export.Body.Close()
	assert.Equal(t, http.StatusOK, export.StatusCode)
	assert.Contains(t, export.Header.Get("Content-Disposition"), ".xlsx")
}

func TestAPI_AssessmentAndSummary(t *testing.T) {
	f := newAPI(t)
	kit := f.issueKit(t, 2)
	for i, d := range kit.Doses {
		resp := f.do(t, http.MethodPost, "/doses/"+d.ID+"/scans", scanBody(39.9526, i+1), nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	var a takehome.RiskAssessment
	resp := f.do(t, http.MethodPost, "/patients/pat-1/assessments", nil, &a)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, takehome.SeverityLow, a.RiskLevel)
	assert.Equal(t, 2, a.TotalScans)

	var s risk.Summary
	resp = f.do(t, http.MethodGet, "/patients/pat-1/summary", nil, &s)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, s.ScansSucceeded)
	assert.Equal(t, 1, s.Orders[takehome.OrderCompleted])
	require.NotNil(t, s.LatestRisk)
	assert.Equal(t, a.ID, s.LatestRisk.ID)
}
