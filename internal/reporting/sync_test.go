package reporting

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/store/memory"
	"github.com/otpcare/takehome/pkg/circuitbreaker"
)

func newAlert(id string, sev takehome.Severity) *takehome.ComplianceAlert {
	return &takehome.ComplianceAlert{
		ID:        id,
		PatientID: "pat-1",
		Type:      takehome.AlertBiometricFailure,
		Severity:  sev,
		Status:    takehome.AlertOpen,
		CreatedAt: time.Now().UTC(),
	}
}

func TestSource_Qualifies(t *testing.T) {
	assert.False(t, FromAlert(newAlert("a", takehome.SeverityMedium)).Qualifies())
	assert.True(t, FromAlert(newAlert("a", takehome.SeverityHigh)).Qualifies())
	assert.True(t, FromAlert(newAlert("a", takehome.SeverityCritical)).Qualifies())

	assert.False(t, FromReturn(&takehome.ReturnRecord{Outcome: takehome.ReturnOK}).Qualifies())
	assert.False(t, FromReturn(&takehome.ReturnRecord{Outcome: takehome.ReturnDamaged}).Qualifies())
	assert.True(t, FromReturn(&takehome.ReturnRecord{Outcome: takehome.ReturnTampered}).Qualifies())
	assert.True(t, FromReturn(&takehome.ReturnRecord{Outcome: takehome.ReturnMissing}).Qualifies())
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 8*time.Second, cfg.Backoff(4))
	assert.Equal(t, 10*time.Second, cfg.Backoff(9))
}

func TestSync_Lifecycle(t *testing.T) {
	s := NewSync(memory.New(), DefaultConfig(), nil, nil)
	ctx := context.Background()

	report, created, err := s.QueueForReport(ctx, FromAlert(newAlert("alert-1", takehome.SeverityHigh)))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, takehome.SyncPending, report.SyncStatus)
	assert.Contains(t, string(report.Payload), `"event_type":"biometric_failure"`)

	again, created, err := s.QueueForReport(ctx, FromAlert(newAlert("alert-1", takehome.SeverityHigh)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, report.ID, again.ID)

	none, created, err := s.QueueForReport(ctx, FromAlert(newAlert("alert-2", takehome.SeverityLow)))
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.False(t, created)

	_, err = s.MarkSynced(ctx, report.ID, "")
	assert.ErrorIs(t, err, takehome.ErrValidation)

	failed, err := s.MarkFailed(ctx, report.ID, "timeout")
	require.NoError(t, err)
	assert.Equal(t, takehome.SyncFailed, failed.SyncStatus)
	assert.Equal(t, 1, failed.Attempts)
	require.NotNil(t, failed.NextAttemptAt)

	failed, err = s.MarkFailed(ctx, report.ID, "timeout")
	require.NoError(t, err)
	assert.Equal(t, 2, failed.Attempts)

	listed, err := s.List(ctx, takehome.ReportFilter{Statuses: []takehome.SyncStatus{takehome.SyncFailed}})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	retried, err := s.Retry(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, takehome.SyncPending, retried.SyncStatus)
	assert.Nil(t, retried.NextAttemptAt)

	_, err = s.Retry(ctx, report.ID)
	assert.ErrorIs(t, err, takehome.ErrInvalidState)

	synced, err := s.MarkSynced(ctx, report.ID, "DEA-0001")
	require.NoError(t, err)
	assert.Equal(t, takehome.SyncSynced, synced.SyncStatus)
	assert.Equal(t, "DEA-0001", synced.ReferenceNumber)

	_, err = s.MarkFailed(ctx, report.ID, "late")
	assert.ErrorIs(t, err, takehome.ErrInvalidState)
}

func TestSync_AcknowledgeDeferred(t *testing.T) {
	s := NewSync(memory.New(), DefaultConfig(), nil, nil)
	ctx := context.Background()

	report, _, err := s.QueueForReport(ctx, FromReturn(&takehome.ReturnRecord{
		ID: "ret-1", PatientID: "pat-1", Outcome: takehome.ReturnTampered, ReceivedAt: time.Now(),
	}))
	require.NoError(t, err)
	assert.Equal(t, takehome.SeverityCritical, report.Severity)
	assert.Equal(t, "return_tampered", report.EventType)

	submitted, err := s.MarkSubmitted(ctx, report.ID)
	require.NoError(t, err)
	require.NotNil(t, submitted.SubmittedAt)

	due, err := s.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.Acknowledge(ctx, Acknowledgement{ReportID: report.ID, Accepted: true, ReferenceNumber: "DEA-9"}))
	require.NoError(t, s.Acknowledge(ctx, Acknowledgement{ReportID: report.ID, Accepted: true, ReferenceNumber: "DEA-9"}))

	got, err := s.Get(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, takehome.SyncSynced, got.SyncStatus)
}

func TestSync_LostAcknowledgementIsResubmitted(t *testing.T) {
	s := NewSync(memory.New(), DefaultConfig(), nil, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	report, _, err := s.QueueForReport(ctx, FromAlert(newAlert("alert-1", takehome.SeverityCritical)))
	require.NoError(t, err)
	_, err = s.MarkSubmitted(ctx, report.ID)
	require.NoError(t, err)

	n, err := s.ExpireDeferred(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "acknowledgement is not overdue yet")

	now = now.Add(7 * 24 * time.Hour)
	n, err = s.ExpireDeferred(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, takehome.SyncFailed, got.SyncStatus)
	assert.Equal(t, "acknowledgement timed out", got.LastError)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.SubmittedAt)

	now = now.Add(time.Hour)
	due, err := s.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, report.ID, due[0].ID)
}

func TestSync_RetryDeferredReport(t *testing.T) {
	s := NewSync(memory.New(), DefaultConfig(), nil, nil)
	ctx := context.Background()

	report, _, err := s.QueueForReport(ctx, FromAlert(newAlert("alert-1", takehome.SeverityHigh)))
	require.NoError(t, err)
	_, err = s.Retry(ctx, report.ID)
	assert.ErrorIs(t, err, takehome.ErrInvalidState, "a report never submitted is already due")

	_, err = s.MarkSubmitted(ctx, report.ID)
	require.NoError(t, err)
	retried, err := s.Retry(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, takehome.SyncPending, retried.SyncStatus)
	assert.Nil(t, retried.SubmittedAt)

	due, err := s.Due(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

type fakeChannel struct {
	mu    sync.Mutex
	acks  map[string]Ack
	errs  map[string]error
	calls int
}

func (f *fakeChannel) Submit(_ context.Context, r *takehome.DiversionReport) (Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	src := r.SourceID()
	if err, ok := f.errs[src]; ok {
		return Ack{}, err
	}
	return f.acks[src], nil
}

func TestRelay_Dispatch(t *testing.T) {
	s := NewSync(memory.New(), DefaultConfig(), nil, nil)
	ctx := context.Background()
	for _, id := range []string{"ok", "deferred", "rejected", "down"} {
		_, _, err := s.QueueForReport(ctx, FromAlert(newAlert(id, takehome.SeverityHigh)))
		require.NoError(t, err)
	}

	ch := &fakeChannel{
		acks: map[string]Ack{
			"ok":       {Status: AckAccepted, ReferenceNumber: "DEA-1"},
			"deferred": {Status: AckDeferred},
			"rejected": {Status: AckRejected, Reason: "missing DEA number"},
		},
		errs: map[string]error{
			"down": &takehome.ExternalSyncError{Reason: "unreachable", Err: errors.New("connection refused")},
		},
	}
	cfg := DefaultRelayConfig()
	cfg.RetryDelay = time.Millisecond
	relay := NewRelay(s, ch, nil, cfg, nil, nil)

	res, err := relay.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Attempted: 4, Synced: 1, Deferred: 1, Failed: 2}, res)

	failed, err := s.List(ctx, takehome.ReportFilter{Statuses: []takehome.SyncStatus{takehome.SyncFailed}})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	// failed reports wait out their backoff; the deferred one waits for its acknowledgement
	res, err = relay.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)

	// the acknowledgement never arrives: the deferred report is failed and rescheduled
	s.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
	res, err = relay.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted, "only the backed-off failures are resubmitted in this pass")

	failed, err = s.List(ctx, takehome.ReportFilter{Statuses: []takehome.SyncStatus{takehome.SyncFailed}})
	require.NoError(t, err)
	reasons := map[string]string{}
	for _, r := range failed {
		reasons[r.SourceID()] = r.LastError
	}
	assert.Equal(t, "acknowledgement timed out", reasons["deferred"])
	assert.Len(t, reasons, 3)
}

func TestRelay_OpenBreakerFailsFast(t *testing.T) {
	s := NewSync(memory.New(), DefaultConfig(), nil, nil)
	ctx := context.Background()
	_, _, err := s.QueueForReport(ctx, FromAlert(newAlert("down", takehome.SeverityCritical)))
	require.NoError(t, err)

	bcfg := circuitbreaker.DefaultConfig("regulatory")
	bcfg.FailureThreshold = 1
	cb, err := circuitbreaker.New(bcfg, nil)
	require.NoError(t, err)
	_, _ = circuitbreaker.Do(ctx, cb, func(context.Context) (int, error) { return 0, errors.New("trip") })
	require.True(t, cb.IsOpen())

	ch := &fakeChannel{}
	relay := NewRelay(s, ch, cb, DefaultRelayConfig(), nil, nil)
	res, err := relay.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, ch.calls)
}

func TestHTTPChannel_Submit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Header.Get("Idempotency-Key") {
		case "accept":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"reference_number":"DEA-77"}`))
		case "defer":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{}`))
		case "reject":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"reason":"unknown registrant"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	cfg := DefaultChannelConfig()
	cfg.BaseURL = srv.URL
	cfg.RetryCount = 0
	ch := NewHTTPChannel(cfg, nil)
	ctx := context.Background()
	payload := []byte(`{"event_type":"tamper"}`)

	ack, err := ch.Submit(ctx, &takehome.DiversionReport{ID: "accept", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, Ack{Status: AckAccepted, ReferenceNumber: "DEA-77"}, ack)

	ack, err = ch.Submit(ctx, &takehome.DiversionReport{ID: "defer", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, AckDeferred, ack.Status)

	ack, err = ch.Submit(ctx, &takehome.DiversionReport{ID: "reject", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, AckRejected, ack.Status)
	assert.Equal(t, "unknown registrant", ack.Reason)

	_, err = ch.Submit(ctx, &takehome.DiversionReport{ID: "boom", Payload: payload})
	assert.ErrorIs(t, err, takehome.ErrExternalSync)
}

func TestExportWorkbook(t *testing.T) {
	synced := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	data, err := ExportWorkbook([]*takehome.DiversionReport{
		{ID: "r1", PatientID: "p1", EventType: "tamper", Severity: takehome.SeverityCritical, SyncStatus: takehome.SyncSynced, ReferenceNumber: "DEA-1", SyncedAt: &synced},
		{ID: "r2", PatientID: "p2", EventType: "return_missing", Severity: takehome.SeverityHigh, SyncStatus: takehome.SyncFailed, Attempts: 3, LastError: "timeout"},
	})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeaders[0], rows[0][0])
	assert.Equal(t, "DEA-1", rows[1][5])
	assert.Equal(t, "2026-04-01T12:00:00Z", rows[1][9])
	assert.Equal(t, "timeout", rows[2][7])
}
