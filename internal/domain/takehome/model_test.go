package takehome

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoseAdvanceIsForwardOnly(t *testing.T) {
	now := time.Now().UTC()
	d := &Dose{ID: "d1", Status: DosePrepared}

	require.NoError(t, d.Advance(DoseDispensed, now))
	require.NoError(t, d.Advance(DoseConsumed, now))
	require.NoError(t, d.Advance(DoseReturned, now))

	err := d.Advance(DoseDispensed, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, DoseReturned, d.Status)
}

func TestDoseTransitionTable(t *testing.T) {
	cases := []struct {
		from, to DoseStatus
		ok       bool
	}{
		{DosePrepared, DoseDispensed, true},
		{DosePrepared, DoseConsumed, false},
		{DoseDispensed, DoseConsumed, true},
		{DoseDispensed, DoseMissing, true},
		{DoseConsumed, DoseDispensed, false},
		{DoseConsumed, DoseMissing, false},
		{DoseMissing, DoseReturned, true},
		{DoseReturned, DoseConsumed, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_to_%s", tc.from, tc.to), func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	hold := &HoldBlockedError{PatientID: "p1", HoldIDs: []string{"h1"}}
	sync := &ExternalSyncError{ReportID: "r1", Rejected: true, Reason: "bad payload"}

	assert.True(t, errors.Is(Invalid("days", "must be positive"), ErrValidation))
	assert.True(t, errors.Is(fmt.Errorf("issue kit: %w", hold), ErrHoldBlocked))
	assert.True(t, errors.Is(sync, ErrExternalSync))
	assert.True(t, errors.Is(NotFoundf("dose %s", "x"), ErrNotFound))

	assert.True(t, Retryable(hold))
	assert.True(t, Retryable(sync))
	assert.False(t, Retryable(Invalid("days", "bad")))
	assert.False(t, Retryable(InvalidStatef("nope")))

	assert.Equal(t, "hold_blocked", Kind(hold))
	assert.Equal(t, "external_sync_error", Kind(sync))
	assert.Equal(t, "internal", Kind(errors.New("boom")))
	assert.Contains(t, sync.Error(), "rejected")
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
}

func TestOrderCovers(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	o := &Order{StartDate: start, EndDate: start.AddDate(0, 0, 6)}

	assert.True(t, o.Covers(start))
	assert.True(t, o.Covers(start.AddDate(0, 0, 6).Add(23*time.Hour)))
	assert.False(t, o.Covers(start.AddDate(0, 0, 7)))
	assert.False(t, o.Covers(start.Add(-time.Minute)))
}

func TestTimeRangeContains(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := TimeRange{From: from, To: from.Add(time.Hour)}

	assert.True(t, r.Contains(from))
	assert.False(t, r.Contains(from.Add(time.Hour)))
	assert.True(t, TimeRange{}.Contains(from))
}
