package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

func TestMapError(t *testing.T) {
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", Message: "duplicate key"})
	assert.ErrorIs(t, mapError(dup), takehome.ErrConflict)

	serial := &pgconn.PgError{Code: "40001", Message: "could not serialize"}
	assert.ErrorIs(t, mapError(serial), takehome.ErrConflict)

	other := &pgconn.PgError{Code: "23503", Message: "fk"}
	assert.NotErrorIs(t, mapError(other), takehome.ErrConflict)

	assert.Nil(t, mapError(nil))
}

func TestNotFound(t *testing.T) {
	assert.ErrorIs(t, notFound(pgx.ErrNoRows, "dose %s", "d1"), takehome.ErrNotFound)
	boom := errors.New("boom")
	assert.Equal(t, boom, notFound(boom, "dose %s", "d1"))
}

func TestRangeClause(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	cond, args := rangeClause("observed_at", takehome.TimeRange{}, []any{"pat-1"})
	assert.Empty(t, cond)
	assert.Len(t, args, 1)

	cond, args = rangeClause("observed_at", takehome.TimeRange{From: from, To: to}, []any{"pat-1"})
	assert.Equal(t, " and observed_at >= $2 and observed_at < $3", cond)
	assert.Equal(t, []any{"pat-1", from, to}, args)
}

func TestReportQuery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sql, args := reportQuery(takehome.ReportFilter{
		Statuses:  []takehome.SyncStatus{takehome.SyncPending, takehome.SyncFailed},
		PatientID: "pat-1",
		DueBefore: now,
		Limit:     10,
	})
	assert.Contains(t, sql, "patient_id = $1")
	assert.Contains(t, sql, "sync_status = any($2)")
	assert.Contains(t, sql, "(next_attempt_at is null or next_attempt_at <= $3)")
	assert.Contains(t, sql, "limit $4")
	require.Len(t, args, 4)
	assert.Equal(t, []string{"pending", "failed"}, args[1])
}

func TestEntryFromEvent(t *testing.T) {
	e, err := takehome.NewEvent(takehome.AggregateDose, "dose-1", takehome.EventDoseConsumed, "pat-1", map[string]string{"a": "b"})
	require.NoError(t, err)

	entry, err := entryFromEvent(e, "takehome.events")
	require.NoError(t, err)
	assert.Equal(t, "pat-1", entry.KafkaKey)
	assert.Equal(t, "takehome.events", entry.KafkaTopic)
	assert.Equal(t, string(takehome.EventDoseConsumed), entry.EventType)

	var decoded takehome.Event
	require.NoError(t, json.Unmarshal(entry.Payload, &decoded))
	assert.Equal(t, "dose-1", decoded.AggregateID)

	e.PatientID = ""
	entry, err = entryFromEvent(e, "takehome.events")
	require.NoError(t, err)
	assert.Equal(t, "dose-1", entry.KafkaKey)
}
