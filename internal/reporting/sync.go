// Package reporting queues qualifying alerts and returns as diversion reports
// and tracks their delivery to the regulatory system.
package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/ids"
	"github.com/otpcare/takehome/internal/observability/metrics"
)

// Source is the alert or return record a report is derived from. Exactly one is set.
type Source struct {
	Alert  *takehome.ComplianceAlert
	Return *takehome.ReturnRecord
}

// FromAlert wraps an alert
func FromAlert(a *takehome.ComplianceAlert) Source { return Source{Alert: a} }

// FromReturn wraps a return record
func FromReturn(r *takehome.ReturnRecord) Source { return Source{Return: r} }

// Qualifies reports whether the source must be reported: alerts of high severity
// or above, and returns classified tampered or missing.
func (s Source) Qualifies() bool {
	switch {
	case s.Alert != nil:
		return s.Alert.Severity.AtLeast(takehome.SeverityHigh)
	case s.Return != nil:
		return s.Return.Outcome == takehome.ReturnTampered || s.Return.Outcome == takehome.ReturnMissing
	}
	return false
}

func (s Source) id() string {
	if s.Alert != nil {
		return s.Alert.ID
	}
	if s.Return != nil {
		return s.Return.ID
	}
	return ""
}

// Payload is the body submitted to the regulatory channel
type Payload struct {
	ReportID   string                 `json:"report_id"`
	PatientID  string                 `json:"patient_id"`
	EventType  string                 `json:"event_type"`
	Severity   takehome.Severity      `json:"severity"`
	OccurredAt time.Time              `json:"occurred_at"`
	DoseID     string                 `json:"dose_id,omitempty"`
	BottleUID  string                 `json:"bottle_uid,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Outcome    takehome.ReturnOutcome `json:"return_outcome,omitempty"`
	SealIntact *bool                  `json:"seal_intact,omitempty"`
}

func (s Source) build(reportID string) (*takehome.DiversionReport, error) {
	p := Payload{ReportID: reportID}
	report := &takehome.DiversionReport{ID: reportID}
	switch {
	case s.Alert != nil:
		a := s.Alert
		p.PatientID, p.Severity, p.OccurredAt = a.PatientID, a.Severity, a.CreatedAt
		p.EventType = string(a.Type)
		p.DoseID, p.Message = a.DoseID, a.Message
		report.SourceAlertID = a.ID
	case s.Return != nil:
		r := s.Return
		p.PatientID, p.OccurredAt = r.PatientID, r.ReceivedAt
		p.EventType = "return_" + string(r.Outcome)
		p.Severity = takehome.SeverityHigh
		if r.Outcome == takehome.ReturnTampered {
			p.Severity = takehome.SeverityCritical
		}
		p.DoseID, p.BottleUID, p.Outcome = r.DoseID, r.BottleUID, r.Outcome
		sealed := r.SealIntact
		p.SealIntact = &sealed
		p.Message = r.Notes
		report.SourceReturnID = r.ID
	default:
		return nil, takehome.Invalid("source", "alert or return is required")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal report payload: %w", err)
	}
	report.PatientID = p.PatientID
	report.EventType = p.EventType
	report.Severity = p.Severity
	report.Payload = body
	return report, nil
}

// Config holds retry scheduling for failed reports
type Config struct {
	// BaseBackoff is the delay before the first retry of a failed report
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential delay
	MaxBackoff time.Duration
	// AckTimeout is how long a deferred report waits for its acknowledgement
	// before it is failed and resubmitted
	AckTimeout time.Duration
}

// DefaultConfig returns the default retry schedule
func DefaultConfig() Config {
	return Config{
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  time.Hour,
		AckTimeout:  24 * time.Hour,
	}
}

// Backoff returns the delay after the given number of failed attempts
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// Sync owns the diversion report lifecycle: pending -> synced, pending|failed -> failed,
// failed -> pending on retry. Reports are never dropped.
type Sync struct {
	store   takehome.Store
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewSync creates the report sync service
func NewSync(store takehome.Store, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Sync {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	return &Sync{
		store:   store,
		config:  cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("reporting"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// QueueInTx creates a pending report for src inside tx. Sources that do not
// qualify return (nil, false, nil); a source that was already queued returns its
// existing report with created=false.
func QueueInTx(ctx context.Context, tx takehome.Tx, src Source, at time.Time) (*takehome.DiversionReport, bool, error) {
	if !src.Qualifies() {
		return nil, false, nil
	}
	existing, err := tx.GetReportBySource(ctx, src.id())
	if err == nil {
		return existing, false, nil
	}
	if !takehome.IsNotFound(err) {
		return nil, false, err
	}

	report, err := src.build(ids.New())
	if err != nil {
		return nil, false, err
	}
	report.SyncStatus = takehome.SyncPending
	report.CreatedAt = at
	report.UpdatedAt = at
	if err := tx.InsertReport(ctx, report); err != nil {
		return nil, false, fmt.Errorf("insert report: %w", err)
	}
	if err := takehome.Emit(ctx, tx, takehome.AggregateReport, report.ID, takehome.EventReportQueued, report.PatientID, report); err != nil {
		return nil, false, fmt.Errorf("emit report queued: %w", err)
	}
	return report, true, nil
}

// QueueForReport queues src in its own transaction
func (s *Sync) QueueForReport(ctx context.Context, src Source) (*takehome.DiversionReport, bool, error) {
	ctx, span := s.tracer.Start(ctx, "reporting.QueueForReport",
		trace.WithAttributes(attribute.String("source_id", src.id())),
	)
	defer span.End()

	var (
		report  *takehome.DiversionReport
		created bool
	)
	err := takehome.Atomically(ctx, s.store, func(ctx context.Context, tx takehome.Tx) error {
		var err error
		report, created, err = QueueInTx(ctx, tx, src, s.now())
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	if created {
		s.metrics.ReportTransition(string(takehome.SyncPending))
		s.logger.Info("diversion report queued",
			zap.String("report_id", report.ID),
			zap.String("patient_id", report.PatientID),
			zap.String("event_type", report.EventType),
		)
	}
	return report, created, nil
}

// QueueSource loads the alert or return by id and queues it. Exactly one id must be given.
func (s *Sync) QueueSource(ctx context.Context, alertID, returnDoseID string) (*takehome.DiversionReport, bool, error) {
	switch {
	case alertID != "" && returnDoseID == "":
		a, err := s.store.GetAlert(ctx, alertID)
		if err != nil {
			return nil, false, err
		}
		return s.QueueForReport(ctx, FromAlert(a))
	case returnDoseID != "" && alertID == "":
		r, err := s.store.GetReturnByDose(ctx, returnDoseID)
		if err != nil {
			return nil, false, err
		}
		return s.QueueForReport(ctx, FromReturn(r))
	}
	return nil, false, takehome.Invalid("source", "exactly one of alert_id or dose_id is required")
}

// update applies fn to the report inside a conflict-retried transaction
func (s *Sync) update(ctx context.Context, id string, event takehome.EventType, fn func(r *takehome.DiversionReport, at time.Time) error) (*takehome.DiversionReport, error) {
	var out *takehome.DiversionReport
	err := takehome.Atomically(ctx, s.store, func(ctx context.Context, tx takehome.Tx) error {
		r, err := tx.GetReport(ctx, id)
		if err != nil {
			return err
		}
		at := s.now()
		if err := fn(r, at); err != nil {
			return err
		}
		r.UpdatedAt = at
		if err := tx.UpdateReport(ctx, r); err != nil {
			return err
		}
		out = r
		return takehome.Emit(ctx, tx, takehome.AggregateReport, r.ID, event, r.PatientID, r)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ReportTransition(string(out.SyncStatus))
	return out, nil
}

// MarkSynced records the regulator's acknowledgement reference
func (s *Sync) MarkSynced(ctx context.Context, id, referenceNumber string) (*takehome.DiversionReport, error) {
	if strings.TrimSpace(referenceNumber) == "" {
		return nil, takehome.Invalid("reference_number", "is required")
	}
	r, err := s.update(ctx, id, takehome.EventReportSynced, func(r *takehome.DiversionReport, at time.Time) error {
		if r.SyncStatus == takehome.SyncSynced {
			return takehome.InvalidStatef("report %s is already synced", r.ID)
		}
		r.SyncStatus = takehome.SyncSynced
		r.ReferenceNumber = referenceNumber
		r.SyncedAt = &at
		r.NextAttemptAt = nil
		r.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("diversion report synced", zap.String("report_id", r.ID), zap.String("reference", r.ReferenceNumber))
	return r, nil
}

// MarkFailed records a failed delivery and schedules the next attempt
func (s *Sync) MarkFailed(ctx context.Context, id, reason string) (*takehome.DiversionReport, error) {
	return s.markFailed(ctx, id, reason, nil)
}

func (s *Sync) markFailed(ctx context.Context, id, reason string, guard func(r *takehome.DiversionReport, at time.Time) error) (*takehome.DiversionReport, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, takehome.Invalid("reason", "is required")
	}
	r, err := s.update(ctx, id, takehome.EventReportFailed, func(r *takehome.DiversionReport, at time.Time) error {
		if r.SyncStatus == takehome.SyncSynced {
			return takehome.InvalidStatef("report %s is already synced", r.ID)
		}
		if guard != nil {
			if err := guard(r, at); err != nil {
				return err
			}
		}
		r.SyncStatus = takehome.SyncFailed
		r.Attempts++
		r.LastError = reason
		r.SubmittedAt = nil
		next := at.Add(s.config.Backoff(r.Attempts))
		r.NextAttemptAt = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("diversion report sync failed",
		zap.String("report_id", r.ID),
		zap.Int("attempts", r.Attempts),
		zap.String("reason", reason),
		zap.Timep("next_attempt_at", r.NextAttemptAt),
	)
	return r, nil
}

// Retry returns a failed report, or a deferred one still waiting for its
// acknowledgement, to pending so the next dispatch submits it immediately
func (s *Sync) Retry(ctx context.Context, id string) (*takehome.DiversionReport, error) {
	return s.update(ctx, id, takehome.EventReportRequeued, func(r *takehome.DiversionReport, _ time.Time) error {
		if r.SyncStatus != takehome.SyncFailed && !awaitingAck(r) {
			return takehome.InvalidStatef("report %s is %s, only failed or unacknowledged reports can be retried", r.ID, r.SyncStatus)
		}
		r.SyncStatus = takehome.SyncPending
		r.SubmittedAt = nil
		r.NextAttemptAt = nil
		return nil
	})
}

func awaitingAck(r *takehome.DiversionReport) bool {
	return r.SyncStatus == takehome.SyncPending && r.SubmittedAt != nil
}

// ExpireDeferred fails deferred reports whose acknowledgement has not arrived
// within AckTimeout, which puts them back on the retry schedule.
func (s *Sync) ExpireDeferred(ctx context.Context) (int, error) {
	pending, err := s.store.ListReports(ctx, takehome.ReportFilter{
		Statuses: []takehome.SyncStatus{takehome.SyncPending},
	})
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.config.AckTimeout)
	stale := func(r *takehome.DiversionReport) bool {
		return awaitingAck(r) && !r.SubmittedAt.After(cutoff)
	}

	expired := 0
	for _, r := range pending {
		if !stale(r) {
			continue
		}
		_, err := s.markFailed(ctx, r.ID, "acknowledgement timed out", func(r *takehome.DiversionReport, _ time.Time) error {
			if !stale(r) {
				return takehome.InvalidStatef("report %s is no longer awaiting acknowledgement", r.ID)
			}
			return nil
		})
		if takehome.IsInvalidState(err) {
			// acknowledged in the meantime
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// MarkSubmitted notes that the regulator accepted the report for asynchronous processing
func (s *Sync) MarkSubmitted(ctx context.Context, id string) (*takehome.DiversionReport, error) {
	return s.update(ctx, id, takehome.EventReportSubmitted, func(r *takehome.DiversionReport, at time.Time) error {
		if r.SyncStatus == takehome.SyncSynced {
			return takehome.InvalidStatef("report %s is already synced", r.ID)
		}
		r.SyncStatus = takehome.SyncPending
		r.Attempts++
		r.SubmittedAt = &at
		r.NextAttemptAt = nil
		return nil
	})
}

// Acknowledgement is an asynchronous verdict from the regulatory system
type Acknowledgement struct {
	ReportID        string `json:"report_id"`
	Accepted        bool   `json:"accepted"`
	ReferenceNumber string `json:"reference_number,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Acknowledge applies an asynchronous acknowledgement. Duplicate acceptances are ignored.
func (s *Sync) Acknowledge(ctx context.Context, ack Acknowledgement) error {
	if ack.Accepted {
		_, err := s.MarkSynced(ctx, ack.ReportID, ack.ReferenceNumber)
		if takehome.IsInvalidState(err) {
			s.logger.Debug("ignoring duplicate acknowledgement", zap.String("report_id", ack.ReportID))
			return nil
		}
		return err
	}
	reason := ack.Reason
	if reason == "" {
		reason = "rejected by regulator"
	}
	_, err := s.MarkFailed(ctx, ack.ReportID, reason)
	return err
}

// Get returns one report
func (s *Sync) Get(ctx context.Context, id string) (*takehome.DiversionReport, error) {
	return s.store.GetReport(ctx, id)
}

// List returns reports matching f
func (s *Sync) List(ctx context.Context, f takehome.ReportFilter) ([]*takehome.DiversionReport, error) {
	return s.store.ListReports(ctx, f)
}

// Due returns reports ready for submission: pending ones that have not been
// handed off yet and failed ones whose backoff has elapsed.
func (s *Sync) Due(ctx context.Context, limit int) ([]*takehome.DiversionReport, error) {
	candidates, err := s.store.ListReports(ctx, takehome.ReportFilter{
		Statuses:  []takehome.SyncStatus{takehome.SyncPending, takehome.SyncFailed},
		DueBefore: s.now(),
	})
	if err != nil {
		return nil, err
	}
	var due []*takehome.DiversionReport
	for _, r := range candidates {
		if awaitingAck(r) {
			continue
		}
		due = append(due, r)
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}
