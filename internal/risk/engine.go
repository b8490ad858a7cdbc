package risk

import (
	"context"
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

// Engine computes risk assessments
type Engine struct {
	store   takehome.Store
	policy  Policy
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewEngine creates a risk engine. The policy is validated once here.
func NewEngine(store takehome.Store, policy Policy, m *metrics.Metrics, logger *zap.Logger) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		policy:  policy,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("risk"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Policy returns the engine's scoring policy
func (e *Engine) Policy() Policy { return e.policy }

// AssessPatient scores the patient's scans and returns over the lookback window
// and stores the result as a new assessment.
func (e *Engine) AssessPatient(ctx context.Context, patientID string) (*takehome.RiskAssessment, error) {
	ctx, span := e.tracer.Start(ctx, "risk.AssessPatient",
		trace.WithAttributes(attribute.String("patient_id", patientID)),
	)
	defer span.End()

	if strings.TrimSpace(patientID) == "" {
		return nil, takehome.Invalid("patient_id", "is required")
	}

	now := e.now()
	window := takehome.TimeRange{From: now.AddDate(0, 0, -e.policy.LookbackDays)}

	var assessment *takehome.RiskAssessment
	err := takehome.Atomically(ctx, e.store, func(ctx context.Context, tx takehome.Tx) error {
		scans, err := tx.ListScansByPatient(ctx, patientID, window)
		if err != nil {
			return fmt.Errorf("list scans: %w", err)
		}
		returns, err := tx.ListReturnsByPatient(ctx, patientID, window)
		if err != nil {
			return fmt.Errorf("list returns: %w", err)
		}
		hs, err := tx.ListHoldsByPatient(ctx, patientID)
		if err != nil {
			return fmt.Errorf("list holds: %w", err)
		}

		assessment = e.assess(patientID, scans, returns, len(takehome.OpenHolds(hs)), now, window.From)
		if err := tx.InsertAssessment(ctx, assessment); err != nil {
			return fmt.Errorf("insert assessment: %w", err)
		}
		return takehome.Emit(ctx, tx, takehome.AggregateRisk, assessment.ID, takehome.EventRiskAssessed, patientID, assessment)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.metrics.RiskAssessed(string(assessment.RiskLevel))
	e.logger.Info("risk assessed",
		zap.String("assessment_id", assessment.ID),
		zap.String("patient_id", patientID),
		zap.Float64("score", assessment.ComplianceScore),
		zap.String("risk_level", string(assessment.RiskLevel)),
		zap.String("policy_version", assessment.PolicyVersion),
	)
	return assessment, nil
}

func (e *Engine) assess(patientID string, scans []*takehome.VerificationScan, returns []*takehome.ReturnRecord, openHolds int, now, from time.Time) *takehome.RiskAssessment {
	var inFence, inWindow, bioOK int
	for _, s := range scans {
		if s.WithinGeofence {
			inFence++
		}
		if s.WithinWindow {
			inWindow++
		}
		if s.BiometricPassed {
			bioOK++
		}
	}
	intact := 0
	for _, r := range returns {
		if r.Outcome == takehome.ReturnOK {
			intact++
		}
	}

	rates := Rates{
		Location:  rate(inFence, len(scans)),
		Time:      rate(inWindow, len(scans)),
		Biometric: rate(bioOK, len(scans)),
		Returns:   rate(intact, len(returns)),
	}
	score := e.policy.Score(rates)
	level := e.policy.Level(score)
	if level == takehome.SeverityLow && openHolds > 0 {
		level = takehome.SeverityMedium
	}

	return &takehome.RiskAssessment{
		ID:                     ids.New(),
		PatientID:              patientID,
		AssessedAt:             now,
		LookbackStart:          from,
		PolicyVersion:          e.policy.Version,
		TotalScans:             len(scans),
		LocationComplianceRate: rates.Location,
		TimeComplianceRate:     rates.Time,
		BiometricSuccessRate:   rates.Biometric,
		TotalReturns:           len(returns),
		ReturnIntegrityRate:    rates.Returns,
		OpenHolds:              openHolds,
		ComplianceScore:        score,
		RiskLevel:              level,
		TakehomeRecommendation: e.policy.Recommendation(level),
	}
}

// ListAssessments returns a patient's assessments, oldest first
func (e *Engine) ListAssessments(ctx context.Context, patientID string) ([]*takehome.RiskAssessment, error) {
	return e.store.ListAssessmentsByPatient(ctx, patientID)
}
