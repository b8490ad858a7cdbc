// Package risk scores a patient's take-home compliance over a lookback window.
package risk

import (
	"fmt"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

// Weights of each compliance dimension in the score
type Weights struct {
	Location  float64 `json:"location" mapstructure:"location"`
	Time      float64 `json:"time" mapstructure:"time"`
	Biometric float64 `json:"biometric" mapstructure:"biometric"`
	Returns   float64 `json:"returns" mapstructure:"returns"`
}

func (w Weights) sum() float64 {
	return w.Location + w.Time + w.Biometric + w.Returns
}

// Thresholds are the minimum scores for each level; anything below High is critical
type Thresholds struct {
	Low    float64 `json:"low" mapstructure:"low"`
	Medium float64 `json:"medium" mapstructure:"medium"`
	High   float64 `json:"high" mapstructure:"high"`
}

// Policy is the versioned scoring configuration. Every assessment records the
// version it was computed with.
type Policy struct {
	Version         string                       `json:"version" mapstructure:"version"`
	LookbackDays    int                          `json:"lookback_days" mapstructure:"lookback_days"`
	Weights         Weights                      `json:"weights" mapstructure:"weights"`
	Thresholds      Thresholds                   `json:"thresholds" mapstructure:"thresholds"`
	Recommendations map[takehome.Severity]string `json:"recommendations" mapstructure:"recommendations"`
}

// DefaultPolicy returns the default scoring policy
func DefaultPolicy() Policy {
	return Policy{
		Version:      "2026.1",
		LookbackDays: 30,
		Weights: Weights{
			Location:  0.30,
			Time:      0.20,
			Biometric: 0.30,
			Returns:   0.20,
		},
		Thresholds: Thresholds{Low: 0.90, Medium: 0.75, High: 0.50},
		Recommendations: map[takehome.Severity]string{
			takehome.SeverityLow:      "maintain current phase",
			takehome.SeverityMedium:   "maintain current phase with increased monitoring",
			takehome.SeverityHigh:     "reduce take-home days",
			takehome.SeverityCritical: "suspend take-home privileges pending counselor review",
		},
	}
}

// Validate checks the policy is usable
func (p Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("risk policy: version is required")
	}
	if p.LookbackDays <= 0 {
		return fmt.Errorf("risk policy: lookback_days must be positive")
	}
	w := p.Weights
	if w.Location < 0 || w.Time < 0 || w.Biometric < 0 || w.Returns < 0 || w.sum() <= 0 {
		return fmt.Errorf("risk policy: weights must be non-negative with a positive sum")
	}
	t := p.Thresholds
	if !(t.Low >= t.Medium && t.Medium >= t.High && t.High >= 0 && t.Low <= 1) {
		return fmt.Errorf("risk policy: thresholds must satisfy 1 >= low >= medium >= high >= 0")
	}
	return nil
}

// Level maps a score to a risk level
func (p Policy) Level(score float64) takehome.Severity {
	switch {
	case score >= p.Thresholds.Low:
		return takehome.SeverityLow
	case score >= p.Thresholds.Medium:
		return takehome.SeverityMedium
	case score >= p.Thresholds.High:
		return takehome.SeverityHigh
	default:
		return takehome.SeverityCritical
	}
}

// Recommendation returns the take-home recommendation for a level
func (p Policy) Recommendation(level takehome.Severity) string {
	if r, ok := p.Recommendations[level]; ok {
		return r
	}
	return DefaultPolicy().Recommendations[level]
}

// Rates are the per-dimension compliance rates, each in [0,1]
type Rates struct {
	Location  float64
	Time      float64
	Biometric float64
	Returns   float64
}

// Score is the weighted mean of the rates
func (p Policy) Score(r Rates) float64 {
	w := p.Weights
	return (w.Location*r.Location + w.Time*r.Time + w.Biometric*r.Biometric + w.Returns*r.Returns) / w.sum()
}

// rate is ok/total, defined as 1 when there is nothing to measure
func rate(ok, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(ok) / float64(total)
}
