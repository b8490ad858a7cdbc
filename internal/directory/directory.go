// Package directory holds the external patient and staff collaborators:
// dosing profiles for verification and role lookups for hold clearance.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

// RoleCounselor is the role allowed to clear counselor-gated holds
const RoleCounselor = "counselor"

// DosingProfile is the patient's registered dosing location and daily window
type DosingProfile struct {
	PatientID string            `json:"patient_id"`
	Location  takehome.Location `json:"location"`
	// WindowStart and WindowEnd are minutes after local midnight, inclusive
	WindowStart int    `json:"window_start_minute"`
	WindowEnd   int    `json:"window_end_minute"`
	TimeZone    string `json:"time_zone"`
}

// Validate checks the profile is usable for verification
func (p *DosingProfile) Validate() error {
	if p.PatientID == "" {
		return takehome.Invalid("patient_id", "is required")
	}
	if p.WindowStart < 0 || p.WindowEnd >= 24*60 || p.WindowStart > p.WindowEnd {
		return takehome.Invalid("window", fmt.Sprintf("invalid dosing window [%d,%d]", p.WindowStart, p.WindowEnd))
	}
	if _, err := p.Zone(); err != nil {
		return takehome.Invalid("time_zone", err.Error())
	}
	return nil
}

// Zone resolves the patient's time zone, defaulting to UTC
func (p *DosingProfile) Zone() (*time.Location, error) {
	if p.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.TimeZone)
}

// Patients resolves dosing profiles. Unknown patients yield takehome.ErrNotFound.
type Patients interface {
	DosingProfile(ctx context.Context, patientID string) (*DosingProfile, error)
}

// Roles answers staff role questions
type Roles interface {
	HasRole(ctx context.Context, staffID, role string) (bool, error)
}
