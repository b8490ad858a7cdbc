package directory

import (
	"context"
	"sync"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

// Static is an in-memory directory used by tests and local runs
type Static struct {
	mu       sync.RWMutex
	profiles map[string]DosingProfile
	roles    map[string]map[string]bool
}

// NewStatic creates an empty static directory
func NewStatic() *Static {
	return &Static{
		profiles: make(map[string]DosingProfile),
		roles:    make(map[string]map[string]bool),
	}
}

// PutProfile registers or replaces a dosing profile
func (s *Static) PutProfile(p DosingProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.PatientID] = p
}

// Grant gives staffID the role
func (s *Static) Grant(staffID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[staffID] == nil {
		s.roles[staffID] = make(map[string]bool)
	}
	s.roles[staffID][role] = true
}

func (s *Static) DosingProfile(_ context.Context, patientID string) (*DosingProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[patientID]
	if !ok {
		return nil, takehome.NotFoundf("dosing profile for patient %s", patientID)
	}
	return &p, nil
}

func (s *Static) HasRole(_ context.Context, staffID, role string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[staffID][role], nil
}
