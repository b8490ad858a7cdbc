package directory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

// HTTPConfig configures the patient/staff directory client
type HTTPConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// DefaultHTTPConfig returns default client settings
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:      5 * time.Second,
		RetryCount:   2,
		RetryWait:    200 * time.Millisecond,
		RetryMaxWait: 2 * time.Second,
	}
}

// HTTPClient talks to the clinic's patient and staff directory over REST
type HTTPClient struct {
	client *resty.Client
	logger *zap.Logger
}

var (
	_ Patients = (*HTTPClient)(nil)
	_ Roles    = (*HTTPClient)(nil)
)

// NewHTTPClient creates a directory client
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	// only retry transport failures and 5xx
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})
	return &HTTPClient{client: client, logger: logger}
}

func (c *HTTPClient) DosingProfile(ctx context.Context, patientID string) (*DosingProfile, error) {
	var profile DosingProfile
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", patientID).
		SetResult(&profile).
		Get("/patients/{id}/dosing-profile")
	if err != nil {
		c.logger.Error("directory call failed", zap.String("patient_id", patientID), zap.Error(err))
		return nil, fmt.Errorf("failed to fetch dosing profile: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, takehome.NotFoundf("dosing profile for patient %s", patientID)
	case resp.IsError():
		return nil, fmt.Errorf("directory returned %d for patient %s", resp.StatusCode(), patientID)
	}
	if profile.PatientID == "" {
		profile.PatientID = patientID
	}
	return &profile, nil
}

type roleResponse struct {
	Roles []string `json:"roles"`
}

func (c *HTTPClient) HasRole(ctx context.Context, staffID, role string) (bool, error) {
	var out roleResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", staffID).
		SetResult(&out).
		Get("/staff/{id}/roles")
	if err != nil {
		return false, fmt.Errorf("failed to fetch staff roles: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if resp.IsError() {
		return false, fmt.Errorf("directory returned %d for staff %s", resp.StatusCode(), staffID)
	}
	for _, r := range out.Roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}
