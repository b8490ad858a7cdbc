package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

// AckStatus is the regulator's immediate verdict on a submission
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckRejected AckStatus = "rejected"
	// AckDeferred means the submission was received and a reference will follow asynchronously
	AckDeferred AckStatus = "deferred"
)

// Ack is the channel's answer to a submission
type Ack struct {
	Status          AckStatus `json:"status"`
	ReferenceNumber string    `json:"reference_number,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// Channel submits diversion reports to the regulatory system. A returned error
// means the channel could not be reached; rejections come back as an Ack.
type Channel interface {
	Submit(ctx context.Context, report *takehome.DiversionReport) (Ack, error)
}

// ChannelConfig configures the HTTP regulatory channel
type ChannelConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// DefaultChannelConfig returns default channel settings
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Timeout:      10 * time.Second,
		RetryCount:   2,
		RetryWait:    500 * time.Millisecond,
		RetryMaxWait: 5 * time.Second,
	}
}

// HTTPChannel posts reports to the regulator's REST endpoint
type HTTPChannel struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPChannel creates the regulatory HTTP client
func NewHTTPChannel(cfg ChannelConfig, logger *zap.Logger) *HTTPChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests
	})
	return &HTTPChannel{client: client, logger: logger}
}

// Submit posts the report payload. The report id doubles as the regulator's
// idempotency key so resubmissions are safe.
func (c *HTTPChannel) Submit(ctx context.Context, report *takehome.DiversionReport) (Ack, error) {
	var ack Ack
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", report.ID).
		SetBody(json.RawMessage(report.Payload)).
		SetResult(&ack).
		SetError(&ack).
		Post("/diversion-reports")
	if err != nil {
		c.logger.Error("regulatory channel call failed", zap.String("report_id", report.ID), zap.Error(err))
		return Ack{}, &takehome.ExternalSyncError{ReportID: report.ID, Reason: "unreachable", Err: err}
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusAccepted:
		ack.Status = AckDeferred
		return ack, nil
	case code >= 200 && code < 300:
		if ack.ReferenceNumber == "" {
			return Ack{}, &takehome.ExternalSyncError{ReportID: report.ID, Reason: "acknowledgement without reference number"}
		}
		ack.Status = AckAccepted
		return ack, nil
	case code == http.StatusBadRequest || code == http.StatusConflict || code == http.StatusUnprocessableEntity:
		ack.Status = AckRejected
		if ack.Reason == "" {
			ack.Reason = fmt.Sprintf("rejected with status %d", code)
		}
		return ack, nil
	default:
		return Ack{}, &takehome.ExternalSyncError{ReportID: report.ID, Reason: fmt.Sprintf("unexpected status %d", code)}
	}
}
