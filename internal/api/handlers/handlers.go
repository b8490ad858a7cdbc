// Package handlers exposes the take-home services as a JSON HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/api/middleware"
	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/holds"
	"github.com/otpcare/takehome/internal/order"
	"github.com/otpcare/takehome/internal/reporting"
	"github.com/otpcare/takehome/internal/returns"
	"github.com/otpcare/takehome/internal/risk"
	"github.com/otpcare/takehome/internal/verification"
	"github.com/otpcare/takehome/pkg/idempotency"
)

// maxBody bounds request bodies
const maxBody = 1 << 20

// Deduplicator replays the stored result of an already processed submission
type Deduplicator interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Services are the domain services behind the API
type Services struct {
	Orders  *order.Manager
	Scans   *verification.Engine
	Returns *returns.Inspector
	Holds   *holds.Manager
	Risk    *risk.Engine
	Reports *reporting.Sync
	// Dedup is optional; without it retried submissions are evaluated again
	Dedup Deduplicator
}

// Handler serves /api/v1
type Handler struct {
	svc    Services
	logger *zap.Logger
}

// New creates the API handler
func New(svc Services, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes returns the API router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/kits", h.issueKit)
	r.Get("/orders/{id}/kits", h.listKits)
	r.Get("/kits/{id}", h.getKit)

	r.Post("/doses/{id}/scans", h.recordScan)
	r.Get("/doses/{id}/scans", h.listScans)
	r.Get("/doses/{id}/return", h.getReturn)
	r.Post("/returns", h.intakeReturn)

	r.Post("/holds", h.openHold)
	r.Post("/holds/{id}/clear", h.clearHold)
	r.Post("/alerts/{id}/resolve", h.resolveAlert)

	r.Route("/patients/{id}", func(r chi.Router) {
		r.Get("/orders", h.listOrders)
		r.Get("/holds", h.listHolds)
		r.Get("/alerts", h.listAlerts)
		r.Get("/returns", h.listReturns)
		r.Post("/assessments", h.assessPatient)
		r.Get("/assessments", h.listAssessments)
		r.Get("/summary", h.summary)
	})

	r.Post("/reports", h.queueReport)
	r.Get("/reports", h.listReports)
	r.Get("/reports/export.xlsx", h.exportReports)
	r.Get("/reports/{id}", h.getReport)
	r.Post("/reports/{id}/synced", h.markSynced)
	r.Post("/reports/{id}/failed", h.markFailed)
	r.Post("/reports/{id}/retry", h.retryReport)

	return r
}

// errorResponse is the body of every non-2xx reply
type errorResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind"`
	Field   string   `json:"field,omitempty"`
	HoldIDs []string `json:"hold_ids,omitempty"`
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(err error) int {
	switch {
	case errors.Is(err, takehome.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, takehome.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, takehome.ErrInvalidState), errors.Is(err, takehome.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, takehome.ErrHoldBlocked):
		return http.StatusLocked
	case errors.Is(err, takehome.ErrExternalSync):
		return http.StatusBadGateway
	case errors.Is(err, takehome.ErrForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := errorResponse{Error: err.Error(), Kind: takehome.Kind(err)}

	var ve *takehome.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	var hb *takehome.HoldBlockedError
	if errors.As(err, &hb) {
		resp.HoldIDs = hb.HoldIDs
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v, rejecting unknown fields
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return takehome.Invalid("body", fmt.Sprintf("is not valid JSON: %v", err))
	}
	return nil
}

// timeRange parses the optional from/to query parameters (RFC 3339)
func timeRange(r *http.Request) (takehome.TimeRange, error) {
	var tr takehome.TimeRange
	for name, dst := range map[string]*time.Time{"from": &tr.From, "to": &tr.To} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, takehome.Invalid(name, "must be an RFC 3339 timestamp")
		}
		*dst = t
	}
	if !tr.From.IsZero() && !tr.To.IsZero() && !tr.From.Before(tr.To) {
		return tr, takehome.Invalid("from", "must be before to")
	}
	return tr, nil
}

func reportFilter(r *http.Request) (takehome.ReportFilter, error) {
	q := r.URL.Query()
	f := takehome.ReportFilter{PatientID: q.Get("patient_id")}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := takehome.SyncStatus(strings.TrimSpace(s))
			if !st.Valid() {
				return f, takehome.Invalid("status", "must be pending, synced or failed")
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, takehome.Invalid("limit", "must be a positive integer")
		}
		f.Limit = n
	}
	tr, err := timeRange(r)
	if err != nil {
		return f, err
	}
	f.Range = tr
	return f, nil
}

// idempotent runs fn once per key when a deduplicator is configured and
// replays the stored response for repeated keys
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, key, name string, payload any, status int, fn func(ctx context.Context) (any, error)) {
	if h.svc.Dedup == nil || key == "" {
		v, err := fn(r.Context())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, status, v)
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Dedup.Process(r.Context(), key, name, raw, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	switch {
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrDuplicateMessage):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "in_progress"})
		return
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "previously_failed"})
		return
	case err != nil:
		h.writeError(w, r, err)
		return
	}

	if !res.IsNew && !res.WasRecovered {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(res.Result)
}
