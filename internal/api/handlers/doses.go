package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/otpcare/takehome/internal/returns"
	"github.com/otpcare/takehome/internal/verification"
	"github.com/otpcare/takehome/pkg/idempotency"
)

// Retried device uploads carry the same dose, device and observation time.
// Clients may instead send an explicit Idempotency-Key header.
func (h *Handler) recordScan(w http.ResponseWriter, r *http.Request) {
	var req verification.RecordScanRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.DoseID = chi.URLParam(r, "id")

	key := r.Header.Get("Idempotency-Key")
	if key == "" && req.DeviceID != "" {
		key = idempotency.GenerateKey(req.ObservedAt, "scan", req.DoseID, req.DeviceID)
	}
	h.idempotent(w, r, key, "record_scan", req, http.StatusCreated, func(ctx context.Context) (any, error) {
		return h.svc.Scans.RecordScan(ctx, req)
	})
}

func (h *Handler) listScans(w http.ResponseWriter, r *http.Request) {
	scans, err := h.svc.Scans.ListScans(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

func (h *Handler) intakeReturn(w http.ResponseWriter, r *http.Request) {
	var req returns.IntakeReturnRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" && req.BottleUID != "" {
		key = idempotency.GenerateKey(time.Time{}, "return", req.BottleUID)
	}
	h.idempotent(w, r, key, "intake_return", req, http.StatusCreated, func(ctx context.Context) (any, error) {
		return h.svc.Returns.IntakeReturn(ctx, req)
	})
}

func (h *Handler) getReturn(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Returns.GetReturn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) listReturns(w http.ResponseWriter, r *http.Request) {
	tr, err := timeRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	recs, err := h.svc.Returns.ListReturns(r.Context(), chi.URLParam(r, "id"), tr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
