package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/reporting"
)

type queueRequest struct {
	AlertID string `json:"alert_id,omitempty"`
	DoseID  string `json:"dose_id,omitempty"`
}

type queueResponse struct {
	Queued  bool                      `json:"queued"`
	Created bool                      `json:"created"`
	Report  *takehome.DiversionReport `json:"report,omitempty"`
}

// queueReport queues an alert or a return (by dose) for regulatory reporting.
// Sources below the reporting threshold are acknowledged with queued=false.
func (h *Handler) queueReport(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	report, created, err := h.svc.Reports.QueueSource(r.Context(), req.AlertID, req.DoseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, queueResponse{Queued: report != nil, Created: created, Report: report})
}

func (h *Handler) listReports(w http.ResponseWriter, r *http.Request) {
	f, err := reportFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reports, err := h.svc.Reports.List(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type syncedRequest struct {
	ReferenceNumber string `json:"reference_number"`
}

func (h *Handler) markSynced(w http.ResponseWriter, r *http.Request) {
	var req syncedRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.svc.Reports.MarkSynced(r.Context(), chi.URLParam(r, "id"), req.ReferenceNumber)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type failedRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) markFailed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.svc.Reports.MarkFailed(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) retryReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Reports.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) exportReports(w http.ResponseWriter, r *http.Request) {
	f, err := reportFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reports, err := h.svc.Reports.List(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	book, err := reporting.ExportWorkbook(reports)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	name := fmt.Sprintf("diversion-reports-%s.xlsx", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(book)
}
