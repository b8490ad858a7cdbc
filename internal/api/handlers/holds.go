package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/otpcare/takehome/internal/holds"
)

func (h *Handler) openHold(w http.ResponseWriter, r *http.Request) {
	var req holds.OpenHoldRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	hold, err := h.svc.Holds.OpenHold(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

func (h *Handler) clearHold(w http.ResponseWriter, r *http.Request) {
	var req holds.ClearHoldRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.HoldID = chi.URLParam(r, "id")
	hold, err := h.svc.Holds.ClearHold(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (h *Handler) listHolds(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	hs, err := h.svc.Holds.ListHolds(r.Context(), chi.URLParam(r, "id"), openOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	tr, err := timeRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	alerts, err := h.svc.Holds.ListAlerts(r.Context(), chi.URLParam(r, "id"), tr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req holds.ResolveAlertRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.AlertID = chi.URLParam(r, "id")
	alert, err := h.svc.Holds.ResolveAlert(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}
