package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) assessPatient(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Risk.AssessPatient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) listAssessments(w http.ResponseWriter, r *http.Request) {
	as, err := h.svc.Risk.ListAssessments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, as)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Risk.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
