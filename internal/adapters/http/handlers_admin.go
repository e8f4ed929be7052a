package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/costwise/session-security-service/internal/domain"
)

func (h *Handler) sessionStats(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	stats, err := h.service.SessionStats(r.Context(), timeframe)
	if err != nil {
		writeMappedError(r.Context(), w, "session_stats", err)
		return
	}
	writeSuccess(w, http.StatusOK, stats)
}

func (h *Handler) adminListSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid user id")
		return
	}
	items, err := h.service.ListSessions(r.Context(), userID, "")
	if err != nil {
		writeMappedError(r.Context(), w, "admin_list_sessions", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"sessions": items,
	})
}

func (h *Handler) adminForceLogout(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid user id")
		return
	}
	count, err := h.service.InvalidateAllSessions(r.Context(), userID, domain.InvalidationAdmin)
	if err != nil {
		writeMappedError(r.Context(), w, "admin_force_logout", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"user_id":              userID,
		"sessions_invalidated": count,
	})
}
