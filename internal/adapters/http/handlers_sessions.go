package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/costwise/session-security-service/internal/adapters/security"
	"github.com/costwise/session-security-service/internal/domain"
)

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeMissingBearerError(r.Context(), w, "list_sessions")
		return
	}
	items, err := h.service.ListSessions(r.Context(), claims.UserID, claims.SessionToken)
	if err != nil {
		writeMappedError(r.Context(), w, "list_sessions", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"sessions": items})
}

func (h *Handler) logoutCurrentSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeMissingBearerError(r.Context(), w, "logout_current_session")
		return
	}
	if err := h.service.InvalidateSession(r.Context(), claims.UserID, claims.SessionToken, domain.InvalidationLogout); err != nil {
		writeMappedError(r.Context(), w, "logout_current_session", err)
		return
	}
	writeMessage(w, http.StatusOK, "Logged out successfully")
}

func (h *Handler) terminateSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeMissingBearerError(r.Context(), w, "terminate_session")
		return
	}
	token := chi.URLParam(r, "sessionToken")
	if token == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "missing session token")
		return
	}
	if err := h.service.InvalidateSession(r.Context(), claims.UserID, token, domain.InvalidationLogout); err != nil {
		writeMappedError(r.Context(), w, "terminate_session", err)
		return
	}
	writeMessage(w, http.StatusOK, "Session terminated")
}

func (h *Handler) terminateAllSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeMissingBearerError(r.Context(), w, "terminate_all_sessions")
		return
	}
	count, err := h.service.InvalidateAllSessions(r.Context(), claims.UserID, domain.InvalidationLogoutAll)
	if err != nil {
		writeMappedError(r.Context(), w, "terminate_all_sessions", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"sessions_invalidated": count})
}

func (h *Handler) trustDevice(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeMissingBearerError(r.Context(), w, "trust_device")
		return
	}
	device := security.ResolveDevice(r.UserAgent(), readIP(r))
	if err := h.service.TrustDevice(r.Context(), claims.UserID, device.Fingerprint); err != nil {
		writeMappedError(r.Context(), w, "trust_device", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"fingerprint": device.Fingerprint,
		"trusted":     true,
	})
}
