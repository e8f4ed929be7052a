package http

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/costwise/session-security-service/internal/adapters/security"
	"github.com/costwise/session-security-service/internal/application"
	"github.com/costwise/session-security-service/internal/domain"
)

// registerSession is called by the dashboard once a principal has
// authenticated. The body describes the end client; header fallbacks cover
// callers that forward the original request directly.
func (h *Handler) registerSession(w http.ResponseWriter, r *http.Request) {
	var req application.RegisterSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "register_session", err)
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = readIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	device := security.ResolveDevice(req.UserAgent, req.IPAddress)
	res, err := h.service.RegisterSession(r.Context(), req, device)
	if err != nil {
		writeMappedError(r.Context(), w, "register_session", err)
		return
	}
	writeSuccess(w, http.StatusCreated, res)
}

func (h *Handler) passwordChangeHook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "password_change_hook", err)
		return
	}
	res, err := h.service.HandlePasswordChange(r.Context(), req.UserID)
	if err != nil {
		writeMappedError(r.Context(), w, "password_change_hook", err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

func (h *Handler) roleChangeHook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID                uuid.UUID `json:"user_id"`
		OldRole               string    `json:"old_role"`
		NewRole               string    `json:"new_role"`
		InvalidateAllSessions bool      `json:"invalidate_all_sessions,omitempty"`
		RequireReauth         bool      `json:"require_reauthentication,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "role_change_hook", err)
		return
	}
	res, err := h.service.HandleRoleChange(r.Context(), req.UserID, req.OldRole, req.NewRole, domain.SecurityEventOptions{
		InvalidateAllSessions:   req.InvalidateAllSessions,
		RequireReauthentication: req.RequireReauth,
	})
	if err != nil {
		writeMappedError(r.Context(), w, "role_change_hook", err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

func (h *Handler) permissionChangeHook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID                uuid.UUID   `json:"user_id"`
		PropertyIDs           []uuid.UUID `json:"property_ids,omitempty"`
		InvalidateAllSessions bool        `json:"invalidate_all_sessions,omitempty"`
		RequireReauth         bool        `json:"require_reauthentication,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "permission_change_hook", err)
		return
	}
	res, err := h.service.HandlePermissionChange(r.Context(), req.UserID, req.PropertyIDs, domain.SecurityEventOptions{
		InvalidateAllSessions:   req.InvalidateAllSessions,
		RequireReauthentication: req.RequireReauth,
	})
	if err != nil {
		writeMappedError(r.Context(), w, "permission_change_hook", err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

func (h *Handler) accountLockedHook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"user_id"`
		Reason string    `json:"reason,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "account_locked_hook", err)
		return
	}
	res, err := h.service.HandleAccountLocked(r.Context(), req.UserID, req.Reason)
	if err != nil {
		writeMappedError(r.Context(), w, "account_locked_hook", err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}
