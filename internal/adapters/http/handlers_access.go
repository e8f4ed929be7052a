package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (h *Handler) listAccessibleProperties(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeMissingBearerError(r.Context(), w, "list_accessible_properties")
		return
	}
	ids, err := h.service.GetUserProperties(r.Context(), claims.UserID)
	if err != nil {
		writeMappedError(r.Context(), w, "list_accessible_properties", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"property_ids": ids})
}

func (h *Handler) checkPropertyAccess(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeMissingBearerError(r.Context(), w, "check_property_access")
		return
	}
	propertyID, err := uuid.Parse(chi.URLParam(r, "propertyID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid property id")
		return
	}
	allowed, err := h.service.CheckPropertyAccess(r.Context(), claims.UserID, propertyID)
	if err != nil {
		writeMappedError(r.Context(), w, "check_property_access", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"property_id": propertyID,
		"allowed":     allowed,
	})
}

func (h *Handler) propertyPermissions(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeMissingBearerError(r.Context(), w, "property_permissions")
		return
	}
	propertyID, err := uuid.Parse(chi.URLParam(r, "propertyID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid property id")
		return
	}
	perms, err := h.service.GetUserPermissions(r.Context(), claims.UserID, propertyID)
	if err != nil {
		writeMappedError(r.Context(), w, "property_permissions", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"property_id": propertyID,
		"permissions": perms,
	})
}

func (h *Handler) batchPermissions(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeMissingBearerError(r.Context(), w, "batch_permissions")
		return
	}
	var req struct {
		PropertyIDs []uuid.UUID `json:"property_ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "batch_permissions", err)
		return
	}
	perms, err := h.service.GetBatchUserPermissions(r.Context(), claims.UserID, req.PropertyIDs)
	if err != nil {
		writeMappedError(r.Context(), w, "batch_permissions", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"permissions": perms})
}
