package http

import (
	"net/http"
)

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	database := "ok"
	if h.dbPing != nil {
		if err := h.dbPing(r.Context()); err != nil {
			database = "unavailable"
		}
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"database":      database,
		"cache_backend": h.service.CacheBackendName(),
	})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.dbPing != nil {
		if err := h.dbPing(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "database unavailable")
			return
		}
	}
	writeMessage(w, http.StatusOK, "ready")
}

func (h *Handler) jwks(w http.ResponseWriter, r *http.Request) {
	keys, err := h.signer.PublicJWKs()
	if err != nil {
		writeMappedError(r.Context(), w, "jwks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}
