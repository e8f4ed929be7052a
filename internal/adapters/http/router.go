package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/costwise/session-security-service/internal/application"
	"github.com/costwise/session-security-service/internal/ports"
)

// Handler is the HTTP adapter entrypoint for session-security use-cases.
// Keeping only application-facing dependencies here preserves clean adapter
// boundaries.
type Handler struct {
	service              *application.Service
	signer               ports.TokenSigner
	internalToken        string
	dbPing               func(context.Context) error
	highSecurityTimeout  time.Duration
	lowSecurityTimeout   time.Duration
	adminSessionHeadroom int
	adminRoles           []string
}

// HandlerConfig carries what the route surface needs beyond the application
// service itself: key material for the JWKS endpoint, the shared secret for
// internal hooks, a liveness probe for the database, and the per-profile
// route guard knobs.
type HandlerConfig struct {
	Signer        ports.TokenSigner
	InternalToken string
	DBPing        func(context.Context) error
	// HighSecurityTimeout is the inactivity window on admin routes,
	// LowSecurityTimeout the one on high-volume authorization reads.
	HighSecurityTimeout  time.Duration
	LowSecurityTimeout   time.Duration
	AdminSessionHeadroom int
	AdminRoles           []string
}

// NewHandler constructs an HTTP handler bound to the application service.
func NewHandler(service *application.Service, cfg HandlerConfig) *Handler {
	if cfg.HighSecurityTimeout <= 0 {
		cfg.HighSecurityTimeout = 15 * time.Minute
	}
	if cfg.LowSecurityTimeout <= 0 {
		cfg.LowSecurityTimeout = time.Hour
	}
	if cfg.AdminSessionHeadroom <= 0 {
		cfg.AdminSessionHeadroom = 2
	}
	if len(cfg.AdminRoles) == 0 {
		cfg.AdminRoles = []string{"admin"}
	}
	return &Handler{
		service:              service,
		signer:               cfg.Signer,
		internalToken:        cfg.InternalToken,
		dbPing:               cfg.DBPing,
		highSecurityTimeout:  cfg.HighSecurityTimeout,
		lowSecurityTimeout:   cfg.LowSecurityTimeout,
		adminSessionHeadroom: cfg.AdminSessionHeadroom,
		adminRoles:           cfg.AdminRoles,
	}
}

// NewRouter registers the session-security routes and middleware stack.
// Centralizing routes here ensures consistent guard and error behavior across
// endpoints.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)
	r.Get("/.well-known/jwks.json", handler.jwks)
	r.Get("/swagger", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/swagger/", http.StatusMovedPermanently)
	})
	r.Get("/swagger/", handler.swaggerUI)
	r.Get("/swagger/openapi.yaml", handler.swaggerSpec)

	r.Route("/session-security/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(handler.sessionGuard)
			r.Get("/sessions", handler.listSessions)
			r.Delete("/sessions/current", handler.logoutCurrentSession)
			r.Delete("/sessions/{sessionToken}", handler.terminateSession)
			r.Delete("/sessions", handler.terminateAllSessions)
			r.Post("/devices/trust", handler.trustDevice)
		})

		// High-volume authorization reads: session-guarded with a relaxed
		// inactivity window, and an access check does not count as user
		// activity.
		r.Group(func(r chi.Router) {
			r.Use(handler.guardWith(guardProfile{inactivityTimeout: handler.lowSecurityTimeout, trackActivity: false}))
			r.Get("/access/properties", handler.listAccessibleProperties)
			r.Get("/access/properties/{propertyID}", handler.checkPropertyAccess)
			r.Get("/access/properties/{propertyID}/permissions", handler.propertyPermissions)
			r.Post("/access/permissions/batch", handler.batchPermissions)
		})

		// Admin routes run on the strict profile: short inactivity window and
		// a tighter concurrent session ceiling.
		r.Group(func(r chi.Router) {
			r.Use(handler.guardWith(guardProfile{inactivityTimeout: handler.highSecurityTimeout, trackActivity: true}))
			r.Use(handler.requireRole(handler.adminRoles...))
			r.Use(handler.requireSessionHeadroom(handler.adminSessionHeadroom))
			r.Get("/admin/sessions/stats", handler.sessionStats)
			r.Get("/admin/users/{userID}/sessions", handler.adminListSessions)
			r.Delete("/admin/users/{userID}/sessions", handler.adminForceLogout)
		})

		r.Group(func(r chi.Router) {
			r.Use(handler.internalAuth)
			r.Post("/internal/sessions", handler.registerSession)
			r.Post("/internal/hooks/password-change", handler.passwordChangeHook)
			r.Post("/internal/hooks/role-change", handler.roleChangeHook)
			r.Post("/internal/hooks/permission-change", handler.permissionChangeHook)
			r.Post("/internal/hooks/account-locked", handler.accountLockedHook)
		})
	})

	return r
}
