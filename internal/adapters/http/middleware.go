package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/costwise/session-security-service/internal/adapters/security"
	"github.com/costwise/session-security-service/internal/application"
	"github.com/costwise/session-security-service/internal/domain"
	"github.com/costwise/session-security-service/internal/ports"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyClaims    ctxKey = "session_claims"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				httpLogger().ErrorContext(r.Context(), "panic recovered",
					"operation", "http_panic_recovery",
					"outcome", "failure",
					"request_id", requestIDFromContext(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(payload []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(payload)
	r.bytes += n
	return n, err
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.statusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		outcome := "success"
		if statusCode >= 400 {
			outcome = "failure"
		}

		fields := []any{
			"operation", "http_request",
			"outcome", outcome,
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", statusCode,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		}
		switch {
		case statusCode >= 500:
			httpLogger().ErrorContext(r.Context(), "http request completed", fields...)
		case statusCode >= 400:
			httpLogger().WarnContext(r.Context(), "http request completed", fields...)
		default:
			httpLogger().InfoContext(r.Context(), "http request completed", fields...)
		}
	})
}

// guardProfile tunes the session guard per route group. A zero
// inactivityTimeout means the account-wide default.
type guardProfile struct {
	inactivityTimeout time.Duration
	trackActivity     bool
}

// sessionGuard is the default guard: configured inactivity window, activity
// touch on every request.
func (h *Handler) sessionGuard(next http.Handler) http.Handler {
	return h.guardWith(guardProfile{trackActivity: true})(next)
}

// guardWith verifies the signed envelope, runs the session security checks
// against the resolved device, and translates failures into remediation
// responses. The principal lands in the request context on success.
func (h *Handler) guardWith(profile guardProfile) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerTokenFromHeader(r.Header.Get("Authorization"))
			if err != nil {
				writeMissingBearerError(r.Context(), w, "session_guard")
				return
			}

			device := security.ResolveDevice(r.UserAgent(), readIP(r))
			claims, validation, err := h.service.ValidateRequest(r.Context(), raw, device, application.ValidateOptions{
				InactivityTimeout: profile.inactivityTimeout,
			})
			if err != nil {
				writeMappedError(r.Context(), w, "session_guard", err)
				return
			}
			if !validation.Valid {
				status, code, msg := mapValidationFailure(validation)
				logHTTPOperationError(r.Context(), "session_guard", status, code, msg, nil)
				writeErrorWithAction(w, status, code, msg, string(validation.Action))
				return
			}

			if profile.trackActivity {
				h.service.UpdateSessionActivity(r.Context(), claims.SessionToken)
			}
			next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
		})
	}
}

// mapValidationFailure translates guard outcomes to wire responses. Internal
// failure detail stays behind the boundary; an unverifiable session is just
// invalid to the caller.
func mapValidationFailure(v domain.SessionValidation) (int, string, string) {
	switch v.Reason {
	case domain.ReasonDeviceMismatch:
		return http.StatusUnauthorized, "DEVICE_VERIFICATION_REQUIRED", "device could not be verified"
	case domain.ReasonUntrustedIPDrift:
		return http.StatusUnauthorized, "STEP_UP_REQUIRED", "additional verification required"
	case domain.ReasonSessionExpired, domain.ReasonInactivityTimeout:
		return http.StatusUnauthorized, "SESSION_EXPIRED", "session expired"
	default:
		return http.StatusUnauthorized, "SESSION_INVALID", "session is not valid"
	}
}

// requireRole gates a route group on the envelope role claim.
func (h *Handler) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := claimsFromContext(r.Context())
			if !ok {
				writeMissingBearerError(r.Context(), w, "require_role")
				return
			}
			for _, role := range roles {
				if strings.EqualFold(claims.Role, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			logHTTPOperationError(r.Context(), "require_role", http.StatusForbidden, "FORBIDDEN", "insufficient role", nil)
			writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role")
		})
	}
}

// requireSessionHeadroom enforces a per-route ceiling tighter than the
// account-wide one. A caller spread across more than n live sessions is
// rejected without invalidating anything.
func (h *Handler) requireSessionHeadroom(n int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := claimsFromContext(r.Context())
			if !ok {
				writeMissingBearerError(r.Context(), w, "require_session_headroom")
				return
			}
			count, err := h.service.ActiveSessionCount(r.Context(), claims.UserID)
			if err != nil {
				writeMappedError(r.Context(), w, "require_session_headroom", err)
				return
			}
			if count > n {
				logHTTPOperationError(r.Context(), "require_session_headroom", http.StatusForbidden,
					"CONCURRENT_SESSION_LIMIT", "too many concurrent sessions for this operation", nil)
				writeError(w, http.StatusForbidden, "CONCURRENT_SESSION_LIMIT", "too many concurrent sessions for this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// internalAuth guards the service-to-service surface with a shared token.
func (h *Handler) internalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Internal-Token")
		if h.internalToken == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(h.internalToken)) != 1 {
			logHTTPOperationError(r.Context(), "internal_auth", http.StatusUnauthorized, "UNAUTHORIZED", "invalid internal token", nil)
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid internal token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDFromContext(ctx context.Context) string {
	v := ctx.Value(ctxKeyRequestID)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func bearerTokenFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "operation not allowed"
	case errors.Is(err, domain.ErrTokenExpired):
		return http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired"
	case errors.Is(err, domain.ErrTooManySessions):
		return http.StatusForbidden, "CONCURRENT_SESSION_LIMIT", "too many concurrent sessions"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT", err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.Is(err, domain.ErrUnknownEventType):
		return http.StatusBadRequest, "UNKNOWN_EVENT_TYPE", "unrecognized security event type"
	case errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "dependency unavailable"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

func contextWithClaims(ctx context.Context, claims ports.SessionClaims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, claims)
}

func claimsFromContext(ctx context.Context) (ports.SessionClaims, bool) {
	v := ctx.Value(ctxKeyClaims)
	claims, ok := v.(ports.SessionClaims)
	return claims, ok
}
