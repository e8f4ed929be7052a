package domain

import (
	"time"

	"github.com/google/uuid"
)

// SecurityLevel grades how much the service trusts a session or how severe an
// anomaly is.
type SecurityLevel string

const (
	SecurityLevelLow    SecurityLevel = "low"
	SecurityLevelMedium SecurityLevel = "medium"
	SecurityLevelHigh   SecurityLevel = "high"
)

// SecurityAction tells the caller which remediation a failed validation demands.
// These three actions plus a generic denial are the only outcomes that cross
// the middleware boundary.
type SecurityAction string

const (
	ActionNone               SecurityAction = ""
	ActionForceLogout        SecurityAction = "force_logout"
	ActionRequire2FA         SecurityAction = "require_2fa"
	ActionDeviceVerification SecurityAction = "device_verification"
)

// ValidationReason identifies which guard rejected a session.
type ValidationReason string

const (
	ReasonSessionNotFound   ValidationReason = "session_not_found"
	ReasonDeviceMismatch    ValidationReason = "device_mismatch"
	ReasonUntrustedIPDrift  ValidationReason = "untrusted_ip_drift"
	ReasonInactivityTimeout ValidationReason = "inactivity_timeout"
	ReasonSessionExpired    ValidationReason = "session_expired"
	// ReasonCheckUnavailable covers persistence failures during validation.
	// The guard fails closed, so this still denies the request.
	ReasonCheckUnavailable ValidationReason = "check_unavailable"
)

// InvalidationReason records why a session was terminated.
type InvalidationReason string

const (
	InvalidationLogout          InvalidationReason = "logout"
	InvalidationLogoutAll       InvalidationReason = "logout_all"
	InvalidationConcurrentLimit InvalidationReason = "exceeded_concurrent_limit"
	InvalidationInactivity      InvalidationReason = "inactivity_timeout"
	InvalidationExpired         InvalidationReason = "expired"
	InvalidationSecurityEvent   InvalidationReason = "security_event"
	InvalidationAdmin           InvalidationReason = "admin_terminated"
)

// SessionRecord models one live authenticated session.
// Identity fields (token, user, device snapshot) are fixed at creation; only
// activity and security sub-state change afterwards. Invalidation deletes the
// record, so presence in the store means "not yet terminated".
type SessionRecord struct {
	SessionToken         string
	UserID               uuid.UUID
	Device               DeviceInfo
	DeviceTrusted        bool
	SecurityLevel        SecurityLevel
	SuspiciousActivity   bool
	ConcurrentAtCreation int
	CreatedAt            time.Time
	LastActivityAt       time.Time
	ExpiresAt            time.Time
}

// SessionValidation is the outcome of the per-request security guard.
type SessionValidation struct {
	Valid  bool
	Reason ValidationReason
	Action SecurityAction
}
