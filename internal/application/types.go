package application

import (
	"time"

	"github.com/google/uuid"

	"github.com/costwise/session-security-service/internal/domain"
)

// Config carries the session-security policy knobs. Values arrive from
// bootstrap already validated and defaulted.
type Config struct {
	MaxConcurrentSessions int
	InactivityTimeout     time.Duration
	SessionTTL            time.Duration
	// ActivityLookback bounds which sessions count toward the concurrency
	// ceiling; anything older is dead weight awaiting the sweeper.
	ActivityLookback     time.Duration
	DeviceTrustThreshold int
	// SuspiciousLockThreshold locks the account after this many high-severity
	// anomalies inside the lookback window. Zero disables escalation.
	SuspiciousLockThreshold int
	UserPermissionsTTL      time.Duration
	PropertyAccessTTL       time.Duration
	RolePermissionsTTL      time.Duration
	UserPropertiesTTL       time.Duration
}

// RegisterSessionRequest is sent by the dashboard once a principal has
// authenticated. UserAgent and IPAddress describe the end client, not the
// calling backend.
type RegisterSessionRequest struct {
	UserID     uuid.UUID `json:"user_id"`
	UserAgent  string    `json:"user_agent"`
	IPAddress  string    `json:"ip_address"`
	TTLSeconds int64     `json:"ttl_seconds,omitempty"`
}

type RegisterSessionResponse struct {
	Token           string        `json:"token"`
	SessionToken    string        `json:"session_token"`
	ExpiresAt       time.Time     `json:"expires_at"`
	DeviceTrusted   bool          `json:"device_trusted"`
	SecurityLevel   string        `json:"security_level"`
	EvictedSessions int           `json:"evicted_sessions"`
	Device          DeviceSummary `json:"device"`
}

type DeviceSummary struct {
	Browser     string `json:"browser"`
	OS          string `json:"os"`
	DeviceClass string `json:"device_class"`
	IPAddress   string `json:"ip_address"`
	Fingerprint string `json:"fingerprint"`
}

type SessionItem struct {
	SessionToken       string        `json:"session_token"`
	Current            bool          `json:"current"`
	Device             DeviceSummary `json:"device"`
	DeviceTrusted      bool          `json:"device_trusted"`
	SecurityLevel      string        `json:"security_level"`
	SuspiciousActivity bool          `json:"suspicious_activity"`
	CreatedAt          time.Time     `json:"created_at"`
	LastActivityAt     time.Time     `json:"last_activity_at"`
	ExpiresAt          time.Time     `json:"expires_at"`
}

// ValidateOptions tunes one validation call. The middleware sets the timeout
// from its route security profile; zero means the configured default.
type ValidateOptions struct {
	InactivityTimeout time.Duration
}

type SecurityEventResult struct {
	SessionsInvalidated int  `json:"sessions_invalidated"`
	CacheInvalidated    bool `json:"cache_invalidated"`
}

type SessionStatsResponse struct {
	Timeframe                 string  `json:"timeframe"`
	SessionsCreated           int64   `json:"sessions_created"`
	ActiveSessions            int64   `json:"active_sessions"`
	SuspiciousEvents          int64   `json:"suspicious_events"`
	DeviceTrustRate           float64 `json:"device_trust_rate"`
	AvgSessionDurationSeconds float64 `json:"avg_session_duration_seconds"`
}

func toDeviceSummary(d domain.DeviceInfo) DeviceSummary {
	return DeviceSummary{
		Browser:     d.Browser,
		OS:          d.OS,
		DeviceClass: d.DeviceClass,
		IPAddress:   d.IPAddress,
		Fingerprint: d.Fingerprint,
	}
}

// toSessionItem exposes the raw session token as the session's identifier.
// Bearer power lives in the signed envelope, not the token by itself, so a
// listing cannot be replayed.
func toSessionItem(record domain.SessionRecord, currentToken string) SessionItem {
	return SessionItem{
		SessionToken:       record.SessionToken,
		Current:            currentToken != "" && record.SessionToken == currentToken,
		Device:             toDeviceSummary(record.Device),
		DeviceTrusted:      record.DeviceTrusted,
		SecurityLevel:      string(record.SecurityLevel),
		SuspiciousActivity: record.SuspiciousActivity,
		CreatedAt:          record.CreatedAt,
		LastActivityAt:     record.LastActivityAt,
		ExpiresAt:          record.ExpiresAt,
	}
}
