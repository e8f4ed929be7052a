package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SecurityEventType enumerates the closed set of audited event kinds.
type SecurityEventType string

const (
	EventSessionCreated     SecurityEventType = "session_created"
	EventSessionInvalidated SecurityEventType = "session_invalidated"
	EventSuspiciousActivity SecurityEventType = "suspicious_activity"
	EventDeviceTrusted      SecurityEventType = "device_trusted"
	EventPasswordChange     SecurityEventType = "password_change"
	EventRoleChange         SecurityEventType = "role_change"
	EventPermissionChange   SecurityEventType = "permission_change"
	EventAccountLocked      SecurityEventType = "account_locked"
)

// Trust promotion sources recorded on device_trusted events.
const (
	TrustSourceLoginThreshold = "login_threshold"
	TrustSourceExplicit       = "explicit"
)

// EventDetails is the typed payload of one security event. Each event type has
// exactly one variant below; DecodeEventDetails refuses anything else, which
// keeps stored payloads out of the untyped-map trap.
type EventDetails interface {
	EventType() SecurityEventType
}

// SessionCreatedDetails captures the device snapshot and concurrency state at
// session creation. Trust counting queries these rows by fingerprint.
type SessionCreatedDetails struct {
	Fingerprint        string        `json:"fingerprint"`
	IPAddress          string        `json:"ip_address"`
	UserAgent          string        `json:"user_agent,omitempty"`
	DeviceTrusted      bool          `json:"device_trusted"`
	SecurityLevel      SecurityLevel `json:"security_level"`
	ConcurrentSessions int           `json:"concurrent_sessions"`
	EvictedSessions    int           `json:"evicted_sessions,omitempty"`
}

func (SessionCreatedDetails) EventType() SecurityEventType { return EventSessionCreated }

// SessionInvalidatedDetails records termination cause and lifetime.
type SessionInvalidatedDetails struct {
	Reason          InvalidationReason `json:"reason"`
	DurationSeconds int64              `json:"duration_seconds"`
}

func (SessionInvalidatedDetails) EventType() SecurityEventType { return EventSessionInvalidated }

// SuspiciousActivityDetails preserves both sides of an anomaly comparison for
// forensics.
type SuspiciousActivityDetails struct {
	Anomaly             ValidationReason `json:"anomaly"`
	ObservedIP          string           `json:"observed_ip,omitempty"`
	RecordedIP          string           `json:"recorded_ip,omitempty"`
	ObservedFingerprint string           `json:"observed_fingerprint,omitempty"`
	RecordedFingerprint string           `json:"recorded_fingerprint,omitempty"`
}

func (SuspiciousActivityDetails) EventType() SecurityEventType { return EventSuspiciousActivity }

// DeviceTrustedDetails records a trust promotion and how it was earned.
type DeviceTrustedDetails struct {
	Fingerprint string `json:"fingerprint"`
	Source      string `json:"source"`
}

func (DeviceTrustedDetails) EventType() SecurityEventType { return EventDeviceTrusted }

type PasswordChangeDetails struct {
	SessionsInvalidated int `json:"sessions_invalidated"`
}

func (PasswordChangeDetails) EventType() SecurityEventType { return EventPasswordChange }

type RoleChangeDetails struct {
	OldRole             string `json:"old_role,omitempty"`
	NewRole             string `json:"new_role,omitempty"`
	SessionsInvalidated int    `json:"sessions_invalidated"`
}

func (RoleChangeDetails) EventType() SecurityEventType { return EventRoleChange }

type PermissionChangeDetails struct {
	PropertyIDs         []uuid.UUID `json:"property_ids,omitempty"`
	SessionsInvalidated int         `json:"sessions_invalidated"`
}

func (PermissionChangeDetails) EventType() SecurityEventType { return EventPermissionChange }

type AccountLockedDetails struct {
	Reason              string `json:"reason,omitempty"`
	SessionsInvalidated int    `json:"sessions_invalidated"`
}

func (AccountLockedDetails) EventType() SecurityEventType { return EventAccountLocked }

// SecurityEvent is one append-only audit record. Events are never updated or
// deleted; session history and device trust are reconstructed from this log.
type SecurityEvent struct {
	EventID      uuid.UUID
	UserID       uuid.UUID
	Type         SecurityEventType
	Severity     SecurityLevel
	SessionToken string
	Fingerprint  string
	Details      EventDetails
	OccurredAt   time.Time
}

// SecurityEventOptions steer how much collateral invalidation an account-level
// event performs.
type SecurityEventOptions struct {
	InvalidateAllSessions   bool `json:"invalidate_all_sessions"`
	RequireReauthentication bool `json:"require_reauthentication"`
}

// DecodeEventDetails unmarshals a stored payload into the variant for its type.
// Unknown types fail with ErrUnknownEventType instead of degrading to a map.
func DecodeEventDetails(t SecurityEventType, raw []byte) (EventDetails, error) {
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	var (
		details EventDetails
		err     error
	)
	switch t {
	case EventSessionCreated:
		var d SessionCreatedDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case EventSessionInvalidated:
		var d SessionInvalidatedDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case EventSuspiciousActivity:
		var d SuspiciousActivityDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case EventDeviceTrusted:
		var d DeviceTrustedDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case EventPasswordChange:
		var d PasswordChangeDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case EventRoleChange:
		var d RoleChangeDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case EventPermissionChange:
		var d PermissionChangeDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case EventAccountLocked:
		var d AccountLockedDetails
		err = json.Unmarshal(raw, &d)
		details = d
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s details: %w", t, err)
	}
	return details, nil
}
