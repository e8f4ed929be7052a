package domain

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestDecodeEventDetailsCoversClosedSet(t *testing.T) {
	t.Parallel()

	variants := []EventDetails{
		SessionCreatedDetails{Fingerprint: "a1b2c3d4e5f60708", IPAddress: "198.51.100.7", DeviceTrusted: true, SecurityLevel: SecurityLevelMedium, ConcurrentSessions: 2},
		SessionInvalidatedDetails{Reason: InvalidationLogout, DurationSeconds: 754},
		SuspiciousActivityDetails{Anomaly: ReasonDeviceMismatch, ObservedFingerprint: "beef", RecordedFingerprint: "cafe"},
		DeviceTrustedDetails{Fingerprint: "a1b2c3d4e5f60708", Source: TrustSourceExplicit},
		PasswordChangeDetails{SessionsInvalidated: 3},
		RoleChangeDetails{OldRole: "manager", NewRole: "admin", SessionsInvalidated: 1},
		PermissionChangeDetails{PropertyIDs: []uuid.UUID{uuid.New()}, SessionsInvalidated: 0},
		AccountLockedDetails{Reason: "fraud review", SessionsInvalidated: 2},
	}

	for _, details := range variants {
		raw, err := json.Marshal(details)
		if err != nil {
			t.Fatalf("marshal %T: %v", details, err)
		}
		decoded, err := DecodeEventDetails(details.EventType(), raw)
		if err != nil {
			t.Fatalf("decode %s: %v", details.EventType(), err)
		}
		if reflect.TypeOf(decoded) != reflect.TypeOf(details) {
			t.Fatalf("decode %s produced %T, want %T", details.EventType(), decoded, details)
		}
		if decoded.EventType() != details.EventType() {
			t.Fatalf("decoded variant reports %s, want %s", decoded.EventType(), details.EventType())
		}
		if !reflect.DeepEqual(decoded, details) {
			t.Fatalf("decode %s lost data: got %+v want %+v", details.EventType(), decoded, details)
		}
	}
}

func TestDecodeEventDetailsEmptyPayload(t *testing.T) {
	t.Parallel()

	decoded, err := DecodeEventDetails(EventPasswordChange, nil)
	if err != nil {
		t.Fatalf("decode empty payload: %v", err)
	}
	if _, ok := decoded.(PasswordChangeDetails); !ok {
		t.Fatalf("expected zero-value variant, got %T", decoded)
	}
}

func TestDecodeEventDetailsRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := DecodeEventDetails(SecurityEventType("mystery"), []byte(`{}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestDecodeEventDetailsRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	if _, err := DecodeEventDetails(EventSessionCreated, []byte(`{"fingerprint":`)); err == nil {
		t.Fatalf("expected decode error for malformed payload")
	}
}
