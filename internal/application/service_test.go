package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/costwise/session-security-service/internal/domain"
	"github.com/costwise/session-security-service/internal/ports"
)

func TestRegisterSessionIssuesSignedEnvelope(t *testing.T) {
	t.Parallel()

	f := newFixture()
	userID := f.seedUser("manager")

	res := f.register(t, userID, testDevice("fp-a", "10.0.0.1"))
	if res.Token == "" {
		t.Fatalf("expected signed envelope token")
	}
	if len(res.SessionToken) != 64 {
		t.Fatalf("expected 32-byte hex session token, got %q", res.SessionToken)
	}
	if res.DeviceTrusted || res.SecurityLevel != string(domain.SecurityLevelLow) {
		t.Fatalf("first login should be untrusted/low, got trusted=%v level=%s", res.DeviceTrusted, res.SecurityLevel)
	}
	if !res.ExpiresAt.Equal(f.now.Add(24 * time.Hour)) {
		t.Fatalf("expected default ttl expiry, got %v", res.ExpiresAt)
	}

	claims, err := f.signer.ParseAndValidate(res.Token)
	if err != nil {
		t.Fatalf("parse issued envelope: %v", err)
	}
	if claims.UserID != userID || claims.Role != "manager" || claims.SessionToken != res.SessionToken {
		t.Fatalf("unexpected envelope claims: %+v", claims)
	}

	record, ok := f.sessions.snapshot(res.SessionToken)
	if !ok {
		t.Fatalf("session record missing from store")
	}
	if record.ConcurrentAtCreation != 1 {
		t.Fatalf("expected concurrency 1 at creation, got %d", record.ConcurrentAtCreation)
	}

	created := f.auditEvents(domain.EventSessionCreated)
	if len(created) != 1 {
		t.Fatalf("expected one session_created audit event, got %d", len(created))
	}
	details, ok := created[0].Details.(domain.SessionCreatedDetails)
	if !ok {
		t.Fatalf("unexpected details type %T", created[0].Details)
	}
	if details.ConcurrentSessions != 1 || details.DeviceTrusted || details.EvictedSessions != 0 {
		t.Fatalf("unexpected session_created details: %+v", details)
	}
}

func TestRegisterSessionHonorsRequestedTTL(t *testing.T) {
	t.Parallel()

	f := newFixture()
	userID := f.seedUser("manager")
	device := testDevice("fp-a", "10.0.0.1")

	res, err := f.service.RegisterSession(context.Background(), RegisterSessionRequest{
		UserID:     userID,
		UserAgent:  device.UserAgent,
		IPAddress:  device.IPAddress,
		TTLSeconds: 3600,
	}, device)
	if err != nil {
		t.Fatalf("register session: %v", err)
	}
	if !res.ExpiresAt.Equal(f.now.Add(time.Hour)) {
		t.Fatalf("expected one-hour expiry, got %v", res.ExpiresAt)
	}
}

func TestRegisterSessionRejectsUnknownUser(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	if _, err := f.service.RegisterSession(ctx, RegisterSessionRequest{}, testDevice("fp-a", "10.0.0.1")); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing user id, got %v", err)
	}
	if _, err := f.service.RegisterSession(ctx, RegisterSessionRequest{UserID: uuid.New()}, testDevice("fp-a", "10.0.0.1")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
}

func TestRegisterSessionEvictsOldestAtCeiling(t *testing.T) {
	t.Parallel()

	f := newFixture()
	userID := f.seedUser("manager")

	tokens := make([]string, 0, 6)
	for i := 0; i < 5; i++ {
		res := f.register(t, userID, testDevice(fmt.Sprintf("fp-%d", i), "10.0.0.1"))
		tokens = append(tokens, res.SessionToken)
		f.advance(time.Minute)
	}

	res := f.register(t, userID, testDevice("fp-5", "10.0.0.1"))
	if res.EvictedSessions != 1 {
		t.Fatalf("expected one eviction at the ceiling, got %d", res.EvictedSessions)
	}
	if _, ok := f.sessions.snapshot(tokens[0]); ok {
		t.Fatalf("oldest session should have been evicted")
	}
	for _, token := range tokens[1:] {
		if _, ok := f.sessions.snapshot(token); !ok {
			t.Fatalf("newer session %s should have survived eviction", token[:8])
		}
	}

	record, _ := f.sessions.snapshot(res.SessionToken)
	if record.ConcurrentAtCreation != 5 {
		t.Fatalf("expected concurrency 5 after eviction, got %d", record.ConcurrentAtCreation)
	}

	invalidated := f.auditEvents(domain.EventSessionInvalidated)
	if len(invalidated) != 1 {
		t.Fatalf("expected one invalidation audit event, got %d", len(invalidated))
	}
	details := invalidated[0].Details.(domain.SessionInvalidatedDetails)
	if details.Reason != domain.InvalidationConcurrentLimit {
		t.Fatalf("expected exceeded_concurrent_limit reason, got %s", details.Reason)
	}
	if details.DurationSeconds != 300 {
		t.Fatalf("expected 300s lifetime on the evicted session, got %d", details.DurationSeconds)
	}
}

func TestRegisterSessionCeilingHoldsUnderConcurrency(t *testing.T) {
	t.Parallel()

	f := newFixture()
	userID := f.seedUser("manager")

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			device := testDevice(fmt.Sprintf("fp-%02d", i), "10.0.0.1")
			_, err := f.service.RegisterSession(context.Background(), RegisterSessionRequest{
				UserID:    userID,
				UserAgent: device.UserAgent,
				IPAddress: device.IPAddress,
			}, device)
			if err != nil {
				t.Errorf("register session: %v", err)
			}
		}(i)
	}
	wg.Wait()

	items, err := f.service.ListSessions(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("concurrent registrations overshot the ceiling: %d live sessions", len(items))
	}
}

func TestDeviceTrustPromotionAfterThreshold(t *testing.T) {
	t.Parallel()

	f := newFixture()
	userID := f.seedUser("manager")
	device := testDevice("fp-t", "10.0.0.1")

	var tokens []string
	for i := 0; i < 3; i++ {
		res := f.register(t, userID, device)
		if res.DeviceTrusted {
			t.Fatalf("login %d should still be below the trust threshold", i+1)
		}
		tokens = append(tokens, res.SessionToken)
		f.advance(time.Minute)
	}

	res := f.register(t, userID, device)
	if !res.DeviceTrusted || res.SecurityLevel != string(domain.SecurityLevelMedium) {
		t.Fatalf("expected trusted/medium once the threshold is met, got trusted=%v level=%s", res.DeviceTrusted, res.SecurityLevel)
	}

	// Crossing the threshold carries live sessions forward.
	for _, token := range tokens {
		record, ok := f.sessions.snapshot(token)
		if !ok {
			t.Fatalf("earlier session unexpectedly gone")
		}
		if !record.DeviceTrusted {
			t.Fatalf("earlier live session should have been promoted to trusted")
		}
	}

	// Trust is monotonic: later logins on the fingerprint stay trusted.
	f.advance(time.Minute)
	again := f.register(t, userID, device)
	if !again.DeviceTrusted {
		t.Fatalf("trust should not decay from repeated logins")
	}
}

func TestTrustDeviceExplicitPromotion(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	device := testDevice("fp-e", "10.0.0.1")

	first := f.register(t, userID, device)
	if first.DeviceTrusted {
		t.Fatalf("single login should not be trusted")
	}

	if err := f.service.TrustDevice(ctx, userID, device.Fingerprint); err != nil {
		t.Fatalf("trust device: %v", err)
	}
	record, _ := f.sessions.snapshot(first.SessionToken)
	if !record.DeviceTrusted {
		t.Fatalf("live session should be promoted on explicit trust")
	}

	second := f.register(t, userID, device)
	if !second.DeviceTrusted {
		t.Fatalf("explicitly trusted device should stay trusted on next login")
	}

	trusted := f.auditEvents(domain.EventDeviceTrusted)
	if len(trusted) != 1 {
		t.Fatalf("expected one device_trusted audit event, got %d", len(trusted))
	}
	if details := trusted[0].Details.(domain.DeviceTrustedDetails); details.Source != domain.TrustSourceExplicit {
		t.Fatalf("expected explicit trust source, got %s", details.Source)
	}

	if err := f.service.TrustDevice(ctx, uuid.Nil, "fp"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for nil user, got %v", err)
	}
	if err := f.service.TrustDevice(ctx, userID, ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty fingerprint, got %v", err)
	}
}

func TestValidateRequestRejectsBadEnvelope(t *testing.T) {
	t.Parallel()

	f := newFixture()
	_, _, err := f.service.ValidateRequest(context.Background(), "not-a-token", testDevice("fp-a", "10.0.0.1"), ValidateOptions{})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for a bad envelope, got %v", err)
	}
}

func TestValidateUnknownSessionToken(t *testing.T) {
	t.Parallel()

	f := newFixture()
	validation, err := f.service.ValidateSessionSecurity(context.Background(), "missing", testDevice("fp-a", "10.0.0.1"), ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Valid || validation.Reason != domain.ReasonSessionNotFound {
		t.Fatalf("expected session_not_found, got %+v", validation)
	}
}

func TestValidateFingerprintMismatchWinsOverDriftAndExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	res := f.register(t, userID, testDevice("fp-a", "10.0.0.1"))

	// A stolen token replayed much later from another device: fingerprint,
	// IP, and expiry would all fail, and the fingerprint verdict must win.
	f.advance(25 * time.Hour)
	observed := testDevice("fp-b", "203.0.113.9")

	validation, err := f.service.ValidateSessionSecurity(ctx, res.SessionToken, observed, ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Reason != domain.ReasonDeviceMismatch || validation.Action != domain.ActionDeviceVerification {
		t.Fatalf("expected device mismatch verdict, got %+v", validation)
	}

	record, ok := f.sessions.snapshot(res.SessionToken)
	if !ok {
		t.Fatalf("mismatch must keep the record for forensics")
	}
	if !record.SuspiciousActivity {
		t.Fatalf("session should be flagged suspicious")
	}

	suspicious := f.auditEvents(domain.EventSuspiciousActivity)
	if len(suspicious) != 1 || suspicious[0].Severity != domain.SecurityLevelHigh {
		t.Fatalf("expected one high-severity anomaly event, got %+v", suspicious)
	}
	details := suspicious[0].Details.(domain.SuspiciousActivityDetails)
	if details.Anomaly != domain.ReasonDeviceMismatch || details.RecordedFingerprint != "fp-a" || details.ObservedFingerprint != "fp-b" {
		t.Fatalf("anomaly details should carry both fingerprints: %+v", details)
	}
}

func TestValidateUntrustedIPDriftRequiresStepUp(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	res := f.register(t, userID, testDevice("fp-a", "10.0.0.1"))

	observed := testDevice("fp-a", "203.0.113.9")
	validation, err := f.service.ValidateSessionSecurity(ctx, res.SessionToken, observed, ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Reason != domain.ReasonUntrustedIPDrift || validation.Action != domain.ActionRequire2FA {
		t.Fatalf("expected step-up verdict on untrusted drift, got %+v", validation)
	}

	suspicious := f.auditEvents(domain.EventSuspiciousActivity)
	if len(suspicious) != 1 || suspicious[0].Severity != domain.SecurityLevelMedium {
		t.Fatalf("expected one medium-severity anomaly event, got %+v", suspicious)
	}

	// Same device, same network: still fine.
	validation, err = f.service.ValidateSessionSecurity(ctx, res.SessionToken, testDevice("fp-a", "10.0.0.1"), ValidateOptions{})
	if err != nil || !validation.Valid {
		t.Fatalf("expected valid session from the recorded device, got %+v err=%v", validation, err)
	}
}

func TestValidateTrustedDeviceToleratesIPDrift(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	device := testDevice("fp-a", "10.0.0.1")

	if err := f.service.TrustDevice(ctx, userID, device.Fingerprint); err != nil {
		t.Fatalf("trust device: %v", err)
	}
	res := f.register(t, userID, device)
	if !res.DeviceTrusted {
		t.Fatalf("expected trusted session")
	}

	validation, err := f.service.ValidateSessionSecurity(ctx, res.SessionToken, testDevice("fp-a", "203.0.113.9"), ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !validation.Valid {
		t.Fatalf("trusted device should tolerate IP churn, got %+v", validation)
	}
}

func TestValidateExpiredSessionIsTerminated(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	device := testDevice("fp-a", "10.0.0.1")

	res, err := f.service.RegisterSession(ctx, RegisterSessionRequest{
		UserID:     userID,
		UserAgent:  device.UserAgent,
		IPAddress:  device.IPAddress,
		TTLSeconds: 60,
	}, device)
	if err != nil {
		t.Fatalf("register session: %v", err)
	}

	f.advance(2 * time.Minute)
	validation, err := f.service.ValidateSessionSecurity(ctx, res.SessionToken, device, ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Reason != domain.ReasonSessionExpired || validation.Action != domain.ActionForceLogout {
		t.Fatalf("expected force-logout on expiry, got %+v", validation)
	}
	if _, ok := f.sessions.snapshot(res.SessionToken); ok {
		t.Fatalf("expired session should be removed")
	}
	if details := f.lastInvalidation(t); details.Reason != domain.InvalidationExpired {
		t.Fatalf("expected expired invalidation audit, got %s", details.Reason)
	}
}

func TestValidateInactivityBoundary(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	device := testDevice("fp-a", "10.0.0.1")
	res := f.register(t, userID, device)

	f.advance(29 * time.Minute)
	if validation, _ := f.service.ValidateSessionSecurity(ctx, res.SessionToken, device, ValidateOptions{}); !validation.Valid {
		t.Fatalf("29 minutes idle should pass, got %+v", validation)
	}

	f.advance(time.Minute)
	if validation, _ := f.service.ValidateSessionSecurity(ctx, res.SessionToken, device, ValidateOptions{}); !validation.Valid {
		t.Fatalf("exactly 30 minutes idle should still pass, got %+v", validation)
	}

	f.advance(time.Second)
	validation, err := f.service.ValidateSessionSecurity(ctx, res.SessionToken, device, ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Reason != domain.ReasonInactivityTimeout || validation.Action != domain.ActionForceLogout {
		t.Fatalf("expected inactivity timeout past the window, got %+v", validation)
	}
	if _, ok := f.sessions.snapshot(res.SessionToken); ok {
		t.Fatalf("idle session should be removed")
	}
	if details := f.lastInvalidation(t); details.Reason != domain.InvalidationInactivity {
		t.Fatalf("expected inactivity invalidation audit, got %s", details.Reason)
	}
}

func TestValidateHonorsPerCallTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	device := testDevice("fp-a", "10.0.0.1")
	res := f.register(t, userID, device)

	f.advance(20 * time.Minute)
	validation, err := f.service.ValidateSessionSecurity(ctx, res.SessionToken, device, ValidateOptions{InactivityTimeout: 15 * time.Minute})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Reason != domain.ReasonInactivityTimeout {
		t.Fatalf("a stricter route timeout should apply, got %+v", validation)
	}

	other := f.register(t, userID, device)
	f.advance(45 * time.Minute)
	validation, err = f.service.ValidateSessionSecurity(ctx, other.SessionToken, device, ValidateOptions{InactivityTimeout: time.Hour})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !validation.Valid {
		t.Fatalf("a relaxed route timeout should apply, got %+v", validation)
	}
}

func TestUpdateSessionActivityExtendsWindow(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	device := testDevice("fp-a", "10.0.0.1")
	res := f.register(t, userID, device)

	f.advance(20 * time.Minute)
	f.service.UpdateSessionActivity(ctx, res.SessionToken)
	f.advance(20 * time.Minute)

	validation, err := f.service.ValidateSessionSecurity(ctx, res.SessionToken, device, ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !validation.Valid {
		t.Fatalf("activity touch should reset the idle clock, got %+v", validation)
	}
}

func TestValidateFailsClosedOnStoreOutage(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.sessions.getErr = errors.New("connection reset")

	validation, err := f.service.ValidateSessionSecurity(context.Background(), "any", testDevice("fp-a", "10.0.0.1"), ValidateOptions{})
	if err != nil {
		t.Fatalf("store outage must not surface as a handler error: %v", err)
	}
	if validation.Valid || validation.Reason != domain.ReasonCheckUnavailable {
		t.Fatalf("expected check_unavailable denial, got %+v", validation)
	}
}

func TestInvalidateSessionScopedToOwner(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userA := f.seedUser("manager")
	userB := f.seedUser("manager")
	res := f.register(t, userA, testDevice("fp-a", "10.0.0.1"))

	if err := f.service.InvalidateSession(ctx, userB, res.SessionToken, domain.InvalidationLogout); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("another user's token must look nonexistent, got %v", err)
	}
	if _, ok := f.sessions.snapshot(res.SessionToken); !ok {
		t.Fatalf("cross-user attempt must not remove the session")
	}

	if err := f.service.InvalidateSession(ctx, userA, res.SessionToken, domain.InvalidationLogout); err != nil {
		t.Fatalf("owner logout: %v", err)
	}
	if _, ok := f.sessions.snapshot(res.SessionToken); ok {
		t.Fatalf("session should be gone after logout")
	}
	if details := f.lastInvalidation(t); details.Reason != domain.InvalidationLogout {
		t.Fatalf("expected logout audit, got %s", details.Reason)
	}

	// Logging out a token that is already gone is a no-op.
	if err := f.service.InvalidateSession(ctx, userA, res.SessionToken, domain.InvalidationLogout); err != nil {
		t.Fatalf("repeat logout should be idempotent: %v", err)
	}
}

func TestInvalidateAllSessionsCountsRemovals(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userA := f.seedUser("manager")
	userB := f.seedUser("manager")

	for i := 0; i < 3; i++ {
		f.register(t, userA, testDevice(fmt.Sprintf("fp-a%d", i), "10.0.0.1"))
	}
	other := f.register(t, userB, testDevice("fp-b", "10.0.0.2"))

	count, err := f.service.InvalidateAllSessions(ctx, userA, domain.InvalidationLogoutAll)
	if err != nil {
		t.Fatalf("invalidate all: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 invalidated sessions, got %d", count)
	}
	if _, ok := f.sessions.snapshot(other.SessionToken); !ok {
		t.Fatalf("another user's session must survive")
	}
	invalidated := f.auditEvents(domain.EventSessionInvalidated)
	if len(invalidated) != 3 {
		t.Fatalf("expected 3 invalidation audit events, got %d", len(invalidated))
	}

	count, err = f.service.InvalidateAllSessions(ctx, userA, domain.InvalidationLogoutAll)
	if err != nil || count != 0 {
		t.Fatalf("second pass should find nothing, got count=%d err=%v", count, err)
	}
	if _, err := f.service.InvalidateAllSessions(ctx, uuid.Nil, domain.InvalidationLogoutAll); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for nil user, got %v", err)
	}
}

func TestListSessionsMarksCurrentAndSkipsExpired(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")

	first := f.register(t, userID, testDevice("fp-1", "10.0.0.1"))
	f.advance(time.Minute)
	second := f.register(t, userID, testDevice("fp-2", "10.0.0.1"))

	items, err := f.service.ListSessions(ctx, userID, second.SessionToken)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(items))
	}
	if items[0].SessionToken != first.SessionToken || items[0].Current {
		t.Fatalf("expected oldest-first listing with current unset: %+v", items[0])
	}
	if !items[1].Current {
		t.Fatalf("expected the presented token to be flagged current")
	}

	device := testDevice("fp-3", "10.0.0.1")
	if _, err := f.service.RegisterSession(ctx, RegisterSessionRequest{
		UserID:     userID,
		UserAgent:  device.UserAgent,
		IPAddress:  device.IPAddress,
		TTLSeconds: 30,
	}, device); err != nil {
		t.Fatalf("register short-lived session: %v", err)
	}
	f.advance(time.Minute)

	items, err = f.service.ListSessions(ctx, userID, "")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expired session must not be listed, got %d items", len(items))
	}
}

func TestSweepExpiredSessionsAuditsEachRemoval(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")

	keep := f.register(t, userID, testDevice("fp-keep", "10.0.0.1"))
	for i, ttl := range []int64{60, 90} {
		device := testDevice(fmt.Sprintf("fp-exp%d", i), "10.0.0.1")
		if _, err := f.service.RegisterSession(ctx, RegisterSessionRequest{
			UserID:     userID,
			UserAgent:  device.UserAgent,
			IPAddress:  device.IPAddress,
			TTLSeconds: ttl,
		}, device); err != nil {
			t.Fatalf("register session: %v", err)
		}
	}
	f.advance(2 * time.Minute)

	removed, err := f.service.SweepExpiredSessions(ctx, 1)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("batch size must bound the sweep, got %d", removed)
	}
	removed, err = f.service.SweepExpiredSessions(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected the remaining expired session, got %d", removed)
	}

	if _, ok := f.sessions.snapshot(keep.SessionToken); !ok {
		t.Fatalf("live session must survive the sweep")
	}
	invalidated := f.auditEvents(domain.EventSessionInvalidated)
	if len(invalidated) != 2 {
		t.Fatalf("expected 2 sweep audit events, got %d", len(invalidated))
	}
	for _, ev := range invalidated {
		if ev.Details.(domain.SessionInvalidatedDetails).Reason != domain.InvalidationExpired {
			t.Fatalf("expected expired reason, got %+v", ev.Details)
		}
	}
}

func TestHandlePasswordChangeClearsSessionsAndCache(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userA := f.seedUser("manager")
	userB := f.seedUser("manager")
	property := uuid.New()
	f.access.setPropertyPerms(userA, property, []string{"view_costs"})
	f.access.setPropertyPerms(userB, property, []string{"view_costs"})

	f.register(t, userA, testDevice("fp-a1", "10.0.0.1"))
	f.register(t, userA, testDevice("fp-a2", "10.0.0.2"))
	other := f.register(t, userB, testDevice("fp-b", "10.0.0.3"))

	if _, err := f.service.GetUserPermissions(ctx, userA, property); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if _, err := f.service.GetUserPermissions(ctx, userB, property); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if calls := f.access.permissionCalls(); calls != 2 {
		t.Fatalf("expected 2 source loads priming the cache, got %d", calls)
	}

	res, err := f.service.HandlePasswordChange(ctx, userA)
	if err != nil {
		t.Fatalf("password change: %v", err)
	}
	if res.SessionsInvalidated != 2 || !res.CacheInvalidated {
		t.Fatalf("unexpected result: %+v", res)
	}

	if items, _ := f.service.ListSessions(ctx, userA, ""); len(items) != 0 {
		t.Fatalf("password change must end every session, %d left", len(items))
	}
	if _, ok := f.sessions.snapshot(other.SessionToken); !ok {
		t.Fatalf("other users' sessions must survive")
	}

	// The changed user's cached permissions reload from source; the other
	// user's entry is untouched.
	if _, err := f.service.GetUserPermissions(ctx, userA, property); err != nil {
		t.Fatalf("reload permissions: %v", err)
	}
	if _, err := f.service.GetUserPermissions(ctx, userB, property); err != nil {
		t.Fatalf("reload permissions: %v", err)
	}
	if calls := f.access.permissionCalls(); calls != 3 {
		t.Fatalf("expected exactly one post-change source load, got %d total", calls)
	}

	audit := f.auditEvents(domain.EventPasswordChange)
	if len(audit) != 1 || audit[0].Severity != domain.SecurityLevelMedium {
		t.Fatalf("expected one medium password_change event, got %+v", audit)
	}
	if details := audit[0].Details.(domain.PasswordChangeDetails); details.SessionsInvalidated != 2 {
		t.Fatalf("expected 2 invalidated in details, got %d", details.SessionsInvalidated)
	}

	notes := f.outbox.snapshot()
	if len(notes) != 1 || notes[0].EventType != "security.password_change" {
		t.Fatalf("expected password change notification, got %+v", notes)
	}
	if notes[0].PartitionKey != userA.String() {
		t.Fatalf("notification must partition by user, got %s", notes[0].PartitionKey)
	}
	var payload struct {
		SessionsInvalidated int `json:"sessions_invalidated"`
	}
	if err := json.Unmarshal(notes[0].Payload, &payload); err != nil || payload.SessionsInvalidated != 2 {
		t.Fatalf("unexpected notification payload %s err=%v", notes[0].Payload, err)
	}
}

func TestHandleRoleChangeKeepsSessionsAndDropsRoleCaches(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	f.access.setRolePerms("manager", []string{"view_costs"})
	f.access.setRolePerms("admin", []string{"view_costs", "manage_users"})

	res := f.register(t, userID, testDevice("fp-a", "10.0.0.1"))

	if _, err := f.service.GetRolePermissions(ctx, "manager"); err != nil {
		t.Fatalf("prime role cache: %v", err)
	}
	if _, err := f.service.GetRolePermissions(ctx, "admin"); err != nil {
		t.Fatalf("prime role cache: %v", err)
	}
	if calls := f.access.roleCalls(); calls != 2 {
		t.Fatalf("expected 2 role source loads, got %d", calls)
	}

	result, err := f.service.HandleRoleChange(ctx, userID, "manager", "admin", domain.SecurityEventOptions{})
	if err != nil {
		t.Fatalf("role change: %v", err)
	}
	if result.SessionsInvalidated != 0 {
		t.Fatalf("role change must keep sessions by default, got %d invalidated", result.SessionsInvalidated)
	}
	if _, ok := f.sessions.snapshot(res.SessionToken); !ok {
		t.Fatalf("session should survive a role change")
	}

	if _, err := f.service.GetRolePermissions(ctx, "manager"); err != nil {
		t.Fatalf("reload role cache: %v", err)
	}
	if _, err := f.service.GetRolePermissions(ctx, "admin"); err != nil {
		t.Fatalf("reload role cache: %v", err)
	}
	if calls := f.access.roleCalls(); calls != 4 {
		t.Fatalf("both role caches should reload from source, got %d total loads", calls)
	}

	audit := f.auditEvents(domain.EventRoleChange)
	if len(audit) != 1 {
		t.Fatalf("expected one role_change event, got %d", len(audit))
	}
	details := audit[0].Details.(domain.RoleChangeDetails)
	if details.OldRole != "manager" || details.NewRole != "admin" {
		t.Fatalf("unexpected role_change details: %+v", details)
	}
	if notes := f.outbox.snapshot(); len(notes) != 1 || notes[0].EventType != "security.role_change" {
		t.Fatalf("expected role change notification, got %+v", notes)
	}
}

func TestHandleRoleChangeReauthRevokesDeviceTrust(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	device := testDevice("fp-a", "10.0.0.1")

	if err := f.service.TrustDevice(ctx, userID, device.Fingerprint); err != nil {
		t.Fatalf("trust device: %v", err)
	}
	res := f.register(t, userID, device)
	if !res.DeviceTrusted {
		t.Fatalf("expected trusted session")
	}

	if _, err := f.service.HandleRoleChange(ctx, userID, "manager", "admin", domain.SecurityEventOptions{
		RequireReauthentication: true,
	}); err != nil {
		t.Fatalf("role change: %v", err)
	}

	record, ok := f.sessions.snapshot(res.SessionToken)
	if !ok {
		t.Fatalf("session should survive reauthentication demand")
	}
	if record.DeviceTrusted {
		t.Fatalf("device trust should be revoked on live sessions")
	}

	// With trust gone, the untrusted IP-drift step-up applies again.
	validation, err := f.service.ValidateSessionSecurity(ctx, res.SessionToken, testDevice("fp-a", "203.0.113.9"), ValidateOptions{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Reason != domain.ReasonUntrustedIPDrift {
		t.Fatalf("expected step-up after trust revocation, got %+v", validation)
	}
}

func TestHandlePermissionChangeScopesToProperties(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userA := f.seedUser("manager")
	userB := f.seedUser("manager")
	propertyOne := uuid.New()
	propertyTwo := uuid.New()
	for _, userID := range []uuid.UUID{userA, userB} {
		f.access.setPropertyPerms(userID, propertyOne, []string{"view_costs"})
		f.access.setPropertyPerms(userID, propertyTwo, []string{"view_costs"})
	}
	for _, userID := range []uuid.UUID{userA, userB} {
		for _, propertyID := range []uuid.UUID{propertyOne, propertyTwo} {
			if _, err := f.service.GetUserPermissions(ctx, userID, propertyID); err != nil {
				t.Fatalf("prime cache: %v", err)
			}
		}
	}
	if calls := f.access.permissionCalls(); calls != 4 {
		t.Fatalf("expected 4 priming loads, got %d", calls)
	}

	if _, err := f.service.HandlePermissionChange(ctx, userA, []uuid.UUID{propertyOne}, domain.SecurityEventOptions{}); err != nil {
		t.Fatalf("permission change: %v", err)
	}

	// Untouched: userB on the unaffected property.
	if _, err := f.service.GetUserPermissions(ctx, userB, propertyTwo); err != nil {
		t.Fatalf("read cached permissions: %v", err)
	}
	if calls := f.access.permissionCalls(); calls != 4 {
		t.Fatalf("userB/propertyTwo should still be cached, got %d loads", calls)
	}
	// Dropped: userB on the changed property, and everything of userA's.
	if _, err := f.service.GetUserPermissions(ctx, userB, propertyOne); err != nil {
		t.Fatalf("reload permissions: %v", err)
	}
	if _, err := f.service.GetUserPermissions(ctx, userA, propertyTwo); err != nil {
		t.Fatalf("reload permissions: %v", err)
	}
	if calls := f.access.permissionCalls(); calls != 6 {
		t.Fatalf("expected 2 reloads after invalidation, got %d total", calls)
	}

	audit := f.auditEvents(domain.EventPermissionChange)
	if len(audit) != 1 {
		t.Fatalf("expected one permission_change event, got %d", len(audit))
	}
	details := audit[0].Details.(domain.PermissionChangeDetails)
	if len(details.PropertyIDs) != 1 || details.PropertyIDs[0] != propertyOne {
		t.Fatalf("unexpected property scope in details: %+v", details)
	}
	if notes := f.outbox.snapshot(); len(notes) != 1 || notes[0].EventType != "security.permission_change" {
		t.Fatalf("expected permission change notification, got %+v", notes)
	}
}

func TestHandleAccountLockedForcesLogoutEverywhere(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	f.register(t, userID, testDevice("fp-1", "10.0.0.1"))
	f.register(t, userID, testDevice("fp-2", "10.0.0.2"))

	res, err := f.service.HandleAccountLocked(ctx, userID, "fraud review")
	if err != nil {
		t.Fatalf("account locked: %v", err)
	}
	if res.SessionsInvalidated != 2 {
		t.Fatalf("expected 2 invalidated sessions, got %d", res.SessionsInvalidated)
	}

	audit := f.auditEvents(domain.EventAccountLocked)
	if len(audit) != 1 || audit[0].Severity != domain.SecurityLevelHigh {
		t.Fatalf("expected one high-severity account_locked event, got %+v", audit)
	}
	details := audit[0].Details.(domain.AccountLockedDetails)
	if details.Reason != "fraud review" || details.SessionsInvalidated != 2 {
		t.Fatalf("unexpected account_locked details: %+v", details)
	}
	if notes := f.outbox.snapshot(); len(notes) != 1 || notes[0].EventType != "security.account_locked" {
		t.Fatalf("expected account locked notification, got %+v", notes)
	}
}

func TestApplySecurityEventRejectsUnknownType(t *testing.T) {
	t.Parallel()

	f := newFixture()
	_, err := f.service.applySecurityEvent(context.Background(), securityEventInput{
		UserID: uuid.New(),
		Type:   domain.SecurityEventType("mystery"),
	})
	if !errors.Is(err, domain.ErrUnknownEventType) {
		t.Fatalf("expected unknown event type error, got %v", err)
	}
}

func TestRepeatedAnomaliesEscalateToAccountLock(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.SuspiciousLockThreshold = 3
	f := newFixtureWithConfig(cfg)
	ctx := context.Background()
	userID := f.seedUser("manager")

	res := f.register(t, userID, testDevice("fp-a", "10.0.0.1"))
	evil := testDevice("fp-evil", "203.0.113.9")

	for i := 0; i < 3; i++ {
		validation, err := f.service.ValidateSessionSecurity(ctx, res.SessionToken, evil, ValidateOptions{})
		if err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
		if validation.Reason != domain.ReasonDeviceMismatch {
			t.Fatalf("expected device mismatch, got %+v", validation)
		}
	}

	if locks := f.auditEvents(domain.EventAccountLocked); len(locks) != 1 {
		t.Fatalf("expected exactly one escalation lock, got %d", len(locks))
	}
	if items, _ := f.service.ListSessions(ctx, userID, ""); len(items) != 0 {
		t.Fatalf("escalation lock must end the user's sessions")
	}

	// An existing lock inside the window is not re-triggered.
	again := f.register(t, userID, testDevice("fp-b", "10.0.0.1"))
	if _, err := f.service.ValidateSessionSecurity(ctx, again.SessionToken, evil, ValidateOptions{}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if locks := f.auditEvents(domain.EventAccountLocked); len(locks) != 1 {
		t.Fatalf("lock should not re-trigger inside the window, got %d", len(locks))
	}
	if _, ok := f.sessions.snapshot(again.SessionToken); !ok {
		t.Fatalf("the new session should survive the suppressed escalation")
	}
}

func TestGetUserPermissionsReadThrough(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	propertyID := uuid.New()
	f.access.setPropertyPerms(userID, propertyID, []string{"view_costs", "edit_budgets"})

	perms, err := f.service.GetUserPermissions(ctx, userID, propertyID)
	if err != nil {
		t.Fatalf("get permissions: %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("unexpected permissions: %v", perms)
	}
	if _, err := f.service.GetUserPermissions(ctx, userID, propertyID); err != nil {
		t.Fatalf("get permissions: %v", err)
	}
	if calls := f.access.permissionCalls(); calls != 1 {
		t.Fatalf("second read should hit the cache, got %d source loads", calls)
	}

	// Entries age out on TTL and reload from source.
	f.advance(16 * time.Minute)
	if _, err := f.service.GetUserPermissions(ctx, userID, propertyID); err != nil {
		t.Fatalf("get permissions: %v", err)
	}
	if calls := f.access.permissionCalls(); calls != 2 {
		t.Fatalf("expired entry should reload from source, got %d loads", calls)
	}
}

func TestGetUserPermissionsCachesEmptySets(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	propertyID := uuid.New()

	perms, err := f.service.GetUserPermissions(ctx, userID, propertyID)
	if err != nil {
		t.Fatalf("get permissions: %v", err)
	}
	if perms == nil || len(perms) != 0 {
		t.Fatalf("expected empty non-nil permission set, got %#v", perms)
	}
	if _, err := f.service.GetUserPermissions(ctx, userID, propertyID); err != nil {
		t.Fatalf("get permissions: %v", err)
	}
	if calls := f.access.permissionCalls(); calls != 1 {
		t.Fatalf("absence of access is cacheable too, got %d source loads", calls)
	}
}

func TestCheckPropertyAccessCachesDenial(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	denied := uuid.New()
	granted := uuid.New()
	f.access.setPropertyAccess(userID, granted, true)

	allowed, err := f.service.CheckPropertyAccess(ctx, userID, denied)
	if err != nil || allowed {
		t.Fatalf("expected denial, got allowed=%v err=%v", allowed, err)
	}
	if allowed, _ := f.service.CheckPropertyAccess(ctx, userID, denied); allowed {
		t.Fatalf("cached denial flipped to allowed")
	}
	if calls := f.access.accessChecks(); calls != 1 {
		t.Fatalf("denial should be served from cache, got %d source checks", calls)
	}

	if allowed, err := f.service.CheckPropertyAccess(ctx, userID, granted); err != nil || !allowed {
		t.Fatalf("expected grant, got allowed=%v err=%v", allowed, err)
	}
}

func TestGetRolePermissionsNormalizesRole(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.access.setRolePerms("manager", []string{"view_costs"})

	perms, err := f.service.GetRolePermissions(ctx, "  Manager ")
	if err != nil {
		t.Fatalf("get role permissions: %v", err)
	}
	if len(perms) != 1 || perms[0] != "view_costs" {
		t.Fatalf("unexpected permissions: %v", perms)
	}
	if _, err := f.service.GetRolePermissions(ctx, "MANAGER"); err != nil {
		t.Fatalf("get role permissions: %v", err)
	}
	if calls := f.access.roleCalls(); calls != 1 {
		t.Fatalf("case variants should share one cache entry, got %d loads", calls)
	}

	if _, err := f.service.GetRolePermissions(ctx, "   "); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank role, got %v", err)
	}
}

func TestGetUserPropertiesReadThrough(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	f.access.setUserProperties(userID, []uuid.UUID{uuid.New(), uuid.New()})

	ids, err := f.service.GetUserProperties(ctx, userID)
	if err != nil {
		t.Fatalf("get user properties: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("unexpected property list: %v", ids)
	}
	if _, err := f.service.GetUserProperties(ctx, userID); err != nil {
		t.Fatalf("get user properties: %v", err)
	}
	if calls := f.access.propertyListCalls(); calls != 1 {
		t.Fatalf("second read should hit the cache, got %d loads", calls)
	}
}

func TestBatchPermissionsMixesHitsAndMisses(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := uuid.New()
	props := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, propertyID := range props {
		f.access.setPropertyPerms(userID, propertyID, []string{fmt.Sprintf("perm-%d", i)})
	}

	if _, err := f.service.GetUserPermissions(ctx, userID, props[0]); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	result, err := f.service.GetBatchUserPermissions(ctx, userID, props)
	if err != nil {
		t.Fatalf("batch permissions: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("expected all 3 properties resolved, got %d", len(result))
	}
	if calls := f.access.permissionCalls(); calls != 3 {
		t.Fatalf("only the 2 misses should load from source, got %d total", calls)
	}

	// Write-back: a second batch is fully served from cache.
	if _, err := f.service.GetBatchUserPermissions(ctx, userID, props); err != nil {
		t.Fatalf("batch permissions: %v", err)
	}
	if calls := f.access.permissionCalls(); calls != 3 {
		t.Fatalf("repeat batch should not reach the source, got %d loads", calls)
	}

	// Duplicates collapse; empty input short-circuits.
	dup, err := f.service.GetBatchUserPermissions(ctx, userID, []uuid.UUID{props[0], props[0]})
	if err != nil || len(dup) != 1 {
		t.Fatalf("duplicate ids should collapse, got %d err=%v", len(dup), err)
	}
	empty, err := f.service.GetBatchUserPermissions(ctx, userID, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty request should produce empty result, got %v err=%v", empty, err)
	}
}

func TestCacheOutageDegradesToSourceLoads(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	userID := f.seedUser("manager")
	propertyID := uuid.New()
	f.access.setPropertyPerms(userID, propertyID, []string{"view_costs"})
	f.register(t, userID, testDevice("fp-a", "10.0.0.1"))
	f.cache.failAll = true

	for i := 1; i <= 2; i++ {
		perms, err := f.service.GetUserPermissions(ctx, userID, propertyID)
		if err != nil {
			t.Fatalf("cache outage must not fail reads: %v", err)
		}
		if len(perms) != 1 {
			t.Fatalf("unexpected permissions: %v", perms)
		}
		if calls := f.access.permissionCalls(); calls != i {
			t.Fatalf("every read should reach the source during an outage, got %d loads after %d reads", calls, i)
		}
	}

	// Session invalidation still applies; only the cache flag degrades.
	res, err := f.service.HandlePasswordChange(ctx, userID)
	if err != nil {
		t.Fatalf("password change during cache outage: %v", err)
	}
	if res.SessionsInvalidated != 1 || res.CacheInvalidated {
		t.Fatalf("expected sessions ended with cache degraded, got %+v", res)
	}
}

func TestSessionStatsTimeframes(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.events.agg = ports.SessionAggregates{
		SessionsCreated:    8,
		TrustedCreations:   5,
		SuspiciousEvents:   2,
		AvgDurationSeconds: 754.67,
	}
	for i := 0; i < 3; i++ {
		userID := f.seedUser("manager")
		f.register(t, userID, testDevice(fmt.Sprintf("fp-%d", i), "10.0.0.1"))
	}

	stats, err := f.service.SessionStats(ctx, "")
	if err != nil {
		t.Fatalf("session stats: %v", err)
	}
	if stats.Timeframe != "24h" {
		t.Fatalf("empty timeframe should default to 24h, got %s", stats.Timeframe)
	}
	if !f.events.lastSince.Equal(f.now.Add(-24 * time.Hour)) {
		t.Fatalf("24h window should look back one day, got %v", f.events.lastSince)
	}
	if stats.SessionsCreated != 8 || stats.ActiveSessions != 3 || stats.SuspiciousEvents != 2 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.DeviceTrustRate != 0.63 {
		t.Fatalf("expected trust rate rounded to 0.63, got %v", stats.DeviceTrustRate)
	}
	if stats.AvgSessionDurationSeconds != 754.7 {
		t.Fatalf("expected duration rounded to 754.7, got %v", stats.AvgSessionDurationSeconds)
	}

	if _, err := f.service.SessionStats(ctx, "1h"); err != nil {
		t.Fatalf("1h timeframe: %v", err)
	}
	if !f.events.lastSince.Equal(f.now.Add(-time.Hour)) {
		t.Fatalf("1h window mismatch: %v", f.events.lastSince)
	}
	if _, err := f.service.SessionStats(ctx, "7d"); err != nil {
		t.Fatalf("7d timeframe: %v", err)
	}
	if !f.events.lastSince.Equal(f.now.Add(-7 * 24 * time.Hour)) {
		t.Fatalf("7d window mismatch: %v", f.events.lastSince)
	}
	if _, err := f.service.SessionStats(ctx, "48h"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown timeframe, got %v", err)
	}
}

func TestSessionStatsZeroCreationsZeroRate(t *testing.T) {
	t.Parallel()

	f := newFixture()
	stats, err := f.service.SessionStats(context.Background(), "1h")
	if err != nil {
		t.Fatalf("session stats: %v", err)
	}
	if stats.DeviceTrustRate != 0 || stats.SessionsCreated != 0 {
		t.Fatalf("expected zero-valued stats, got %+v", stats)
	}
}

// --- fixture ---

type fixture struct {
	service  *Service
	sessions *fakeSessionStore
	events   *fakeEventRepo
	outbox   *fakeOutbox
	access   *fakeAccess
	cache    *fakeCacheBackend
	signer   *fakeSigner
	now      time.Time
}

func newFixture() *fixture {
	return newFixtureWithConfig(defaultTestConfig())
}

func defaultTestConfig() Config {
	return Config{
		MaxConcurrentSessions: 5,
		InactivityTimeout:     30 * time.Minute,
		SessionTTL:            24 * time.Hour,
		ActivityLookback:      24 * time.Hour,
		DeviceTrustThreshold:  3,
		UserPermissionsTTL:    15 * time.Minute,
		PropertyAccessTTL:     10 * time.Minute,
		RolePermissionsTTL:    time.Hour,
		UserPropertiesTTL:     10 * time.Minute,
	}
}

func newFixtureWithConfig(cfg Config) *fixture {
	f := &fixture{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	f.sessions = &fakeSessionStore{byToken: map[string]domain.SessionRecord{}}
	f.events = &fakeEventRepo{}
	f.outbox = &fakeOutbox{}
	f.access = newFakeAccess()
	f.cache = &fakeCacheBackend{entries: map[string]fakeCacheEntry{}, now: f.clock}
	f.signer = &fakeSigner{tokens: map[string]ports.SessionClaims{}}

	f.service = NewService(Dependencies{
		Config:      cfg,
		Sessions:    f.sessions,
		Events:      f.events,
		Outbox:      f.outbox,
		Access:      f.access,
		Cache:       f.cache,
		TokenSigner: f.signer,
	})
	f.service.nowFn = f.clock
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) seedUser(role string) uuid.UUID {
	userID := uuid.New()
	f.access.setRole(userID, role)
	return userID
}

func (f *fixture) register(t *testing.T, userID uuid.UUID, device domain.DeviceInfo) RegisterSessionResponse {
	t.Helper()
	res, err := f.service.RegisterSession(context.Background(), RegisterSessionRequest{
		UserID:    userID,
		UserAgent: device.UserAgent,
		IPAddress: device.IPAddress,
	}, device)
	if err != nil {
		t.Fatalf("register session: %v", err)
	}
	return res
}

func (f *fixture) auditEvents(eventType domain.SecurityEventType) []domain.SecurityEvent {
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	var out []domain.SecurityEvent
	for _, ev := range f.events.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fixture) lastInvalidation(t *testing.T) domain.SessionInvalidatedDetails {
	t.Helper()
	events := f.auditEvents(domain.EventSessionInvalidated)
	if len(events) == 0 {
		t.Fatalf("no session_invalidated audit event recorded")
	}
	return events[len(events)-1].Details.(domain.SessionInvalidatedDetails)
}

func testDevice(fingerprint, ip string) domain.DeviceInfo {
	return domain.DeviceInfo{
		UserAgent:   "Mozilla/5.0 (X11; Linux x86_64) unit-test",
		IPAddress:   ip,
		Browser:     "chrome",
		OS:          "linux",
		DeviceClass: "desktop",
		Fingerprint: fingerprint,
	}
}

// --- fakes ---

type fakeSessionStore struct {
	mu      sync.Mutex
	byToken map[string]domain.SessionRecord
	order   []string
	getErr  error
}

func (f *fakeSessionStore) snapshot(token string) (domain.SessionRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.byToken[token]
	return record, ok
}

func (f *fakeSessionStore) Create(_ context.Context, params ports.SessionCreateParams) (domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := domain.SessionRecord{
		SessionToken:         params.SessionToken,
		UserID:               params.UserID,
		Device:               params.Device,
		DeviceTrusted:        params.DeviceTrusted,
		SecurityLevel:        params.SecurityLevel,
		ConcurrentAtCreation: params.ConcurrentAtCreation,
		CreatedAt:            params.CreatedAt,
		LastActivityAt:       params.CreatedAt,
		ExpiresAt:            params.ExpiresAt,
	}
	f.byToken[params.SessionToken] = record
	f.order = append(f.order, params.SessionToken)
	return record, nil
}

func (f *fakeSessionStore) GetByToken(_ context.Context, token string) (domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.SessionRecord{}, f.getErr
	}
	record, ok := f.byToken[token]
	if !ok {
		return domain.SessionRecord{}, domain.ErrNotFound
	}
	return record, nil
}

func (f *fakeSessionStore) listActiveLocked(userID uuid.UUID, createdAfter, now time.Time) []domain.SessionRecord {
	var out []domain.SessionRecord
	for _, token := range f.order {
		record, ok := f.byToken[token]
		if !ok {
			continue
		}
		if record.UserID != userID || !record.ExpiresAt.After(now) || !record.CreatedAt.After(createdAfter) {
			continue
		}
		out = append(out, record)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (f *fakeSessionStore) ListActiveByUser(_ context.Context, userID uuid.UUID, createdAfter, now time.Time) ([]domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listActiveLocked(userID, createdAfter, now), nil
}

func (f *fakeSessionStore) CountActiveByUser(_ context.Context, userID uuid.UUID, createdAfter, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listActiveLocked(userID, createdAfter, now)), nil
}

func (f *fakeSessionStore) CountActive(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, record := range f.byToken {
		if record.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (f *fakeSessionStore) TouchActivity(_ context.Context, token string, touchedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.byToken[token]
	if !ok {
		return domain.ErrNotFound
	}
	record.LastActivityAt = touchedAt
	f.byToken[token] = record
	return nil
}

func (f *fakeSessionStore) FlagSuspicious(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.byToken[token]
	if !ok {
		return domain.ErrNotFound
	}
	record.SuspiciousActivity = true
	f.byToken[token] = record
	return nil
}

func (f *fakeSessionStore) PromoteDeviceTrust(_ context.Context, userID uuid.UUID, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for token, record := range f.byToken {
		if record.UserID == userID && record.Device.Fingerprint == fingerprint {
			record.DeviceTrusted = true
			f.byToken[token] = record
		}
	}
	return nil
}

func (f *fakeSessionStore) RevokeDeviceTrust(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for token, record := range f.byToken {
		if record.UserID == userID && record.DeviceTrusted {
			record.DeviceTrusted = false
			f.byToken[token] = record
		}
	}
	return nil
}

func (f *fakeSessionStore) Delete(_ context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byToken[token]; !ok {
		return false, nil
	}
	delete(f.byToken, token)
	for i, candidate := range f.order {
		if candidate == token {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (f *fakeSessionStore) DeleteExpired(_ context.Context, now time.Time, limit int) ([]domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []domain.SessionRecord
	remaining := f.order[:0]
	for _, token := range f.order {
		record, ok := f.byToken[token]
		if !ok {
			continue
		}
		if len(removed) < limit && !record.ExpiresAt.After(now) {
			removed = append(removed, record)
			delete(f.byToken, token)
			continue
		}
		remaining = append(remaining, token)
	}
	f.order = remaining
	return removed, nil
}

type fakeEventRepo struct {
	mu        sync.Mutex
	events    []domain.SecurityEvent
	agg       ports.SessionAggregates
	lastSince time.Time
}

func (f *fakeEventRepo) Insert(_ context.Context, event domain.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventRepo) matches(filter ports.SecurityEventFilter, ev domain.SecurityEvent) bool {
	if filter.UserID != nil && ev.UserID != *filter.UserID {
		return false
	}
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Fingerprint != "" && ev.Fingerprint != filter.Fingerprint {
		return false
	}
	if filter.Severity != "" && ev.Severity != filter.Severity {
		return false
	}
	if filter.Since != nil && ev.OccurredAt.Before(*filter.Since) {
		return false
	}
	return true
}

func (f *fakeEventRepo) Count(_ context.Context, filter ports.SecurityEventFilter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, ev := range f.events {
		if f.matches(filter, ev) {
			count++
		}
	}
	return count, nil
}

func (f *fakeEventRepo) Latest(_ context.Context, filter ports.SecurityEventFilter) (domain.SecurityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.matches(filter, f.events[i]) {
			return f.events[i], nil
		}
	}
	return domain.SecurityEvent{}, domain.ErrNotFound
}

func (f *fakeEventRepo) List(_ context.Context, filter ports.SecurityEventFilter, limit int) ([]domain.SecurityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SecurityEvent
	for i := len(f.events) - 1; i >= 0 && len(out) < limit; i-- {
		if f.matches(filter, f.events[i]) {
			out = append(out, f.events[i])
		}
	}
	return out, nil
}

func (f *fakeEventRepo) SessionAggregates(_ context.Context, since time.Time) (ports.SessionAggregates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSince = since
	return f.agg, nil
}

type fakeOutbox struct {
	mu     sync.Mutex
	events []ports.OutboxEvent
}

func (f *fakeOutbox) snapshot() []ports.OutboxEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ports.OutboxEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeOutbox) Enqueue(_ context.Context, event ports.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeOutbox) ClaimUnpublished(context.Context, int, string, time.Time) ([]ports.OutboxRecord, error) {
	return nil, nil
}

func (f *fakeOutbox) MarkPublished(context.Context, uuid.UUID, string, time.Time) error { return nil }

func (f *fakeOutbox) MarkFailed(context.Context, uuid.UUID, string, string, time.Time) error {
	return nil
}

func (f *fakeOutbox) MarkDeadLettered(context.Context, uuid.UUID, string, string, time.Time) error {
	return nil
}

type fakeAccess struct {
	mu            sync.Mutex
	roles         map[uuid.UUID]string
	rolePerms     map[string][]string
	propPerms     map[string][]string
	propAccess    map[string]bool
	userProps     map[uuid.UUID][]uuid.UUID
	rolePermLoads int
	permLoads     int
	accessLoads   int
	propListLoads int
}

func newFakeAccess() *fakeAccess {
	return &fakeAccess{
		roles:      map[uuid.UUID]string{},
		rolePerms:  map[string][]string{},
		propPerms:  map[string][]string{},
		propAccess: map[string]bool{},
		userProps:  map[uuid.UUID][]uuid.UUID{},
	}
}

func pairKey(userID, propertyID uuid.UUID) string {
	return userID.String() + "/" + propertyID.String()
}

func (f *fakeAccess) setRole(userID uuid.UUID, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[userID] = role
}

func (f *fakeAccess) setRolePerms(role string, perms []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolePerms[role] = perms
}

func (f *fakeAccess) setPropertyPerms(userID, propertyID uuid.UUID, perms []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.propPerms[pairKey(userID, propertyID)] = perms
}

func (f *fakeAccess) setPropertyAccess(userID, propertyID uuid.UUID, allowed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.propAccess[pairKey(userID, propertyID)] = allowed
}

func (f *fakeAccess) setUserProperties(userID uuid.UUID, ids []uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userProps[userID] = ids
}

func (f *fakeAccess) permissionCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permLoads
}

func (f *fakeAccess) roleCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rolePermLoads
}

func (f *fakeAccess) accessChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accessLoads
}

func (f *fakeAccess) propertyListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.propListLoads
}

func (f *fakeAccess) UserRole(_ context.Context, userID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[userID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return role, nil
}

func (f *fakeAccess) RolePermissions(_ context.Context, role string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolePermLoads++
	return f.rolePerms[role], nil
}

func (f *fakeAccess) UserPropertyPermissions(_ context.Context, userID, propertyID uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permLoads++
	return f.propPerms[pairKey(userID, propertyID)], nil
}

func (f *fakeAccess) HasPropertyAccess(_ context.Context, userID, propertyID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessLoads++
	return f.propAccess[pairKey(userID, propertyID)], nil
}

func (f *fakeAccess) UserPropertyIDs(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.propListLoads++
	return f.userProps[userID], nil
}

type fakeCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

type fakeCacheBackend struct {
	mu      sync.Mutex
	entries map[string]fakeCacheEntry
	now     func() time.Time
	failAll bool
}

func (f *fakeCacheBackend) Name() string { return "fake" }

func (f *fakeCacheBackend) expired(entry fakeCacheEntry) bool {
	return !entry.expiresAt.IsZero() && f.now().After(entry.expiresAt)
}

func (f *fakeCacheBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, false, errors.New("cache unavailable")
	}
	entry, ok := f.entries[key]
	if !ok || f.expired(entry) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (f *fakeCacheBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("cache unavailable")
	}
	entry := fakeCacheEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = f.now().Add(ttl)
	}
	f.entries[key] = entry
	return nil
}

func (f *fakeCacheBackend) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("cache unavailable")
	}
	for _, key := range keys {
		delete(f.entries, key)
	}
	return nil
}

func (f *fakeCacheBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := f.Get(ctx, key)
	return ok, err
}

func (f *fakeCacheBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("cache unavailable")
	}
	var out []string
	for key, entry := range f.entries {
		if f.expired(entry) {
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (f *fakeCacheBackend) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, ok, err := f.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}

func (f *fakeCacheBackend) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	for key, value := range entries {
		if err := f.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

type fakeSigner struct {
	mu     sync.Mutex
	tokens map[string]ports.SessionClaims
}

func (f *fakeSigner) Sign(claims ports.SessionClaims) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := uuid.NewString()
	f.tokens[token] = claims
	return token, nil
}

func (f *fakeSigner) ParseAndValidate(token string) (ports.SessionClaims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claims, ok := f.tokens[token]
	if !ok {
		return ports.SessionClaims{}, domain.ErrUnauthorized
	}
	return claims, nil
}

func (f *fakeSigner) PublicJWKs() ([]map[string]any, error) {
	return []map[string]any{{"kid": "fake"}}, nil
}
