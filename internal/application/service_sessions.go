package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/costwise/session-security-service/internal/domain"
	"github.com/costwise/session-security-service/internal/ports"
)

// RegisterSession records a new session for an already-authenticated
// principal. It computes device trust from the audit log, enforces the
// concurrency ceiling by evicting the oldest sessions, and returns the signed
// envelope the client will present on subsequent requests.
func (s *Service) RegisterSession(ctx context.Context, req RegisterSessionRequest, device domain.DeviceInfo) (RegisterSessionResponse, error) {
	if req.UserID == uuid.Nil {
		return RegisterSessionResponse{}, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}

	role, err := s.access.UserRole(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return RegisterSessionResponse{}, fmt.Errorf("%w: unknown user", domain.ErrNotFound)
		}
		return RegisterSessionResponse{}, fmt.Errorf("%w: resolve user role: %v", domain.ErrBackendUnavailable, err)
	}

	ttl := s.cfg.SessionTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	now := s.nowFn()
	trusted, trustSource, err := s.deviceTrusted(ctx, req.UserID, device.Fingerprint)
	if err != nil {
		// Trust lookup failure assumes untrusted; strictness is the safe side.
		trusted = false
		slog.Default().WarnContext(ctx, "device trust lookup failed; treating device as untrusted",
			"service", serviceName,
			"module", "application",
			"layer", "application",
			"operation", "register_session",
			"outcome", "degraded",
			"user_id", req.UserID,
			"error", err,
		)
	}

	level := domain.SecurityLevelLow
	if trusted {
		level = domain.SecurityLevelMedium
	}

	// Count, evict, and create under the per-user lock so racing logins cannot
	// overshoot the ceiling.
	unlock := s.userLocks.lock(req.UserID)
	count, err := s.sessions.CountActiveByUser(ctx, req.UserID, now.Add(-s.cfg.ActivityLookback), now)
	if err != nil {
		unlock()
		return RegisterSessionResponse{}, fmt.Errorf("count active sessions: %w", err)
	}

	evicted := 0
	if count >= s.cfg.MaxConcurrentSessions {
		evicted, err = s.removeOldestSessions(ctx, req.UserID, count-s.cfg.MaxConcurrentSessions+1, now)
		if err != nil {
			unlock()
			return RegisterSessionResponse{}, fmt.Errorf("evict oldest sessions: %w", err)
		}
		count -= evicted
	}

	token := newSessionToken()
	record, err := s.sessions.Create(ctx, ports.SessionCreateParams{
		SessionToken:         token,
		UserID:               req.UserID,
		Device:               device,
		DeviceTrusted:        trusted,
		SecurityLevel:        level,
		ConcurrentAtCreation: count + 1,
		CreatedAt:            now,
		ExpiresAt:            now.Add(ttl),
	})
	unlock()
	if err != nil {
		return RegisterSessionResponse{}, fmt.Errorf("create session: %w", err)
	}

	s.appendEvent(ctx, domain.SecurityEvent{
		EventID:      uuid.New(),
		UserID:       req.UserID,
		Type:         domain.EventSessionCreated,
		Severity:     domain.SecurityLevelLow,
		SessionToken: token,
		Fingerprint:  device.Fingerprint,
		Details: domain.SessionCreatedDetails{
			Fingerprint:        device.Fingerprint,
			IPAddress:          device.IPAddress,
			UserAgent:          device.UserAgent,
			DeviceTrusted:      trusted,
			SecurityLevel:      level,
			ConcurrentSessions: record.ConcurrentAtCreation,
			EvictedSessions:    evicted,
		},
		OccurredAt: now,
	})
	if trusted && trustSource == domain.TrustSourceLoginThreshold {
		// First session to clear the threshold carries live trust forward.
		if err := s.sessions.PromoteDeviceTrust(ctx, req.UserID, device.Fingerprint); err != nil {
			slog.Default().WarnContext(ctx, "failed to promote live sessions to trusted",
				"service", serviceName,
				"module", "application",
				"layer", "application",
				"operation", "register_session",
				"outcome", "degraded",
				"user_id", req.UserID,
				"error", err,
			)
		}
	}

	signed, err := s.tokenSigner.Sign(ports.SessionClaims{
		UserID:       req.UserID,
		Role:         role,
		SessionToken: token,
		IssuedAt:     now,
		ExpiresAt:    record.ExpiresAt,
	})
	if err != nil {
		return RegisterSessionResponse{}, fmt.Errorf("sign session token: %w", err)
	}

	return RegisterSessionResponse{
		Token:           signed,
		SessionToken:    token,
		ExpiresAt:       record.ExpiresAt,
		DeviceTrusted:   trusted,
		SecurityLevel:   string(level),
		EvictedSessions: evicted,
		Device:          toDeviceSummary(device),
	}, nil
}

// ValidateRequest is the middleware entry point: verify the signed envelope,
// then run the session guard on the token inside it. A bad or expired
// signature is ErrUnauthorized before any session state is consulted.
func (s *Service) ValidateRequest(ctx context.Context, bearer string, device domain.DeviceInfo, opts ValidateOptions) (ports.SessionClaims, domain.SessionValidation, error) {
	claims, err := s.tokenSigner.ParseAndValidate(bearer)
	if err != nil {
		return ports.SessionClaims{}, domain.SessionValidation{}, domain.ErrUnauthorized
	}
	validation, err := s.ValidateSessionSecurity(ctx, claims.SessionToken, device, opts)
	if err != nil {
		return claims, domain.SessionValidation{}, err
	}
	return claims, validation, nil
}

// ValidateSessionSecurity is the per-request guard. Checks run in a fixed
// precedence: existence, fingerprint binding, IP drift on untrusted devices,
// then expiry and inactivity. A persistence failure denies the request; a
// security check never passes because infrastructure was down.
func (s *Service) ValidateSessionSecurity(ctx context.Context, token string, device domain.DeviceInfo, opts ValidateOptions) (domain.SessionValidation, error) {
	record, err := s.sessions.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SessionValidation{Valid: false, Reason: domain.ReasonSessionNotFound}, nil
		}
		slog.Default().ErrorContext(ctx, "session lookup failed; denying request",
			"service", serviceName,
			"module", "application",
			"layer", "application",
			"operation", "validate_session",
			"outcome", "failure",
			"session_token_hash", tokenDigest(token),
			"error", err,
		)
		return domain.SessionValidation{Valid: false, Reason: domain.ReasonCheckUnavailable}, nil
	}

	now := s.nowFn()

	if device.Fingerprint != record.Device.Fingerprint {
		s.recordAnomaly(ctx, record, device, domain.ReasonDeviceMismatch, domain.SecurityLevelHigh, now)
		return domain.SessionValidation{
			Valid:  false,
			Reason: domain.ReasonDeviceMismatch,
			Action: domain.ActionDeviceVerification,
		}, nil
	}

	if !record.DeviceTrusted && device.IPAddress != record.Device.IPAddress {
		s.recordAnomaly(ctx, record, device, domain.ReasonUntrustedIPDrift, domain.SecurityLevelMedium, now)
		return domain.SessionValidation{
			Valid:  false,
			Reason: domain.ReasonUntrustedIPDrift,
			Action: domain.ActionRequire2FA,
		}, nil
	}

	if now.After(record.ExpiresAt) {
		s.terminateSession(ctx, record, domain.InvalidationExpired, now)
		return domain.SessionValidation{
			Valid:  false,
			Reason: domain.ReasonSessionExpired,
			Action: domain.ActionForceLogout,
		}, nil
	}

	timeout := s.cfg.InactivityTimeout
	if opts.InactivityTimeout > 0 {
		timeout = opts.InactivityTimeout
	}
	if timeout > 0 && now.Sub(record.LastActivityAt) > timeout {
		s.terminateSession(ctx, record, domain.InvalidationInactivity, now)
		return domain.SessionValidation{
			Valid:  false,
			Reason: domain.ReasonInactivityTimeout,
			Action: domain.ActionForceLogout,
		}, nil
	}

	return domain.SessionValidation{Valid: true}, nil
}

// UpdateSessionActivity refreshes the inactivity clock. It is fail-open
// telemetry: a lost touch can only make the timeout stricter.
func (s *Service) UpdateSessionActivity(ctx context.Context, token string) {
	if err := s.sessions.TouchActivity(ctx, token, s.nowFn()); err != nil {
		slog.Default().WarnContext(ctx, "failed to record session activity",
			"service", serviceName,
			"module", "application",
			"layer", "application",
			"operation", "update_session_activity",
			"outcome", "failure",
			"session_token_hash", tokenDigest(token),
			"error", err,
		)
	}
}

// InvalidateSession terminates one session. Invalidating a token that is
// already gone is a no-op, not an error. A non-nil userID restricts the
// operation to that user's sessions.
func (s *Service) InvalidateSession(ctx context.Context, userID uuid.UUID, token string, reason domain.InvalidationReason) error {
	record, err := s.sessions.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: load session: %v", domain.ErrBackendUnavailable, err)
	}
	if userID != uuid.Nil && record.UserID != userID {
		// Do not reveal that another user's token exists.
		return domain.ErrNotFound
	}
	s.terminateSession(ctx, record, reason, s.nowFn())
	return nil
}

// InvalidateAllSessions terminates every live session the user has, each with
// its own audit record. Returns how many sessions were removed.
func (s *Service) InvalidateAllSessions(ctx context.Context, userID uuid.UUID, reason domain.InvalidationReason) (int, error) {
	if userID == uuid.Nil {
		return 0, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	now := s.nowFn()
	active, err := s.sessions.ListActiveByUser(ctx, userID, time.Time{}, now)
	if err != nil {
		return 0, fmt.Errorf("%w: list sessions: %v", domain.ErrBackendUnavailable, err)
	}
	removed := 0
	for _, record := range active {
		deleted, err := s.sessions.Delete(ctx, record.SessionToken)
		if err != nil {
			return removed, fmt.Errorf("delete session: %w", err)
		}
		if !deleted {
			continue
		}
		removed++
		s.appendInvalidated(ctx, record, reason, now)
	}
	return removed, nil
}

// ListSessions returns the caller's live sessions, flagging the one matching
// currentToken.
func (s *Service) ListSessions(ctx context.Context, userID uuid.UUID, currentToken string) ([]SessionItem, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	records, err := s.sessions.ListActiveByUser(ctx, userID, time.Time{}, s.nowFn())
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", domain.ErrBackendUnavailable, err)
	}
	items := make([]SessionItem, 0, len(records))
	for _, record := range records {
		items = append(items, toSessionItem(record, currentToken))
	}
	return items, nil
}

// ActiveSessionCount reports live sessions created inside the lookback window.
func (s *Service) ActiveSessionCount(ctx context.Context, userID uuid.UUID) (int, error) {
	now := s.nowFn()
	count, err := s.sessions.CountActiveByUser(ctx, userID, now.Add(-s.cfg.ActivityLookback), now)
	if err != nil {
		return 0, fmt.Errorf("%w: count sessions: %v", domain.ErrBackendUnavailable, err)
	}
	return count, nil
}

// TrustDevice is the explicit promotion path, independent of the login-count
// threshold. Live sessions on the fingerprint are upgraded immediately;
// future sessions pick trust up from the recorded event.
func (s *Service) TrustDevice(ctx context.Context, userID uuid.UUID, fingerprint string) error {
	if userID == uuid.Nil || fingerprint == "" {
		return fmt.Errorf("%w: user_id and fingerprint are required", domain.ErrInvalidInput)
	}
	now := s.nowFn()
	event := domain.SecurityEvent{
		EventID:     uuid.New(),
		UserID:      userID,
		Type:        domain.EventDeviceTrusted,
		Severity:    domain.SecurityLevelLow,
		Fingerprint: fingerprint,
		Details: domain.DeviceTrustedDetails{
			Fingerprint: fingerprint,
			Source:      domain.TrustSourceExplicit,
		},
		OccurredAt: now,
	}
	if err := s.events.Insert(ctx, event); err != nil {
		return fmt.Errorf("record device trust: %w", err)
	}
	if err := s.sessions.PromoteDeviceTrust(ctx, userID, fingerprint); err != nil {
		return fmt.Errorf("promote live sessions: %w", err)
	}
	return nil
}

// SweepExpiredSessions removes sessions whose expiry has passed, auditing each
// removal. Validation already treats expired sessions as dead, so this only
// reclaims storage.
func (s *Service) SweepExpiredSessions(ctx context.Context, batchSize int) (int, error) {
	now := s.nowFn()
	removed, err := s.sessions.DeleteExpired(ctx, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	for _, record := range removed {
		s.appendInvalidated(ctx, record, domain.InvalidationExpired, now)
	}
	return len(removed), nil
}

// deviceTrusted derives trust from the audit log: enough prior session
// creations on the fingerprint, or an explicit promotion event. Counts only
// grow, so trust never decays from repeated logins.
func (s *Service) deviceTrusted(ctx context.Context, userID uuid.UUID, fingerprint string) (bool, string, error) {
	if fingerprint == "" {
		return false, "", nil
	}
	logins, err := s.events.Count(ctx, ports.SecurityEventFilter{
		UserID:      &userID,
		Types:       []domain.SecurityEventType{domain.EventSessionCreated},
		Fingerprint: fingerprint,
	})
	if err != nil {
		return false, "", err
	}
	if logins >= int64(s.cfg.DeviceTrustThreshold) {
		return true, domain.TrustSourceLoginThreshold, nil
	}
	promotions, err := s.events.Count(ctx, ports.SecurityEventFilter{
		UserID:      &userID,
		Types:       []domain.SecurityEventType{domain.EventDeviceTrusted},
		Fingerprint: fingerprint,
	})
	if err != nil {
		return false, "", err
	}
	if promotions > 0 {
		return true, domain.TrustSourceExplicit, nil
	}
	return false, "", nil
}

// removeOldestSessions evicts the n oldest live sessions to make room under
// the ceiling. Callers hold the user lock.
func (s *Service) removeOldestSessions(ctx context.Context, userID uuid.UUID, n int, now time.Time) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	active, err := s.sessions.ListActiveByUser(ctx, userID, now.Add(-s.cfg.ActivityLookback), now)
	if err != nil {
		return 0, err
	}
	if n > len(active) {
		n = len(active)
	}
	removed := 0
	for _, victim := range active[:n] {
		deleted, err := s.sessions.Delete(ctx, victim.SessionToken)
		if err != nil {
			return removed, err
		}
		if !deleted {
			continue
		}
		removed++
		s.appendInvalidated(ctx, victim, domain.InvalidationConcurrentLimit, now)
	}
	return removed, nil
}

// terminateSession deletes the record and audits the removal. Failures are
// logged, not returned; the caller has already decided the session is dead.
func (s *Service) terminateSession(ctx context.Context, record domain.SessionRecord, reason domain.InvalidationReason, now time.Time) {
	deleted, err := s.sessions.Delete(ctx, record.SessionToken)
	if err != nil {
		slog.Default().ErrorContext(ctx, "failed to remove session record",
			"service", serviceName,
			"module", "application",
			"layer", "application",
			"operation", "terminate_session",
			"outcome", "failure",
			"user_id", record.UserID,
			"session_token_hash", tokenDigest(record.SessionToken),
			"reason", string(reason),
			"error", err,
		)
		return
	}
	if !deleted {
		return
	}
	s.appendInvalidated(ctx, record, reason, now)
}

// recordAnomaly flags the live session, appends the forensic event, and feeds
// the escalation counter. The anomaly is logged whether or not the caller
// retries with remediation.
func (s *Service) recordAnomaly(ctx context.Context, record domain.SessionRecord, observed domain.DeviceInfo, anomaly domain.ValidationReason, severity domain.SecurityLevel, now time.Time) {
	if err := s.sessions.FlagSuspicious(ctx, record.SessionToken); err != nil {
		slog.Default().WarnContext(ctx, "failed to flag session as suspicious",
			"service", serviceName,
			"module", "application",
			"layer", "application",
			"operation", "record_anomaly",
			"outcome", "failure",
			"user_id", record.UserID,
			"session_token_hash", tokenDigest(record.SessionToken),
			"error", err,
		)
	}

	s.appendEvent(ctx, domain.SecurityEvent{
		EventID:      uuid.New(),
		UserID:       record.UserID,
		Type:         domain.EventSuspiciousActivity,
		Severity:     severity,
		SessionToken: record.SessionToken,
		Fingerprint:  observed.Fingerprint,
		Details: domain.SuspiciousActivityDetails{
			Anomaly:             anomaly,
			ObservedIP:          observed.IPAddress,
			RecordedIP:          record.Device.IPAddress,
			ObservedFingerprint: observed.Fingerprint,
			RecordedFingerprint: record.Device.Fingerprint,
		},
		OccurredAt: now,
	})

	slog.Default().WarnContext(ctx, "session security anomaly",
		"service", serviceName,
		"module", "application",
		"layer", "application",
		"operation", "validate_session",
		"outcome", "denied",
		"user_id", record.UserID,
		"session_token_hash", tokenDigest(record.SessionToken),
		"anomaly", string(anomaly),
		"severity", string(severity),
	)

	if severity == domain.SecurityLevelHigh {
		s.escalateIfNeeded(ctx, record.UserID, now)
	}
}

// appendInvalidated writes the termination audit record.
func (s *Service) appendInvalidated(ctx context.Context, record domain.SessionRecord, reason domain.InvalidationReason, now time.Time) {
	duration := int64(now.Sub(record.CreatedAt).Seconds())
	if duration < 0 {
		duration = 0
	}
	s.appendEvent(ctx, domain.SecurityEvent{
		EventID:      uuid.New(),
		UserID:       record.UserID,
		Type:         domain.EventSessionInvalidated,
		Severity:     domain.SecurityLevelLow,
		SessionToken: record.SessionToken,
		Fingerprint:  record.Device.Fingerprint,
		Details: domain.SessionInvalidatedDetails{
			Reason:          reason,
			DurationSeconds: duration,
		},
		OccurredAt: now,
	})
}
