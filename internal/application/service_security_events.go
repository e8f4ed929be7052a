package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/costwise/session-security-service/internal/domain"
	"github.com/costwise/session-security-service/internal/ports"
)

// Outbox event types published to the rest of the platform.
const (
	// notifyPasswordChange is emitted after a credential change has reset session/cache state.
	notifyPasswordChange = "security.password_change"
	// notifyRoleChange is emitted after a role move invalidated authorization caches.
	notifyRoleChange = "security.role_change"
	// notifyPermissionChange is emitted after per-property grants changed.
	notifyPermissionChange = "security.permission_change"
	// notifyAccountLocked is emitted when an account is locked and logged out everywhere.
	notifyAccountLocked = "security.account_locked"
)

// securityEventInput is the normalized form the public hooks reduce to.
type securityEventInput struct {
	UserID      uuid.UUID
	Type        domain.SecurityEventType
	Options     domain.SecurityEventOptions
	OldRole     string
	NewRole     string
	PropertyIDs []uuid.UUID
	Reason      string
}

// HandlePasswordChange invalidates every session and cached fact for the user.
// A password changed on one device must not leave any other device signed in.
func (s *Service) HandlePasswordChange(ctx context.Context, userID uuid.UUID) (SecurityEventResult, error) {
	return s.applySecurityEvent(ctx, securityEventInput{
		UserID: userID,
		Type:   domain.EventPasswordChange,
		Options: domain.SecurityEventOptions{
			InvalidateAllSessions:   true,
			RequireReauthentication: true,
		},
	})
}

// HandleRoleChange recomputes authorization answers. Sessions survive unless
// the caller opts into invalidation; the user keeps working, but with fresh
// permissions.
func (s *Service) HandleRoleChange(ctx context.Context, userID uuid.UUID, oldRole, newRole string, opts domain.SecurityEventOptions) (SecurityEventResult, error) {
	return s.applySecurityEvent(ctx, securityEventInput{
		UserID:  userID,
		Type:    domain.EventRoleChange,
		Options: opts,
		OldRole: oldRole,
		NewRole: newRole,
	})
}

// HandlePermissionChange drops cached answers for the user and, when the
// change is scoped, for the affected properties across all users.
func (s *Service) HandlePermissionChange(ctx context.Context, userID uuid.UUID, propertyIDs []uuid.UUID, opts domain.SecurityEventOptions) (SecurityEventResult, error) {
	return s.applySecurityEvent(ctx, securityEventInput{
		UserID:      userID,
		Type:        domain.EventPermissionChange,
		Options:     opts,
		PropertyIDs: propertyIDs,
	})
}

// HandleAccountLocked force-logs-out everywhere and freezes cached authorization.
func (s *Service) HandleAccountLocked(ctx context.Context, userID uuid.UUID, reason string) (SecurityEventResult, error) {
	return s.applySecurityEvent(ctx, securityEventInput{
		UserID: userID,
		Type:   domain.EventAccountLocked,
		Options: domain.SecurityEventOptions{
			InvalidateAllSessions:   true,
			RequireReauthentication: true,
		},
		Reason: reason,
	})
}

// applySecurityEvent is the single dispatch point for account-level security
// events. One switch decides session scope, cache scope, severity, and the
// typed audit payload, so an unhandled event type cannot slip through as a
// silent partial application.
func (s *Service) applySecurityEvent(ctx context.Context, in securityEventInput) (SecurityEventResult, error) {
	if in.UserID == uuid.Nil {
		return SecurityEventResult{}, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}

	var (
		severity       domain.SecurityLevel
		notifyType     string
		invalidateAll  bool
		cacheUser      bool
		cacheOldRole   string
		cacheNewRole   string
		cacheProperty  []uuid.UUID
		detailsBuilder func(sessionsInvalidated int) domain.EventDetails
	)

	switch in.Type {
	case domain.EventPasswordChange:
		severity = domain.SecurityLevelMedium
		notifyType = notifyPasswordChange
		invalidateAll = true
		cacheUser = true
		detailsBuilder = func(n int) domain.EventDetails {
			return domain.PasswordChangeDetails{SessionsInvalidated: n}
		}
	case domain.EventRoleChange:
		severity = domain.SecurityLevelLow
		notifyType = notifyRoleChange
		invalidateAll = in.Options.InvalidateAllSessions
		cacheUser = true
		cacheOldRole = in.OldRole
		cacheNewRole = in.NewRole
		detailsBuilder = func(n int) domain.EventDetails {
			return domain.RoleChangeDetails{OldRole: in.OldRole, NewRole: in.NewRole, SessionsInvalidated: n}
		}
	case domain.EventPermissionChange:
		severity = domain.SecurityLevelLow
		notifyType = notifyPermissionChange
		invalidateAll = in.Options.InvalidateAllSessions
		cacheUser = true
		cacheProperty = in.PropertyIDs
		detailsBuilder = func(n int) domain.EventDetails {
			return domain.PermissionChangeDetails{PropertyIDs: in.PropertyIDs, SessionsInvalidated: n}
		}
	case domain.EventAccountLocked:
		severity = domain.SecurityLevelHigh
		notifyType = notifyAccountLocked
		invalidateAll = true
		cacheUser = true
		detailsBuilder = func(n int) domain.EventDetails {
			return domain.AccountLockedDetails{Reason: in.Reason, SessionsInvalidated: n}
		}
	default:
		return SecurityEventResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownEventType, in.Type)
	}

	result := SecurityEventResult{}
	if invalidateAll {
		n, err := s.InvalidateAllSessions(ctx, in.UserID, domain.InvalidationSecurityEvent)
		if err != nil {
			return result, err
		}
		result.SessionsInvalidated = n
	} else if in.Options.RequireReauthentication {
		// Sessions stay alive but lose device trust, so the untrusted-drift
		// step-up applies again on the next network move.
		if err := s.sessions.RevokeDeviceTrust(ctx, in.UserID); err != nil {
			slog.Default().WarnContext(ctx, "failed to revoke device trust",
				"service", serviceName,
				"module", "application",
				"layer", "application",
				"operation", "apply_security_event",
				"outcome", "degraded",
				"user_id", in.UserID,
				"event_type", string(in.Type),
				"error", err,
			)
		}
	}

	// Cache invalidation is best-effort; a miss here is bounded by the TTL.
	result.CacheInvalidated = true
	if cacheUser {
		if err := s.InvalidateUserCache(ctx, in.UserID); err != nil {
			result.CacheInvalidated = false
			s.logCacheError(ctx, "invalidate_user", in.UserID.String(), err)
		}
	}
	for _, role := range []string{cacheOldRole, cacheNewRole} {
		if role == "" {
			continue
		}
		if err := s.InvalidateRoleCache(ctx, role); err != nil {
			result.CacheInvalidated = false
			s.logCacheError(ctx, "invalidate_role", role, err)
		}
	}
	for _, propertyID := range cacheProperty {
		if err := s.InvalidatePropertyCache(ctx, propertyID); err != nil {
			result.CacheInvalidated = false
			s.logCacheError(ctx, "invalidate_property", propertyID.String(), err)
		}
	}

	now := s.nowFn()
	event := domain.SecurityEvent{
		EventID:    uuid.New(),
		UserID:     in.UserID,
		Type:       in.Type,
		Severity:   severity,
		Details:    detailsBuilder(result.SessionsInvalidated),
		OccurredAt: now,
	}
	if err := s.events.Insert(ctx, event); err != nil {
		return result, fmt.Errorf("record security event: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"user_id":              in.UserID,
		"event_type":           in.Type,
		"sessions_invalidated": result.SessionsInvalidated,
		"occurred_at":          now,
	})
	if err := s.outbox.Enqueue(ctx, ports.OutboxEvent{
		EventID:      uuid.New(),
		EventType:    notifyType,
		PartitionKey: in.UserID.String(),
		Payload:      payload,
		OccurredAt:   now,
	}); err != nil {
		slog.Default().WarnContext(ctx, "failed to enqueue security notification",
			"service", serviceName,
			"module", "application",
			"layer", "application",
			"operation", "apply_security_event",
			"outcome", "degraded",
			"user_id", in.UserID,
			"event_type", string(in.Type),
			"error", err,
		)
	}

	return result, nil
}

// escalateIfNeeded locks the account after repeated high-severity anomalies.
// Disabled unless a threshold is configured; an existing lock inside the
// window is not re-triggered.
func (s *Service) escalateIfNeeded(ctx context.Context, userID uuid.UUID, now time.Time) {
	threshold := s.cfg.SuspiciousLockThreshold
	if threshold <= 0 {
		return
	}
	since := now.Add(-s.cfg.ActivityLookback)
	anomalies, err := s.events.Count(ctx, ports.SecurityEventFilter{
		UserID:   &userID,
		Types:    []domain.SecurityEventType{domain.EventSuspiciousActivity},
		Severity: domain.SecurityLevelHigh,
		Since:    &since,
	})
	if err != nil || anomalies < int64(threshold) {
		return
	}
	if _, err := s.events.Latest(ctx, ports.SecurityEventFilter{
		UserID: &userID,
		Types:  []domain.SecurityEventType{domain.EventAccountLocked},
		Since:  &since,
	}); err == nil {
		return
	}
	if _, err := s.HandleAccountLocked(ctx, userID, "repeated device verification failures"); err != nil {
		slog.Default().ErrorContext(ctx, "failed to lock account after repeated anomalies",
			"service", serviceName,
			"module", "application",
			"layer", "application",
			"operation", "escalate_suspicious_activity",
			"outcome", "failure",
			"user_id", userID,
			"error", err,
		)
	}
}
