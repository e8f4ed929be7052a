package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/costwise/session-security-service/internal/domain"
)

// Cache key namespaces. Keys are colon-separated and carry every identifier
// the entry depends on, so pattern invalidation can target a user, a property,
// or a role without touching neighbours.
const (
	cacheNamespaceUserPermissions = "perm:user"
	cacheNamespacePropertyAccess  = "access:prop"
	cacheNamespaceRolePermissions = "perm:role"
	cacheNamespaceUserProperties  = "props:user"
)

func userPermissionsKey(userID, propertyID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", cacheNamespaceUserPermissions, userID, propertyID)
}

func propertyAccessKey(userID, propertyID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", cacheNamespacePropertyAccess, userID, propertyID)
}

func rolePermissionsKey(role string) string {
	return fmt.Sprintf("%s:%s", cacheNamespaceRolePermissions, normalizeRole(role))
}

func userPropertiesKey(userID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", cacheNamespaceUserProperties, userID)
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// GetUserPermissions answers "what may this user do on this property",
// read-through with a 15-minute default TTL. Empty permission sets are cached
// too; absence of access is as cacheable as its presence.
func (s *Service) GetUserPermissions(ctx context.Context, userID, propertyID uuid.UUID) ([]string, error) {
	key := userPermissionsKey(userID, propertyID)
	var cached []string
	if s.cacheGetJSON(ctx, key, &cached) {
		return cached, nil
	}
	perms, err := s.access.UserPropertyPermissions(ctx, userID, propertyID)
	if err != nil {
		return nil, fmt.Errorf("%w: load user permissions: %v", domain.ErrBackendUnavailable, err)
	}
	if perms == nil {
		perms = []string{}
	}
	s.cacheSetJSON(ctx, key, perms, s.cfg.UserPermissionsTTL)
	return perms, nil
}

// CheckPropertyAccess answers the yes/no access decision, read-through with a
// 10-minute default TTL.
func (s *Service) CheckPropertyAccess(ctx context.Context, userID, propertyID uuid.UUID) (bool, error) {
	key := propertyAccessKey(userID, propertyID)
	var cached bool
	if s.cacheGetJSON(ctx, key, &cached) {
		return cached, nil
	}
	allowed, err := s.access.HasPropertyAccess(ctx, userID, propertyID)
	if err != nil {
		return false, fmt.Errorf("%w: load property access: %v", domain.ErrBackendUnavailable, err)
	}
	s.cacheSetJSON(ctx, key, allowed, s.cfg.PropertyAccessTTL)
	return allowed, nil
}

// GetRolePermissions returns a role's static permission set, read-through with
// a 60-minute default TTL. Role definitions change rarely; role-change events
// invalidate eagerly.
func (s *Service) GetRolePermissions(ctx context.Context, role string) ([]string, error) {
	role = normalizeRole(role)
	if role == "" {
		return nil, fmt.Errorf("%w: role is required", domain.ErrInvalidInput)
	}
	key := rolePermissionsKey(role)
	var cached []string
	if s.cacheGetJSON(ctx, key, &cached) {
		return cached, nil
	}
	perms, err := s.access.RolePermissions(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("%w: load role permissions: %v", domain.ErrBackendUnavailable, err)
	}
	if perms == nil {
		perms = []string{}
	}
	s.cacheSetJSON(ctx, key, perms, s.cfg.RolePermissionsTTL)
	return perms, nil
}

// GetUserProperties returns the property IDs the user can reach, read-through
// with a 10-minute default TTL.
func (s *Service) GetUserProperties(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	key := userPropertiesKey(userID)
	var cached []uuid.UUID
	if s.cacheGetJSON(ctx, key, &cached) {
		return cached, nil
	}
	ids, err := s.access.UserPropertyIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load user properties: %v", domain.ErrBackendUnavailable, err)
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	s.cacheSetJSON(ctx, key, ids, s.cfg.UserPropertiesTTL)
	return ids, nil
}

// GetBatchUserPermissions resolves permissions for many properties in one
// round trip: one batched cache read, single-property source loads for the
// misses, one batched write-back.
func (s *Service) GetBatchUserPermissions(ctx context.Context, userID uuid.UUID, propertyIDs []uuid.UUID) (map[uuid.UUID][]string, error) {
	result := make(map[uuid.UUID][]string, len(propertyIDs))
	if len(propertyIDs) == 0 {
		return result, nil
	}

	keyed := make(map[string]uuid.UUID, len(propertyIDs))
	keys := make([]string, 0, len(propertyIDs))
	for _, propertyID := range propertyIDs {
		key := userPermissionsKey(userID, propertyID)
		if _, seen := keyed[key]; seen {
			continue
		}
		keyed[key] = propertyID
		keys = append(keys, key)
	}

	found, err := s.cache.GetMany(ctx, keys)
	if err != nil {
		s.logCacheError(ctx, "get_many", cacheNamespaceUserPermissions, err)
		found = nil
	}

	var missing []uuid.UUID
	for _, key := range keys {
		propertyID := keyed[key]
		if raw, ok := found[key]; ok {
			var perms []string
			if err := unmarshalCached(raw, &perms); err == nil {
				result[propertyID] = perms
				continue
			}
		}
		missing = append(missing, propertyID)
	}
	if len(missing) == 0 {
		return result, nil
	}

	writeBack := make(map[uuid.UUID][]string, len(missing))
	for _, propertyID := range missing {
		perms, err := s.access.UserPropertyPermissions(ctx, userID, propertyID)
		if err != nil {
			return nil, fmt.Errorf("%w: load user permissions: %v", domain.ErrBackendUnavailable, err)
		}
		if perms == nil {
			perms = []string{}
		}
		result[propertyID] = perms
		writeBack[propertyID] = perms
	}
	if err := s.SetBatchUserPermissions(ctx, userID, writeBack); err != nil {
		s.logCacheError(ctx, "set_many", cacheNamespaceUserPermissions, err)
	}
	return result, nil
}

// SetBatchUserPermissions primes the per-property permission cache, e.g. after
// the dashboard has already computed answers while rendering a report.
func (s *Service) SetBatchUserPermissions(ctx context.Context, userID uuid.UUID, perms map[uuid.UUID][]string) error {
	if len(perms) == 0 {
		return nil
	}
	entries := make(map[string][]byte, len(perms))
	for propertyID, set := range perms {
		if set == nil {
			set = []string{}
		}
		raw, err := marshalCached(set)
		if err != nil {
			return fmt.Errorf("encode permissions: %w", err)
		}
		entries[userPermissionsKey(userID, propertyID)] = raw
	}
	return s.cache.SetMany(ctx, entries, s.cfg.UserPermissionsTTL)
}

// InvalidateUserCache forgets every cached fact about one user. Other users'
// entries and shared role entries are untouched.
func (s *Service) InvalidateUserCache(ctx context.Context, userID uuid.UUID) error {
	return s.deleteByPatterns(ctx,
		fmt.Sprintf("%s:%s:*", cacheNamespaceUserPermissions, userID),
		fmt.Sprintf("%s:%s:*", cacheNamespacePropertyAccess, userID),
		userPropertiesKey(userID),
	)
}

// InvalidatePropertyCache forgets per-user permission and access entries for
// one property across all users. Accessible-property lists age out on TTL.
func (s *Service) InvalidatePropertyCache(ctx context.Context, propertyID uuid.UUID) error {
	return s.deleteByPatterns(ctx,
		fmt.Sprintf("%s:*:%s", cacheNamespaceUserPermissions, propertyID),
		fmt.Sprintf("%s:*:%s", cacheNamespacePropertyAccess, propertyID),
	)
}

// InvalidateRoleCache forgets one role's static permission set.
func (s *Service) InvalidateRoleCache(ctx context.Context, role string) error {
	role = normalizeRole(role)
	if role == "" {
		return nil
	}
	return s.deleteByPatterns(ctx, rolePermissionsKey(role))
}

// FlushPermissionCache drops all four namespaces.
func (s *Service) FlushPermissionCache(ctx context.Context) error {
	return s.deleteByPatterns(ctx,
		cacheNamespaceUserPermissions+":*",
		cacheNamespacePropertyAccess+":*",
		cacheNamespaceRolePermissions+":*",
		cacheNamespaceUserProperties+":*",
	)
}

func (s *Service) deleteByPatterns(ctx context.Context, patterns ...string) error {
	var keys []string
	for _, pattern := range patterns {
		if !strings.ContainsAny(pattern, "*?[") {
			keys = append(keys, pattern)
			continue
		}
		matched, err := s.cache.Keys(ctx, pattern)
		if err != nil {
			return fmt.Errorf("%w: enumerate cache keys: %v", domain.ErrBackendUnavailable, err)
		}
		keys = append(keys, matched...)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("%w: delete cache keys: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}
