package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/costwise/session-security-service/internal/domain"
)

// accessRepository reads the dashboard-owned authorization tables. An absent
// grant row is a valid "no permissions" answer, not an error; only a missing
// user maps to domain.ErrNotFound.
type accessRepository struct {
	db *gorm.DB
}

func (r *accessRepository) UserRole(ctx context.Context, userID uuid.UUID) (string, error) {
	var rec dashboardUserModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("is_active = TRUE").
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return rec.Role, nil
}

func (r *accessRepository) RolePermissions(ctx context.Context, role string) ([]string, error) {
	var perms []string
	err := r.db.WithContext(ctx).
		Model(&rolePermissionModel{}).
		Where("role = ?", role).
		Order("permission ASC").
		Pluck("permission", &perms).Error
	if err != nil {
		return nil, err
	}
	if perms == nil {
		perms = []string{}
	}
	return perms, nil
}

func (r *accessRepository) UserPropertyPermissions(ctx context.Context, userID, propertyID uuid.UUID) ([]string, error) {
	var rec userPropertyAccessModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("property_id = ?", propertyID).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []string{}, nil
		}
		return nil, err
	}

	var perms []string
	if rec.Permissions != "" {
		if err := json.Unmarshal([]byte(rec.Permissions), &perms); err != nil {
			return nil, fmt.Errorf("decode property permissions for %s/%s: %w", userID, propertyID, err)
		}
	}
	if perms == nil {
		perms = []string{}
	}
	return perms, nil
}

func (r *accessRepository) HasPropertyAccess(ctx context.Context, userID, propertyID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&userPropertyAccessModel{}).
		Joins("JOIN properties ON properties.property_id = user_property_access.property_id").
		Where("user_property_access.user_id = ?", userID).
		Where("user_property_access.property_id = ?", propertyID).
		Where("properties.is_active = TRUE").
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *accessRepository) UserPropertyIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&userPropertyAccessModel{}).
		Joins("JOIN properties ON properties.property_id = user_property_access.property_id").
		Where("user_property_access.user_id = ?", userID).
		Where("properties.is_active = TRUE").
		Order("user_property_access.granted_at ASC").
		Pluck("user_property_access.property_id", &ids).Error
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return ids, nil
}
