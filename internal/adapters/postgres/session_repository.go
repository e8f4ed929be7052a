package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/costwise/session-security-service/internal/domain"
	"github.com/costwise/session-security-service/internal/ports"
)

type sessionStore struct {
	db *gorm.DB
}

func (r *sessionStore) Create(ctx context.Context, params ports.SessionCreateParams) (domain.SessionRecord, error) {
	rec := toSessionModel(params)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return domain.SessionRecord{}, err
	}
	return toDomainSession(rec), nil
}

func (r *sessionStore) GetByToken(ctx context.Context, token string) (domain.SessionRecord, error) {
	var rec sessionModel
	if err := r.db.WithContext(ctx).Where("session_token = ?", token).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SessionRecord{}, domain.ErrNotFound
		}
		return domain.SessionRecord{}, err
	}
	return toDomainSession(rec), nil
}

func (r *sessionStore) ListActiveByUser(ctx context.Context, userID uuid.UUID, createdAfter, now time.Time) ([]domain.SessionRecord, error) {
	var rows []sessionModel
	query := r.activeByUser(ctx, userID, createdAfter, now).Order("created_at ASC")
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.SessionRecord, 0, len(rows))
	for _, item := range rows {
		result = append(result, toDomainSession(item))
	}
	return result, nil
}

func (r *sessionStore) CountActiveByUser(ctx context.Context, userID uuid.UUID, createdAfter, now time.Time) (int, error) {
	var count int64
	if err := r.activeByUser(ctx, userID, createdAfter, now).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *sessionStore) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("expires_at > ?", now).
		Count(&count).Error
	return count, err
}

func (r *sessionStore) TouchActivity(ctx context.Context, token string, touchedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("session_token = ?", token).
		Update("last_activity_at", touchedAt).Error
}

func (r *sessionStore) FlagSuspicious(ctx context.Context, token string) error {
	return r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("session_token = ?", token).
		Update("suspicious_activity", true).Error
}

func (r *sessionStore) PromoteDeviceTrust(ctx context.Context, userID uuid.UUID, fingerprint string) error {
	return r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("user_id = ?", userID).
		Where("fingerprint = ?", fingerprint).
		Update("device_trusted", true).Error
}

func (r *sessionStore) RevokeDeviceTrust(ctx context.Context, userID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("user_id = ?", userID).
		Where("device_trusted = TRUE").
		Update("device_trusted", false).Error
}

func (r *sessionStore) Delete(ctx context.Context, token string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("session_token = ?", token).
		Delete(&sessionModel{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *sessionStore) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []sessionModel
	if err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subquery := tx.Model(&sessionModel{}).
			Select("session_token").
			Where("expires_at <= ?", now).
			Order("expires_at ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})

		return tx.Clauses(clause.Returning{}).
			Where("session_token IN (?)", subquery).
			Delete(&rows).Error
	}); err != nil {
		return nil, err
	}

	result := make([]domain.SessionRecord, 0, len(rows))
	for _, item := range rows {
		result = append(result, toDomainSession(item))
	}
	return result, nil
}

func (r *sessionStore) activeByUser(ctx context.Context, userID uuid.UUID, createdAfter, now time.Time) *gorm.DB {
	query := r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("user_id = ?", userID).
		Where("expires_at > ?", now)
	if !createdAfter.IsZero() {
		query = query.Where("created_at > ?", createdAfter)
	}
	return query
}
