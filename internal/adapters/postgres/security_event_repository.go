package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/costwise/session-security-service/internal/domain"
	"github.com/costwise/session-security-service/internal/ports"
)

// securityEventRepository writes and queries the append-only audit log.
// Rows are never updated or deleted; trust decisions and statistics are reads
// over history.
type securityEventRepository struct {
	db *gorm.DB
}

func (r *securityEventRepository) Insert(ctx context.Context, event domain.SecurityEvent) error {
	rec, err := toEventModel(event)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

func (r *securityEventRepository) Count(ctx context.Context, filter ports.SecurityEventFilter) (int64, error) {
	var count int64
	if err := r.filtered(ctx, filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *securityEventRepository) Latest(ctx context.Context, filter ports.SecurityEventFilter) (domain.SecurityEvent, error) {
	var rec securityEventModel
	if err := r.filtered(ctx, filter).Order("occurred_at DESC").Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SecurityEvent{}, domain.ErrNotFound
		}
		return domain.SecurityEvent{}, err
	}
	return toDomainEvent(rec)
}

func (r *securityEventRepository) List(ctx context.Context, filter ports.SecurityEventFilter, limit int) ([]domain.SecurityEvent, error) {
	query := r.filtered(ctx, filter).Order("occurred_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []securityEventModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.SecurityEvent, 0, len(rows))
	for _, row := range rows {
		event, err := toDomainEvent(row)
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, nil
}

func (r *securityEventRepository) SessionAggregates(ctx context.Context, since time.Time) (ports.SessionAggregates, error) {
	var agg ports.SessionAggregates

	created := r.db.WithContext(ctx).
		Model(&securityEventModel{}).
		Where("event_type = ?", string(domain.EventSessionCreated)).
		Where("occurred_at >= ?", since)
	if err := created.Count(&agg.SessionsCreated).Error; err != nil {
		return ports.SessionAggregates{}, err
	}

	trusted := r.db.WithContext(ctx).
		Model(&securityEventModel{}).
		Where("event_type = ?", string(domain.EventSessionCreated)).
		Where("occurred_at >= ?", since).
		Where("(details->>'device_trusted')::boolean = TRUE")
	if err := trusted.Count(&agg.TrustedCreations).Error; err != nil {
		return ports.SessionAggregates{}, err
	}

	suspicious := r.db.WithContext(ctx).
		Model(&securityEventModel{}).
		Where("event_type = ?", string(domain.EventSuspiciousActivity)).
		Where("occurred_at >= ?", since)
	if err := suspicious.Count(&agg.SuspiciousEvents).Error; err != nil {
		return ports.SessionAggregates{}, err
	}

	err := r.db.WithContext(ctx).
		Model(&securityEventModel{}).
		Select("COALESCE(AVG((details->>'duration_seconds')::numeric), 0)").
		Where("event_type = ?", string(domain.EventSessionInvalidated)).
		Where("occurred_at >= ?", since).
		Scan(&agg.AvgDurationSeconds).Error
	if err != nil {
		return ports.SessionAggregates{}, err
	}

	return agg, nil
}

func (r *securityEventRepository) filtered(ctx context.Context, filter ports.SecurityEventFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&securityEventModel{})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			types = append(types, string(t))
		}
		query = query.Where("event_type IN ?", types)
	}
	if filter.Fingerprint != "" {
		query = query.Where("fingerprint = ?", filter.Fingerprint)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", string(filter.Severity))
	}
	if filter.Since != nil {
		query = query.Where("occurred_at >= ?", *filter.Since)
	}
	return query
}
