package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/costwise/session-security-service/internal/domain"
	"github.com/costwise/session-security-service/internal/ports"
)

func toDomainSession(row sessionModel) domain.SessionRecord {
	return domain.SessionRecord{
		SessionToken: row.SessionToken,
		UserID:       row.UserID,
		Device: domain.DeviceInfo{
			UserAgent:   row.UserAgent,
			IPAddress:   row.IPAddress,
			Browser:     row.Browser,
			OS:          row.OS,
			DeviceClass: row.DeviceClass,
			Fingerprint: row.Fingerprint,
		},
		DeviceTrusted:        row.DeviceTrusted,
		SecurityLevel:        domain.SecurityLevel(row.SecurityLevel),
		SuspiciousActivity:   row.SuspiciousActivity,
		ConcurrentAtCreation: row.ConcurrentAtCreation,
		CreatedAt:            row.CreatedAt.UTC(),
		LastActivityAt:       row.LastActivityAt.UTC(),
		ExpiresAt:            row.ExpiresAt.UTC(),
	}
}

func toSessionModel(params ports.SessionCreateParams) sessionModel {
	return sessionModel{
		SessionToken:         params.SessionToken,
		UserID:               params.UserID,
		UserAgent:            params.Device.UserAgent,
		IPAddress:            params.Device.IPAddress,
		Browser:              params.Device.Browser,
		OS:                   params.Device.OS,
		DeviceClass:          params.Device.DeviceClass,
		Fingerprint:          params.Device.Fingerprint,
		DeviceTrusted:        params.DeviceTrusted,
		SecurityLevel:        string(params.SecurityLevel),
		ConcurrentAtCreation: params.ConcurrentAtCreation,
		CreatedAt:            params.CreatedAt,
		LastActivityAt:       params.CreatedAt,
		ExpiresAt:            params.ExpiresAt,
	}
}

func toEventModel(event domain.SecurityEvent) (securityEventModel, error) {
	details := []byte("{}")
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return securityEventModel{}, fmt.Errorf("encode event details: %w", err)
		}
		details = raw
	}
	return securityEventModel{
		EventID:      event.EventID,
		UserID:       event.UserID,
		EventType:    string(event.Type),
		Severity:     string(event.Severity),
		SessionToken: nullableString(event.SessionToken),
		Fingerprint:  nullableString(event.Fingerprint),
		Details:      string(details),
		OccurredAt:   event.OccurredAt,
	}, nil
}

func toDomainEvent(row securityEventModel) (domain.SecurityEvent, error) {
	details, err := domain.DecodeEventDetails(domain.SecurityEventType(row.EventType), []byte(row.Details))
	if err != nil {
		return domain.SecurityEvent{}, fmt.Errorf("decode event %s: %w", row.EventID, err)
	}
	return domain.SecurityEvent{
		EventID:      row.EventID,
		UserID:       row.UserID,
		Type:         domain.SecurityEventType(row.EventType),
		Severity:     domain.SecurityLevel(row.Severity),
		SessionToken: stringValue(row.SessionToken),
		Fingerprint:  stringValue(row.Fingerprint),
		Details:      details,
		OccurredAt:   row.OccurredAt.UTC(),
	}, nil
}

func toOutboxRecord(row securityOutboxModel) ports.OutboxRecord {
	return ports.OutboxRecord{
		OutboxID:       row.OutboxID,
		EventType:      row.EventType,
		PartitionKey:   row.PartitionKey,
		Payload:        []byte(row.Payload),
		RetryCount:     row.RetryCount,
		LastError:      row.LastError,
		CreatedAt:      row.CreatedAt,
		FirstSeenAt:    row.FirstSeenAt,
		PublishedAt:    row.PublishedAt,
		LastErrorAt:    row.LastErrorAt,
		ClaimToken:     row.ClaimToken,
		ClaimUntil:     row.ClaimUntil,
		DeadLetteredAt: row.DeadLetteredAt,
	}
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
