package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/costwise/session-security-service/internal/domain"
)

// SessionCreateParams captures everything fixed at session creation.
// The device snapshot and concurrency count are stored for later comparison,
// not recomputed.
type SessionCreateParams struct {
	SessionToken         string
	UserID               uuid.UUID
	Device               domain.DeviceInfo
	DeviceTrusted        bool
	SecurityLevel        domain.SecurityLevel
	ConcurrentAtCreation int
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// SessionStore manages durable session state in an indexed table.
// The append-only security event log stays a separate write; this store only
// answers "which sessions are currently live", so active counts are an indexed
// lookup rather than a log scan.
type SessionStore interface {
	Create(ctx context.Context, params SessionCreateParams) (domain.SessionRecord, error)
	GetByToken(ctx context.Context, token string) (domain.SessionRecord, error)
	// ListActiveByUser returns unexpired sessions created after createdAfter,
	// oldest first.
	ListActiveByUser(ctx context.Context, userID uuid.UUID, createdAfter, now time.Time) ([]domain.SessionRecord, error)
	CountActiveByUser(ctx context.Context, userID uuid.UUID, createdAfter, now time.Time) (int, error)
	// CountActive counts live sessions across all users, for admin statistics.
	CountActive(ctx context.Context, now time.Time) (int64, error)
	TouchActivity(ctx context.Context, token string, touchedAt time.Time) error
	// FlagSuspicious marks a live session without terminating it.
	FlagSuspicious(ctx context.Context, token string) error
	// PromoteDeviceTrust upgrades the user's live sessions on one fingerprint
	// after an explicit trust grant.
	PromoteDeviceTrust(ctx context.Context, userID uuid.UUID, fingerprint string) error
	// RevokeDeviceTrust downgrades every live session of the user to untrusted,
	// so step-up checks apply again.
	RevokeDeviceTrust(ctx context.Context, userID uuid.UUID) error
	// Delete removes a session record. It reports whether a record existed, and
	// deleting an absent token is not an error.
	Delete(ctx context.Context, token string) (bool, error)
	// DeleteExpired removes up to limit sessions whose expiry has passed and
	// returns the removed records so each can be audited.
	DeleteExpired(ctx context.Context, now time.Time, limit int) ([]domain.SessionRecord, error)
}

// SecurityEventFilter narrows audit log queries. Zero values mean "any".
type SecurityEventFilter struct {
	UserID      *uuid.UUID
	Types       []domain.SecurityEventType
	Fingerprint string
	Severity    domain.SecurityLevel
	Since       *time.Time
}

// SessionAggregates summarizes session activity over a reporting window.
type SessionAggregates struct {
	SessionsCreated    int64
	TrustedCreations   int64
	SuspiciousEvents   int64
	AvgDurationSeconds float64
}

// SecurityEventRepository is the append-only audit collaborator.
// Insert is the only write; device trust, stats, and forensics are all reads
// over the accumulated log.
type SecurityEventRepository interface {
	Insert(ctx context.Context, event domain.SecurityEvent) error
	Count(ctx context.Context, filter SecurityEventFilter) (int64, error)
	Latest(ctx context.Context, filter SecurityEventFilter) (domain.SecurityEvent, error)
	List(ctx context.Context, filter SecurityEventFilter, limit int) ([]domain.SecurityEvent, error)
	SessionAggregates(ctx context.Context, since time.Time) (SessionAggregates, error)
}

// AccessSource is the authoritative read side for authorization answers.
// The dashboard owns these tables; this service only reads them on cache
// misses, so every method is a pure query.
type AccessSource interface {
	UserRole(ctx context.Context, userID uuid.UUID) (string, error)
	RolePermissions(ctx context.Context, role string) ([]string, error)
	UserPropertyPermissions(ctx context.Context, userID, propertyID uuid.UUID) ([]string, error)
	HasPropertyAccess(ctx context.Context, userID, propertyID uuid.UUID) (bool, error)
	UserPropertyIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// OutboxEvent is the write-side event payload prior to storage.
type OutboxEvent struct {
	EventID      uuid.UUID
	EventType    string
	PartitionKey string
	Payload      []byte
	OccurredAt   time.Time
}

// OutboxRecord represents durable outbox state, including retry/error metadata.
type OutboxRecord struct {
	OutboxID       uuid.UUID
	EventType      string
	PartitionKey   string
	Payload        []byte
	RetryCount     int
	LastError      *string
	CreatedAt      time.Time
	FirstSeenAt    time.Time
	PublishedAt    *time.Time
	LastErrorAt    *time.Time
	ClaimToken     *string
	ClaimUntil     *time.Time
	DeadLetteredAt *time.Time
}

// OutboxRepository controls the publish-retry workflow for security
// notifications bound for the rest of the platform.
type OutboxRepository interface {
	Enqueue(ctx context.Context, event OutboxEvent) error
	ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
	MarkDeadLettered(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
}
