package postgres

import (
	"time"

	"github.com/google/uuid"
)

type sessionModel struct {
	SessionToken         string    `gorm:"column:session_token;primaryKey"`
	UserID               uuid.UUID `gorm:"column:user_id"`
	UserAgent            string    `gorm:"column:user_agent"`
	IPAddress            string    `gorm:"column:ip_address"`
	Browser              string    `gorm:"column:browser"`
	OS                   string    `gorm:"column:os"`
	DeviceClass          string    `gorm:"column:device_class"`
	Fingerprint          string    `gorm:"column:fingerprint"`
	DeviceTrusted        bool      `gorm:"column:device_trusted"`
	SecurityLevel        string    `gorm:"column:security_level"`
	SuspiciousActivity   bool      `gorm:"column:suspicious_activity"`
	ConcurrentAtCreation int       `gorm:"column:concurrent_at_creation"`
	CreatedAt            time.Time `gorm:"column:created_at"`
	LastActivityAt       time.Time `gorm:"column:last_activity_at"`
	ExpiresAt            time.Time `gorm:"column:expires_at"`
}

func (sessionModel) TableName() string { return "sessions" }

type securityEventModel struct {
	EventID      uuid.UUID `gorm:"column:event_id;type:uuid;primaryKey"`
	UserID       uuid.UUID `gorm:"column:user_id"`
	EventType    string    `gorm:"column:event_type"`
	Severity     string    `gorm:"column:severity"`
	SessionToken *string   `gorm:"column:session_token"`
	Fingerprint  *string   `gorm:"column:fingerprint"`
	Details      string    `gorm:"column:details;type:jsonb"`
	OccurredAt   time.Time `gorm:"column:occurred_at"`
}

func (securityEventModel) TableName() string { return "security_events" }

type securityOutboxModel struct {
	OutboxID       uuid.UUID  `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType      string     `gorm:"column:event_type"`
	PartitionKey   string     `gorm:"column:partition_key"`
	Payload        string     `gorm:"column:payload;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	FirstSeenAt    time.Time  `gorm:"column:first_seen_at"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	RetryCount     int        `gorm:"column:retry_count"`
	LastError      *string    `gorm:"column:last_error"`
	LastErrorAt    *time.Time `gorm:"column:last_error_at"`
	ClaimToken     *string    `gorm:"column:claim_token"`
	ClaimUntil     *time.Time `gorm:"column:claim_until"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
}

func (securityOutboxModel) TableName() string { return "security_outbox" }

// The tables below belong to the dashboard's core schema. This service reads
// them on cache misses and never writes them.

type dashboardUserModel struct {
	UserID   uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey"`
	Email    string    `gorm:"column:email"`
	Role     string    `gorm:"column:role"`
	IsActive bool      `gorm:"column:is_active"`
}

func (dashboardUserModel) TableName() string { return "dashboard_users" }

type rolePermissionModel struct {
	Role       string `gorm:"column:role;primaryKey"`
	Permission string `gorm:"column:permission;primaryKey"`
}

func (rolePermissionModel) TableName() string { return "role_permissions" }

type propertyModel struct {
	PropertyID uuid.UUID `gorm:"column:property_id;type:uuid;primaryKey"`
	Name       string    `gorm:"column:name"`
	IsActive   bool      `gorm:"column:is_active"`
}

func (propertyModel) TableName() string { return "properties" }

type userPropertyAccessModel struct {
	UserID      uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey"`
	PropertyID  uuid.UUID `gorm:"column:property_id;type:uuid;primaryKey"`
	Permissions string    `gorm:"column:permissions;type:jsonb"`
	GrantedAt   time.Time `gorm:"column:granted_at"`
}

func (userPropertyAccessModel) TableName() string { return "user_property_access" }
