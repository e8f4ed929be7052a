package postgres

import (
	"gorm.io/gorm"

	"github.com/costwise/session-security-service/internal/ports"
)

type Repositories struct {
	Sessions ports.SessionStore
	Events   ports.SecurityEventRepository
	Access   ports.AccessSource
	Outbox   ports.OutboxRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Sessions: &sessionStore{db: db},
		Events:   &securityEventRepository{db: db},
		Access:   &accessRepository{db: db},
		Outbox:   &outboxRepository{db: db},
	}
}
