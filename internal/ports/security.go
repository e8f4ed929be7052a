package ports

import (
	"time"

	"github.com/google/uuid"
)

// SessionClaims is the authenticated envelope wrapped around the opaque
// session token. The raw token inside is what the session store keys on.
type SessionClaims struct {
	UserID       uuid.UUID `json:"user_id"`
	Role         string    `json:"role"`
	SessionToken string    `json:"session_token"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	KeyID        string    `json:"kid"`
}

// TokenSigner signs and verifies the session envelope so callers can present
// one bearer credential while the service keeps the session state durable.
type TokenSigner interface {
	Sign(claims SessionClaims) (string, error)
	ParseAndValidate(token string) (SessionClaims, error)
	PublicJWKs() ([]map[string]any, error)
}
