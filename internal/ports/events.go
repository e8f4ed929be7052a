package ports

import "context"

// EventPublisher is the outbound publish port for security notifications.
// The outbox worker drains through this abstraction so broker/client concerns
// stay in adapters.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}
