package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/costwise/session-security-service/internal/application"
)

// SessionSweeperWorker periodically deletes expired session rows. Expiry is
// enforced lazily at validation time; the sweeper only reclaims storage and
// closes the audit trail for sessions nobody touched again.
type SessionSweeperWorker struct {
	logger    *slog.Logger
	service   *application.Service
	interval  time.Duration
	batchSize int
}

func NewSessionSweeperWorker(
	logger *slog.Logger,
	service *application.Service,
	interval time.Duration,
	batchSize int,
) *SessionSweeperWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &SessionSweeperWorker{
		logger:    logger,
		service:   service,
		interval:  interval,
		batchSize: batchSize,
	}
}

func (w *SessionSweeperWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		removed, err := w.service.SweepExpiredSessions(ctx, w.batchSize)
		if err != nil {
			w.logger.ErrorContext(ctx, "session sweep iteration failed",
				"module", "events.session_sweeper",
				"layer", "adapter",
				"operation", "sweep_expired_sessions",
				"outcome", "failure",
				"error", err,
			)
		} else if removed > 0 {
			w.logger.InfoContext(ctx, "expired sessions swept",
				"module", "events.session_sweeper",
				"layer", "adapter",
				"operation", "sweep_expired_sessions",
				"outcome", "success",
				"removed_count", removed,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
