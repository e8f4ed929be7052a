package application

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/costwise/session-security-service/internal/domain"
)

// SessionStats aggregates session activity for an admin timeframe. Creation,
// trust, and duration figures come from the audit log; the active count is a
// live-table count, so it is an estimate of "right now" rather than a
// window-scoped figure.
func (s *Service) SessionStats(ctx context.Context, timeframe string) (SessionStatsResponse, error) {
	var window time.Duration
	switch timeframe {
	case "1h":
		window = time.Hour
	case "", "24h":
		timeframe = "24h"
		window = 24 * time.Hour
	case "7d":
		window = 7 * 24 * time.Hour
	default:
		return SessionStatsResponse{}, fmt.Errorf("%w: timeframe must be one of 1h, 24h, 7d", domain.ErrInvalidInput)
	}

	now := s.nowFn()
	agg, err := s.events.SessionAggregates(ctx, now.Add(-window))
	if err != nil {
		return SessionStatsResponse{}, fmt.Errorf("%w: aggregate session events: %v", domain.ErrBackendUnavailable, err)
	}
	active, err := s.sessions.CountActive(ctx, now)
	if err != nil {
		return SessionStatsResponse{}, fmt.Errorf("%w: count active sessions: %v", domain.ErrBackendUnavailable, err)
	}

	trustRate := 0.0
	if agg.SessionsCreated > 0 {
		trustRate = float64(agg.TrustedCreations) / float64(agg.SessionsCreated)
	}

	return SessionStatsResponse{
		Timeframe:                 timeframe,
		SessionsCreated:           agg.SessionsCreated,
		ActiveSessions:            active,
		SuspiciousEvents:          agg.SuspiciousEvents,
		DeviceTrustRate:           math.Round(trustRate*100) / 100,
		AvgSessionDurationSeconds: math.Round(agg.AvgDurationSeconds*10) / 10,
	}, nil
}
