// Package presence keeps the local user visible to peers and answers
// availability questions about remote users.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/repository"
	apperrors "voicelink/pkg/errors"
	"voicelink/pkg/metrics"
)

// Service handles presence business logic
type Service struct {
	users     repository.UserRepository
	username  string
	interval  time.Duration
	staleness time.Duration
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewService creates a new presence service
func NewService(
	users repository.UserRepository,
	username string,
	interval, staleness time.Duration,
	m *metrics.Metrics,
	log *zap.Logger,
) *Service {
	return &Service{
		users:     users,
		username:  username,
		interval:  interval,
		staleness: staleness,
		metrics:   m,
		log:       log,
	}
}

// Start registers the local user online and runs the heartbeat loop
// until ctx is cancelled, then marks the user offline. Blocks; run it
// on its own goroutine.
func (s *Service) Start(ctx context.Context) error {
	now := time.Now()
	if err := s.users.Upsert(ctx, &domain.User{
		Username: s.username,
		Online:   true,
		LastSeen: now,
	}); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStorage, "failed to register presence", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best effort; the staleness window covers us if this
			// write is lost.
			offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.users.SetOnline(offCtx, s.username, false); err != nil {
				s.log.Warn("failed to mark offline on shutdown", zap.Error(err))
			}
			return ctx.Err()
		case <-ticker.C:
			err := s.users.Heartbeat(ctx, s.username)
			s.metrics.RecordHeartbeat(err)
			if err != nil {
				s.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// StartSweeper expires stale presence rows on the heartbeat cadence.
// Backends with native TTL expiry report zero expirations here.
func (s *Service) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.users.ExpireStale(ctx, s.staleness)
			if err != nil {
				s.log.Warn("stale presence sweep failed", zap.Error(err))
				continue
			}
			s.metrics.RecordStaleExpired(n)
			if n > 0 {
				s.log.Info("expired stale presence", zap.Int("count", n))
			}
		}
	}
}

// Available reports whether username is online and fresh within the
// staleness window. A busy user is still available here; Claim is the
// sole authority on busy, so an engaged target yields a busy outcome
// rather than a missed one.
func (s *Service) Available(ctx context.Context, username string) (bool, error) {
	user, err := s.users.Get(ctx, username)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return user.Reachable(s.staleness), nil
}

// Claim atomically marks username busy. Returns false when the user
// was already busy; the caller decides whether that means a busy
// outcome or a lost race.
func (s *Service) Claim(ctx context.Context, username string) (bool, error) {
	return s.users.ClaimBusy(ctx, username)
}

// Release clears the busy flag. Idempotent.
func (s *Service) Release(ctx context.Context, username string) error {
	return s.users.ReleaseBusy(ctx, username)
}
