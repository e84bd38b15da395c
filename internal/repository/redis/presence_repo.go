package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"voicelink/internal/domain"
	apperrors "voicelink/pkg/errors"
)

// PresenceRepository implements repository.UserRepository on Redis.
// Liveness is a TTL key refreshed by heartbeats, so the staleness sweep is
// a no-op here; Redis expires stale users on its own.
type PresenceRepository struct {
	client    *redis.Client
	staleness time.Duration
}

// NewPresenceRepository creates a new PresenceRepository.
// staleness is the window after which a silent user counts as offline.
func NewPresenceRepository(client *redis.Client, staleness time.Duration) *PresenceRepository {
	return &PresenceRepository{client: client, staleness: staleness}
}

func presenceKey(username string) string { return fmt.Sprintf("presence:%s", username) }
func busyKey(username string) string     { return fmt.Sprintf("busy:%s", username) }
func userKey(username string) string     { return fmt.Sprintf("user:%s", username) }

// Upsert creates or replaces the user's presence record
func (r *PresenceRepository) Upsert(ctx context.Context, user *domain.User) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, userKey(user.Username), "last_seen", user.LastSeen.Format(time.RFC3339Nano))
	if user.Online {
		pipe.Set(ctx, presenceKey(user.Username), "online", r.staleness)
	} else {
		pipe.Del(ctx, presenceKey(user.Username))
	}
	if user.Busy {
		pipe.Set(ctx, busyKey(user.Username), "1", 0)
	} else {
		pipe.Del(ctx, busyKey(user.Username))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// Get returns the user's presence record
func (r *PresenceRepository) Get(ctx context.Context, username string) (*domain.User, error) {
	pipe := r.client.Pipeline()
	onlineCmd := pipe.Exists(ctx, presenceKey(username))
	busyCmd := pipe.Exists(ctx, busyKey(username))
	lastSeenCmd := pipe.HGet(ctx, userKey(username), "last_seen")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	lastSeenStr, err := lastSeenCmd.Result()
	if err == redis.Nil {
		return nil, apperrors.UserNotFoundError()
	} else if err != nil {
		return nil, fmt.Errorf("failed to get last_seen: %w", err)
	}

	lastSeen, _ := time.Parse(time.RFC3339Nano, lastSeenStr)
	return &domain.User{
		Username: username,
		Online:   onlineCmd.Val() > 0,
		Busy:     busyCmd.Val() > 0,
		LastSeen: lastSeen,
	}, nil
}

// Heartbeat refreshes the liveness TTL and last_seen
func (r *PresenceRepository) Heartbeat(ctx context.Context, username string) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, presenceKey(username), "online", r.staleness)
	pipe.HSet(ctx, userKey(username), "last_seen", time.Now().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// SetOnline sets the online flag; going offline also clears busy
func (r *PresenceRepository) SetOnline(ctx context.Context, username string, online bool) error {
	if online {
		return r.Heartbeat(ctx, username)
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, presenceKey(username))
	pipe.Del(ctx, busyKey(username))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set user offline: %w", err)
	}
	return nil
}

// ClaimBusy atomically marks the user busy. SET NX makes the
// check-and-set a single operation, so two concurrent claims cannot
// both succeed.
func (r *PresenceRepository) ClaimBusy(ctx context.Context, username string) (bool, error) {
	ok, err := r.client.SetNX(ctx, busyKey(username), "1", 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim busy flag: %w", err)
	}
	return ok, nil
}

// ReleaseBusy clears the busy flag
func (r *PresenceRepository) ReleaseBusy(ctx context.Context, username string) error {
	if err := r.client.Del(ctx, busyKey(username)).Err(); err != nil {
		return fmt.Errorf("failed to release busy flag: %w", err)
	}
	return nil
}

// ExpireStale is a no-op: presence keys carry the staleness TTL
func (r *PresenceRepository) ExpireStale(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}
