package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voicelink/pkg/push"
)

// Registered tokens expire if not refreshed; clients re-register on launch.
const pushTokenExpiry = 30 * 24 * time.Hour

// PushTokenRepository implements push.TokenRepository on Redis.
// Each token is a JSON blob keyed by its value, with a per-user set
// indexing the user's tokens.
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func pushTokenKey(tokenValue string) string { return fmt.Sprintf("push:token:%s", tokenValue) }
func pushUserKey(username string) string    { return fmt.Sprintf("push:user:%s:tokens", username) }

// Store creates or refreshes a token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, pushTokenKey(token.Token), data, pushTokenExpiry)
	pipe.SAdd(ctx, pushUserKey(token.Username), token.Token)
	pipe.Expire(ctx, pushUserKey(token.Username), pushTokenExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// GetByUsername returns all known tokens for a user. Tokens whose blob
// has expired are pruned from the index as a side effect.
func (r *PushTokenRepository) GetByUsername(ctx context.Context, username string) ([]*push.Token, error) {
	values, err := r.client.SMembers(ctx, pushUserKey(username)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	tokens := make([]*push.Token, 0, len(values))
	for _, value := range values {
		data, err := r.client.Get(ctx, pushTokenKey(value)).Bytes()
		if err == redis.Nil {
			r.client.SRem(ctx, pushUserKey(username), value)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		var token push.Token
		if err := json.Unmarshal(data, &token); err != nil {
			return nil, fmt.Errorf("failed to unmarshal token: %w", err)
		}
		tokens = append(tokens, &token)
	}
	return tokens, nil
}

// MarkInactive flags a token so it is skipped on future sends
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenValue string) error {
	data, err := r.client.Get(ctx, pushTokenKey(tokenValue)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("failed to unmarshal token: %w", err)
	}
	token.Active = false
	token.UpdatedAt = time.Now().Unix()

	updated, err := json.Marshal(&token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.client.Set(ctx, pushTokenKey(tokenValue), updated, pushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

// DeleteByUsername removes every token registered for a user
func (r *PushTokenRepository) DeleteByUsername(ctx context.Context, username string) error {
	values, err := r.client.SMembers(ctx, pushUserKey(username)).Result()
	if err != nil {
		return fmt.Errorf("failed to get user tokens: %w", err)
	}

	pipe := r.client.TxPipeline()
	for _, value := range values {
		pipe.Del(ctx, pushTokenKey(value))
	}
	pipe.Del(ctx, pushUserKey(username))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete user tokens: %w", err)
	}
	return nil
}
