package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voicelink/internal/domain"
)

// RoomRepository implements repository.RoomRepository on Redis
type RoomRepository struct {
	client *redis.Client
}

// NewRoomRepository creates a new RoomRepository
func NewRoomRepository(client *redis.Client) *RoomRepository {
	return &RoomRepository{client: client}
}

func roomKey(pairKey string) string { return fmt.Sprintf("room:%s", pairKey) }

// Ensure returns the room for the unordered pair, creating it on first use.
// SET NX keeps creation idempotent under concurrent first calls.
func (r *RoomRepository) Ensure(ctx context.Context, a, b string) (*domain.Room, error) {
	pairKey := domain.PairKey(a, b)
	id := uuid.New()

	created, err := r.client.SetNX(ctx, roomKey(pairKey), id.String(), 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	if !created {
		idStr, err := r.client.Get(ctx, roomKey(pairKey)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get room: %w", err)
		}
		id, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid room id %q: %w", idStr, err)
		}
	}

	return &domain.Room{
		ID:        id,
		PairKey:   pairKey,
		CreatedAt: time.Now(),
	}, nil
}
