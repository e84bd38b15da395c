package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voicelink/internal/domain"
	apperrors "voicelink/pkg/errors"
)

// RecordingRepository implements repository.RecordingRepository on Redis
type RecordingRepository struct {
	client *redis.Client
}

// NewRecordingRepository creates a new RecordingRepository
func NewRecordingRepository(client *redis.Client) *RecordingRepository {
	return &RecordingRepository{client: client}
}

func recordingKey(callID uuid.UUID) string { return fmt.Sprintf("recording:%s", callID) }

// Create stores a new recording row
func (r *RecordingRepository) Create(ctx context.Context, rec *domain.Recording) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal recording: %w", err)
	}
	if err := r.client.Set(ctx, recordingKey(rec.CallID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}
	return nil
}

// Update replaces the recording row
func (r *RecordingRepository) Update(ctx context.Context, rec *domain.Recording) error {
	return r.Create(ctx, rec)
}

// Get retrieves the recording for a call
func (r *RecordingRepository) Get(ctx context.Context, callID uuid.UUID) (*domain.Recording, error) {
	data, err := r.client.Get(ctx, recordingKey(callID)).Bytes()
	if err == redis.Nil {
		return nil, apperrors.CallNotFoundError()
	} else if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}

	var rec domain.Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recording: %w", err)
	}
	return &rec, nil
}
