package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voicelink/internal/domain"
	apperrors "voicelink/pkg/errors"
)

// CallRepository implements repository.CallRepository on Redis.
// Rows are JSON values; status transitions run under WATCH so a stale
// writer loses instead of clobbering a terminal row. Every change is
// published to both participants' call channels.
type CallRepository struct {
	client *redis.Client
}

// NewCallRepository creates a new CallRepository
func NewCallRepository(client *redis.Client) *CallRepository {
	return &CallRepository{client: client}
}

func callKey(id uuid.UUID) string         { return fmt.Sprintf("call:%s", id) }
func activeCallKey(username string) string { return fmt.Sprintf("active_call:%s", username) }

// CallChannel is the pub/sub channel carrying call changes for one user
func CallChannel(username string) string { return fmt.Sprintf("calls:%s", username) }

// unlinkActiveScript deletes an active-call pointer only while it still
// names the given call, so ending an intruder's attempt cannot unlink
// the pointer of an established call.
var unlinkActiveScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Create stores a new call row and notifies both participants
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, callKey(call.ID), data, 0)
	if !call.Status.Terminal() {
		pipe.Set(ctx, activeCallKey(call.Caller), call.ID.String(), 0)
		// The receiver may already hold an established call; an
		// intruder's row must not displace that pointer.
		pipe.SetNX(ctx, activeCallKey(call.Receiver), call.ID.String(), 0)
	}
	pipe.Publish(ctx, CallChannel(call.Caller), data)
	pipe.Publish(ctx, CallChannel(call.Receiver), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

// Get retrieves a call by ID
func (r *CallRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	data, err := r.client.Get(ctx, callKey(id)).Bytes()
	if err == redis.Nil {
		return nil, apperrors.CallNotFoundError()
	} else if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	var call domain.Call
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	return &call, nil
}

// UpdateStatus moves the call to status, enforcing the transition table
func (r *CallRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CallStatus) error {
	return r.mutate(ctx, id, func(call *domain.Call) error {
		if call.Status == status {
			return nil
		}
		if !domain.CanTransition(call.Status, status) {
			return apperrors.InvalidStateError(
				fmt.Sprintf("illegal call transition %s -> %s", call.Status, status))
		}
		call.Status = status
		return nil
	})
}

// End moves the call to a terminal status with ended_at and duration.
// A repeated End on an already-terminal row is a no-op.
func (r *CallRepository) End(ctx context.Context, id uuid.UUID, status domain.CallStatus, duration int) error {
	return r.mutate(ctx, id, func(call *domain.Call) error {
		if call.Status.Terminal() {
			return nil
		}
		if !status.Terminal() || !domain.CanTransition(call.Status, status) {
			return apperrors.InvalidStateError(
				fmt.Sprintf("illegal call transition %s -> %s", call.Status, status))
		}
		now := time.Now()
		call.Status = status
		call.EndedAt = &now
		call.Duration = duration
		return nil
	})
}

// mutate applies fn to the call row under WATCH and republishes it
func (r *CallRepository) mutate(ctx context.Context, id uuid.UUID, fn func(*domain.Call) error) error {
	key := callKey(id)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return apperrors.CallNotFoundError()
		} else if err != nil {
			return fmt.Errorf("failed to get call: %w", err)
		}

		var call domain.Call
		if err := json.Unmarshal(data, &call); err != nil {
			return fmt.Errorf("failed to unmarshal call: %w", err)
		}

		if err := fn(&call); err != nil {
			return err
		}

		updated, err := json.Marshal(&call)
		if err != nil {
			return fmt.Errorf("failed to marshal call: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			pipe.Publish(ctx, CallChannel(call.Caller), updated)
			pipe.Publish(ctx, CallChannel(call.Receiver), updated)
			return nil
		})
		if err != nil {
			return err
		}
		if call.Status.Terminal() {
			r.unlinkActive(ctx, &call)
		}
		return nil
	}, key)

	if err == redis.TxFailedErr {
		// Concurrent writer; retry once against the fresh row.
		return r.mutate(ctx, id, fn)
	}
	return err
}

// unlinkActive drops both participants' active-call pointers when they
// still name this call
func (r *CallRepository) unlinkActive(ctx context.Context, call *domain.Call) {
	for _, user := range []string{call.Caller, call.Receiver} {
		_ = unlinkActiveScript.Run(ctx, r.client,
			[]string{activeCallKey(user)}, call.ID.String()).Err()
	}
}

// ActiveForUser returns the user's non-terminal call, or nil
func (r *CallRepository) ActiveForUser(ctx context.Context, username string) (*domain.Call, error) {
	idStr, err := r.client.Get(ctx, activeCallKey(username)).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get active call: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid active call id %q: %w", idStr, err)
	}

	call, err := r.Get(ctx, id)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
			// Stale pointer left by a crashed process; self-heal.
			_ = unlinkActiveScript.Run(ctx, r.client,
				[]string{activeCallKey(username)}, idStr).Err()
			return nil, nil
		}
		return nil, err
	}
	if call.Status.Terminal() {
		r.unlinkActive(ctx, call)
		return nil, nil
	}
	return call, nil
}
