package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voicelink/internal/domain"
)

// SignalRepository implements repository.SignalRepository on Redis.
// Signals live in a per-call sorted set scored by an INCR-assigned
// sequence, which gives creation-order delivery and cheap bulk purge.
type SignalRepository struct {
	client *redis.Client
}

// NewSignalRepository creates a new SignalRepository
func NewSignalRepository(client *redis.Client) *SignalRepository {
	return &SignalRepository{client: client}
}

func signalsKey(callID uuid.UUID) string   { return fmt.Sprintf("signals:%s", callID) }
func signalSeqKey(callID uuid.UUID) string { return fmt.Sprintf("signal_seq:%s", callID) }

// SignalChannel is the pub/sub channel for one receiver's signals in a call
func SignalChannel(callID uuid.UUID, username string) string {
	return fmt.Sprintf("signals:%s:%s", callID, username)
}

// Append stores the signal with the next per-call sequence and publishes it
func (r *SignalRepository) Append(ctx context.Context, sig *domain.Signal) error {
	seq, err := r.client.Incr(ctx, signalSeqKey(sig.CallID)).Result()
	if err != nil {
		return fmt.Errorf("failed to assign signal sequence: %w", err)
	}
	sig.Seq = seq
	sig.CreatedAt = time.Now()

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, signalsKey(sig.CallID), redis.Z{Score: float64(seq), Member: data})
	pipe.Publish(ctx, SignalChannel(sig.CallID, sig.Receiver), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append signal: %w", err)
	}
	return nil
}

// After returns signals with Seq > seq in sequence order
func (r *SignalRepository) After(ctx context.Context, callID uuid.UUID, seq int64) ([]*domain.Signal, error) {
	members, err := r.client.ZRangeByScore(ctx, signalsKey(callID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(seq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range signals: %w", err)
	}

	signals := make([]*domain.Signal, 0, len(members))
	for _, member := range members {
		var sig domain.Signal
		if err := json.Unmarshal([]byte(member), &sig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal: %w", err)
		}
		signals = append(signals, &sig)
	}
	return signals, nil
}

// Purge deletes all signals for the call. DEL of absent keys is a no-op,
// so a repeated purge succeeds without error.
func (r *SignalRepository) Purge(ctx context.Context, callID uuid.UUID) error {
	if err := r.client.Del(ctx, signalsKey(callID), signalSeqKey(callID)).Err(); err != nil {
		return fmt.Errorf("failed to purge signals: %w", err)
	}
	return nil
}
