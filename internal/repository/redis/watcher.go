package redis

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicelink/internal/domain"
)

// Watcher implements repository.Watcher over Redis pub/sub
type Watcher struct {
	client  *redis.Client
	calls   *CallRepository
	signals *SignalRepository
	log     *zap.Logger
}

// NewWatcher creates a new Watcher
func NewWatcher(client *redis.Client, calls *CallRepository, signals *SignalRepository, log *zap.Logger) *Watcher {
	return &Watcher{client: client, calls: calls, signals: signals, log: log}
}

// WatchCalls streams call changes involving username. The user's
// non-terminal call, if any, is replayed first: a subscriber arriving
// after the row was written must still observe the incoming call.
func (w *Watcher) WatchCalls(ctx context.Context, username string) (<-chan *domain.Call, error) {
	pubsub := w.client.Subscribe(ctx, CallChannel(username))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	active, err := w.calls.ActiveForUser(ctx, username)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan *domain.Call, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		if active != nil {
			select {
			case out <- active:
			case <-ctx.Done():
				return
			}
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var call domain.Call
				if err := json.Unmarshal([]byte(msg.Payload), &call); err != nil {
					w.log.Warn("failed to unmarshal call notification",
						zap.String("channel", msg.Channel),
						zap.Error(err))
					continue
				}
				select {
				case out <- &call:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// WatchSignals streams signals for the call addressed to username, in
// sequence order. Subscribes before reading the backlog so nothing can
// slip between the two; sequence numbers dedupe the overlap.
func (w *Watcher) WatchSignals(ctx context.Context, callID uuid.UUID, username string) (<-chan *domain.Signal, error) {
	pubsub := w.client.Subscribe(ctx, SignalChannel(callID, username))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	backlog, err := w.signals.After(ctx, callID, 0)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan *domain.Signal, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		var lastSeq int64
		for _, sig := range backlog {
			if sig.Receiver != username {
				continue
			}
			select {
			case out <- sig:
				lastSeq = sig.Seq
			case <-ctx.Done():
				return
			}
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var sig domain.Signal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					w.log.Warn("failed to unmarshal signal notification",
						zap.String("call_id", callID.String()),
						zap.Error(err))
					continue
				}
				if sig.Seq <= lastSeq {
					continue // already delivered from the backlog
				}
				select {
				case out <- &sig:
					lastSeq = sig.Seq
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

