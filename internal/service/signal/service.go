// Package signal relays negotiation messages between call peers
// through the relay store.
package signal

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/repository"
	apperrors "voicelink/pkg/errors"
	"voicelink/pkg/metrics"
)

// Relay sends and delivers negotiation signals for one call at a time.
// Ordering is the store's per-call sequence; delivery preserves it.
type Relay struct {
	signals repository.SignalRepository
	watch   repository.Watcher
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewRelay creates a new Relay
func NewRelay(
	signals repository.SignalRepository,
	watch repository.Watcher,
	m *metrics.Metrics,
	log *zap.Logger,
) *Relay {
	return &Relay{signals: signals, watch: watch, metrics: m, log: log}
}

// Send appends one signal to the call's log. The store assigns the
// sequence number and notifies the receiver.
func (r *Relay) Send(ctx context.Context, callID uuid.UUID, sender, receiver string, typ domain.SignalType, payload json.RawMessage) error {
	sig := &domain.Signal{
		CallID:   callID,
		Sender:   sender,
		Receiver: receiver,
		Type:     typ,
		Payload:  payload,
	}
	if err := r.signals.Append(ctx, sig); err != nil {
		return apperrors.RelayError(err)
	}
	r.metrics.RecordSignal(string(typ), "sent")

	r.log.Debug("signal sent",
		zap.String("call_id", callID.String()),
		zap.String("type", string(typ)),
		zap.Int64("seq", sig.Seq))
	return nil
}

// Deliver invokes handle for every signal addressed to username, in
// sequence order, starting with any backlog already in the store.
// Blocks until ctx is cancelled or the watch channel closes.
func (r *Relay) Deliver(ctx context.Context, callID uuid.UUID, username string, handle func(*domain.Signal)) error {
	ch, err := r.watch.WatchSignals(ctx, callID, username)
	if err != nil {
		return apperrors.RelayError(err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			r.metrics.RecordSignal(string(sig.Type), "received")
			handle(sig)
		}
	}
}

// Purge deletes the call's signal log. Idempotent: purging a call
// that was already purged, or never signaled, succeeds.
func (r *Relay) Purge(ctx context.Context, callID uuid.UUID) error {
	if err := r.signals.Purge(ctx, callID); err != nil {
		return apperrors.RelayError(err)
	}
	r.log.Debug("signals purged", zap.String("call_id", callID.String()))
	return nil
}
