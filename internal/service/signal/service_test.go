package signal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/repository/memory"
	"voicelink/pkg/metrics"
)

func newRelay(store *memory.Store) *Relay {
	backend := store.Backend()
	m := metrics.NewMetricsWith(prometheus.NewRegistry(), "signal_test")
	return NewRelay(backend.Signals, backend.Watch, m, zap.NewNop())
}

func TestSendAssignsIncreasingSequence(t *testing.T) {
	store := memory.New()
	relay := newRelay(store)
	ctx := context.Background()
	callID := uuid.New()

	require.NoError(t, relay.Send(ctx, callID, "alice", "bob", domain.SignalTypeOffer, json.RawMessage(`{"sdp":"o1"}`)))
	require.NoError(t, relay.Send(ctx, callID, "bob", "alice", domain.SignalTypeAnswer, json.RawMessage(`{"sdp":"a1"}`)))
	require.NoError(t, relay.Send(ctx, callID, "alice", "bob", domain.SignalTypeCandidate, json.RawMessage(`{"candidate":"c1"}`)))

	sigs, err := store.Backend().Signals.After(ctx, callID, 0)
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	for i := 1; i < len(sigs); i++ {
		assert.Greater(t, sigs[i].Seq, sigs[i-1].Seq)
	}
}

func TestDeliverPreservesOrderAcrossBacklogAndLive(t *testing.T) {
	store := memory.New()
	relay := newRelay(store)
	callID := uuid.New()

	// Two signals land before bob starts listening
	require.NoError(t, relay.Send(context.Background(), callID, "alice", "bob", domain.SignalTypeOffer, json.RawMessage(`{}`)))
	require.NoError(t, relay.Send(context.Background(), callID, "alice", "bob", domain.SignalTypeCandidate, json.RawMessage(`{}`)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *domain.Signal, 16)
	done := make(chan error, 1)
	go func() {
		done <- relay.Deliver(ctx, callID, "bob", func(sig *domain.Signal) {
			got <- sig
		})
	}()

	var seqs []int64
	for len(seqs) < 2 {
		select {
		case sig := <-got:
			seqs = append(seqs, sig.Seq)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for backlog delivery")
		}
	}

	// A third signal arrives while listening
	require.NoError(t, relay.Send(context.Background(), callID, "alice", "bob", domain.SignalTypeCandidate, json.RawMessage(`{}`)))
	select {
	case sig := <-got:
		seqs = append(seqs, sig.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live delivery")
	}

	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDeliverFiltersByReceiver(t *testing.T) {
	store := memory.New()
	relay := newRelay(store)
	callID := uuid.New()

	require.NoError(t, relay.Send(context.Background(), callID, "alice", "bob", domain.SignalTypeOffer, json.RawMessage(`{}`)))
	require.NoError(t, relay.Send(context.Background(), callID, "bob", "alice", domain.SignalTypeAnswer, json.RawMessage(`{}`)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *domain.Signal, 16)
	go relay.Deliver(ctx, callID, "bob", func(sig *domain.Signal) { got <- sig })

	select {
	case sig := <-got:
		assert.Equal(t, "bob", sig.Receiver)
		assert.Equal(t, domain.SignalTypeOffer, sig.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case sig := <-got:
		t.Fatalf("received signal addressed to %s", sig.Receiver)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPurgeIsIdempotent(t *testing.T) {
	store := memory.New()
	relay := newRelay(store)
	ctx := context.Background()
	callID := uuid.New()

	require.NoError(t, relay.Send(ctx, callID, "alice", "bob", domain.SignalTypeOffer, json.RawMessage(`{}`)))
	require.Equal(t, 1, store.Count(callID))

	require.NoError(t, relay.Purge(ctx, callID))
	assert.Equal(t, 0, store.Count(callID))

	// Purging again, and purging a call that never existed, both succeed
	require.NoError(t, relay.Purge(ctx, callID))
	require.NoError(t, relay.Purge(ctx, uuid.New()))
}
