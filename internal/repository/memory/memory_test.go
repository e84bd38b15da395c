package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicelink/internal/domain"
)

func appendSignal(t *testing.T, store *Store, callID uuid.UUID) {
	t.Helper()
	require.NoError(t, store.Backend().Signals.Append(context.Background(), &domain.Signal{
		CallID:   callID,
		Sender:   "alice",
		Receiver: "bob",
		Type:     domain.SignalTypeCandidate,
		Payload:  []byte(`{}`),
	}))
}

func TestWatchSignalsLargeBacklogDoesNotBlockStore(t *testing.T) {
	store := New()
	backend := store.Backend()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callID := uuid.New()
	total := watchBuffer + 50
	for i := 0; i < total; i++ {
		appendSignal(t, store, callID)
	}

	ch, err := backend.Watch.WatchSignals(ctx, callID, "bob")
	require.NoError(t, err)

	// The store must stay usable while the backlog is still in flight
	appended := make(chan struct{})
	go func() {
		appendSignal(t, store, callID)
		close(appended)
	}()
	select {
	case <-appended:
	case <-time.After(time.Second):
		t.Fatal("store blocked while backlog delivery was pending")
	}

	// Everything arrives, in sequence order, with no duplicates
	var lastSeq int64
	for i := 0; i < total+1; i++ {
		select {
		case sig := <-ch:
			assert.Greater(t, sig.Seq, lastSeq)
			lastSeq = sig.Seq
		case <-time.After(time.Second):
			t.Fatalf("signal %d never arrived", i+1)
		}
	}
}

func TestWatchCallsReplaysPendingCall(t *testing.T) {
	store := New()
	backend := store.Backend()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	call := &domain.Call{
		ID:        uuid.New(),
		RoomID:    uuid.New(),
		Caller:    "alice",
		Receiver:  "bob",
		Status:    domain.CallStatusCalling,
		StartedAt: time.Now(),
	}
	require.NoError(t, backend.Calls.Create(ctx, call))

	// Subscribing after the row was written still observes it
	ch, err := backend.Watch.WatchCalls(ctx, "bob")
	require.NoError(t, err)
	select {
	case got := <-ch:
		assert.Equal(t, call.ID, got.ID)
		assert.Equal(t, domain.CallStatusCalling, got.Status)
	case <-time.After(time.Second):
		t.Fatal("pending call was not replayed")
	}

	// Terminal calls are not replayed
	require.NoError(t, backend.Calls.End(ctx, call.ID, domain.CallStatusEnded, 0))
	ch2, err := backend.Watch.WatchCalls(ctx, "bob")
	require.NoError(t, err)
	select {
	case got := <-ch2:
		t.Fatalf("unexpected replay of terminal call %s", got.ID)
	case <-time.After(50 * time.Millisecond):
	}
}
