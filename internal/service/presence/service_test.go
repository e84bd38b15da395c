package presence

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/repository/memory"
	"voicelink/pkg/metrics"
)

func newService(t *testing.T, store *memory.Store, username string) *Service {
	t.Helper()
	m := metrics.NewMetricsWith(prometheus.NewRegistry(), "presence_test")
	return NewService(store.Backend().Users, username, 10*time.Millisecond, 5*time.Minute, m, zap.NewNop())
}

func TestAvailable(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, "alice")
	ctx := context.Background()

	// Unknown users are unavailable, not an error
	ok, err := svc.Available(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Backend().Users.Upsert(ctx, &domain.User{
		Username: "bob",
		Online:   true,
		LastSeen: time.Now(),
	}))

	ok, err = svc.Available(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBusyUserIsStillAvailable(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, "alice")
	ctx := context.Background()

	require.NoError(t, store.Backend().Users.Upsert(ctx, &domain.User{
		Username: "bob",
		Online:   true,
		Busy:     true,
		LastSeen: time.Now(),
	}))

	// Busy is the claim's concern, not availability's; an engaged user
	// is reachable, and the failed claim is what signals busy.
	ok, err := svc.Available(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	claimed, err := svc.Claim(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestAvailableRespectsStaleness(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, "alice")
	ctx := context.Background()

	// Online flag still set, but the last heartbeat is too old
	require.NoError(t, store.Backend().Users.Upsert(ctx, &domain.User{
		Username: "bob",
		Online:   true,
		LastSeen: time.Now().Add(-6 * time.Minute),
	}))

	ok, err := svc.Available(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimIsExclusive(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, "alice")
	ctx := context.Background()

	require.NoError(t, store.Backend().Users.Upsert(ctx, &domain.User{
		Username: "bob",
		Online:   true,
		LastSeen: time.Now(),
	}))

	ok, err := svc.Claim(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses
	ok, err = svc.Claim(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Release(ctx, "bob"))

	ok, err = svc.Claim(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartHeartbeatsAndGoesOfflineOnStop(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, "alice")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool {
		user, err := store.Backend().Users.Get(context.Background(), "alice")
		return err == nil && user.Online
	}, time.Second, 5*time.Millisecond)

	before, err := store.Backend().Users.Get(context.Background(), "alice")
	require.NoError(t, err)

	// LastSeen advances as heartbeats land
	require.Eventually(t, func() bool {
		user, err := store.Backend().Users.Get(context.Background(), "alice")
		return err == nil && user.LastSeen.After(before.LastSeen)
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	user, err := store.Backend().Users.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, user.Online)
}
