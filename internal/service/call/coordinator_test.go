package call

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/repository/memory"
	"voicelink/internal/service/presence"
	"voicelink/internal/service/recording"
	signalsvc "voicelink/internal/service/signal"
	"voicelink/internal/transport"
	apperrors "voicelink/pkg/errors"
	"voicelink/pkg/metrics"
)

// fakeTransport is a scriptable transport; tests drive its connection
// state by hand
type fakeTransport struct {
	mu          sync.Mutex
	onCandidate func(*transport.Candidate)
	onState     func(transport.ConnectionState)
	onAudio     func([]byte)
	remote      *transport.Description
	candidates  []*transport.Candidate
	closed      bool
}

func (f *fakeTransport) CreateOffer() (*transport.Description, error) {
	return &transport.Description{Type: "offer", SDP: "v=0 offer"}, nil
}

func (f *fakeTransport) CreateAnswer(remote *transport.Description) (*transport.Description, error) {
	f.mu.Lock()
	f.remote = remote
	f.mu.Unlock()
	return &transport.Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetRemoteDescription(remote *transport.Description) error {
	f.mu.Lock()
	f.remote = remote
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) AddICECandidate(c *transport.Candidate) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnICECandidate(cb func(*transport.Candidate)) {
	f.mu.Lock()
	f.onCandidate = cb
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnectionStateChange(cb func(transport.ConnectionState)) {
	f.mu.Lock()
	f.onState = cb
	f.mu.Unlock()
}

func (f *fakeTransport) OnAudio(cb func([]byte)) {
	f.mu.Lock()
	f.onAudio = cb
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) fire(state transport.ConnectionState) {
	f.mu.Lock()
	cb := f.onState
	f.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

func (f *fakeTransport) emitCandidate(c *transport.Candidate) {
	f.mu.Lock()
	cb := f.onCandidate
	f.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

func (f *fakeTransport) feedAudio(chunk []byte) {
	f.mu.Lock()
	cb := f.onAudio
	f.mu.Unlock()
	if cb != nil {
		cb(chunk)
	}
}

func (f *fakeTransport) remoteDescription() *transport.Description {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
}

func (f *fakeFactory) New() (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type nullUploader struct{}

func (nullUploader) Upload(_ context.Context, object string, r io.Reader, _ int64, _ string) (string, error) {
	_, err := io.ReadAll(r)
	return "recordings/" + object, err
}

func (nullUploader) Remove(context.Context, string) error { return nil }

// termRecorder captures OnTerminated callbacks
type termRecorder struct {
	mu    sync.Mutex
	calls []*domain.Call
	errs  []error
}

func (r *termRecorder) record(call *domain.Call, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	r.errs = append(r.errs, cause)
}

func (r *termRecorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

type leg struct {
	session   *Session
	transport *fakeFactory
	terms     *termRecorder
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Store
	alice *leg
	bob   *leg
}

func newLeg(ctx context.Context, store *memory.Store, username string, ringTimeout time.Duration) *leg {
	backend := store.Backend()
	m := metrics.NewMetricsWith(prometheus.NewRegistry(), "call_test_"+username)
	log := zap.NewNop()

	pres := presence.NewService(backend.Users, username, time.Minute, 5*time.Minute, m, log)
	relay := signalsvc.NewRelay(backend.Signals, backend.Watch, m, log)
	rec := recording.NewRecorder(backend.Recordings, nullUploader{}, m, log)
	factory := &fakeFactory{}
	terms := &termRecorder{}

	sess := NewSession(Config{
		Username:      username,
		RingTimeout:   ringTimeout,
		MaxReconnects: 5,
		Backend:       backend,
		Presence:      pres,
		Relay:         relay,
		Recorder:      rec,
		Transports:    factory,
		OnTerminated:  terms.record,
		Metrics:       m,
		Log:           log,
	})
	go sess.Run(ctx)
	return &leg{session: sess, transport: factory, terms: terms}
}

func newFixture(t *testing.T, ringTimeout time.Duration) *fixture {
	t.Helper()
	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, name := range []string{"alice", "bob"} {
		require.NoError(t, store.Backend().Users.Upsert(ctx, &domain.User{
			Username: name,
			Online:   true,
			LastSeen: time.Now(),
		}))
	}

	return &fixture{
		t:     t,
		ctx:   ctx,
		store: store,
		alice: newLeg(ctx, store, "alice", ringTimeout),
		bob:   newLeg(ctx, store, "bob", ringTimeout),
	}
}

func (fx *fixture) waitView(l *leg, view string) {
	fx.t.Helper()
	require.Eventually(fx.t, func() bool {
		snap, err := l.session.Snapshot(fx.ctx)
		return err == nil && snap.View == view
	}, 2*time.Second, 5*time.Millisecond, "waiting for view %q", view)
}

func (fx *fixture) waitStatus(id uuid.UUID, status domain.CallStatus) {
	fx.t.Helper()
	require.Eventually(fx.t, func() bool {
		call, err := fx.store.Backend().Calls.Get(fx.ctx, id)
		return err == nil && call.Status == status
	}, 2*time.Second, 5*time.Millisecond, "waiting for status %q", status)
}

func (fx *fixture) activeCallID(username string) uuid.UUID {
	fx.t.Helper()
	var id uuid.UUID
	require.Eventually(fx.t, func() bool {
		call, err := fx.store.Backend().Calls.ActiveForUser(fx.ctx, username)
		if err != nil || call == nil {
			return false
		}
		id = call.ID
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return id
}

func (fx *fixture) user(username string) *domain.User {
	fx.t.Helper()
	user, err := fx.store.Backend().Users.Get(fx.ctx, username)
	require.NoError(fx.t, err)
	return user
}

// connect establishes a full call between alice and bob, returning the
// call id. Used as a starting point by the mid-call tests.
func (fx *fixture) connect() uuid.UUID {
	fx.t.Helper()
	require.NoError(fx.t, fx.alice.session.Initiate(fx.ctx, "bob"))
	id := fx.activeCallID("alice")

	fx.waitView(fx.bob, "ringing")
	require.NoError(fx.t, fx.bob.session.Accept(fx.ctx))

	// Callee offers; wait for the caller to answer before connecting.
	require.Eventually(fx.t, func() bool {
		return fx.alice.transport.count() > 0 && fx.alice.transport.last().remoteDescription() != nil
	}, 2*time.Second, 5*time.Millisecond)

	fx.bob.transport.last().fire(transport.StateConnected)
	fx.alice.transport.last().fire(transport.StateConnected)
	fx.waitView(fx.alice, "connected")
	fx.waitView(fx.bob, "connected")
	fx.waitStatus(id, domain.CallStatusConnected)
	return id
}

func TestCallConnects(t *testing.T) {
	fx := newFixture(t, 5*time.Second)

	require.NoError(t, fx.alice.session.Initiate(fx.ctx, "bob"))
	id := fx.activeCallID("alice")

	// The callee picks it up and writes the authoritative ringing state;
	// the caller mirrors it as display state.
	fx.waitStatus(id, domain.CallStatusRinging)
	fx.waitView(fx.bob, "ringing")
	fx.waitView(fx.alice, "ringing")

	// Both parties are held busy for the duration of the attempt
	assert.True(t, fx.user("alice").Busy)
	assert.True(t, fx.user("bob").Busy)

	require.NoError(t, fx.bob.session.Accept(fx.ctx))
	fx.waitStatus(id, domain.CallStatusAccepted)

	// The callee opened the handshake with an offer; the caller answered
	require.Eventually(t, func() bool {
		last := fx.alice.transport.last()
		return last != nil && last.remoteDescription() != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "offer", fx.alice.transport.last().remoteDescription().Type)

	fx.bob.transport.last().fire(transport.StateConnected)
	fx.alice.transport.last().fire(transport.StateConnected)
	fx.waitStatus(id, domain.CallStatusConnected)

	// Recording starts with the connection
	require.Eventually(t, func() bool {
		rec, err := fx.store.Backend().Recordings.Get(fx.ctx, id)
		return err == nil && rec.Status == domain.RecordingStatusRecording
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInitiateToOfflineUserIsMissed(t *testing.T) {
	fx := newFixture(t, 5*time.Second)
	require.NoError(t, fx.store.Backend().Users.SetOnline(fx.ctx, "bob", false))

	err := fx.alice.session.Initiate(fx.ctx, "bob")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUserUnavailable))

	// The attempt leaves a missed row, no signals, and a released caller
	require.Eventually(t, func() bool {
		call, err := fx.store.Backend().Calls.ActiveForUser(fx.ctx, "alice")
		return err == nil && call == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, fx.user("alice").Busy)

	terms := fx.alice.terms
	terms.mu.Lock()
	require.NotEmpty(t, terms.calls)
	final := terms.calls[len(terms.calls)-1]
	terms.mu.Unlock()
	assert.Equal(t, domain.CallStatusMissed, final.Status)
	assert.Zero(t, fx.store.Count(final.ID))
}

func TestInitiateToBusyUserIsBusy(t *testing.T) {
	fx := newFixture(t, 5*time.Second)
	claimed, err := fx.store.Backend().Users.ClaimBusy(fx.ctx, "bob")
	require.NoError(t, err)
	require.True(t, claimed)

	err = fx.alice.session.Initiate(fx.ctx, "bob")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUserBusy))

	terms := fx.alice.terms
	terms.mu.Lock()
	final := terms.calls[len(terms.calls)-1]
	terms.mu.Unlock()
	assert.Equal(t, domain.CallStatusBusy, final.Status)

	// The row went busy without ever ringing, and bob keeps his claim
	assert.False(t, fx.user("alice").Busy)
	assert.True(t, fx.user("bob").Busy)

	snap, err := fx.alice.session.Snapshot(fx.ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", snap.View)
}

func TestTargetClaimHeldBeforeCallPublishes(t *testing.T) {
	fx := newFixture(t, 5*time.Second)

	calls, err := fx.store.Backend().Watch.WatchCalls(fx.ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, fx.alice.session.Initiate(fx.ctx, "bob"))

	// By the time any subscriber observes the row, the caller already
	// holds bob's busy flag; bob's own defensive claim on engaging can
	// never win a race and turn an idle target into a busy outcome.
	select {
	case call := <-calls:
		assert.Equal(t, domain.CallStatusCalling, call.Status)
		claimed, err := fx.store.Backend().Users.ClaimBusy(fx.ctx, "bob")
		require.NoError(t, err)
		assert.False(t, claimed, "busy flag must be held before the row is visible")
	case <-time.After(2 * time.Second):
		t.Fatal("no call notification for bob")
	}

	// The call proceeds normally despite the callee's own claim landing
	fx.waitView(fx.bob, "ringing")
}

func TestAbandonedIncomingCallTimesOut(t *testing.T) {
	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, name := range []string{"alice", "bob"} {
		require.NoError(t, store.Backend().Users.Upsert(ctx, &domain.User{
			Username: name, Online: true, LastSeen: time.Now(),
		}))
	}
	bob := newLeg(ctx, store, "bob", 50*time.Millisecond)

	// A caller claims both flags and writes the row, then its process
	// dies before anything else arrives.
	for _, name := range []string{"alice", "bob"} {
		claimed, err := store.Backend().Users.ClaimBusy(ctx, name)
		require.NoError(t, err)
		require.True(t, claimed)
	}
	room, err := store.Backend().Rooms.Ensure(ctx, "alice", "bob")
	require.NoError(t, err)
	call := &domain.Call{
		ID:        uuid.New(),
		RoomID:    room.ID,
		Caller:    "alice",
		Receiver:  "bob",
		Status:    domain.CallStatusCalling,
		StartedAt: time.Now(),
	}
	require.NoError(t, store.Backend().Calls.Create(ctx, call))

	// bob rings, then his own timer gives up on the silent caller
	require.Eventually(t, func() bool {
		c, err := store.Backend().Calls.Get(ctx, call.ID)
		return err == nil && c.Status == domain.CallStatusMissed
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		snap, err := bob.session.Snapshot(ctx)
		return err == nil && snap.View == "idle"
	}, 2*time.Second, 5*time.Millisecond)

	user, err := store.Backend().Users.Get(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, user.Busy)

	bob.terms.mu.Lock()
	require.NotEmpty(t, bob.terms.calls)
	final := bob.terms.calls[len(bob.terms.calls)-1]
	bob.terms.mu.Unlock()
	assert.Equal(t, domain.CallStatusMissed, final.Status)
}

func TestIncomingCallBeforeSubscribeStillRings(t *testing.T) {
	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, name := range []string{"alice", "bob"} {
		require.NoError(t, store.Backend().Users.Upsert(ctx, &domain.User{
			Username: name, Online: true, LastSeen: time.Now(),
		}))
	}
	alice := newLeg(ctx, store, "alice", 5*time.Second)
	require.NoError(t, alice.session.Initiate(ctx, "bob"))

	// bob's process starts only after the row exists; the watch replay
	// hands him the pending call
	bob := newLeg(ctx, store, "bob", 5*time.Second)
	require.Eventually(t, func() bool {
		snap, err := bob.session.Snapshot(ctx)
		return err == nil && snap.View == "ringing"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bob.session.Decline(ctx))
	require.Eventually(t, func() bool {
		c, err := store.Backend().Calls.ActiveForUser(ctx, "bob")
		return err == nil && c == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSecondIncomingCallGetsBusyReply(t *testing.T) {
	fx := newFixture(t, 5*time.Second)
	id := fx.connect()

	// A third party's call lands while bob is connected
	intruder := &domain.Call{
		ID:        uuid.New(),
		RoomID:    uuid.New(),
		Caller:    "charlie",
		Receiver:  "bob",
		Status:    domain.CallStatusCalling,
		StartedAt: time.Now(),
	}
	require.NoError(t, fx.store.Backend().Calls.Create(fx.ctx, intruder))

	fx.waitStatus(intruder.ID, domain.CallStatusBusy)

	// The established call is untouched
	call, err := fx.store.Backend().Calls.Get(fx.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, call.Status)
}

func TestDecline(t *testing.T) {
	fx := newFixture(t, 5*time.Second)

	require.NoError(t, fx.alice.session.Initiate(fx.ctx, "bob"))
	id := fx.activeCallID("alice")
	fx.waitView(fx.bob, "ringing")

	require.NoError(t, fx.bob.session.Decline(fx.ctx))
	fx.waitStatus(id, domain.CallStatusDeclined)

	fx.waitView(fx.alice, "idle")
	fx.waitView(fx.bob, "idle")
	assert.False(t, fx.user("alice").Busy)
	assert.False(t, fx.user("bob").Busy)

	require.Eventually(t, func() bool {
		return apperrors.HasCode(fx.alice.terms.lastErr(), apperrors.ErrCodeUserUnavailable)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// bob is online but his client never reacts
	for _, name := range []string{"alice", "bob"} {
		require.NoError(t, store.Backend().Users.Upsert(ctx, &domain.User{
			Username: name, Online: true, LastSeen: time.Now(),
		}))
	}
	alice := newLeg(ctx, store, "alice", 50*time.Millisecond)

	require.NoError(t, alice.session.Initiate(ctx, "bob"))

	require.Eventually(t, func() bool {
		call, err := store.Backend().Calls.ActiveForUser(ctx, "alice")
		return err == nil && call == nil
	}, 2*time.Second, 5*time.Millisecond)

	alice.terms.mu.Lock()
	final := alice.terms.calls[len(alice.terms.calls)-1]
	alice.terms.mu.Unlock()
	assert.Equal(t, domain.CallStatusMissed, final.Status)

	// Neither side stays busy after the timeout
	for _, name := range []string{"alice", "bob"} {
		user, err := store.Backend().Users.Get(ctx, name)
		require.NoError(t, err)
		assert.False(t, user.Busy, name)
	}
}

func TestEndCleansUpEverything(t *testing.T) {
	fx := newFixture(t, 5*time.Second)
	id := fx.connect()

	// Audio flows into the caller's recording while connected
	fx.alice.transport.last().feedAudio([]byte("pcm"))

	require.NoError(t, fx.alice.session.End(fx.ctx))
	fx.waitStatus(id, domain.CallStatusEnded)
	fx.waitView(fx.alice, "idle")
	fx.waitView(fx.bob, "idle")

	assert.False(t, fx.user("alice").Busy)
	assert.False(t, fx.user("bob").Busy)
	assert.Zero(t, fx.store.Count(id))

	rec, err := fx.store.Backend().Recordings.Get(fx.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingStatusCompleted, rec.Status)
	assert.NotEmpty(t, rec.StoragePath)

	// End is idempotent once idle
	require.NoError(t, fx.alice.session.End(fx.ctx))
}

func TestRemoteEndPropagates(t *testing.T) {
	fx := newFixture(t, 5*time.Second)
	id := fx.connect()

	require.NoError(t, fx.bob.session.End(fx.ctx))
	fx.waitStatus(id, domain.CallStatusEnded)
	fx.waitView(fx.alice, "idle")
	assert.False(t, fx.user("alice").Busy)
}

func TestReconnectionBound(t *testing.T) {
	fx := newFixture(t, 5*time.Second)
	id := fx.connect()

	// Five drops are tolerated; each one spends an attempt because no
	// reconnection completes in between
	for i := 0; i < 5; i++ {
		before := fx.alice.transport.count()
		fx.alice.transport.last().fire(transport.StateDisconnected)
		require.Eventually(t, func() bool {
			return fx.alice.transport.count() > before
		}, 2*time.Second, 5*time.Millisecond, "attempt %d", i+1)
	}

	call, err := fx.store.Backend().Calls.Get(fx.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, call.Status)

	// The sixth drop exhausts the bound
	fx.alice.transport.last().fire(transport.StateDisconnected)
	fx.waitStatus(id, domain.CallStatusEnded)
	fx.waitView(fx.alice, "idle")

	require.Eventually(t, func() bool {
		return apperrors.HasCode(fx.alice.terms.lastErr(), apperrors.ErrCodeConnectivityLost)
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, fx.user("alice").Busy)
}

func TestReconnectAttemptsResetOnSuccess(t *testing.T) {
	fx := newFixture(t, 5*time.Second)
	id := fx.connect()

	// Drop and recover more times than the bound; each recovery refills
	// the budget, so the call survives
	for i := 0; i < 7; i++ {
		before := fx.alice.transport.count()
		fx.alice.transport.last().fire(transport.StateDisconnected)
		require.Eventually(t, func() bool {
			return fx.alice.transport.count() > before
		}, 2*time.Second, 5*time.Millisecond)

		fx.alice.transport.last().fire(transport.StateConnected)
		// Give the loop a beat to process the reset
		time.Sleep(10 * time.Millisecond)
	}

	call, err := fx.store.Backend().Calls.Get(fx.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, call.Status)
}

func TestLocalCandidatesAreRelayed(t *testing.T) {
	fx := newFixture(t, 5*time.Second)
	fx.connect()

	fx.bob.transport.last().emitCandidate(&transport.Candidate{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
		SDPMid:    "0",
	})

	// The caller applies it: its remote description is already set
	require.Eventually(t, func() bool {
		last := fx.alice.transport.last()
		last.mu.Lock()
		defer last.mu.Unlock()
		return len(last.candidates) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCommandsOutsideTheirState(t *testing.T) {
	fx := newFixture(t, 5*time.Second)

	err := fx.bob.session.Accept(fx.ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	err = fx.bob.session.Decline(fx.ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	assert.NoError(t, fx.bob.session.End(fx.ctx))

	err = fx.alice.session.Initiate(fx.ctx, "alice")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	require.NoError(t, fx.alice.session.Initiate(fx.ctx, "bob"))
	err = fx.alice.session.Initiate(fx.ctx, "bob")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestMuteIsSessionLocal(t *testing.T) {
	fx := newFixture(t, 5*time.Second)
	id := fx.connect()

	require.NoError(t, fx.alice.session.SetMute(fx.ctx, true))
	snap, err := fx.alice.session.Snapshot(fx.ctx)
	require.NoError(t, err)
	assert.True(t, snap.Muted)

	// No call transition happened
	call, err := fx.store.Backend().Calls.Get(fx.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, call.Status)

	// Mute resets when the call ends
	require.NoError(t, fx.alice.session.End(fx.ctx))
	fx.waitView(fx.alice, "idle")
	snap, err = fx.alice.session.Snapshot(fx.ctx)
	require.NoError(t, err)
	assert.False(t, snap.Muted)
}
