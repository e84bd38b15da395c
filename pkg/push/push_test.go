package push

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voicelink/pkg/metrics"
)

// memTokens is an in-memory TokenRepository for tests
type memTokens struct {
	mu     sync.Mutex
	tokens map[string]*Token // by token value
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: make(map[string]*Token)}
}

func (m *memTokens) Store(_ context.Context, token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *token
	m.tokens[token.Token] = &copied
	return nil
}

func (m *memTokens) GetByUsername(_ context.Context, username string) ([]*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Token
	for _, t := range m.tokens {
		if t.Username == username {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memTokens) MarkInactive(_ context.Context, tokenValue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[tokenValue]; ok {
		t.Active = false
	}
	return nil
}

func (m *memTokens) DeleteByUsername(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for value, t := range m.tokens {
		if t.Username == username {
			delete(m.tokens, value)
		}
	}
	return nil
}

// rejectingProvider reports every token as invalid
type rejectingProvider struct {
	calls int
}

func (p *rejectingProvider) Send(_ context.Context, _ *Notification, tokens []string) (*SendResult, error) {
	p.calls++
	return &SendResult{
		FailureCount:  len(tokens),
		InvalidTokens: tokens,
	}, nil
}

func newTestService(t *testing.T, provider Provider) (*Service, *memTokens) {
	t.Helper()
	repo := newMemTokens()
	m := metrics.NewMetricsWith(prometheus.NewRegistry(), "push-test")
	return NewService(provider, repo, m, zap.NewNop()), repo
}

func TestNotifyIncomingCallSendsToActiveTokensOnly(t *testing.T) {
	provider := &MockProvider{}
	svc, repo := newTestService(t, provider)
	ctx := context.Background()

	require.NoError(t, svc.RegisterToken(ctx, "bob", "bob-phone", TokenTypeFCM))
	require.NoError(t, svc.RegisterToken(ctx, "bob", "bob-tablet", TokenTypeAPNs))
	require.NoError(t, svc.RegisterToken(ctx, "charlie", "charlie-phone", TokenTypeFCM))
	require.NoError(t, repo.MarkInactive(ctx, "bob-tablet"))

	callID := uuid.New()
	require.NoError(t, svc.NotifyIncomingCall(ctx, "bob", "alice", callID))

	require.Len(t, provider.Sent, 1)
	sent := provider.Sent[0]
	assert.Equal(t, []string{"bob-phone"}, sent.Tokens)
	assert.Equal(t, "Incoming Call", sent.Notification.Title)
	assert.Equal(t, "high", sent.Notification.Priority)
	assert.Equal(t, "INCOMING_CALL", sent.Notification.Category)
	assert.Equal(t, callID.String(), sent.Notification.Data["call_id"])
	assert.Equal(t, "alice", sent.Notification.Data["caller"])
}

func TestNotifyIncomingCallWithoutTokensIsNoop(t *testing.T) {
	provider := &MockProvider{}
	svc, _ := newTestService(t, provider)

	require.NoError(t, svc.NotifyIncomingCall(context.Background(), "bob", "alice", uuid.New()))
	assert.Empty(t, provider.Sent)
}

func TestInvalidTokensAreRetired(t *testing.T) {
	provider := &rejectingProvider{}
	svc, repo := newTestService(t, provider)
	ctx := context.Background()

	require.NoError(t, svc.RegisterToken(ctx, "bob", "dead-token", TokenTypeFCM))
	require.NoError(t, svc.NotifyIncomingCall(ctx, "bob", "alice", uuid.New()))

	tokens, err := repo.GetByUsername(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.False(t, tokens[0].Active)

	// retired token is skipped on the next send
	require.NoError(t, svc.NotifyIncomingCall(ctx, "bob", "alice", uuid.New()))
	assert.Equal(t, 1, provider.calls)
}

func TestUnregisterTokens(t *testing.T) {
	provider := &MockProvider{}
	svc, repo := newTestService(t, provider)
	ctx := context.Background()

	require.NoError(t, svc.RegisterToken(ctx, "bob", "bob-phone", TokenTypeFCM))
	require.NoError(t, svc.UnregisterTokens(ctx, "bob"))

	tokens, err := repo.GetByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}
