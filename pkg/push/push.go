package push

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicelink/pkg/metrics"
)

// TokenType identifies the platform a device token belongs to
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Android / Web via Firebase
	TokenTypeAPNs TokenType = "apns" // iOS
)

// Token is one registered device token for a user. A user can hold
// several tokens at once (phone, tablet, browser).
type Token struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// Notification is a provider-independent push message
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Sound    string            `json:"sound,omitempty"`
	Badge    *int              `json:"badge,omitempty"`
	Category string            `json:"category,omitempty"`
	Priority string            `json:"priority,omitempty"` // "high" or "normal"
	Data     map[string]string `json:"data,omitempty"`
}

// SendResult reports the outcome of one batch send
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string // tokens the provider rejected as dead
	Errors        []error
}

// Provider delivers notifications to a set of device tokens
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// TokenRepository stores device tokens keyed by username
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUsername(ctx context.Context, username string) ([]*Token, error)
	MarkInactive(ctx context.Context, tokenValue string) error
	DeleteByUsername(ctx context.Context, username string) error
}

// Service sends call notifications to a user's registered devices and
// retires tokens the provider reports as dead.
type Service struct {
	provider Provider
	tokens   TokenRepository
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewService creates a push notification service
func NewService(provider Provider, tokens TokenRepository, m *metrics.Metrics, log *zap.Logger) *Service {
	return &Service{
		provider: provider,
		tokens:   tokens,
		metrics:  m,
		log:      log.Named("push"),
	}
}

// RegisterToken stores or refreshes a device token for a user
func (s *Service) RegisterToken(ctx context.Context, username, tokenValue string, tokenType TokenType) error {
	if username == "" || tokenValue == "" {
		return fmt.Errorf("username and token are required")
	}
	token := &Token{
		ID:       uuid.New(),
		Username: username,
		Token:    tokenValue,
		Type:     tokenType,
		Active:   true,
	}
	if err := s.tokens.Store(ctx, token); err != nil {
		return fmt.Errorf("failed to store push token: %w", err)
	}
	s.log.Debug("push token registered",
		zap.String("username", username),
		zap.String("type", string(tokenType)))
	return nil
}

// UnregisterTokens drops every token registered for a user
func (s *Service) UnregisterTokens(ctx context.Context, username string) error {
	return s.tokens.DeleteByUsername(ctx, username)
}

// NotifyIncomingCall pushes a ring notification to all of the
// receiver's active devices. A failed push is reported to the caller of
// this method but never retried here; the in-band ring continues
// regardless.
func (s *Service) NotifyIncomingCall(ctx context.Context, receiver, caller string, callID uuid.UUID) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", caller),
		Sound:    "ringtone.caf",
		Category: "INCOMING_CALL",
		Priority: "high",
		Data: map[string]string{
			"type":      "call_invite",
			"call_id":   callID.String(),
			"caller":    caller,
			"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		},
	}
	return s.send(ctx, receiver, notification)
}

func (s *Service) send(ctx context.Context, username string, notification *Notification) error {
	tokens, err := s.activeTokens(ctx, username)
	if err != nil {
		s.metrics.RecordPushNotification("failed")
		return err
	}
	if len(tokens) == 0 {
		s.log.Debug("no active push tokens for user", zap.String("username", username))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, tokens)
	if err != nil {
		s.metrics.RecordPushNotification("failed")
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	s.retireInvalidTokens(ctx, result.InvalidTokens)

	if result.SuccessCount > 0 {
		s.metrics.RecordPushNotification("sent")
	}
	if result.FailureCount > 0 {
		s.metrics.RecordPushNotification("failed")
	}

	s.log.Debug("push notification sent",
		zap.String("username", username),
		zap.String("category", notification.Category),
		zap.Int("success", result.SuccessCount),
		zap.Int("failure", result.FailureCount))
	return nil
}

func (s *Service) activeTokens(ctx context.Context, username string) ([]string, error) {
	all, err := s.tokens.GetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to load push tokens: %w", err)
	}
	values := make([]string, 0, len(all))
	for _, t := range all {
		if t.Active {
			values = append(values, t.Token)
		}
	}
	return values, nil
}

// retireInvalidTokens marks tokens the provider rejected so they are
// skipped on the next send
func (s *Service) retireInvalidTokens(ctx context.Context, invalid []string) {
	for _, tokenValue := range invalid {
		if err := s.tokens.MarkInactive(ctx, tokenValue); err != nil {
			s.log.Warn("failed to retire invalid push token",
				zap.String("token", maskPushToken(tokenValue)),
				zap.Error(err))
		}
	}
}

// MockProvider records sent notifications instead of delivering them.
// Used in tests and when no real provider is configured.
type MockProvider struct {
	Sent []MockSend
}

// MockSend is one recorded Send call
type MockSend struct {
	Notification *Notification
	Tokens       []string
}

// Send implements Provider
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.Sent = append(m.Sent, MockSend{Notification: notification, Tokens: tokens})
	return &SendResult{SuccessCount: len(tokens)}, nil
}

// maskPushToken returns a safe masked version of a push token for logging
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}
