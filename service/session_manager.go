package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coalaura/logger"
	"github.com/google/uuid"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/metrics"
	"github.com/layer-3/walletgate/ports"
)

const DefaultSessionTTL = 24 * time.Hour

// RevokeListener is told about every session revoked through this instance
type RevokeListener func(session *core.Session)

// SessionManager mints, validates and revokes sessions
type SessionManager struct {
	store     ports.SessionStore
	tokenizer ports.Tokenizer
	eventPub  ports.EventPublisher
	metrics   *metrics.Metrics
	log       *logger.Logger

	ttl time.Duration
	now func() time.Time

	mu        sync.RWMutex
	listeners []RevokeListener
}

// SessionConfig configures the session manager
type SessionConfig struct {
	TTL   time.Duration
	Clock func() time.Time
}

// NewSessionManager creates a new session manager. eventPub may be nil when
// revocations only need to reach this instance.
func NewSessionManager(
	store ports.SessionStore,
	tokenizer ports.Tokenizer,
	eventPub ports.EventPublisher,
	m *metrics.Metrics,
	log *logger.Logger,
	cfg SessionConfig,
) *SessionManager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &SessionManager{
		store:     store,
		tokenizer: tokenizer,
		eventPub:  eventPub,
		metrics:   m,
		log:       log,
		ttl:       cfg.TTL,
		now:       cfg.Clock,
	}
}

// Now is the clock every expiry decision is made against
func (m *SessionManager) Now() time.Time {
	return m.now()
}

// CreateSession mints a session for an account whose challenge was just consumed
func (m *SessionManager) CreateSession(ctx context.Context, challenge *core.Challenge) (*core.Session, string, error) {
	if challenge == nil || !challenge.Consumed {
		return nil, "", fmt.Errorf("session requires a consumed challenge: %w", core.ErrInvalidPayload)
	}

	now := m.now()
	session := &core.Session{
		ID:        uuid.New().String(),
		Account:   challenge.Account,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	token, err := m.tokenizer.SessionToToken(session)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create session token: %w", err)
	}

	if err := m.store.Save(ctx, session); err != nil {
		return nil, "", fmt.Errorf("failed to save session: %w", err)
	}

	m.metrics.SessionCreated()

	return session, token, nil
}

// Validate resolves a bearer token to its active session.
// Failures: core.ErrUnauthorized, core.ErrNotFound, core.ErrExpired, core.ErrRevoked.
func (m *SessionManager) Validate(ctx context.Context, token string) (*core.Session, error) {
	id, expiresAt, err := m.tokenizer.TokenToSessionID(token)
	if err != nil {
		return nil, err
	}

	return m.validateID(ctx, id, expiresAt)
}

// ValidateID re-checks a session already resolved from a token
func (m *SessionManager) ValidateID(ctx context.Context, id string) (*core.Session, error) {
	return m.validateID(ctx, id, time.Time{})
}

func (m *SessionManager) validateID(ctx context.Context, id string, expiresAt time.Time) (*core.Session, error) {
	now := m.now()

	session, err := m.store.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		// swept after expiry
		if !expiresAt.IsZero() && !now.Before(expiresAt) {
			return nil, core.ErrExpired
		}
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := session.Status(now); err != nil {
		return session, err
	}

	return session, nil
}

// Revoke invalidates the session behind a token. Revoking an already revoked
// or already expired session succeeds.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	id, expiresAt, err := m.tokenizer.TokenToSessionID(token)
	if err != nil {
		return err
	}

	session, err := m.store.Revoke(ctx, id)
	if errors.Is(err, core.ErrNotFound) && !m.now().Before(expiresAt) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	m.metrics.SessionRevoked()
	m.log.Printf("session: revoked %s for %s\n", session.ID, session.Account)

	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(session)
	}

	// Publish for cross-instance notifications. The store already holds the
	// revocation; instances that miss the event catch it on revalidation.
	if m.eventPub != nil {
		if err := m.eventPub.PublishRevoked(ctx, session); err != nil {
			m.log.Warning("session: failed to publish revocation")
			m.log.WarningE(err)
		}
	}

	return nil
}

// OnRevoke registers a listener for local revocations
func (m *SessionManager) OnRevoke(fn RevokeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners[:len(m.listeners):len(m.listeners)], fn)
}
