package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coalaura/logger"
	"github.com/layer-3/walletgate/adapters/store"
	"github.com/layer-3/walletgate/adapters/tokenizer"
	"github.com/layer-3/walletgate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = core.Account("0x71c7656ec7ab88b098defb751b7401b5f6d8976f")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu      sync.Mutex
	revoked []string
	err     error
}

func (p *recordingPublisher) PublishRevoked(ctx context.Context, session *core.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, session.ID)
	return p.err
}

type sessionFixture struct {
	manager *SessionManager
	store   *store.MemorySessionStore
	pub     *recordingPublisher
	clock   *testClock
}

func newSessionFixture(t *testing.T, ttl time.Duration) *sessionFixture {
	t.Helper()

	key, err := tokenizer.GenerateSigningKey()
	require.NoError(t, err)

	clock := newTestClock()
	sessions := store.NewMemorySessionStore(clock.Now, 0)
	pub := &recordingPublisher{}
	manager := NewSessionManager(sessions, tokenizer.NewJWTTokenizer(key), pub, nil, logger.New(), SessionConfig{
		TTL:   ttl,
		Clock: clock.Now,
	})

	return &sessionFixture{manager: manager, store: sessions, pub: pub, clock: clock}
}

func consumed(account core.Account) *core.Challenge {
	return &core.Challenge{Nonce: "n", Account: account, Consumed: true}
}

func TestCreateSession(t *testing.T) {
	f := newSessionFixture(t, time.Hour)
	ctx := context.Background()

	session, token, err := f.manager.CreateSession(ctx, consumed(testAccount))
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.NotEmpty(t, token)
	assert.Equal(t, testAccount, session.Account)
	assert.Equal(t, f.clock.Now().Add(time.Hour), session.ExpiresAt)

	other, otherToken, err := f.manager.CreateSession(ctx, consumed(testAccount))
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, other.ID)
	assert.NotEqual(t, token, otherToken)

	_, _, err = f.manager.CreateSession(ctx, &core.Challenge{Account: testAccount})
	assert.ErrorIs(t, err, core.ErrInvalidPayload)
}

func TestValidateExpiryBoundary(t *testing.T) {
	f := newSessionFixture(t, time.Hour)
	ctx := context.Background()

	_, token, err := f.manager.CreateSession(ctx, consumed(testAccount))
	require.NoError(t, err)

	f.clock.Advance(time.Hour - time.Nanosecond)
	session, err := f.manager.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, testAccount, session.Account)

	f.clock.Advance(time.Nanosecond)
	_, err = f.manager.Validate(ctx, token)
	assert.ErrorIs(t, err, core.ErrExpired)

	// still expired once the record has been swept
	assert.Equal(t, 1, f.store.Sweep())
	_, err = f.manager.Validate(ctx, token)
	assert.ErrorIs(t, err, core.ErrExpired)
}

func TestValidateRejectsGarbage(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	_, err := f.manager.Validate(context.Background(), "garbage")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	// a token from another deployment
	other := newSessionFixture(t, time.Hour)
	_, token, err := other.manager.CreateSession(context.Background(), consumed(testAccount))
	require.NoError(t, err)
	_, err = f.manager.Validate(context.Background(), token)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestRevoke(t *testing.T) {
	f := newSessionFixture(t, time.Hour)
	ctx := context.Background()

	var notified []string
	f.manager.OnRevoke(func(s *core.Session) { notified = append(notified, s.ID) })

	session, token, err := f.manager.CreateSession(ctx, consumed(testAccount))
	require.NoError(t, err)

	require.NoError(t, f.manager.Revoke(ctx, token))
	for i := 0; i < 3; i++ {
		_, err = f.manager.Validate(ctx, token)
		assert.ErrorIs(t, err, core.ErrRevoked)
	}

	// revocation wins over expiry
	f.clock.Advance(2 * time.Hour)
	_, err = f.manager.Validate(ctx, token)
	assert.ErrorIs(t, err, core.ErrRevoked)

	// idempotent
	require.NoError(t, f.manager.Revoke(ctx, token))

	assert.Equal(t, []string{session.ID, session.ID}, notified)
	assert.Equal(t, []string{session.ID, session.ID}, f.pub.revoked)
}

func TestRevokedSurvivesSweep(t *testing.T) {
	f := newSessionFixture(t, time.Hour)
	ctx := context.Background()

	_, token, err := f.manager.CreateSession(ctx, consumed(testAccount))
	require.NoError(t, err)
	require.NoError(t, f.manager.Revoke(ctx, token))

	f.clock.Advance(2 * time.Hour)
	_, err = f.manager.Validate(ctx, token)
	assert.ErrorIs(t, err, core.ErrRevoked)

	assert.Zero(t, f.store.Sweep())
	_, err = f.manager.Validate(ctx, token)
	assert.ErrorIs(t, err, core.ErrRevoked)

	// the record is dropped once the retention ends
	f.clock.Advance(store.DefaultRevokedRetention)
	assert.Equal(t, 1, f.store.Sweep())
	_, err = f.manager.Validate(ctx, token)
	assert.ErrorIs(t, err, core.ErrExpired)
}

func TestRevokeSurvivesPublishFailure(t *testing.T) {
	f := newSessionFixture(t, time.Hour)
	f.pub.err = errors.New("bus down")
	ctx := context.Background()

	_, token, err := f.manager.CreateSession(ctx, consumed(testAccount))
	require.NoError(t, err)

	require.NoError(t, f.manager.Revoke(ctx, token))
	_, err = f.manager.Validate(ctx, token)
	assert.ErrorIs(t, err, core.ErrRevoked)
}

func TestRevokeExpiredSession(t *testing.T) {
	f := newSessionFixture(t, time.Hour)
	ctx := context.Background()

	_, token, err := f.manager.CreateSession(ctx, consumed(testAccount))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	f.store.Sweep()
	assert.NoError(t, f.manager.Revoke(ctx, token))

	assert.ErrorIs(t, f.manager.Revoke(ctx, "garbage"), core.ErrUnauthorized)
}
