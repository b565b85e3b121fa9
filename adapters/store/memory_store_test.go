package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/walletgate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(now time.Time, ttl time.Duration) *core.Session {
	return &core.Session{
		ID:        uuid.NewString(),
		Account:   testAccount,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestMemorySessionStore(t *testing.T) {
	clock := newTestClock()
	s := NewMemorySessionStore(clock.Now, 0)
	ctx := context.Background()

	session := testSession(clock.Now(), time.Hour)
	require.NoError(t, s.Save(ctx, session))
	assert.ErrorIs(t, s.Save(ctx, session), core.ErrStore)

	got, err := s.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session, got)

	// returned values are copies
	got.Revoked = true
	again, err := s.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, again.Revoked)

	revoked, err := s.Revoke(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)

	// revoking twice is harmless
	_, err = s.Revoke(ctx, session.ID)
	require.NoError(t, err)

	got, err = s.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, got.Status(clock.Now()), core.ErrRevoked)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.Revoke(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemorySessionSweep(t *testing.T) {
	clock := newTestClock()
	s := NewMemorySessionStore(clock.Now, 0)
	ctx := context.Background()

	short := testSession(clock.Now(), time.Minute)
	long := testSession(clock.Now(), time.Hour)
	require.NoError(t, s.Save(ctx, short))
	require.NoError(t, s.Save(ctx, long))

	assert.Equal(t, 0, s.Sweep())
	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Sweep())

	_, err := s.Get(ctx, short.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.Get(ctx, long.ID)
	assert.NoError(t, err)
}

func TestMemorySessionSweepKeepsRevoked(t *testing.T) {
	clock := newTestClock()
	s := NewMemorySessionStore(clock.Now, 24*time.Hour)
	ctx := context.Background()

	session := testSession(clock.Now(), time.Hour)
	require.NoError(t, s.Save(ctx, session))
	_, err := s.Revoke(ctx, session.ID)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Equal(t, 0, s.Sweep())
	got, err := s.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, got.Status(clock.Now()), core.ErrRevoked)

	clock.Advance(24*time.Hour - time.Nanosecond)
	assert.Equal(t, 0, s.Sweep())
	clock.Advance(time.Nanosecond)
	assert.Equal(t, 1, s.Sweep())

	_, err = s.Get(ctx, session.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
