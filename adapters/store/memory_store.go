package store

import (
	"context"
	"fmt"
	"time"

	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/shard"
)

// MemorySessionStore is an in-memory implementation of the SessionStore interface
type MemorySessionStore struct {
	sessions  *shard.Map[*core.Session]
	now       func() time.Time
	retention time.Duration
}

// NewMemorySessionStore creates a new in-memory session store. Revoked sessions
// are kept for revokedRetention past their expiry so they keep reporting
// core.ErrRevoked; zero means DefaultRevokedRetention.
func NewMemorySessionStore(clock func() time.Time, revokedRetention time.Duration) *MemorySessionStore {
	if clock == nil {
		clock = time.Now
	}
	if revokedRetention <= 0 {
		revokedRetention = DefaultRevokedRetention
	}
	return &MemorySessionStore{
		sessions:  shard.New[*core.Session](0),
		now:       clock,
		retention: revokedRetention,
	}
}

// Save stores a new session
func (s *MemorySessionStore) Save(ctx context.Context, session *core.Session) error {
	cp := *session
	if !s.sessions.SetIfAbsent(session.ID, &cp) {
		return fmt.Errorf("session %s already exists: %w", session.ID, core.ErrStore)
	}
	return nil
}

// Get returns a copy of the stored session
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	session, ok := s.sessions.Get(id)
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

// Revoke marks a session as revoked
func (s *MemorySessionStore) Revoke(ctx context.Context, id string) (*core.Session, error) {
	var out *core.Session
	s.sessions.Update(id, func(session *core.Session, ok bool) (*core.Session, bool) {
		if !ok {
			return nil, false
		}
		// copy-on-write: readers may still hold the previous pointer
		cp := *session
		cp.Revoked = true
		res := cp
		out = &res
		return &cp, true
	})
	if out == nil {
		return nil, core.ErrNotFound
	}
	return out, nil
}

// Sweep evicts sessions past their expiry, and revoked sessions past their
// retention
func (s *MemorySessionStore) Sweep() int {
	now := s.now()
	return s.sessions.Sweep(func(_ string, session *core.Session) bool {
		return !now.Before(evictAt(session, s.retention))
	})
}

// Run sweeps periodically until ctx is done
func (s *MemorySessionStore) Run(ctx context.Context, interval time.Duration) {
	runSweeper(ctx, interval, s.Sweep)
}
