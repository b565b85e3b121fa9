package ports

import (
	"context"

	"github.com/layer-3/walletgate/core"
)

// ChallengeStore issues and consumes single-use authentication nonces
type ChallengeStore interface {
	// Issue creates a fresh challenge for the account. Fails with core.ErrTooManyPending
	// when the account already holds the maximum number of outstanding challenges.
	Issue(ctx context.Context, account core.Account) (*core.Challenge, error)

	// Consume marks the nonce as used. Exactly one caller succeeds per nonce; the
	// others get core.ErrAlreadyConsumed. Other failures: core.ErrExpired,
	// core.ErrNotFound, core.ErrAccountMismatch.
	Consume(ctx context.Context, nonce string, account core.Account) (*core.Challenge, error)
}

// SessionStore persists minted sessions
type SessionStore interface {
	// Save stores a new session. Session IDs are never reused.
	Save(ctx context.Context, session *core.Session) error

	// Get returns the stored session or core.ErrNotFound.
	Get(ctx context.Context, id string) (*core.Session, error)

	// Revoke sets the revoked flag. Returns core.ErrNotFound for unknown sessions.
	Revoke(ctx context.Context, id string) (*core.Session, error)
}
