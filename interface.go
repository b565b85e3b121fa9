package walletgate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/layer-3/walletgate/core"
)

// Client represents the public interface for interacting with a walletgate server
type Client interface {
	// Challenge requests a sign-in challenge for an account
	Challenge(ctx context.Context, account string) (*Challenge, error)

	// Verify submits a signed challenge and returns the new session
	Verify(ctx context.Context, req VerifyRequest) (*Session, error)

	// Session describes the session behind a token
	Session(ctx context.Context, token string) (*Session, error)

	// Revoke invalidates a token. Revoking twice succeeds.
	Revoke(ctx context.Context, token string) error
}

// Challenge is an issued sign-in challenge
type Challenge struct {
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"` // text to sign with personal_sign
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VerifyRequest carries a signed challenge
type VerifyRequest struct {
	Account   string          `json:"account"`
	Nonce     string          `json:"nonce"`
	Signature string          `json:"signature"`
	Scheme    core.Scheme     `json:"scheme"`
	Payload   json.RawMessage `json:"payload"` // JSON string for personal messages, typed data object otherwise
}

// Session is an authenticated session. Token is only set by Verify.
type Session struct {
	Token     string    `json:"sessionToken,omitempty"`
	ID        string    `json:"sessionId"`
	Account   string    `json:"account"`
	ExpiresAt time.Time `json:"expiresAt"`
}
