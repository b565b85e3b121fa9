package ports

import (
	"context"

	"github.com/layer-3/walletgate/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishRevoked(ctx context.Context, session *core.Session) error
}

// SignatureVerifier checks that a payload was signed by the claimed account.
// A nil error means verified. Failures are core.ErrInvalidPayload,
// core.ErrInvalidSignature or core.ErrAccountMismatch.
type SignatureVerifier interface {
	Verify(payload core.SignaturePayload, signature []byte, claimed core.Account) error
}

// AccountFeed produces relay messages for one account until ctx is cancelled.
// Watch blocks; emit is only ever called from the Watch goroutine.
type AccountFeed interface {
	Watch(ctx context.Context, account core.Account, emit func(core.Message)) error
}

// RateLimiter admits or rejects work per key. Rejections are *core.RateLimitedError.
type RateLimiter interface {
	Admit(key string, cost int) error
}
