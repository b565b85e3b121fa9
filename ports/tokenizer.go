package ports

import (
	"time"

	"github.com/layer-3/walletgate/core"
)

// Tokenizer converts between sessions and bearer tokens
type Tokenizer interface {
	// SessionToToken issues the bearer token handed to the client.
	SessionToToken(session *core.Session) (string, error)

	// TokenToSessionID checks the token's integrity and returns the session ID it
	// names along with the expiry it was issued with. It does not decide expiry or
	// revocation; the stored session does.
	TokenToSessionID(token string) (id string, expiresAt time.Time, err error)
}
