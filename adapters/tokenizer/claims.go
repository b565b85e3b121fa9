package tokenizer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims are the claims carried by a session bearer token.
// The JWT ID is the session ID and the subject is the account.
type SessionClaims struct {
	jwt.RegisteredClaims
}
