package core

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Account is an Ethereum address in canonical form: "0x" followed by 40 lowercase hex chars.
type Account string

// ParseAccount validates a hex address and returns its canonical form.
func ParseAccount(s string) (Account, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", ErrInvalidAccount
	}
	return Account(strings.ToLower(common.HexToAddress(s).Hex())), nil
}

// Address returns the account as a go-ethereum address.
func (a Account) Address() common.Address {
	return common.HexToAddress(string(a))
}

func (a Account) String() string {
	return string(a)
}

// Challenge represents an authentication challenge
type Challenge struct {
	Nonce     string    // 256-bit random value, hex encoded
	Account   Account   // Account the challenge was issued to
	Message   string    // Personal-message text the wallet signs
	IssuedAt  time.Time // When the challenge was created
	ExpiresAt time.Time // When the challenge expires
	Consumed  bool      // Set once the challenge has been used for a verification
}

// Session represents an authenticated account session
type Session struct {
	ID        string    // Unique session identifier
	Account   Account   // Account proven by the consumed challenge
	CreatedAt time.Time // When the session was minted
	ExpiresAt time.Time // Fixed expiry, never extended on use
	Revoked   bool      // Set by an explicit revocation
}

// Status reports why a session is no longer usable at the given time.
// A nil result means the session is active.
func (s *Session) Status(now time.Time) error {
	if s.Revoked {
		return ErrRevoked
	}
	if !now.Before(s.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// ChallengeMessage renders the personal-message text for a challenge.
func ChallengeMessage(domain string, account Account, nonce string, issuedAt, expiresAt time.Time) string {
	var b strings.Builder
	b.WriteString(domain)
	b.WriteString(" wants you to sign in with your account:\n")
	b.WriteString(string(account))
	b.WriteString("\n\nNonce: ")
	b.WriteString(nonce)
	b.WriteString("\nIssued At: ")
	b.WriteString(issuedAt.UTC().Format(time.RFC3339))
	b.WriteString("\nExpiration Time: ")
	b.WriteString(expiresAt.UTC().Format(time.RFC3339))
	return b.String()
}
