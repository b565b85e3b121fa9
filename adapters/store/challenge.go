package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/layer-3/walletgate/core"
)

const (
	DefaultChallengeTTL = 5 * time.Minute
	DefaultMaxPending   = 3
	DefaultDomain       = "walletgate"
)

// ChallengeConfig configures challenge issuance
type ChallengeConfig struct {
	TTL        time.Duration    // How long a nonce may be consumed after issuance
	MaxPending int              // Outstanding un-consumed challenges allowed per account
	Domain     string           // Name shown in the personal-message text
	Clock      func() time.Time // Defaults to time.Now
}

func (c ChallengeConfig) withDefaults() ChallengeConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultChallengeTTL
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

func (c ChallengeConfig) newChallenge(account core.Account) (*core.Challenge, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}

	now := c.Clock()
	expires := now.Add(c.TTL)
	return &core.Challenge{
		Nonce:     nonce,
		Account:   account,
		Message:   core.ChallengeMessage(c.Domain, account, nonce, now, expires),
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}

// generateNonce returns 32 random bytes, hex encoded
func generateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
