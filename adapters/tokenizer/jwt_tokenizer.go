package tokenizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/ports"
)

const AudienceSession = "session:relay"

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey) ports.Tokenizer {
	return &JWTTokenizer{signKey: signKey}
}

// SessionToToken converts a Session to a bearer token
func (j *JWTTokenizer) SessionToToken(session *core.Session) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(session.Account),
			ID:        session.ID,
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
			Audience:  jwt.ClaimStrings{AudienceSession},
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return signedToken, nil
}

// TokenToSessionID verifies the token signature and returns the session it names.
// Time-based claims are not validated here; the caller checks the stored session
// against its own clock.
func (j *JWTTokenizer) TokenToSessionID(tokenStr string) (string, time.Time, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithoutClaimsValidation())

	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse token: %v: %w", err, core.ErrUnauthorized)
	}

	if !token.Valid {
		return "", time.Time{}, core.ErrUnauthorized
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok {
		return "", time.Time{}, fmt.Errorf("invalid claims type: %w", core.ErrUnauthorized)
	}

	if !slices.Contains(claims.Audience, AudienceSession) {
		return "", time.Time{}, fmt.Errorf("wrong audience: %w", core.ErrUnauthorized)
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return "", time.Time{}, fmt.Errorf("incomplete claims: %w", core.ErrUnauthorized)
	}

	return claims.ID, claims.ExpiresAt.Time, nil
}

// GenerateSigningKey creates a fresh P-256 key for signing session tokens
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// ParseSigningKey decodes a hex encoded P-256 private scalar
func ParseSigningKey(s string) (*ecdsa.PrivateKey, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(b)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("signing key out of range")
	}

	key := &ecdsa.PrivateKey{D: d}
	key.PublicKey.Curve = curve
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(b)

	return key, nil
}

// EncodeSigningKey is the inverse of ParseSigningKey
func EncodeSigningKey(key *ecdsa.PrivateKey) string {
	return hexutil.Encode(key.D.FillBytes(make([]byte, 32)))
}
