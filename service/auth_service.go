package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coalaura/logger"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/metrics"
	"github.com/layer-3/walletgate/ports"
)

// VerifyRequest is a signed challenge submitted by a client
type VerifyRequest struct {
	Account   string
	Nonce     string
	Signature string // 0x-prefixed 65-byte r||s||v
	Scheme    core.Scheme
	Payload   json.RawMessage
}

// AuthService handles authentication business logic
type AuthService struct {
	challenges ports.ChallengeStore
	verifier   ports.SignatureVerifier
	sessions   *SessionManager
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// NewAuthService creates a new authentication service
func NewAuthService(
	challenges ports.ChallengeStore,
	verifier ports.SignatureVerifier,
	sessions *SessionManager,
	m *metrics.Metrics,
	log *logger.Logger,
) *AuthService {
	return &AuthService{
		challenges: challenges,
		verifier:   verifier,
		sessions:   sessions,
		metrics:    m,
		log:        log,
	}
}

// Sessions exposes the session manager backing this service
func (s *AuthService) Sessions() *SessionManager {
	return s.sessions
}

// IssueChallenge generates a new authentication challenge
func (s *AuthService) IssueChallenge(ctx context.Context, address string) (*core.Challenge, error) {
	account, err := core.ParseAccount(address)
	if err != nil {
		s.metrics.ChallengeIssued(err)
		return nil, err
	}

	challenge, err := s.challenges.Issue(ctx, account)
	s.metrics.ChallengeIssued(err)
	if err != nil {
		return nil, err
	}

	return challenge, nil
}

// Verify checks a signed challenge, consumes its nonce and mints a session
func (s *AuthService) Verify(ctx context.Context, req VerifyRequest) (*core.Session, string, error) {
	session, token, err := s.verify(ctx, req)
	s.metrics.Verification(string(req.Scheme), err)
	if err != nil {
		return nil, "", err
	}

	s.log.Printf("verify: session %s created for %s\n", session.ID, session.Account)

	return session, token, nil
}

func (s *AuthService) verify(ctx context.Context, req VerifyRequest) (*core.Session, string, error) {
	account, err := core.ParseAccount(req.Account)
	if err != nil {
		return nil, "", err
	}

	if req.Nonce == "" {
		return nil, "", fmt.Errorf("missing nonce: %w", core.ErrInvalidPayload)
	}

	payload, err := core.DecodePayload(req.Scheme, req.Payload)
	if err != nil {
		return nil, "", err
	}

	if !bindsNonce(payload, req.Nonce) {
		return nil, "", fmt.Errorf("payload does not carry the challenge nonce: %w", core.ErrInvalidPayload)
	}

	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode signature: %w", core.ErrInvalidSignature)
	}

	// a forged signature must not consume the nonce
	if err := s.verifier.Verify(payload, sig, account); err != nil {
		return nil, "", err
	}

	challenge, err := s.challenges.Consume(ctx, req.Nonce, account)
	if err != nil {
		return nil, "", err
	}

	return s.sessions.CreateSession(ctx, challenge)
}

// bindsNonce reports whether the signed payload names the challenge nonce
func bindsNonce(payload core.SignaturePayload, nonce string) bool {
	switch p := payload.(type) {
	case core.PersonalMessage:
		for _, line := range strings.Split(string(p.Message), "\n") {
			if strings.TrimSpace(line) == "Nonce: "+nonce {
				return true
			}
		}
		return false

	case core.TypedStructured:
		v, ok := p.Data.Message["nonce"].(string)
		return ok && strings.TrimPrefix(strings.ToLower(v), "0x") == strings.ToLower(nonce)

	default:
		return false
	}
}
