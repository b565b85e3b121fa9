package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrAccountMismatch  = errors.New("account mismatch")
	ErrExpired          = errors.New("expired")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyConsumed  = errors.New("already consumed")
	ErrTooManyPending   = errors.New("too many pending challenges")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRevoked          = errors.New("revoked")
	ErrResyncRequired   = errors.New("resync required")

	// ErrInvalidAccount is returned for malformed account addresses.
	// It matches ErrInvalidPayload.
	ErrInvalidAccount = fmt.Errorf("invalid account address: %w", ErrInvalidPayload)

	// ErrStore wraps backend failures of challenge and session stores.
	ErrStore = errors.New("store operation failed")
)

// RateLimitedError carries the backoff hint computed by the limiter.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter extracts the backoff hint from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Wire codes used in HTTP error bodies and relay ERROR frames.
const (
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeAccountMismatch  = "ACCOUNT_MISMATCH"
	CodeExpired          = "EXPIRED"
	CodeNotFound         = "NOT_FOUND"
	CodeAlreadyConsumed  = "ALREADY_CONSUMED"
	CodeTooManyPending   = "TOO_MANY_PENDING"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRevoked          = "REVOKED"
	CodeResyncRequired   = "RESYNC_REQUIRED"
	CodeInternal         = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidPayload, CodeInvalidPayload},
	{ErrInvalidSignature, CodeInvalidSignature},
	{ErrAccountMismatch, CodeAccountMismatch},
	{ErrExpired, CodeExpired},
	{ErrNotFound, CodeNotFound},
	{ErrAlreadyConsumed, CodeAlreadyConsumed},
	{ErrTooManyPending, CodeTooManyPending},
	{ErrRateLimited, CodeRateLimited},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrRevoked, CodeRevoked},
	{ErrResyncRequired, CodeResyncRequired},
}

// Code maps an error to its wire code.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorFromCode is the inverse of Code. Unknown codes map to a generic error.
func ErrorFromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return fmt.Errorf("server error %q", code)
}
