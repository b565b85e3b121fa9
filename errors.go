package walletgate

import (
	"fmt"
	"time"

	"github.com/layer-3/walletgate/core"
)

// Failures reported by the server. Match them with errors.Is.
var (
	ErrInvalidPayload   = core.ErrInvalidPayload
	ErrInvalidSignature = core.ErrInvalidSignature
	ErrAccountMismatch  = core.ErrAccountMismatch
	ErrExpired          = core.ErrExpired
	ErrNotFound         = core.ErrNotFound
	ErrAlreadyConsumed  = core.ErrAlreadyConsumed
	ErrTooManyPending   = core.ErrTooManyPending
	ErrRateLimited      = core.ErrRateLimited
	ErrUnauthorized     = core.ErrUnauthorized
	ErrRevoked          = core.ErrRevoked

	// ErrResyncRequired means the relay no longer holds the events after the
	// last delivered seq. Reload state, call Reset and run the relay again.
	ErrResyncRequired = core.ErrResyncRequired
)

// APIError is a request the server rejected
type APIError struct {
	Status     int           // HTTP status, zero for relay close frames
	Code       string        // wire code, e.g. "REVOKED"
	Message    string        // server-provided detail
	RetryAfter time.Duration // set for RATE_LIMITED
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("walletgate: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("walletgate: %s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return core.ErrorFromCode(e.Code) == target
}
