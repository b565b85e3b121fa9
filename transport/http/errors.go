package http

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/coalaura/logger"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletgate/core"
)

// statusFor maps a domain error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrTooManyPending), errors.Is(err, core.ErrResyncRequired):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidSignature),
		errors.Is(err, core.ErrAccountMismatch),
		errors.Is(err, core.ErrExpired),
		errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrAlreadyConsumed),
		errors.Is(err, core.ErrUnauthorized),
		errors.Is(err, core.ErrRevoked):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error body and stops the handler chain.
// Internal failures are logged and not echoed to the client.
func abortWithError(c *gin.Context, log *logger.Logger, err error) {
	status := statusFor(err)

	body := gin.H{
		"code":  core.Code(err),
		"error": err.Error(),
	}
	if status == http.StatusInternalServerError {
		log.Warning("http: " + c.Request.Method + " " + c.FullPath() + " failed")
		log.WarningE(err)
		body["error"] = "internal error"
	}

	if d, ok := core.RetryAfter(err); ok {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		body["retry_after_ms"] = d.Milliseconds()
	}

	c.AbortWithStatusJSON(status, body)
}
