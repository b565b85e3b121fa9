package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coalaura/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/layer-3/walletgate/adapters/limiter"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/metrics"
	"github.com/layer-3/walletgate/ports"
	"github.com/layer-3/walletgate/relay"
	"github.com/layer-3/walletgate/service"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	log         *logger.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, log *logger.Logger) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
		log:         log,
	}
}

func invalidRequest(err error) error {
	return fmt.Errorf("invalid request: %v: %w", err, core.ErrInvalidPayload)
}

// Challenge issues a nonce for an account
func (h *AuthHandlers) Challenge(c *gin.Context) {
	var req struct {
		Account string `json:"account" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, h.log, invalidRequest(err))
		return
	}

	challenge, err := h.authService.IssueChallenge(c.Request.Context(), req.Account)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nonce":     challenge.Nonce,
		"message":   challenge.Message,
		"issuedAt":  challenge.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expiresAt": challenge.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

// Verify checks a signed challenge and mints a session token
func (h *AuthHandlers) Verify(c *gin.Context) {
	var req struct {
		Account   string          `json:"account" binding:"required"`
		Nonce     string          `json:"nonce" binding:"required"`
		Signature string          `json:"signature" binding:"required"`
		Scheme    core.Scheme     `json:"scheme" binding:"required"`
		Payload   json.RawMessage `json:"payload" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, h.log, invalidRequest(err))
		return
	}

	session, token, err := h.authService.Verify(c.Request.Context(), service.VerifyRequest{
		Account:   req.Account,
		Nonce:     req.Nonce,
		Signature: req.Signature,
		Scheme:    req.Scheme,
		Payload:   req.Payload,
	})
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionToken": token,
		"sessionId":    session.ID,
		"account":      session.Account,
		"expiresAt":    session.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

// Revoke invalidates the bearer token's session. Revoking an already revoked
// or expired session succeeds.
func (h *AuthHandlers) Revoke(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		abortWithError(c, h.log, fmt.Errorf("invalid authorization header: %w", core.ErrUnauthorized))
		return
	}

	if err := h.authService.Sessions().Revoke(c.Request.Context(), token); err != nil {
		abortWithError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// Session describes the authenticated session
func (h *AuthHandlers) Session(c *gin.Context) {
	// set by the auth middleware
	session := c.MustGet(sessionKey).(*core.Session)

	c.JSON(http.StatusOK, gin.H{
		"sessionId": session.ID,
		"account":   session.Account,
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

// RelayHandlers upgrades authenticated clients onto the relay
type RelayHandlers struct {
	gateway        *relay.Gateway
	sessions       *service.SessionManager
	accountLimiter ports.RateLimiter
	metrics        *metrics.Metrics
	log            *logger.Logger
}

// NewRelayHandlers creates the relay attach handler
func NewRelayHandlers(gateway *relay.Gateway, sessions *service.SessionManager, accountLimiter ports.RateLimiter, m *metrics.Metrics, log *logger.Logger) *RelayHandlers {
	return &RelayHandlers{
		gateway:        gateway,
		sessions:       sessions,
		accountLimiter: accountLimiter,
		metrics:        m,
		log:            log,
	}
}

// Attach performs the relay handshake. The token comes from the Authorization
// header or, for browsers, the token query parameter. lastSeq is optional.
// Every failure is answered with a plain HTTP error before any upgrade.
func (h *RelayHandlers) Attach(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		abortWithError(c, h.log, fmt.Errorf("websocket upgrade required: %w", core.ErrInvalidPayload))
		return
	}

	token := bearerToken(c)
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		abortWithError(c, h.log, fmt.Errorf("missing session token: %w", core.ErrUnauthorized))
		return
	}

	var lastSeq *uint64
	if v, ok := c.GetQuery("lastSeq"); ok {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			abortWithError(c, h.log, fmt.Errorf("lastSeq must be an unsigned integer: %w", core.ErrInvalidPayload))
			return
		}
		lastSeq = &seq
	}

	ctx := c.Request.Context()

	session, err := h.sessions.Validate(ctx, token)
	if err != nil {
		h.metrics.RelayAttach(err)
		abortWithError(c, h.log, err)
		return
	}

	err = h.accountLimiter.Admit(string(session.Account), 1)
	h.metrics.Admission(limiter.PolicyRelayAccount, err)
	if err != nil {
		h.metrics.RelayAttach(err)
		abortWithError(c, h.log, err)
		return
	}

	upgraded := false
	_, err = h.gateway.Attach(ctx, token, lastSeq, func() (relay.Transport, error) {
		upgraded = true
		return relay.Upgrade(c.Writer, c.Request)
	})
	if err == nil {
		return
	}
	if upgraded {
		// the upgrader has already answered the request
		h.log.Warning("relay: attach failed after upgrade for session " + session.ID)
		h.log.WarningE(err)
		return
	}
	abortWithError(c, h.log, err)
}

// Health reports liveness
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
