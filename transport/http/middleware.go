package http

import (
	"fmt"
	"strings"

	"github.com/coalaura/logger"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/metrics"
	"github.com/layer-3/walletgate/ports"
	"github.com/layer-3/walletgate/service"
)

const sessionKey = "session"

// bearerToken extracts the token of an "Authorization: Bearer" header
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if len(auth) < 8 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

// AuthMiddleware creates middleware that validates session tokens
func AuthMiddleware(sessions *service.SessionManager, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortWithError(c, log, fmt.Errorf("invalid authorization header: %w", core.ErrUnauthorized))
			return
		}

		session, err := sessions.Validate(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, log, err)
			return
		}

		c.Set(sessionKey, session)

		c.Next()
	}
}

// RateLimit admits one unit of work per request against the client IP's bucket
func RateLimit(policy string, limiter ports.RateLimiter, m *metrics.Metrics, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := limiter.Admit(c.ClientIP(), 1)
		m.Admission(policy, err)
		if err != nil {
			abortWithError(c, log, err)
			return
		}

		c.Next()
	}
}
