package http

import (
	"github.com/coalaura/logger"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletgate/adapters/limiter"
	"github.com/layer-3/walletgate/internal/metrics"
	"github.com/layer-3/walletgate/ports"
	"github.com/layer-3/walletgate/relay"
	"github.com/layer-3/walletgate/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Limits holds one limiter per admission policy
type Limits struct {
	Challenge    ports.RateLimiter
	Verify       ports.RateLimiter
	Relay        ports.RateLimiter
	RelayAccount ports.RateLimiter
	Session      ports.RateLimiter
}

// Options wires the router to the service
type Options struct {
	Auth     *service.AuthService
	Gateway  *relay.Gateway
	Limits   Limits
	Gatherer prometheus.Gatherer // nil disables /metrics
	Metrics  *metrics.Metrics
	Log      *logger.Logger
}

// SetupRouter sets up the Gin router
func SetupRouter(opts Options) *gin.Engine {
	router := gin.Default()

	log := opts.Log
	sessions := opts.Auth.Sessions()

	// Create handlers
	handlers := NewAuthHandlers(opts.Auth, log)
	relayHandlers := NewRelayHandlers(opts.Gateway, sessions, opts.Limits.RelayAccount, opts.Metrics, log)

	router.GET("/health", Health)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/challenge", RateLimit(limiter.PolicyChallenge, opts.Limits.Challenge, opts.Metrics, log), handlers.Challenge)
		auth.POST("/verify", RateLimit(limiter.PolicyVerify, opts.Limits.Verify, opts.Metrics, log), handlers.Verify)
		sessionLimit := RateLimit(limiter.PolicySession, opts.Limits.Session, opts.Metrics, log)
		auth.POST("/revoke", sessionLimit, handlers.Revoke)
		auth.GET("/session", sessionLimit, AuthMiddleware(sessions, log), handlers.Session)
	}

	router.GET("/relay", RateLimit(limiter.PolicyRelay, opts.Limits.Relay, opts.Metrics, log), relayHandlers.Attach)

	return router
}
