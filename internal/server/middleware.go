package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// authMiddleware authenticates proxy and admin calls. The configured user
// token is accepted verbatim; anything else must be a valid signed API key.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.GetHeader("X-Api-Key")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{
				Error: protocol.ErrorDetail{
					Message: "Authorization header required",
					Type:    protocol.ErrTypeAuthentication,
				},
			})
			return
		}
		token = strings.TrimPrefix(token, "Bearer ")

		if token == s.config.GetUserToken() {
			c.Set("client_id", "user")
			c.Next()
			return
		}
		claims, err := s.jwtManager.ValidateAPIKey(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{
				Error: protocol.ErrorDetail{
					Message: "invalid API key",
					Type:    protocol.ErrTypeAuthentication,
				},
			})
			return
		}
		c.Set("client_id", claims.ClientID)
		c.Next()
	}
}

// rateLimitMiddleware enforces a per-client token bucket. Zero RPS disables
// limiting entirely; the limiter map grows one entry per client identity.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	limits := s.config.GetRateLimit()
	if limits.RPS <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	burst := limits.Burst
	if burst <= 0 {
		burst = 1
	}

	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	return func(c *gin.Context) {
		key := c.GetString("client_id")
		if key == "" {
			key = c.ClientIP()
		}

		mu.Lock()
		limiter, ok := limiters[key]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(limits.RPS), burst)
			limiters[key] = limiter
		}
		mu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, protocol.ErrorResponse{
				Error: protocol.ErrorDetail{
					Message: "rate limit exceeded, retry later",
					Type:    protocol.ErrTypeRateLimit,
				},
			})
			return
		}
		c.Next()
	}
}

// requestLogger logs request latency and status in debug mode.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("Request handled")
	}
}
