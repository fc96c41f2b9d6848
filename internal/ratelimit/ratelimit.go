// Package ratelimit provides a fixed-window per-client-address rate limiter
// for the chat endpoint. Requests over the limit receive a structured 429
// body with a retry-after hint before the pipeline is ever invoked.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Limiter counts requests per client address in fixed windows
type Limiter struct {
	maxRequests int
	window      time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	clients map[string]*windowState
	now     func() time.Time
}

type windowState struct {
	count       int
	windowStart time.Time
}

// NewLimiter creates a fixed-window limiter
func NewLimiter(maxRequests int, window time.Duration, logger *zap.Logger) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		logger:      logger,
		clients:     make(map[string]*windowState),
		now:         time.Now,
	}
}

// Allow records a request for the client and reports whether it is within
// the limit, along with the seconds until the window resets when it is not.
func (l *Limiter) Allow(clientID string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	state, ok := l.clients[clientID]
	if !ok || now.Sub(state.windowStart) >= l.window {
		l.clients[clientID] = &windowState{count: 1, windowStart: now}
		l.sweepLocked(now)
		return true, 0
	}

	state.count++
	if state.count > l.maxRequests {
		retryAfter := int(l.window.Seconds() - now.Sub(state.windowStart).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	return true, 0
}

// sweepLocked drops expired windows so the client map doesn't grow without
// bound. Caller must hold l.mu.
func (l *Limiter) sweepLocked(now time.Time) {
	for id, state := range l.clients {
		if now.Sub(state.windowStart) >= l.window {
			delete(l.clients, id)
		}
	}
}

// Middleware gates the request pipeline with the limiter. Preflight requests
// must be routed around this middleware, never through it.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.ClientIP()

		allowed, retryAfter := l.Allow(clientID)
		if !allowed {
			l.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientID),
				zap.Int("retry_after_seconds", retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "Too many requests",
				"retry_after_seconds": retryAfter,
			})
			return
		}

		c.Next()
	}
}
