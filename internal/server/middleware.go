// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"crypto/subtle"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jeranaias/nelson-client/internal/connectivity"
)

// ============================================================================
// Auth Middleware
// ============================================================================

// AuthMiddleware requires "Authorization: Bearer <token>" when token is set.
// Browsers cannot set headers on a websocket upgrade, so the event socket
// also accepts ?token=.
func AuthMiddleware(token string, logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		provided := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if provided == "" || provided == c.GetHeader("Authorization") {
			provided = c.Query("token")
		}
		if !ValidateBearerToken(provided, token) {
			logger.Printf("[server] AUTH_DENIED | ip=%s path=%s", c.ClientIP(), c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// ValidateBearerToken compares tokens in constant time.
// Returns false if either token is empty.
func ValidateBearerToken(token, expected string) bool {
	if token == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// ============================================================================
// Loopback Middleware
// ============================================================================

// LoopbackOnly rejects requests whose peer address is not a loopback address.
func LoopbackOnly(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !connectivity.IsLocalhost(c.Request.RemoteAddr) {
			logger.Printf("[server] REMOTE_DENIED | ip=%s", c.Request.RemoteAddr)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "loopback only"})
			return
		}
		c.Next()
	}
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return connectivity.IsLocalhost(u.Hostname())
}

// ============================================================================
// Rate Limiter
// ============================================================================

// limiterIdleTTL is how long an idle client keeps its bucket.
const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per client IP.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastPrune time.Time
}

// NewRateLimiter allows limit requests per second per client, with bursts
// of up to burst requests.
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		clients:   make(map[string]*clientLimiter),
		limit:     limit,
		burst:     burst,
		lastPrune: time.Now(),
	}
}

// Allow takes a token from ip's bucket and reports whether one was available.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	now := time.Now()
	if now.Sub(rl.lastPrune) > limiterIdleTTL {
		for key, cl := range rl.clients {
			if now.Sub(cl.lastSeen) > limiterIdleTTL {
				delete(rl.clients, key)
			}
		}
		rl.lastPrune = now
	}
	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

// RetryAfter is the wait, in whole seconds, until one token refills.
func (rl *RateLimiter) RetryAfter() int {
	if rl.limit <= 0 {
		return 60
	}
	return int(math.Ceil(1 / float64(rl.limit)))
}

// RateLimitMiddleware answers 429 once a client exceeds the limiter.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.Header("Retry-After", fmt.Sprintf("%d", limiter.RetryAfter()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// ============================================================================
// Logging, Headers, Recovery
// ============================================================================

// logWriter feeds gin's writers into a *log.Logger, one Print per write.
type logWriter struct {
	logger *log.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Print(string(p))
	return len(p), nil
}

// LoggingMiddleware is gin's request logger writing through logger.
// The query string is left out so a ?token= never reaches the log.
//
// Log format: "[server] POST /v1/sync | 202 | 0.001s"
func LoggingMiddleware(logger *log.Logger) gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		Output: logWriter{logger: logger},
		Formatter: func(p gin.LogFormatterParams) string {
			return fmt.Sprintf("[server] %s %s | %d | %.3fs\n",
				p.Method, p.Request.URL.Path, p.StatusCode, p.Latency.Seconds())
		},
	})
}

// SecurityHeadersMiddleware sets conservative response headers.
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// RecoveryMiddleware is gin's recovery with the stack written to logger and
// a JSON 500 body.
func RecoveryMiddleware(logger *log.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(logWriter{logger: logger}, func(c *gin.Context, _ any) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}
