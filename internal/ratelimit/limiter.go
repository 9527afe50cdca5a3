// SPDX-License-Identifier: MIT

// Package ratelimit throttles the ops API per client and globally.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	xglog "github.com/ManuGH/xoffline/internal/log"
	"github.com/ManuGH/xoffline/internal/metrics"
)

// Config holds rate limiting configuration
type Config struct {
	// Global limits
	GlobalRate  rate.Limit // requests per second
	GlobalBurst int        // max burst size

	// Per-client limits
	PerClientRate  rate.Limit
	PerClientBurst int

	// Idle per-client limiters are dropped after this long.
	CleanupInterval time.Duration

	// TrustProxyHeaders makes X-Forwarded-For and X-Real-IP identify the client.
	TrustProxyHeaders bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		GlobalRate:      100,
		GlobalBurst:     200,
		PerClientRate:   20,
		PerClientBurst:  40,
		CleanupInterval: 5 * time.Minute,
	}
}

// FromOps derives a limiter config from per-client ops settings. The global
// bucket is sized at five clients' worth.
func FromOps(perClient float64, burst int) Config {
	c := DefaultConfig()
	c.PerClientRate = rate.Limit(perClient)
	c.PerClientBurst = burst
	c.GlobalRate = rate.Limit(perClient * 5)
	c.GlobalBurst = burst * 5
	return c
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages rate limiting for ops requests
type Limiter struct {
	config Config
	now    func() time.Time

	global  *rate.Limiter
	clients map[string]*clientLimiter
	mu      sync.Mutex

	lastCleanup time.Time
}

// New creates a new rate limiter with the given config
func New(config Config) *Limiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}
	l := &Limiter{
		config:  config,
		now:     time.Now,
		global:  rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		clients: make(map[string]*clientLimiter),
	}
	l.lastCleanup = l.now()
	return l
}

// Allow reports whether a request from clientIP may proceed.
func (l *Limiter) Allow(clientIP string) bool {
	if !l.global.Allow() {
		metrics.RecordRateLimited("global")
		return false
	}
	if !l.clientLimiter(clientIP).Allow() {
		metrics.RecordRateLimited("per_client")
		return false
	}
	return true
}

// Middleware rejects throttled requests with 429 and a Retry-After hint.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.clientIP(r)
		if !l.Allow(ip) {
			logger := xglog.WithComponentFromContext(r.Context(), "ratelimit")
			logger.Debug().
				Str(xglog.FieldEvent, "ops.rate_limited").
				Str("client", ip).
				Str("path", r.URL.Path).
				Msg("request throttled")
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Clients returns the number of tracked client limiters.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) clientLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanupLocked(now)

	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.config.PerClientRate, l.config.PerClientBurst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

// cleanupLocked drops limiters idle for longer than the cleanup interval.
func (l *Limiter) cleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < l.config.CleanupInterval {
		return
	}
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) >= l.config.CleanupInterval {
			delete(l.clients, ip)
		}
	}
	l.lastCleanup = now
}

func (l *Limiter) clientIP(r *http.Request) string {
	if l.config.TrustProxyHeaders {
		if ip := ForwardedIP(r); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedIP returns the original client from X-Forwarded-For or X-Real-IP.
func ForwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}
