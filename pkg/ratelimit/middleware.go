package ratelimit

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/jwtauth/v5"

	"github.com/clinicore/authtoken/pkg/audit"
)

// EndpointClass groups routes that share a throttle budget. Credential
// endpoints get tighter budgets than token refresh.
type EndpointClass string

const (
	ClassLogin         EndpointClass = "login"
	ClassPasswordReset EndpointClass = "password_reset"
	ClassTokenRefresh  EndpointClass = "token_refresh"
)

// ClassLimit defines the bucket parameters for one endpoint class.
type ClassLimit struct {
	Capacity   int
	RefillRate float64 // tokens per second
}

// Config holds throttling and lockout configuration for the auth surface.
type Config struct {
	// Per-IP bucket for each endpoint class.
	ClassLimits map[EndpointClass]ClassLimit

	// Per-user limiting for authenticated requests.
	PerUserEnabled    bool
	PerUserCapacity   int
	PerUserRefillRate float64

	// IP lockout after consecutive authentication failures.
	IPFailureThreshold int
	IPFailureWindow    time.Duration
	IPLockoutCooldown  time.Duration

	// How long to keep inactive buckets in memory.
	BucketTTL time.Duration
}

// DefaultConfig returns the stock budgets: 10 login attempts per minute per
// IP, 3 password resets per minute, 30 refreshes per minute, and a 15 minute
// IP lockout after 10 consecutive failures.
func DefaultConfig() *Config {
	return &Config{
		ClassLimits: map[EndpointClass]ClassLimit{
			ClassLogin:         {Capacity: 10, RefillRate: 10.0 / 60.0},
			ClassPasswordReset: {Capacity: 3, RefillRate: 3.0 / 60.0},
			ClassTokenRefresh:  {Capacity: 30, RefillRate: 30.0 / 60.0},
		},

		PerUserEnabled:    true,
		PerUserCapacity:   200,
		PerUserRefillRate: 200.0 / 60.0,

		IPFailureThreshold: 10,
		IPFailureWindow:    10 * time.Minute,
		IPLockoutCooldown:  15 * time.Minute,

		BucketTTL: 1 * time.Hour,
	}
}

// Middleware guards the authentication endpoints with per-IP token buckets
// and a consecutive-failure IP lockout.
type Middleware struct {
	config        *Config
	classLimiters map[EndpointClass]*RateLimiter
	userLimiter   *RateLimiter
	ipLockout     *LockoutTracker
	recorder      *audit.Recorder
	timeFunc      func() time.Time
}

// MiddlewareOption configures the middleware.
type MiddlewareOption func(*Middleware)

// WithMiddlewareTimeFunc overrides the clock used by the limiters and the
// lockout tracker, for tests.
func WithMiddlewareTimeFunc(timeFunc func() time.Time) MiddlewareOption {
	return func(m *Middleware) {
		m.timeFunc = timeFunc
	}
}

// WithMiddlewareAuditRecorder sets the recorder that receives IP lockout
// events.
func WithMiddlewareAuditRecorder(recorder *audit.Recorder) MiddlewareOption {
	return func(m *Middleware) {
		m.recorder = recorder
	}
}

// NewMiddleware creates the middleware from config, falling back to
// DefaultConfig when nil.
func NewMiddleware(config *Config, opts ...MiddlewareOption) *Middleware {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Middleware{
		config:        config,
		classLimiters: make(map[EndpointClass]*RateLimiter),
		timeFunc:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	clock := WithLimiterTimeFunc(m.timeFunc)
	for class, limit := range config.ClassLimits {
		m.classLimiters[class] = NewRateLimiter(limit.Capacity, limit.RefillRate, config.BucketTTL, clock)
	}

	if config.PerUserEnabled {
		m.userLimiter = NewRateLimiter(config.PerUserCapacity, config.PerUserRefillRate, config.BucketTTL, clock)
	}

	m.ipLockout = NewLockoutTracker(
		config.IPFailureThreshold,
		config.IPFailureWindow,
		config.IPLockoutCooldown,
		WithLockoutTimeFunc(m.timeFunc),
	)

	return m
}

// Guard returns a middleware limiting requests for one endpoint class. A
// locked-out IP is rejected before its bucket is consulted, and responses
// with status 401 count toward the IP failure tally.
func (m *Middleware) Guard(class EndpointClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)

			if locked, remaining := m.ipLockout.Locked(ip); locked {
				m.rejectThrottled(w, r, "ip_lockout", remaining)
				return
			}

			if limiter, exists := m.classLimiters[class]; exists && ip != "" {
				if allowed, retryAfter := limiter.Allow(ip); !allowed {
					m.rejectThrottled(w, r, string(class), retryAfter)
					return
				}
			}

			userID := getUserID(r)
			if m.userLimiter != nil && userID != "" {
				if allowed, retryAfter := m.userLimiter.Allow(userID); !allowed {
					m.rejectThrottled(w, r, "user", retryAfter)
					return
				}
			}

			observer := &statusObserver{ResponseWriter: w}
			next.ServeHTTP(observer, r)
			m.observeOutcome(r, ip, observer.status)
		})
	}
}

// observeOutcome feeds the response status into the IP lockout tally.
func (m *Middleware) observeOutcome(r *http.Request, ip string, status int) {
	if ip == "" {
		return
	}
	switch {
	case status == http.StatusUnauthorized:
		if m.ipLockout.RecordFailure(ip) {
			slog.Warn("IP locked out after consecutive failures", "ip", ip, "path", r.URL.Path)
			if m.recorder != nil {
				m.recorder.Record(r.Context(), audit.Event{
					Type:     audit.EventIPLocked,
					ClientIP: ip,
					Message:  "consecutive authentication failures",
				}.WithMetadata("path", r.URL.Path))
			}
		}
	case status >= 200 && status < 300:
		m.ipLockout.RecordSuccess(ip)
	}
}

// rejectThrottled writes a 429 with a Retry-After hint.
func (m *Middleware) rejectThrottled(w http.ResponseWriter, r *http.Request, limitType string, retryAfter time.Duration) {
	slog.Warn("Rate limit exceeded",
		"type", limitType,
		"ip", getClientIP(r),
		"path", r.URL.Path,
		"method", r.Method,
	)

	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"Too many requests. Please try again later.","retry_after":%d}`, seconds)
}

// statusObserver records the status code written by the wrapped handler.
type statusObserver struct {
	http.ResponseWriter
	status int
}

func (o *statusObserver) WriteHeader(status int) {
	o.status = status
	o.ResponseWriter.WriteHeader(status)
}

func (o *statusObserver) Write(b []byte) (int, error) {
	if o.status == 0 {
		o.status = http.StatusOK
	}
	return o.ResponseWriter.Write(b)
}

// getClientIP extracts the client IP address from the request, preferring
// proxy headers over RemoteAddr.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// RemoteAddr is in format "IP:port", we only want the IP
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// getUserID extracts the user ID from JWT claims in the request context.
func getUserID(r *http.Request) string {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil || claims == nil {
		return ""
	}

	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		return userID
	}
	return ""
}

// GetStats returns statistics for every limiter managed by the middleware.
func (m *Middleware) GetStats() map[string]Stats {
	stats := make(map[string]Stats)
	for class, limiter := range m.classLimiters {
		stats["class:"+string(class)] = limiter.GetStats()
	}
	if m.userLimiter != nil {
		stats["user"] = m.userLimiter.GetStats()
	}
	return stats
}

// Reset clears throttle and lockout state for an IP.
func (m *Middleware) Reset(ip string) {
	for _, limiter := range m.classLimiters {
		limiter.Reset(ip)
	}
	m.ipLockout.Clear(ip)
}
