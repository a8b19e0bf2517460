package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func loginConfig() *Config {
	return &Config{
		ClassLimits: map[EndpointClass]ClassLimit{
			ClassLogin: {Capacity: 3, RefillRate: 1.0},
		},
		IPFailureThreshold: 3,
		IPFailureWindow:    10 * time.Minute,
		IPLockoutCooldown:  15 * time.Minute,
		BucketTTL:          time.Hour,
	}
}

// authStub fails with 401 unless the request carries X-Test-Pass.
func authStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test-Pass") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func loginRequest(ip string, pass bool) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	r.RemoteAddr = ip + ":54321"
	if pass {
		r.Header.Set("X-Test-Pass", "1")
	}
	return r
}

func TestMiddleware_ThrottlesPerIP(t *testing.T) {
	clock := newTestClock()
	m := NewMiddleware(loginConfig(), WithMiddlewareTimeFunc(clock.Now))
	handler := m.Guard(ClassLogin)(authStub())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, loginRequest("192.168.1.1", true))
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("192.168.1.1", true))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 once the bucket drained, got %d", rec.Code)
	}
	if retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || retryAfter < 1 {
		t.Errorf("Expected a positive Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}

	// A different IP has its own bucket
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("192.168.1.2", true))
	if rec.Code != http.StatusOK {
		t.Errorf("Other IP should not be throttled, got %d", rec.Code)
	}

	// Refill restores the budget
	clock.Advance(2 * time.Second)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("192.168.1.1", true))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 after refill, got %d", rec.Code)
	}
}

func TestMiddleware_LocksOutFailingIP(t *testing.T) {
	clock := newTestClock()
	config := loginConfig()
	config.ClassLimits[ClassLogin] = ClassLimit{Capacity: 100, RefillRate: 100}
	m := NewMiddleware(config, WithMiddlewareTimeFunc(clock.Now))
	handler := m.Guard(ClassLogin)(authStub())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, loginRequest("10.1.1.1", false))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("Failure %d: expected 401, got %d", i+1, rec.Code)
		}
	}

	// Locked out now, even with valid credentials
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("10.1.1.1", true))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 during lockout, got %d", rec.Code)
	}

	clock.Advance(16 * time.Minute)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("10.1.1.1", true))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 after the cooldown, got %d", rec.Code)
	}
}

func TestMiddleware_SuccessResetsFailureTally(t *testing.T) {
	clock := newTestClock()
	config := loginConfig()
	config.ClassLimits[ClassLogin] = ClassLimit{Capacity: 100, RefillRate: 100}
	m := NewMiddleware(config, WithMiddlewareTimeFunc(clock.Now))
	handler := m.Guard(ClassLogin)(authStub())

	handler.ServeHTTP(httptest.NewRecorder(), loginRequest("10.2.2.2", false))
	handler.ServeHTTP(httptest.NewRecorder(), loginRequest("10.2.2.2", false))
	handler.ServeHTTP(httptest.NewRecorder(), loginRequest("10.2.2.2", true))

	// Two more failures stay under the threshold after the reset
	handler.ServeHTTP(httptest.NewRecorder(), loginRequest("10.2.2.2", false))
	handler.ServeHTTP(httptest.NewRecorder(), loginRequest("10.2.2.2", false))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("10.2.2.2", true))
	if rec.Code != http.StatusOK {
		t.Errorf("Tally should have reset on success, got %d", rec.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:4567"
	if ip := getClientIP(r); ip != "203.0.113.9" {
		t.Errorf("Expected RemoteAddr IP, got %q", ip)
	}

	r.Header.Set("X-Real-IP", "198.51.100.7")
	if ip := getClientIP(r); ip != "198.51.100.7" {
		t.Errorf("Expected X-Real-IP, got %q", ip)
	}

	r.Header.Set("X-Forwarded-For", "192.0.2.1, 198.51.100.7")
	if ip := getClientIP(r); ip != "192.0.2.1" {
		t.Errorf("Expected first X-Forwarded-For entry, got %q", ip)
	}
}

func TestMiddleware_GetStats(t *testing.T) {
	m := NewMiddleware(loginConfig())
	handler := m.Guard(ClassLogin)(authStub())
	handler.ServeHTTP(httptest.NewRecorder(), loginRequest("10.3.3.3", true))

	stats := m.GetStats()
	if stats["class:login"].ActiveBuckets != 1 {
		t.Errorf("Expected 1 active login bucket, got %d", stats["class:login"].ActiveBuckets)
	}
}
