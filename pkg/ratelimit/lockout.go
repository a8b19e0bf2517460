package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// LockoutTracker counts consecutive authentication failures per key and
// locks the key out for a cooldown once the threshold is reached. Keys are
// arbitrary strings; callers use client IPs or account keys.
type LockoutTracker struct {
	entries   map[string]*lockoutEntry
	threshold int
	window    time.Duration
	cooldown  time.Duration
	mu        sync.Mutex
	timeFunc  func() time.Time
}

type lockoutEntry struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// LockoutOption configures a LockoutTracker.
type LockoutOption func(*LockoutTracker)

// WithLockoutTimeFunc overrides the tracker clock, for tests.
func WithLockoutTimeFunc(timeFunc func() time.Time) LockoutOption {
	return func(lt *LockoutTracker) {
		lt.timeFunc = timeFunc
	}
}

// NewLockoutTracker creates a tracker that locks a key for cooldown after
// threshold consecutive failures. Failures separated by more than window
// do not count as consecutive.
func NewLockoutTracker(threshold int, window, cooldown time.Duration, opts ...LockoutOption) *LockoutTracker {
	lt := &LockoutTracker{
		entries:   make(map[string]*lockoutEntry),
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		timeFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(lt)
	}
	return lt
}

// Locked reports whether the key is currently locked out and, if so, for
// how much longer.
func (lt *LockoutTracker) Locked(key string) (bool, time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.expireStaleLocked()
	entry, exists := lt.entries[key]
	if !exists {
		return false, 0
	}

	now := lt.timeFunc()
	if now.Before(entry.lockedUntil) {
		return true, entry.lockedUntil.Sub(now)
	}
	return false, 0
}

// RecordFailure registers a failed attempt for the key. It returns true when
// this failure tripped the lockout threshold.
func (lt *LockoutTracker) RecordFailure(key string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	now := lt.timeFunc()
	entry, exists := lt.entries[key]
	if !exists || now.Sub(entry.lastFailure) > lt.window {
		entry = &lockoutEntry{}
		lt.entries[key] = entry
	}

	entry.failures++
	entry.lastFailure = now

	if entry.failures >= lt.threshold && now.After(entry.lockedUntil) {
		entry.lockedUntil = now.Add(lt.cooldown)
		return true
	}
	return false
}

// RecordSuccess clears the failure count for the key. A success during an
// active lockout does not lift it; the cooldown runs its course.
func (lt *LockoutTracker) RecordSuccess(key string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	entry, exists := lt.entries[key]
	if !exists {
		return
	}
	if lt.timeFunc().Before(entry.lockedUntil) {
		return
	}
	delete(lt.entries, key)
}

// Clear removes all state for the key, lifting any active lockout.
func (lt *LockoutTracker) Clear(key string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	delete(lt.entries, key)
}

// expireStaleLocked drops entries whose failures have aged out of the window
// and whose lockout has lapsed. Runs on the read path under the tracker lock.
func (lt *LockoutTracker) expireStaleLocked() {
	now := lt.timeFunc()
	for key, entry := range lt.entries {
		if now.Sub(entry.lastFailure) > lt.window && !now.Before(entry.lockedUntil) {
			delete(lt.entries, key)
		}
	}
}

// AccountKey builds the tracker key for an account lockout, scoping the
// username to its tenant.
func AccountKey(username, tenantID string) string {
	return fmt.Sprintf("%s@%s", username, tenantID)
}
