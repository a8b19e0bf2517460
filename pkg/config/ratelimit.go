package config

import (
	"time"

	"github.com/clinicore/authtoken/pkg/ratelimit"
)

// RateLimitConfig holds per-IP token-bucket budgets for the auth endpoints.
type RateLimitConfig struct {
	LoginCapacity             int     `env:"RATE_LIMIT_LOGIN_CAPACITY" env-default:"10"`
	LoginRefillPerSec         float64 `env:"RATE_LIMIT_LOGIN_REFILL" env-default:"0.1667"`
	PasswordResetCapacity     int     `env:"RATE_LIMIT_RESET_CAPACITY" env-default:"3"`
	PasswordResetRefillPerSec float64 `env:"RATE_LIMIT_RESET_REFILL" env-default:"0.05"`
	RefreshCapacity           int     `env:"RATE_LIMIT_REFRESH_CAPACITY" env-default:"30"`
	RefreshRefillPerSec       float64 `env:"RATE_LIMIT_REFRESH_REFILL" env-default:"0.5"`
	BucketTTL                 string  `env:"RATE_LIMIT_BUCKET_TTL" env-default:"PT1H"`
}

// NewRateLimitConfigFromEnv creates a RateLimitConfig from environment
// variables.
func NewRateLimitConfigFromEnv() RateLimitConfig {
	return RateLimitConfig{
		LoginCapacity:             GetEnvInt("RATE_LIMIT_LOGIN_CAPACITY", 10),
		LoginRefillPerSec:         GetEnvFloat("RATE_LIMIT_LOGIN_REFILL", 10.0/60.0),
		PasswordResetCapacity:     GetEnvInt("RATE_LIMIT_RESET_CAPACITY", 3),
		PasswordResetRefillPerSec: GetEnvFloat("RATE_LIMIT_RESET_REFILL", 3.0/60.0),
		RefreshCapacity:           GetEnvInt("RATE_LIMIT_REFRESH_CAPACITY", 30),
		RefreshRefillPerSec:       GetEnvFloat("RATE_LIMIT_REFRESH_REFILL", 30.0/60.0),
		BucketTTL:                 GetEnvOrDefault("RATE_LIMIT_BUCKET_TTL", "PT1H"),
	}
}

// LockoutConfig holds consecutive-failure lockout configuration for client
// IPs and accounts. An IP lockout lasts its own cooldown; an account lockout
// lasts the counting window, so a correct login succeeds as soon as the
// window elapses without further failures.
type LockoutConfig struct {
	IPThreshold      int    `env:"LOCKOUT_IP_THRESHOLD" env-default:"10"`
	IPWindow         string `env:"LOCKOUT_IP_WINDOW" env-default:"PT10M"`
	IPCooldown       string `env:"LOCKOUT_IP_COOLDOWN" env-default:"PT15M"`
	AccountThreshold int    `env:"LOCKOUT_ACCOUNT_THRESHOLD" env-default:"5"`
	AccountWindow    string `env:"LOCKOUT_ACCOUNT_WINDOW" env-default:"PT15M"`
}

// NewLockoutConfigFromEnv creates a LockoutConfig from environment variables.
func NewLockoutConfigFromEnv() LockoutConfig {
	return LockoutConfig{
		IPThreshold:      GetEnvInt("LOCKOUT_IP_THRESHOLD", 10),
		IPWindow:         GetEnvOrDefault("LOCKOUT_IP_WINDOW", "PT10M"),
		IPCooldown:       GetEnvOrDefault("LOCKOUT_IP_COOLDOWN", "PT15M"),
		AccountThreshold: GetEnvInt("LOCKOUT_ACCOUNT_THRESHOLD", 5),
		AccountWindow:    GetEnvOrDefault("LOCKOUT_ACCOUNT_WINDOW", "PT15M"),
	}
}

// BuildMiddlewareConfig assembles the ratelimit middleware configuration
// from the parsed budgets.
func (r RateLimitConfig) BuildMiddlewareConfig(lockout LockoutConfig) (*ratelimit.Config, error) {
	bucketTTL, err := ParseDuration(r.BucketTTL)
	if err != nil {
		return nil, err
	}
	ipWindow, err := ParseDuration(lockout.IPWindow)
	if err != nil {
		return nil, err
	}
	ipCooldown, err := ParseDuration(lockout.IPCooldown)
	if err != nil {
		return nil, err
	}

	return &ratelimit.Config{
		ClassLimits: map[ratelimit.EndpointClass]ratelimit.ClassLimit{
			ratelimit.ClassLogin:         {Capacity: r.LoginCapacity, RefillRate: r.LoginRefillPerSec},
			ratelimit.ClassPasswordReset: {Capacity: r.PasswordResetCapacity, RefillRate: r.PasswordResetRefillPerSec},
			ratelimit.ClassTokenRefresh:  {Capacity: r.RefreshCapacity, RefillRate: r.RefreshRefillPerSec},
		},
		IPFailureThreshold: lockout.IPThreshold,
		IPFailureWindow:    ipWindow,
		IPLockoutCooldown:  ipCooldown,
		BucketTTL:          bucketTTL,
	}, nil
}

// ParseAccountWindow parses the account-lockout counting window, which is
// also how long a tripped account lockout lasts.
func (l LockoutConfig) ParseAccountWindow() (time.Duration, error) {
	return ParseDuration(l.AccountWindow)
}
