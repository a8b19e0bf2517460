// Package tokengenerator issues and verifies RSA-signed access tokens
// against the published signing-key set. Issuance always uses the current
// key; verification accepts the current key and any retired key still
// inside the retention window, so rotation never invalidates in-flight
// tokens.
package tokengenerator

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token expiry durations
const (
	DefaultAccessTokenExpiry  = 15 * time.Minute
	DefaultRefreshTokenExpiry = 24 * time.Hour
)

// Claims is the access-token claim set.
type Claims struct {
	Username string   `json:"username,omitempty"`
	Email    string   `json:"email,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the caller-supplied claim material for token issuance.
type Identity struct {
	Subject  string
	Username string
	Email    string
	TenantID string
	Roles    []string
}
