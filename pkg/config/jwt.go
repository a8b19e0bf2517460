package config

import (
	"time"
)

// JWTConfig holds access-token issuance configuration.
type JWTConfig struct {
	Issuer             string `env:"JWT_ISSUER" env-default:"clinicore-auth"`
	Audience           string `env:"JWT_AUDIENCE" env-default:"clinicore"`
	AccessTokenExpiry  string `env:"ACCESS_TOKEN_EXPIRY" env-default:"PT15M"`
	RefreshTokenExpiry string `env:"REFRESH_TOKEN_EXPIRY" env-default:"PT24H"`
}

// ParseAccessTokenExpiry parses the access token lifetime.
func (j JWTConfig) ParseAccessTokenExpiry() (time.Duration, error) {
	return ParseDuration(j.AccessTokenExpiry)
}

// ParseRefreshTokenExpiry parses the refresh token lifetime.
func (j JWTConfig) ParseRefreshTokenExpiry() (time.Duration, error) {
	return ParseDuration(j.RefreshTokenExpiry)
}

// NewJWTConfigFromEnv creates a JWTConfig from environment variables.
func NewJWTConfigFromEnv() JWTConfig {
	return JWTConfig{
		Issuer:             GetEnvOrDefault("JWT_ISSUER", "clinicore-auth"),
		Audience:           GetEnvOrDefault("JWT_AUDIENCE", "clinicore"),
		AccessTokenExpiry:  GetEnvOrDefault("ACCESS_TOKEN_EXPIRY", "PT15M"),
		RefreshTokenExpiry: GetEnvOrDefault("REFRESH_TOKEN_EXPIRY", "PT24H"),
	}
}
