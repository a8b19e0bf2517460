package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("PT15M")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	d, err = ParseDuration("P7D")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	// Go syntax still accepted
	d, err = ParseDuration("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("not-a-duration")
	assert.Error(t, err)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("CFG_TEST_STR", "value")
	t.Setenv("CFG_TEST_INT", "42")
	t.Setenv("CFG_TEST_BOOL", "true")
	t.Setenv("CFG_TEST_DUR", "PT5M")

	assert.Equal(t, "value", GetEnvOrDefault("CFG_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", GetEnvOrDefault("CFG_TEST_MISSING", "fallback"))
	assert.Equal(t, 42, GetEnvInt("CFG_TEST_INT", 7))
	assert.Equal(t, 7, GetEnvInt("CFG_TEST_MISSING", 7))
	assert.True(t, GetEnvBool("CFG_TEST_BOOL", false))
	assert.Equal(t, 5*time.Minute, GetEnvDuration("CFG_TEST_DUR", time.Hour))
	assert.Equal(t, time.Hour, GetEnvDuration("CFG_TEST_MISSING", time.Hour))
}

func TestValidateKeyWindows(t *testing.T) {
	keys := NewKeysConfigFromEnv()
	jwt := NewJWTConfigFromEnv()

	assert.False(t, ValidateKeyWindows(keys, jwt).HasErrors())

	// Retention shorter than the access TTL is rejected
	keys.Retention = "PT5M"
	jwt.AccessTokenExpiry = "PT15M"
	errs := ValidateKeyWindows(keys, jwt)
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "KEY_RETENTION")
}

func TestValidateKeyWindows_WeakKeyRejected(t *testing.T) {
	keys := NewKeysConfigFromEnv()
	keys.KeyBits = 1024
	jwt := NewJWTConfigFromEnv()

	errs := ValidateKeyWindows(keys, jwt)
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "KEY_BITS")
}

func TestBuildMiddlewareConfig(t *testing.T) {
	rl := NewRateLimitConfigFromEnv()
	lockout := NewLockoutConfigFromEnv()

	cfg, err := rl.BuildMiddlewareConfig(lockout)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.IPFailureThreshold)
	assert.Equal(t, 15*time.Minute, cfg.IPLockoutCooldown)
	assert.Len(t, cfg.ClassLimits, 3)
}
