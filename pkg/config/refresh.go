package config

// RefreshConfig holds refresh-token ledger configuration.
type RefreshConfig struct {
	// RotateOnRedeem advances the hash chain on every redemption. Disabling
	// it keeps the same raw token valid until expiry, which forfeits replay
	// detection for that session.
	RotateOnRedeem bool   `env:"REFRESH_ROTATE_ON_REDEEM" env-default:"true"`
	SweepInterval  string `env:"REFRESH_SWEEP_INTERVAL" env-default:"PT1H"`
}

// NewRefreshConfigFromEnv creates a RefreshConfig from environment variables.
func NewRefreshConfigFromEnv() RefreshConfig {
	return RefreshConfig{
		RotateOnRedeem: GetEnvBool("REFRESH_ROTATE_ON_REDEEM", true),
		SweepInterval:  GetEnvOrDefault("REFRESH_SWEEP_INTERVAL", "PT1H"),
	}
}
