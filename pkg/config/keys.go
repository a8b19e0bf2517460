package config

import (
	"time"
)

// KeysConfig holds the signing-key lifecycle configuration.
type KeysConfig struct {
	DataDir           string `env:"KEY_DATA_DIR" env-default:"./data/keys"`
	KeyLifetime       string `env:"KEY_LIFETIME" env-default:"P30D"`
	Retention         string `env:"KEY_RETENTION" env-default:"P7D"`
	KeyBits           int    `env:"KEY_BITS" env-default:"2048"`
	GenerateIfMissing bool   `env:"KEY_GENERATE_IF_MISSING" env-default:"true"`
	CheckInterval     string `env:"KEY_CHECK_INTERVAL" env-default:"PT1M"`
	OperationTimeout  string `env:"KEY_OPERATION_TIMEOUT" env-default:"PT30S"`
}

// ParseKeyLifetime parses the scheduled-rotation interval.
func (k KeysConfig) ParseKeyLifetime() (time.Duration, error) {
	return ParseDuration(k.KeyLifetime)
}

// ParseRetention parses the retired-key retention window.
func (k KeysConfig) ParseRetention() (time.Duration, error) {
	return ParseDuration(k.Retention)
}

// ParseCheckInterval parses the scheduler tick interval.
func (k KeysConfig) ParseCheckInterval() (time.Duration, error) {
	return ParseDuration(k.CheckInterval)
}

// ParseOperationTimeout parses the bound on key generation and persistence.
func (k KeysConfig) ParseOperationTimeout() (time.Duration, error) {
	return ParseDuration(k.OperationTimeout)
}

// NewKeysConfigFromEnv creates a KeysConfig from environment variables.
func NewKeysConfigFromEnv() KeysConfig {
	return KeysConfig{
		DataDir:           GetEnvOrDefault("KEY_DATA_DIR", "./data/keys"),
		KeyLifetime:       GetEnvOrDefault("KEY_LIFETIME", "P30D"),
		Retention:         GetEnvOrDefault("KEY_RETENTION", "P7D"),
		KeyBits:           GetEnvInt("KEY_BITS", 2048),
		GenerateIfMissing: GetEnvBool("KEY_GENERATE_IF_MISSING", true),
		CheckInterval:     GetEnvOrDefault("KEY_CHECK_INTERVAL", "PT1M"),
		OperationTimeout:  GetEnvOrDefault("KEY_OPERATION_TIMEOUT", "PT30S"),
	}
}
