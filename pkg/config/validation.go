package config

import (
	"fmt"
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	msg := "configuration validation failed:"
	for _, err := range e {
		msg += fmt.Sprintf("\n  - %s", err.Error())
	}
	return msg
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// ValidateKeyWindows checks the cross-field invariants between the key
// lifecycle and token lifetimes. The retention window must exceed the access
// token TTL, otherwise a token signed just before a rotation could outlive
// its verification key.
func ValidateKeyWindows(keys KeysConfig, jwt JWTConfig) ValidationErrors {
	var errs ValidationErrors

	retention, err := keys.ParseRetention()
	if err != nil {
		errs = append(errs, ValidationError{Field: "KEY_RETENTION", Message: err.Error()})
	}
	lifetime, err := keys.ParseKeyLifetime()
	if err != nil {
		errs = append(errs, ValidationError{Field: "KEY_LIFETIME", Message: err.Error()})
	}
	accessTTL, err := jwt.ParseAccessTokenExpiry()
	if err != nil {
		errs = append(errs, ValidationError{Field: "ACCESS_TOKEN_EXPIRY", Message: err.Error()})
	}
	if errs.HasErrors() {
		return errs
	}

	if retention <= accessTTL {
		errs = append(errs, ValidationError{
			Field:   "KEY_RETENTION",
			Message: fmt.Sprintf("must exceed the access token TTL (%s <= %s)", retention, accessTTL),
		})
	}
	if lifetime <= 0 {
		errs = append(errs, ValidationError{Field: "KEY_LIFETIME", Message: "must be positive"})
	}
	if keys.KeyBits < 2048 {
		errs = append(errs, ValidationError{Field: "KEY_BITS", Message: "must be at least 2048"})
	}

	return errs
}
