package tokengenerator

import "errors"

var (
	// ErrTokenExpired indicates the token's expiry has passed.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenMalformed indicates the token could not be parsed at all.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrTokenSignatureInvalid indicates the signature does not verify, the
	// issuer does not match, or the signing method is wrong.
	ErrTokenSignatureInvalid = errors.New("token signature is invalid")

	// ErrUnknownSigningKey indicates the token names a key id outside the
	// published key set. Unknown keys are never trusted, even when the
	// algorithm matches.
	ErrUnknownSigningKey = errors.New("token signed by unknown key")
)
