package tokengenerator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clinicore/authtoken/pkg/signingkeys"
)

// Verifier validates access tokens against the published key-set snapshot.
// Verification is a pure read: it takes no locks beyond the snapshot's own
// atomic-reference load and has no side effects.
type Verifier struct {
	publisher *signingkeys.Publisher
	issuer    string
	timeFunc  func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierTimeFunc overrides the validation clock, for tests.
func WithVerifierTimeFunc(timeFunc func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.timeFunc = timeFunc
	}
}

// NewVerifier creates a Verifier that requires tokens issued by issuer.
func NewVerifier(publisher *signingkeys.Publisher, issuer string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		publisher: publisher,
		issuer:    issuer,
		timeFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses the token, resolves its key id against the current snapshot
// (active key first, then retired history), verifies the signature and
// checks issuer and expiry. The returned error is one of the Err* values in
// this package; callers expose only a generic failure outward.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	snapshot := v.publisher.Snapshot()
	if snapshot == nil {
		return nil, ErrUnknownSigningKey
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		pub, ok := snapshot.Lookup(kid)
		if !ok {
			return nil, ErrUnknownSigningKey
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.timeFunc),
	)

	if err != nil {
		return nil, v.classify(err)
	}
	if !token.Valid {
		return nil, ErrTokenSignatureInvalid
	}
	return claims, nil
}

// classify collapses jwt parse errors to this package's taxonomy. Detail is
// logged here; callers never leak which check failed.
func (v *Verifier) classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownSigningKey):
		slog.Info("Rejected token with unknown key id", "err", err)
		return ErrUnknownSigningKey
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		slog.Info("Rejected malformed token", "err", err)
		return ErrTokenMalformed
	default:
		slog.Info("Rejected token", "err", err)
		return ErrTokenSignatureInvalid
	}
}
