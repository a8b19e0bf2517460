package tokengenerator

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/clinicore/authtoken/pkg/signingkeys"
)

// refreshTokenBytes is the entropy of an opaque refresh token.
const refreshTokenBytes = 32

// Issuer builds and signs access tokens with the current signing key and
// mints opaque refresh-token values. It is stateless: every call reads the
// manager's current key and performs pure computation.
type Issuer struct {
	manager  *signingkeys.Manager
	issuer   string
	audience string

	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration

	timeFunc func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithAccessTokenExpiry sets the access token TTL.
func WithAccessTokenExpiry(expiry time.Duration) IssuerOption {
	return func(i *Issuer) {
		if expiry > 0 {
			i.accessTokenExpiry = expiry
		}
	}
}

// WithRefreshTokenExpiry sets the refresh token TTL.
func WithRefreshTokenExpiry(expiry time.Duration) IssuerOption {
	return func(i *Issuer) {
		if expiry > 0 {
			i.refreshTokenExpiry = expiry
		}
	}
}

// WithIssuerTimeFunc overrides the issuance clock, for tests.
func WithIssuerTimeFunc(timeFunc func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.timeFunc = timeFunc
	}
}

// NewIssuer creates an Issuer signing on behalf of issuer for audience.
func NewIssuer(manager *signingkeys.Manager, issuer, audience string, opts ...IssuerOption) *Issuer {
	is := &Issuer{
		manager:            manager,
		issuer:             issuer,
		audience:           audience,
		accessTokenExpiry:  DefaultAccessTokenExpiry,
		refreshTokenExpiry: DefaultRefreshTokenExpiry,
		timeFunc:           time.Now,
	}
	for _, opt := range opts {
		opt(is)
	}
	return is
}

// AccessTokenExpiry returns the configured access token TTL.
func (i *Issuer) AccessTokenExpiry() time.Duration { return i.accessTokenExpiry }

// RefreshTokenExpiry returns the configured refresh token TTL.
func (i *Issuer) RefreshTokenExpiry() time.Duration { return i.refreshTokenExpiry }

// IssueAccessToken signs an access token for the identity using the current
// key, embedding the key id in the token header.
func (i *Issuer) IssueAccessToken(identity Identity) (string, time.Time, error) {
	now := i.timeFunc().UTC()
	active := i.manager.ActiveKey()

	claims := Claims{
		Username: identity.Username,
		Email:    identity.Email,
		TenantID: identity.TenantID,
		Roles:    identity.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Minute)),
			Issuer:    i.issuer,
			Subject:   identity.Subject,
			ID:        uuid.New().String(),
			Audience:  jwt.ClaimStrings{i.audience},
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = active.KeyID

	tokenString, err := token.SignedString(active.PrivateKey)
	if err != nil {
		slog.Error("Failed to sign access token", "err", err, "keyId", active.KeyID)
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}

	return tokenString, claims.ExpiresAt.Time, nil
}

// IssueRefreshToken mints a high-entropy opaque refresh-token value. The raw
// value is handed to the client; only its one-way hash is ever persisted,
// which is the refresh ledger's responsibility.
func (i *Issuer) IssueRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
