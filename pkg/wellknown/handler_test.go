package wellknown

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/authtoken/pkg/keystore"
	"github.com/clinicore/authtoken/pkg/signingkeys"
)

func setupHandler(t *testing.T) (*Handler, *signingkeys.Manager) {
	t.Helper()

	store, err := keystore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	publisher := signingkeys.NewPublisher()
	manager := signingkeys.NewManager(store, publisher, signingkeys.DefaultConfig())
	require.NoError(t, manager.Initialize(context.Background()))

	handler := NewHandler(Config{Issuer: "https://auth.example.com"}, publisher)
	return handler, manager
}

func TestHandler_JWKS(t *testing.T) {
	handler, _ := setupHandler(t)

	rec := httptest.NewRecorder()
	handler.JWKS(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc signingkeys.JWKS
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Keys, 1)

	key := doc.Keys[0]
	assert.Equal(t, "RSA", key.Kty)
	assert.Equal(t, "sig", key.Use)
	assert.Equal(t, "RS256", key.Alg)
	assert.NotEmpty(t, key.Kid)
	assert.NotEmpty(t, key.N)
	assert.NotEmpty(t, key.E)
}

func TestHandler_JWKSIncludesRetiredKeys(t *testing.T) {
	handler, manager := setupHandler(t)

	require.NoError(t, manager.Rotate(context.Background()))

	rec := httptest.NewRecorder()
	handler.JWKS(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var doc signingkeys.JWKS
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Len(t, doc.Keys, 2, "retired key should stay published through its retention window")
}

func TestHandler_JWKSBeforePublish(t *testing.T) {
	handler := NewHandler(Config{Issuer: "https://auth.example.com"}, signingkeys.NewPublisher())

	rec := httptest.NewRecorder()
	handler.JWKS(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_Metadata(t *testing.T) {
	handler, _ := setupHandler(t)

	rec := httptest.NewRecorder()
	handler.Metadata(rec, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var metadata map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metadata))
	assert.Equal(t, "https://auth.example.com", metadata["issuer"])
	assert.Equal(t, "https://auth.example.com/.well-known/jwks.json", metadata["jwks_uri"])
}
