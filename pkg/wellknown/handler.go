// Package wellknown serves the discovery endpoints: the JWK Set document
// built from the published key snapshot and the issuer metadata clients use
// to locate it.
package wellknown

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clinicore/authtoken/pkg/signingkeys"
)

// Config holds the issuer identity advertised by the metadata document.
type Config struct {
	// Issuer is the canonical issuer URL (e.g. "https://auth.example.com").
	Issuer string

	// BaseURL prefixes the endpoint URLs in the metadata document. Defaults
	// to Issuer when empty.
	BaseURL string
}

// Handler serves the well-known endpoints. The JWKS document is rebuilt
// from the current snapshot on every request so an external rotation is
// visible as soon as the publisher swaps it in.
type Handler struct {
	config    Config
	publisher *signingkeys.Publisher
}

// NewHandler creates a well-known endpoints handler backed by the publisher.
func NewHandler(config Config, publisher *signingkeys.Publisher) *Handler {
	if config.BaseURL == "" {
		config.BaseURL = config.Issuer
	}
	return &Handler{config: config, publisher: publisher}
}

// JWKS handles GET /.well-known/jwks.json. It serves the active public key
// plus every retired key still inside the retention window, so tokens
// signed before a rotation keep verifying from cached documents.
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	snapshot := h.publisher.Snapshot()
	if snapshot == nil {
		slog.Error("JWKS requested before a key set was published")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if err := json.NewEncoder(w).Encode(snapshot.JWKS()); err != nil {
		slog.Error("Failed to encode JWKS document", "error", err)
	}
}

// issuerMetadata is the discovery document for this token issuer.
type issuerMetadata struct {
	Issuer                      string   `json:"issuer"`
	TokenEndpoint               string   `json:"token_endpoint"`
	JwksURI                     string   `json:"jwks_uri"`
	GrantTypesSupported         []string `json:"grant_types_supported"`
	TokenSigningAlgsSupported   []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	IDTokenSigningAlgsSupported []string `json:"id_token_signing_alg_values_supported"`
}

// Metadata handles GET /.well-known/openid-configuration.
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	metadata := issuerMetadata{
		Issuer:                      h.config.Issuer,
		TokenEndpoint:               h.config.BaseURL + "/auth/token/refresh",
		JwksURI:                     h.config.BaseURL + "/.well-known/jwks.json",
		GrantTypesSupported:         []string{"password", "refresh_token"},
		TokenSigningAlgsSupported:   []string{"RS256"},
		IDTokenSigningAlgsSupported: []string{"RS256"},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if err := json.NewEncoder(w).Encode(metadata); err != nil {
		slog.Error("Failed to encode issuer metadata", "error", err)
	}
}

// RegisterRoutes mounts the discovery endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKS)
	r.Get("/.well-known/openid-configuration", h.Metadata)
}
