// Package authapi is the HTTP surface of the authentication subsystem:
// login, token refresh, logout and password reset. Every failure path
// returns the same generic body so responses never reveal whether an
// account exists, is locked, or presented a replayed token.
package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/jinzhu/copier"

	"github.com/clinicore/authtoken/pkg/audit"
	"github.com/clinicore/authtoken/pkg/password"
	"github.com/clinicore/authtoken/pkg/ratelimit"
	"github.com/clinicore/authtoken/pkg/refresh"
	"github.com/clinicore/authtoken/pkg/tokengenerator"
)

// Handle serves the authentication endpoints.
type Handle struct {
	users          UserStore
	hasher         password.Hasher
	issuer         *tokengenerator.Issuer
	refreshService *refresh.Service
	accountLockout *ratelimit.LockoutTracker
	guards         *ratelimit.Middleware
	recorder       *audit.Recorder
}

// Option configures a Handle.
type Option func(*Handle)

// WithAuditRecorder sets the recorder for account lockout events.
func WithAuditRecorder(recorder *audit.Recorder) Option {
	return func(h *Handle) {
		h.recorder = recorder
	}
}

// WithGuards sets the throttling middleware applied to the routes.
func WithGuards(guards *ratelimit.Middleware) Option {
	return func(h *Handle) {
		h.guards = guards
	}
}

// NewHandle creates the handler. accountLockout tracks consecutive failures
// per (username, tenant) and is consulted before any password verification.
func NewHandle(users UserStore, hasher password.Hasher, issuer *tokengenerator.Issuer, refreshService *refresh.Service, accountLockout *ratelimit.LockoutTracker, opts ...Option) *Handle {
	h := &Handle{
		users:          users,
		hasher:         hasher,
		issuer:         issuer,
		refreshService: refreshService,
		accountLockout: accountLockout,
		recorder:       audit.NewRecorder(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the endpoints, each behind its throttle class.
func (h *Handle) Routes(r chi.Router) {
	if h.guards != nil {
		r.With(h.guards.Guard(ratelimit.ClassLogin)).Post("/auth/login", h.Login)
		r.With(h.guards.Guard(ratelimit.ClassTokenRefresh)).Post("/auth/token/refresh", h.Refresh)
		r.With(h.guards.Guard(ratelimit.ClassTokenRefresh)).Post("/auth/logout", h.Logout)
		r.With(h.guards.Guard(ratelimit.ClassPasswordReset)).Post("/auth/password-reset", h.PasswordReset)
		return
	}
	r.Post("/auth/login", h.Login)
	r.Post("/auth/token/refresh", h.Refresh)
	r.Post("/auth/logout", h.Logout)
	r.Post("/auth/password-reset", h.PasswordReset)
}

// Login handles POST /auth/login.
func (h *Handle) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, "unable to parse body")
		return
	}
	if req.Username == "" || req.Password == "" || req.TenantID == "" {
		badRequest(w, r, "username, password and tenant_id are required")
		return
	}

	// The lockout check runs before any password work so a locked account
	// costs the caller nothing but a generic rejection.
	accountKey := ratelimit.AccountKey(req.Username, req.TenantID)
	if locked, _ := h.accountLockout.Locked(accountKey); locked {
		slog.Warn("Login rejected for locked account", "tenant", req.TenantID)
		invalidCredentials(w, r)
		return
	}

	user, err := h.users.FindByUsername(r.Context(), req.TenantID, req.Username)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			slog.Error("User lookup failed", "error", err)
			internalError(w, r)
			return
		}
		h.recordLoginFailure(r, accountKey, req.TenantID)
		invalidCredentials(w, r)
		return
	}

	match, err := h.hasher.Verify(req.Password, user.PasswordHash)
	if err != nil {
		slog.Error("Password verification failed", "error", err)
		internalError(w, r)
		return
	}
	if !match || !user.Active {
		h.recordLoginFailure(r, accountKey, req.TenantID)
		invalidCredentials(w, r)
		return
	}

	h.accountLockout.RecordSuccess(accountKey)

	identity := tokengenerator.Identity{
		Subject:  user.ID.String(),
		Username: user.Username,
		Email:    user.Email,
		TenantID: user.TenantID,
		Roles:    user.Roles,
	}
	accessToken, _, err := h.issuer.IssueAccessToken(identity)
	if err != nil {
		slog.Error("Failed to issue access token", "error", err)
		internalError(w, r)
		return
	}
	refreshToken, err := h.refreshService.Enroll(r.Context(), user.ID, user.TenantID)
	if err != nil {
		slog.Error("Failed to enroll refresh session", "error", err)
		internalError(w, r)
		return
	}

	var info UserInfo
	if err := copier.Copy(&info, &identity); err != nil {
		slog.Error("Failed to map identity", "error", err)
		internalError(w, r)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(h.issuer.AccessTokenExpiry() / time.Second),
		User:         info,
	})
}

// Refresh handles POST /auth/token/refresh. A replayed token and an unknown
// token produce byte-identical responses.
func (h *Handle) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, "unable to parse body")
		return
	}
	if req.RefreshToken == "" {
		badRequest(w, r, "refresh_token is required")
		return
	}

	accessToken, newRefreshToken, err := h.refreshService.Redeem(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, refresh.ErrInvalidRefreshToken) || errors.Is(err, refresh.ErrReplayAttackDetected) {
			invalidCredentials(w, r)
			return
		}
		slog.Error("Refresh redemption failed", "error", err)
		internalError(w, r)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(h.issuer.AccessTokenExpiry() / time.Second),
	})
}

// Logout handles POST /auth/logout. Revoking an already-dead token is still
// a successful logout.
func (h *Handle) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, "unable to parse body")
		return
	}

	if req.RefreshToken != "" {
		if err := h.refreshService.Revoke(r.Context(), req.RefreshToken); err != nil && !errors.Is(err, refresh.ErrInvalidRefreshToken) {
			slog.Error("Failed to revoke refresh session", "error", err)
			internalError(w, r)
			return
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, MessageResponse{Message: "logged out"})
}

// PasswordReset handles POST /auth/password-reset. The response is the same
// whether or not the account exists; when it does, every refresh session is
// revoked so stolen tokens die with the old password.
func (h *Handle) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, "unable to parse body")
		return
	}
	if req.Username == "" || req.TenantID == "" {
		badRequest(w, r, "username and tenant_id are required")
		return
	}

	user, err := h.users.FindByUsername(r.Context(), req.TenantID, req.Username)
	if err == nil {
		if err := h.refreshService.RevokeAll(r.Context(), user.ID); err != nil {
			slog.Error("Failed to revoke sessions on password reset", "error", err)
		}
	} else if !errors.Is(err, ErrUserNotFound) {
		slog.Error("User lookup failed", "error", err)
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, MessageResponse{Message: "if the account exists, reset instructions have been sent"})
}

func (h *Handle) recordLoginFailure(r *http.Request, accountKey, tenantID string) {
	if h.accountLockout.RecordFailure(accountKey) {
		slog.Warn("Account locked after consecutive failures", "tenant", tenantID)
		h.recorder.Record(r.Context(), audit.Event{
			Type:     audit.EventAccountLocked,
			TenantID: tenantID,
			Message:  "consecutive failed login attempts",
		})
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Error: "bad_request", Message: message})
}

func invalidCredentials(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, ErrorResponse{Error: "invalid_credentials", Message: "invalid credentials"})
}

func internalError(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, ErrorResponse{Error: "internal_error", Message: "internal server error"})
}
