package authapi

// LoginRequest is the POST /auth/login body.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id"`
}

// RefreshRequest is the POST /auth/token/refresh body.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest is the POST /auth/logout body.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// PasswordResetRequest is the POST /auth/password-reset body.
type PasswordResetRequest struct {
	Username string `json:"username"`
	TenantID string `json:"tenant_id"`
}

// UserInfo is the caller-visible identity in a token response.
type UserInfo struct {
	Subject  string   `json:"sub"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

// TokenResponse carries a fresh token pair.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	User         UserInfo `json:"user"`
}

// MessageResponse is a generic status body.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the generic failure body. Credential failures, unknown
// accounts, locked accounts and replayed refresh tokens all produce the same
// shape so the response leaks nothing about which case occurred.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
