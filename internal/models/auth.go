package models

import "time"

// TokenPair is returned to callers after login or refresh. Nothing in
// it is stored server-side; the refresh token's metadata is persisted
// separately under its jti.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RegisterRequest holds the registration payload.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Username  string `json:"username" validate:"required"`
	Password  string `json:"password" validate:"required"`
	DeviceID  string `json:"device_id"`
	IPAddress string `json:"-"`
}

// LoginResponse returns the issued tokens and user info.
type LoginResponse struct {
	TokenPair
	User     UserInfo  `json:"user"`
	IssuedAt time.Time `json:"issued_at"`
}

// RefreshRequest exchanges a refresh token for a new pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	DeviceID     string `json:"device_id"`
	IPAddress    string `json:"-"`
}

// LogoutRequest revokes the presented refresh token.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Active   bool   `json:"active"`
}
