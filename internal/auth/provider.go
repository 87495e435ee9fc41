package auth

import "time"

// LoginRequest carries credentials for a local admin login attempt.
type LoginRequest struct {
	Username string
	Password string
}

// TokenPair is returned after a successful login or token refresh.
// AccessToken is meant to be returned in the response body (or Authorization
// header). RefreshToken is meant to be set as an httpOnly Secure cookie by
// the HTTP layer — it is never included in API responses directly.
type TokenPair struct {
	AccessToken string

	// RefreshToken is the raw opaque token string. The HTTP handler is
	// responsible for setting it as a cookie; this struct does not carry
	// cookie metadata (path, domain, SameSite) to keep the auth layer
	// decoupled from HTTP concerns.
	RefreshToken string

	// RefreshTokenExpiresAt is used by the HTTP layer to set the cookie
	// Max-Age / Expires attribute correctly.
	RefreshTokenExpiresAt time.Time
}
