package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/auth"
)

const (
	// refreshTokenCookie is the name of the httpOnly cookie that stores the
	// refresh token. It is never exposed in API response bodies.
	refreshTokenCookie = "ezid_admin_refresh_token"
)

// AuthHandler groups the admin authentication HTTP handlers. There is no
// OIDC login flow here — admin accounts are local (spec.md §4.F "admin
// identity"); internal/identity's OIDC client resolves ordinary EZID agent
// PIDs for the front door's Basic Auth layer, a separate concern.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
	secure bool // true in production (HTTPS), false in development
}

// NewAuthHandler creates a new AuthHandler.
// secure controls whether cookies are set with the Secure flag — set to true
// in production and false in local development over HTTP.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger, secure bool) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		logger: logger.Named("auth_handler"),
		secure: secure,
	}
}

// loginRequest is the JSON body expected by POST /admin/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the JSON body returned on successful login.
// The refresh token is not included here — it is set as an httpOnly cookie.
type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// Login handles POST /admin/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Username == "" || req.Password == "" {
		ErrBadRequest(w, "username and password are required")
		return
	}

	pair, err := h.svc.Login(r.Context(), auth.LoginRequest{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		// Use the same 401 for both wrong credentials and disabled accounts
		// to avoid user enumeration.
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUserDisabled) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("login failed", zap.String("username", req.Username), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshTokenExpiresAt)
	Ok(w, loginResponse{AccessToken: pair.AccessToken})
}

// Logout handles POST /admin/auth/logout.
// Invalidates the refresh token stored in the cookie and clears it.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshTokenCookie)
	if err != nil {
		// No cookie present — already logged out, treat as success.
		NoContent(w)
		return
	}

	if err := h.svc.Logout(r.Context(), cookie.Value); err != nil {
		// Log but do not expose the error — clear the cookie regardless.
		h.logger.Warn("logout error", zap.Error(err))
	}

	h.clearRefreshCookie(w)
	NoContent(w)
}

// Refresh handles POST /admin/auth/refresh.
// Rotates the refresh token and returns a new access token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshTokenCookie)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	pair, err := h.svc.RefreshToken(r.Context(), cookie.Value)
	if err != nil {
		h.clearRefreshCookie(w)
		ErrUnauthorized(w)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshTokenExpiresAt)
	Ok(w, loginResponse{AccessToken: pair.AccessToken})
}

// setRefreshCookie writes the refresh token as an httpOnly cookie, marked
// Secure when the handler was configured with secure cookies.
func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    token,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
		Path:     "/admin/auth",
	})
}

// clearRefreshCookie expires the refresh token cookie immediately.
func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
		Path:     "/admin/auth",
	})
}
