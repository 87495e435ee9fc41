package auth

import (
	"context"

	"github.com/google/uuid"
)

// Service is the entry point for admin authentication against the HTTP
// front door (spec.md §4.F "admin identity"). Ordinary EZID users are never
// authenticated here — they are agent PIDs resolved through
// internal/identity, not local accounts with passwords.
type Service struct {
	local      *LocalAuthProvider
	jwtManager *JWTManager
}

// NewService creates a Service.
func NewService(local *LocalAuthProvider, jwtManager *JWTManager) *Service {
	return &Service{local: local, jwtManager: jwtManager}
}

// Login authenticates an admin via username and password.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	return s.local.Login(ctx, req)
}

// RefreshToken validates and rotates a refresh token.
func (s *Service) RefreshToken(ctx context.Context, rawToken string) (*TokenPair, error) {
	return s.local.RefreshToken(ctx, rawToken)
}

// Logout invalidates the given refresh token.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	return s.local.Logout(ctx, rawToken)
}

// LogoutAllSessions revokes all active refresh tokens for an admin.
// Called on password change or security events.
func (s *Service) LogoutAllSessions(ctx context.Context, adminID uuid.UUID) error {
	return s.local.LogoutAllSessions(ctx, adminID)
}

// ValidateAccessToken parses and verifies a JWT access token. Used by the
// HTTP middleware to authenticate incoming requests.
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwtManager.ValidateAccessToken(tokenString)
}

// JWTManager exposes the underlying JWTManager, e.g. to serve a JWKS endpoint.
func (s *Service) JWTManager() *JWTManager {
	return s.jwtManager
}
