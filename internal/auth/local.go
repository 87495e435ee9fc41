package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/cdlib/ezidcore/internal/db"
	"github.com/cdlib/ezidcore/internal/repository"
)

const (
	// refreshTokenDuration defines how long a refresh token remains valid.
	refreshTokenDuration = 7 * 24 * time.Hour

	// refreshTokenBytes is the length of the random refresh token before encoding.
	refreshTokenBytes = 32

	// bcryptCost is the bcrypt work factor for locally stored admin passwords.
	bcryptCost = bcrypt.DefaultCost
)

// LocalAuthProvider authenticates admin users via username/password stored
// in the database (spec.md §4.F "admin identity"). Passwords are hashed
// with bcrypt and stored as EncryptedString (AES-256-GCM at rest on top of
// the bcrypt hash, matching db.AdminUser.Password). Refresh tokens are
// stored as SHA-256 hashes so the raw token is never persisted.
type LocalAuthProvider struct {
	adminRepo  repository.AdminUserRepository
	tokenRepo  repository.RefreshTokenRepository
	jwtManager *JWTManager
}

// NewLocalAuthProvider creates a LocalAuthProvider with the given dependencies.
func NewLocalAuthProvider(
	adminRepo repository.AdminUserRepository,
	tokenRepo repository.RefreshTokenRepository,
	jwtManager *JWTManager,
) *LocalAuthProvider {
	return &LocalAuthProvider{
		adminRepo:  adminRepo,
		tokenRepo:  tokenRepo,
		jwtManager: jwtManager,
	}
}

// Login validates username/password and returns a token pair on success.
func (p *LocalAuthProvider) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	admin, err := p.adminRepo.GetByUsername(ctx, req.Username)
	if err != nil {
		if isNotFound(err) {
			// Return ErrInvalidCredentials instead of ErrUserNotFound to avoid
			// leaking whether the username is registered (user enumeration).
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: fetching admin by username: %w", err)
	}

	if !admin.IsActive {
		return nil, ErrUserDisabled
	}

	if !verifyPassword(req.Password, string(admin.Password)) {
		return nil, ErrInvalidCredentials
	}

	_ = p.adminRepo.UpdateLastLogin(ctx, admin.ID)

	return p.issueTokenPair(ctx, admin.ID, admin.Username)
}

// RefreshToken validates a refresh token, rotates it, and issues a new
// token pair. The old token is deleted before issuing the new one — if the
// issue fails the admin must log in again, preventing replay attacks even
// on partial failures.
func (p *LocalAuthProvider) RefreshToken(ctx context.Context, rawToken string) (*TokenPair, error) {
	tokenHash := hashRefreshToken(rawToken)

	stored, err := p.tokenRepo.GetByHash(ctx, tokenHash)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("auth: fetching refresh token: %w", err)
	}

	if err := p.tokenRepo.DeleteByHash(ctx, tokenHash); err != nil {
		return nil, fmt.Errorf("auth: deleting old refresh token: %w", err)
	}

	if time.Now().After(stored.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	admin, err := p.adminRepo.GetByID(ctx, stored.AdminID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("auth: fetching admin for token refresh: %w", err)
	}

	if !admin.IsActive {
		return nil, ErrUserDisabled
	}

	return p.issueTokenPair(ctx, admin.ID, admin.Username)
}

// Logout invalidates the given refresh token. If the token does not exist
// the call is a no-op — the client should clear its cookie regardless.
func (p *LocalAuthProvider) Logout(ctx context.Context, rawToken string) error {
	tokenHash := hashRefreshToken(rawToken)

	if err := p.tokenRepo.DeleteByHash(ctx, tokenHash); err != nil && !isNotFound(err) {
		return fmt.Errorf("auth: revoking refresh token on logout: %w", err)
	}

	return nil
}

// LogoutAllSessions revokes every active refresh token for an admin.
func (p *LocalAuthProvider) LogoutAllSessions(ctx context.Context, adminID uuid.UUID) error {
	if err := p.tokenRepo.RevokeAllForAdmin(ctx, adminID); err != nil {
		return fmt.Errorf("auth: revoking all sessions for admin %s: %w", adminID, err)
	}
	return nil
}

// issueTokenPair generates a new access token and refresh token, persists
// the refresh token hash, and returns both as a TokenPair.
func (p *LocalAuthProvider) issueTokenPair(ctx context.Context, adminID uuid.UUID, username string) (*TokenPair, error) {
	accessToken, err := p.jwtManager.GenerateAccessToken(adminID.String(), username)
	if err != nil {
		return nil, err
	}

	rawRefresh, err := generateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("auth: generating refresh token: %w", err)
	}

	expiresAt := time.Now().Add(refreshTokenDuration)

	if err := p.tokenRepo.Create(ctx, &db.RefreshToken{
		AdminID:   adminID,
		TokenHash: hashRefreshToken(rawRefresh),
		ExpiresAt: expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("auth: persisting refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:           accessToken,
		RefreshToken:          rawRefresh,
		RefreshTokenExpiresAt: expiresAt,
	}, nil
}

// HashPassword returns a bcrypt hash of the given plaintext password.
// Exported so a password can be hashed without constructing the full auth
// provider.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hash), nil
}

// verifyPassword checks a plaintext password against a stored bcrypt hash.
// Returns false rather than propagating an error on a malformed hash, since
// either way authentication must fail.
func verifyPassword(password, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// hashRefreshToken returns the SHA-256 hex digest of a raw refresh token.
// Only the hash is stored in the database — the raw token lives only in the cookie.
func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// generateRefreshToken returns a cryptographically random hex-encoded token string.
func generateRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// isNotFound checks for the repository ErrNotFound sentinel error.
func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
