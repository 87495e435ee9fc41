package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cdlib/ezidcore/internal/db"
	"github.com/cdlib/ezidcore/internal/repository"
)

func newAuthTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return database
}

func newTestProvider(t *testing.T) (*LocalAuthProvider, repository.AdminUserRepository) {
	t.Helper()
	database := newAuthTestDB(t)
	adminRepo := repository.NewAdminUserRepository(database)
	tokenRepo := repository.NewRefreshTokenRepository(database)
	jwtManager, err := NewJWTManagerGenerated("ezidcore-test")
	require.NoError(t, err)
	return NewLocalAuthProvider(adminRepo, tokenRepo, jwtManager), adminRepo
}

func createAdmin(t *testing.T, repo repository.AdminUserRepository, username, password string) {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), &db.AdminUser{
		Username:    username,
		Password:    db.EncryptedString(hash),
		DisplayName: username,
		IsActive:    true,
	}))
}

func TestLoginSucceedsWithCorrectPassword(t *testing.T) {
	p, repo := newTestProvider(t)
	createAdmin(t, repo, "admin", "hunter2")

	pair, err := p.Login(context.Background(), LoginRequest{Username: "admin", Password: "hunter2"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
}

func TestLoginFailsWithWrongPassword(t *testing.T) {
	p, repo := newTestProvider(t)
	createAdmin(t, repo, "admin", "hunter2")

	_, err := p.Login(context.Background(), LoginRequest{Username: "admin", Password: "wrong"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginFailsForUnknownUsername(t *testing.T) {
	p, _ := newTestProvider(t)

	_, err := p.Login(context.Background(), LoginRequest{Username: "ghost", Password: "whatever"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginFailsForDisabledAccount(t *testing.T) {
	p, repo := newTestProvider(t)
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), &db.AdminUser{
		Username: "admin", Password: db.EncryptedString(hash), DisplayName: "admin", IsActive: false,
	}))

	_, err = p.Login(context.Background(), LoginRequest{Username: "admin", Password: "hunter2"})
	require.ErrorIs(t, err, ErrUserDisabled)
}

func TestRefreshTokenRotatesAndInvalidatesOld(t *testing.T) {
	p, repo := newTestProvider(t)
	createAdmin(t, repo, "admin", "hunter2")

	pair, err := p.Login(context.Background(), LoginRequest{Username: "admin", Password: "hunter2"})
	require.NoError(t, err)

	newPair, err := p.RefreshToken(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, newPair.AccessToken)

	_, err = p.RefreshToken(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshTokenNotFound)
}

func TestLogoutInvalidatesRefreshToken(t *testing.T) {
	p, repo := newTestProvider(t)
	createAdmin(t, repo, "admin", "hunter2")

	pair, err := p.Login(context.Background(), LoginRequest{Username: "admin", Password: "hunter2"})
	require.NoError(t, err)

	require.NoError(t, p.Logout(context.Background(), pair.RefreshToken))

	_, err = p.RefreshToken(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshTokenNotFound)
}
