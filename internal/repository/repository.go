// Package repository implements the GORM-backed persistence layer. It is
// deliberately thin: each repository exposes only the operations its
// consumer needs, following the same interface-per-aggregate shape the
// teacher's repository layer uses, consolidated here into a single package
// instead of the parallel repository/repositories split the retrieved
// snapshot carried.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/cdlib/ezidcore/internal/db"
)

// ListOptions bounds a listing query. Limit <= 0 means "no limit".
type ListOptions struct {
	Limit  int
	Offset int
}

// AdminUserRepository manages the local operator accounts that authenticate
// to the HTTP front door (internal/auth, internal/api).
type AdminUserRepository interface {
	Create(ctx context.Context, u *db.AdminUser) error
	GetByUsername(ctx context.Context, username string) (*db.AdminUser, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.AdminUser, error)
	UpdateLastLogin(ctx context.Context, id uuid.UUID) error
}

// RefreshTokenRepository persists the hashed refresh tokens issued alongside
// admin access tokens.
type RefreshTokenRepository interface {
	Create(ctx context.Context, t *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	RevokeAllForAdmin(ctx context.Context, adminID uuid.UUID) error
}

// AgentRecordRepository caches identity-directory resolutions (spec.md §6
// getAgent/getUserId) so the coordinator does not round-trip externally on
// every metadata read.
type AgentRecordRepository interface {
	GetByPid(ctx context.Context, pid string) (*db.AgentRecord, error)
	GetByLocalName(ctx context.Context, localName string) (*db.AgentRecord, error)
	Upsert(ctx context.Context, rec *db.AgentRecord) error
}

// SettingsRepository manages the generic key-value configuration store.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}
