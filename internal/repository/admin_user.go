package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cdlib/ezidcore/internal/db"
)

type gormAdminUserRepository struct {
	database *gorm.DB
}

// NewAdminUserRepository creates an AdminUserRepository backed by GORM.
func NewAdminUserRepository(database *gorm.DB) AdminUserRepository {
	return &gormAdminUserRepository{database: database}
}

func (r *gormAdminUserRepository) Create(ctx context.Context, u *db.AdminUser) error {
	if err := r.database.WithContext(ctx).Create(u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (r *gormAdminUserRepository) GetByUsername(ctx context.Context, username string) (*db.AdminUser, error) {
	var u db.AdminUser
	err := r.database.WithContext(ctx).First(&u, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *gormAdminUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AdminUser, error) {
	var u db.AdminUser
	err := r.database.WithContext(ctx).First(&u, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *gormAdminUserRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	return r.database.WithContext(ctx).
		Model(&db.AdminUser{}).
		Where("id = ?", id).
		Update("last_login_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
}
