package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cdlib/ezidcore/internal/db"
)

type gormRefreshTokenRepository struct {
	database *gorm.DB
}

// NewRefreshTokenRepository creates a RefreshTokenRepository backed by GORM.
func NewRefreshTokenRepository(database *gorm.DB) RefreshTokenRepository {
	return &gormRefreshTokenRepository{database: database}
}

func (r *gormRefreshTokenRepository) Create(ctx context.Context, t *db.RefreshToken) error {
	return r.database.WithContext(ctx).Create(t).Error
}

func (r *gormRefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	var t db.RefreshToken
	err := r.database.WithContext(ctx).First(&t, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *gormRefreshTokenRepository) DeleteByHash(ctx context.Context, hash string) error {
	res := r.database.WithContext(ctx).Delete(&db.RefreshToken{}, "token_hash = ?", hash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRefreshTokenRepository) RevokeAllForAdmin(ctx context.Context, adminID uuid.UUID) error {
	return r.database.WithContext(ctx).Delete(&db.RefreshToken{}, "admin_id = ?", adminID).Error
}
