package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/cdlib/ezidcore/internal/db"
)

type gormAgentRecordRepository struct {
	database *gorm.DB
}

// NewAgentRecordRepository creates an AgentRecordRepository backed by GORM.
func NewAgentRecordRepository(database *gorm.DB) AgentRecordRepository {
	return &gormAgentRecordRepository{database: database}
}

func (r *gormAgentRecordRepository) GetByPid(ctx context.Context, pid string) (*db.AgentRecord, error) {
	var rec db.AgentRecord
	err := r.database.WithContext(ctx).First(&rec, "pid = ?", pid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *gormAgentRecordRepository) GetByLocalName(ctx context.Context, localName string) (*db.AgentRecord, error) {
	var rec db.AgentRecord
	err := r.database.WithContext(ctx).First(&rec, "local_name = ?", localName).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Upsert inserts rec, or updates LocalName/Kind if a row with the same Pid
// already exists. Used to refresh the identity-directory cache after an
// external lookup (internal/identity).
func (r *gormAgentRecordRepository) Upsert(ctx context.Context, rec *db.AgentRecord) error {
	var existing db.AgentRecord
	err := r.database.WithContext(ctx).First(&existing, "pid = ?", rec.Pid).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return r.database.WithContext(ctx).Create(rec).Error
	case err != nil:
		return err
	default:
		existing.LocalName = rec.LocalName
		existing.Kind = rec.Kind
		return r.database.WithContext(ctx).Save(&existing).Error
	}
}
