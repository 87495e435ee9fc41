// Package store implements the metadata store adapter (spec.md §4.B): the
// only component that reads and writes ARK-keyed element maps. It assumes
// no transactional multi-key operations — all coordination across a single
// key's reserve/read/write sequence is the caller's responsibility via
// internal/lock (spec.md §4.B, §4.C).
package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/cdlib/ezidcore/internal/db"
)

// Store is the gorm-backed metadata store adapter.
type Store struct {
	database *gorm.DB
}

// New creates a Store backed by the given *gorm.DB.
func New(database *gorm.DB) *Store {
	return &Store{database: database}
}

// Exists reports whether ark has been reserved or has any element written
// (spec.md §3: "Existence of a row here OR of any IdentifierElement row for
// the same ark satisfies identifierExists").
func (s *Store) Exists(ctx context.Context, ark string) (bool, error) {
	var count int64
	if err := s.database.WithContext(ctx).Model(&db.IdentifierHold{}).Where("ark = ?", ark).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if err := s.database.WithContext(ctx).Model(&db.IdentifierElement{}).Where("ark = ?", ark).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Hold reserves ark with no elements (spec.md §4.B hold). It is idempotent:
// holding an already-held ark is a no-op.
func (s *Store) Hold(ctx context.Context, ark string) error {
	return s.database.WithContext(ctx).
		Clauses().
		Where("ark = ?", ark).
		FirstOrCreate(&db.IdentifierHold{Ark: ark}).Error
}

// Get returns the element map stored under ark, or nil if nothing is stored
// (spec.md §4.B get).
func (s *Store) Get(ctx context.Context, ark string) (map[string]string, error) {
	var rows []db.IdentifierElement
	if err := s.database.WithContext(ctx).Where("ark = ?", ark).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		exists, err := s.Exists(ctx, ark)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, nil
		}
		return map[string]string{}, nil
	}
	m := make(map[string]string, len(rows))
	for _, r := range rows {
		m[r.Name] = r.Value
	}
	return m, nil
}

// Set merges elements into the map stored under ark: existing keys not
// present in elements are preserved, keys present are overwritten (spec.md
// §4.B set: "merge; missing keys preserved").
func (s *Store) Set(ctx context.Context, ark string, elements map[string]string) error {
	return s.database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for name, value := range elements {
			row := db.IdentifierElement{Ark: ark, Name: name, Value: value}
			err := tx.Clauses().Where("ark = ? AND name = ?", ark, name).
				Assign(db.IdentifierElement{Value: value}).
				FirstOrCreate(&row).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ErrNotFound is returned by callers checking existence explicitly; Get
// itself returns (nil, nil) for an absent ark per spec.md §4.B ("get(ark)
// -> map|null").
var ErrNotFound = errors.New("store: identifier not found")
