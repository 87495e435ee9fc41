// Package queue implements the registration queue (spec.md §4.I): a durable
// FIFO of pending Crossref-style registrar intents, one row per create or
// update that touched a DOI. Multiple rows may exist for the same
// identifier; the registration daemon (internal/daemon) only advances the
// latest (highest Seq) row and deletes the earlier ones as superseded
// (spec.md §4.J, §5).
//
// Grounded on the teacher's job repository (internal/repositories/job.go):
// same gorm.DB-backed, context-scoped CRUD shape, adapted from a one-row-
// per-job model to a FIFO queue with coalescing semantics.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cdlib/ezidcore/internal/db"
)

// ErrNotFound is returned when an operation addresses a Seq that no longer
// exists (already advanced past or deleted as superseded).
var ErrNotFound = errors.New("queue: entry not found")

// Queue is the gorm-backed registration queue.
type Queue struct {
	database *gorm.DB
}

// New creates a Queue backed by the given *gorm.DB.
func New(database *gorm.DB) *Queue {
	return &Queue{database: database}
}

// Enqueue appends a new unsubmitted entry to the tail of the queue
// (spec.md §4.I enqueue). Satisfies internal/coordinator.Queue.
func (q *Queue) Enqueue(ctx context.Context, identifier, operation, owner, blob string) error {
	entry := db.QueueEntry{
		Identifier: identifier,
		Operation:  db.QueueOperation(operation),
		Owner:      owner,
		Blob:       blob,
		Status:     db.QueueStatusUnsubmitted,
	}
	if err := q.database.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// MaxSeq returns the highest Seq currently in the table, or 0 if the queue
// is empty. The daemon's fast-path idle check compares this against the
// last Seq it processed (spec.md §4.J "maxSeq fast path").
func (q *Queue) MaxSeq(ctx context.Context) (uint64, error) {
	var max uint64
	row := q.database.WithContext(ctx).Model(&db.QueueEntry{}).Select("COALESCE(MAX(seq), 0)").Row()
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("queue: max seq: %w", err)
	}
	return max, nil
}

// ListInSeqOrder returns up to limit entries ordered by Seq ascending,
// starting at the first entry with Seq >= after. A limit of 0 means no
// limit.
func (q *Queue) ListInSeqOrder(ctx context.Context, after uint64, limit int) ([]db.QueueEntry, error) {
	var entries []db.QueueEntry
	tx := q.database.WithContext(ctx).Where("seq >= ?", after).Order("seq ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("queue: list in seq order: %w", err)
	}
	return entries, nil
}

// CountForIdentifier reports how many queue rows (of any status) currently
// reference identifier, used by the daemon to decide whether an entry has
// duplicates to coalesce before it is processed (spec.md §4.J coalescing).
func (q *Queue) CountForIdentifier(ctx context.Context, identifier string) (int64, error) {
	var count int64
	if err := q.database.WithContext(ctx).Model(&db.QueueEntry{}).Where("identifier = ?", identifier).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("queue: count for identifier: %w", err)
	}
	return count, nil
}

// EarliestForIdentifier returns the lowest-Seq row for identifier. The
// daemon does not use it; it advances the highest-Seq row instead.
func (q *Queue) EarliestForIdentifier(ctx context.Context, identifier string) (*db.QueueEntry, error) {
	var entry db.QueueEntry
	err := q.database.WithContext(ctx).
		Where("identifier = ?", identifier).
		Order("seq ASC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: earliest for identifier: %w", err)
	}
	return &entry, nil
}

// Save persists all mutable fields of an existing entry (status, batch ID,
// submit time, message) in place, keyed by Seq.
func (q *Queue) Save(ctx context.Context, entry *db.QueueEntry) error {
	result := q.database.WithContext(ctx).Model(&db.QueueEntry{}).Where("seq = ?", entry.Seq).Updates(map[string]interface{}{
		"status":      entry.Status,
		"batch_id":    entry.BatchID,
		"submit_time": entry.SubmitTime,
		"message":     entry.Message,
	})
	if result.Error != nil {
		return fmt.Errorf("queue: save: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an entry by Seq — used for normal completion: after a
// delete operation is submitted, or after a poll reports success.
// Superseded duplicates are removed by DeleteDuplicates instead.
func (q *Queue) Delete(ctx context.Context, seq uint64) error {
	result := q.database.WithContext(ctx).Delete(&db.QueueEntry{}, "seq = ?", seq)
	if result.Error != nil {
		return fmt.Errorf("queue: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDuplicates removes every row for identifier except keepSeq. The
// daemon calls it with the identifier's highest Seq before processing that
// row, so a later create/update supersedes any earlier row, submitted or
// not (spec.md §4.J).
func (q *Queue) DeleteDuplicates(ctx context.Context, identifier string, keepSeq uint64) error {
	if err := q.database.WithContext(ctx).
		Where("identifier = ? AND seq <> ?", identifier, keepSeq).
		Delete(&db.QueueEntry{}).Error; err != nil {
		return fmt.Errorf("queue: delete duplicates: %w", err)
	}
	return nil
}

// MarkSubmitted transitions entry to Submitted with a batch ID and submit
// time (spec.md §3: U -> S).
func (q *Queue) MarkSubmitted(ctx context.Context, seq uint64, batchID string, submitTime time.Time) error {
	result := q.database.WithContext(ctx).Model(&db.QueueEntry{}).Where("seq = ?", seq).Updates(map[string]interface{}{
		"status":      db.QueueStatusSubmitted,
		"batch_id":    batchID,
		"submit_time": submitTime,
	})
	if result.Error != nil {
		return fmt.Errorf("queue: mark submitted: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOutcome sets entry's status and diagnostic message: Warning or
// Failure after a poll (spec.md §3: S -> {W,F}), or Submitted to record a
// still-pending poll's message.
func (q *Queue) MarkOutcome(ctx context.Context, seq uint64, status db.QueueStatus, message string) error {
	result := q.database.WithContext(ctx).Model(&db.QueueEntry{}).Where("seq = ?", seq).Updates(map[string]interface{}{
		"status":  status,
		"message": message,
	})
	if result.Error != nil {
		return fmt.Errorf("queue: mark outcome: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
