package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Admin users (front-door authentication, spec.md §6 identity directory)
// -----------------------------------------------------------------------------

// AdminUser is a locally authenticated operator of the HTTP front door (the
// "admin username" referenced throughout spec.md §4.F — setMetadata's
// reserved-name bypass, the daemon's write-back identity). Regular EZID
// end users are never modeled as rows here: they are agent PIDs resolved
// through the identity directory (internal/identity), not local accounts.
type AdminUser struct {
	base
	Username    string          `gorm:"uniqueIndex;not null"`
	Password    EncryptedString `gorm:"type:text;not null"`
	DisplayName string          `gorm:"not null"`
	IsActive    bool            `gorm:"not null;default:true"`
	LastLoginAt *time.Time
}

// RefreshToken is a rotated, hashed opaque token issued alongside an admin
// access token (internal/auth). Only the SHA-256 hash is ever persisted.
type RefreshToken struct {
	TokenHash string    `gorm:"type:text;primaryKey"`
	AdminID   uuid.UUID `gorm:"type:text;not null;index"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// AgentRecord caches the local-name/kind resolution of an agent PID (spec.md
// §6 getAgent/getUserId), fronting the OIDC-backed identity directory so
// repeated lookups for the same owner/group during a request don't always
// round-trip externally.
type AgentRecord struct {
	base
	Pid       string `gorm:"type:text;uniqueIndex;not null"`
	LocalName string `gorm:"type:text;uniqueIndex;not null"`
	Kind      string `gorm:"not null"` // "user" or "group"

	// Email is the registrar-notification address for a "user" kind agent
	// (spec.md §4.J DoPoll: "if the owner's registrar-notification email is
	// non-empty, send an email"). Empty for "group" agents and for users the
	// directory did not report an email for.
	Email string
}

// -----------------------------------------------------------------------------
// Identifiers (spec.md §3)
// -----------------------------------------------------------------------------

// IdentifierElement is a single stored element of an identifier's element
// map, keyed by (ark, name). The element map in spec.md §3 is flattened into
// rows rather than a single JSON blob so individual reserved elements (_o,
// _co, _is, ...) can be queried and updated independently — mirroring how
// the teacher keeps join-table rows instead of embedding associations GORM
// cannot resolve on a non-autoincrement primary key.
//
// Ark is always the storage key: the canonical ARK itself, or the shadow ARK
// computed from a DOI/URN-UUID (spec.md §3 invariants).
type IdentifierElement struct {
	Ark       string `gorm:"type:text;primaryKey;not null"`
	Name      string `gorm:"type:text;primaryKey;not null"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// IdentifierHold marks an ARK as reserved (holdIdentifier, spec.md §4.B)
// before any element has been written for it. Existence of a row here OR of
// any IdentifierElement row for the same ark satisfies identifierExists.
type IdentifierHold struct {
	Ark       string    `gorm:"type:text;primaryKey;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Registration queue (spec.md §3, §4.I)
// -----------------------------------------------------------------------------

// QueueStatus enumerates the lifecycle states of a QueueEntry (spec.md §3).
type QueueStatus string

const (
	QueueStatusUnsubmitted QueueStatus = "U"
	QueueStatusSubmitted   QueueStatus = "S"
	QueueStatusWarning     QueueStatus = "W"
	QueueStatusFailure     QueueStatus = "F"
)

// QueueOperation enumerates the kind of registrar intent a QueueEntry carries.
type QueueOperation string

const (
	QueueOpCreate QueueOperation = "create"
	QueueOpUpdate QueueOperation = "update"
	QueueOpDelete QueueOperation = "delete"
)

// QueueEntry is a durable FIFO row describing one pending registrar intent
// (spec.md §3, §4.I). Seq is monotonic and insertion-ordered; multiple
// entries may exist for the same Identifier, in which case only the
// latest (highest Seq) is advanced by the daemon and the rest are deleted
// (spec.md §4.J, §5).
//
// Blob holds the JSON-serialized element map snapshot at enqueue time,
// consumed by DoDeposit to build the registrar submission.
type QueueEntry struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement"`
	Identifier string `gorm:"type:text;not null;index"`
	Operation  QueueOperation
	Owner      string `gorm:"type:text;not null"` // owner's local username
	Blob       string `gorm:"type:text;not null"` // JSON element map snapshot
	Status     QueueStatus
	BatchID    string
	SubmitTime *time.Time
	Message    string `gorm:"type:text"`
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry stored in the database.
// Keys are namespaced by convention (e.g. "smtp.host", "crossref.password").
// Sensitive values are encrypted at the application layer via EncryptedString
// before being persisted.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
