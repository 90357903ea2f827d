package repository

import (
	"context"
	"errors"

	"github.com/camforge/camforge-ledger/internal/models"
)

// Sentinel errors surfaced to the chain manager. The chain manager decides
// which are retryable and which halt ingestion.
var (
	// ErrDuplicateHash: the computed hash collides with an existing row.
	// Fatal for the chain; never retried.
	ErrDuplicateHash = errors.New("duplicate entry hash")

	// ErrTailConflict: another writer advanced the tail between lock
	// release and insert (unique prev_hash violation). Retryable once with
	// a fresh tail read.
	ErrTailConflict = errors.New("chain tail conflict")

	// ErrNotFound: no row matches the requested sequence.
	ErrNotFound = errors.New("entry not found")
)

// EntryBuilder computes a fully-hashed entry against the locked tail hash.
// It runs inside the append transaction, strictly after the serialization
// point is acquired, so a timeout while waiting for the lock means no hash
// was ever computed.
type EntryBuilder func(prevHash string) (*models.AuditEntry, error)

// QueryFilter selects committed entries. All filters are ANDed; results are
// always ordered by sequence_id ascending. AfterSequence is the pagination
// cursor (exclusive), stable under concurrent appends.
type QueryFilter struct {
	ScopeType     *string
	ScopeID       *string
	ActorID       *string
	EventType     *string
	Since         *string // models.TimeLayout, inclusive
	Until         *string // models.TimeLayout, exclusive
	AfterSequence int64
	Limit         int
}

// LedgerRepository is the storage boundary of the ledger. Implementations
// must guarantee that AppendEntry calls for one chain are serialized through
// the store's own locking, and that builder-computed hashes are committed in
// the same transaction that advances the tail. All read methods operate on
// committed, immutable rows and never block writers.
type LedgerRepository interface {
	// AppendEntry locks the chain tail, invokes build with the current
	// tail hash, inserts the returned entry, advances the tail, and
	// commits. The returned entry carries its store-assigned sequence_id.
	AppendEntry(ctx context.Context, chainID string, build EntryBuilder) (*models.AuditEntry, error)

	// Tail returns the current tail hash and sequence without locking.
	Tail(ctx context.Context, chainID string) (hash string, sequence int64, err error)

	// GetEntry returns the live entry with the given sequence_id.
	GetEntry(ctx context.Context, sequenceID int64) (*models.AuditEntry, error)

	// PrevEntry returns the live entry immediately preceding sequenceID,
	// or ErrNotFound when none exists.
	PrevEntry(ctx context.Context, sequenceID int64) (*models.AuditEntry, error)

	// FirstEntryAfter returns the first live entry with sequence_id
	// greater than sequenceID, or ErrNotFound.
	FirstEntryAfter(ctx context.Context, sequenceID int64) (*models.AuditEntry, error)

	// ListEntries returns committed entries matching filter, ordered by
	// sequence_id ascending.
	ListEntries(ctx context.Context, filter QueryFilter) ([]*models.AuditEntry, error)

	// ListRange pages through [from, to] in ascending order: entries with
	// sequence_id > afterSequence, capped at limit rows. Used by the
	// validator and archiver to stream without materializing the range.
	ListRange(ctx context.Context, from, to, afterSequence int64, limit int) ([]*models.AuditEntry, error)

	// FirstSequence returns the lowest live sequence_id, or ErrNotFound
	// when the live table is empty.
	FirstSequence(ctx context.Context) (int64, error)

	// LastSequenceBefore returns the highest live sequence_id whose
	// occurred_at is strictly before cutoff, or ErrNotFound.
	LastSequenceBefore(ctx context.Context, cutoff string) (int64, error)

	// InsertManifest durably records an archive manifest.
	InsertManifest(ctx context.Context, m *models.ArchiveManifest) error

	// ListManifests returns all manifests ordered by first_sequence_id.
	ListManifests(ctx context.Context) ([]*models.ArchiveManifest, error)

	// RelocateRange moves live rows [from, to] into the cold table in a
	// single transaction, preserving sequence_ids. Called only after the
	// range's manifest digest is durably recorded.
	RelocateRange(ctx context.Context, from, to int64) error

	// Ping validates the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
