package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/camforge/camforge-ledger/internal/models"
)

// SQLiteRepository implements LedgerRepository using SQLite (pure Go driver).
// Used for embedded deployments and tests.
type SQLiteRepository struct {
	db *sqlx.DB

	// SQLite is single-writer; appendMu serializes write transactions on
	// this handle so concurrent appends queue instead of failing with
	// SQLITE_BUSY. The tail itself is still read and advanced inside the
	// transaction — the store, not this mutex, is the durability boundary.
	appendMu sync.Mutex
}

// NewSQLiteRepository opens (or creates) the database at dbPath.
// Use ":memory:" for tests.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	// One connection: in-memory databases are per-connection, and SQLite
	// write transactions are serialized anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// RunMigrations runs database migrations.
func (r *SQLiteRepository) RunMigrations(migrationSQL string) error {
	_, err := r.db.Exec(migrationSQL)
	return err
}

// Ping validates the store is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type tailRow struct {
	Hash     string `db:"tail_hash"`
	Sequence int64  `db:"tail_sequence"`
}

func (r *SQLiteRepository) AppendEntry(ctx context.Context, chainID string, build EntryBuilder) (*models.AuditEntry, error) {
	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	var entry *models.AuditEntry
	err := instrumentQuery("append_entry", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer tx.Rollback()

		var tail tailRow
		if err := tx.GetContext(ctx, &tail,
			`SELECT tail_hash, tail_sequence FROM chain_tail WHERE chain_id = ?`, chainID); err != nil {
			return fmt.Errorf("read chain tail: %w", err)
		}

		entry, err = build(tail.Hash)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO audit_entries (scope_type, scope_id, actor_id, event_type, payload, occurred_at, prev_hash, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			entry.ScopeType,
			entry.ScopeID,
			entry.ActorID,
			entry.EventType,
			payloadValue(entry.Payload),
			entry.OccurredAt,
			entry.PrevHash,
			entry.Hash,
		)
		if err != nil {
			return classifySQLiteUnique(err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read assigned sequence: %w", err)
		}
		entry.SequenceID = seq

		if _, err := tx.ExecContext(ctx,
			`UPDATE chain_tail SET tail_hash = ?, tail_sequence = ? WHERE chain_id = ?`,
			entry.Hash, seq, chainID); err != nil {
			return fmt.Errorf("advance chain tail: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *SQLiteRepository) Tail(ctx context.Context, chainID string) (string, int64, error) {
	var tail tailRow
	err := r.db.GetContext(ctx, &tail,
		`SELECT tail_hash, tail_sequence FROM chain_tail WHERE chain_id = ?`, chainID)
	if err != nil {
		return "", 0, fmt.Errorf("read chain tail: %w", err)
	}
	return tail.Hash, tail.Sequence, nil
}

func (r *SQLiteRepository) GetEntry(ctx context.Context, sequenceID int64) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	err := r.db.GetContext(ctx, &entry,
		`SELECT * FROM audit_entries WHERE sequence_id = ?`, sequenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *SQLiteRepository) PrevEntry(ctx context.Context, sequenceID int64) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	err := r.db.GetContext(ctx, &entry,
		`SELECT * FROM audit_entries WHERE sequence_id < ? ORDER BY sequence_id DESC LIMIT 1`, sequenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *SQLiteRepository) FirstEntryAfter(ctx context.Context, sequenceID int64) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	err := r.db.GetContext(ctx, &entry,
		`SELECT * FROM audit_entries WHERE sequence_id > ? ORDER BY sequence_id ASC LIMIT 1`, sequenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *SQLiteRepository) ListEntries(ctx context.Context, filter QueryFilter) ([]*models.AuditEntry, error) {
	query := `SELECT * FROM audit_entries WHERE sequence_id > ?`
	args := []interface{}{filter.AfterSequence}

	if filter.ScopeType != nil {
		query += " AND scope_type = ?"
		args = append(args, *filter.ScopeType)
	}
	if filter.ScopeID != nil {
		query += " AND scope_id = ?"
		args = append(args, *filter.ScopeID)
	}
	if filter.ActorID != nil {
		query += " AND actor_id = ?"
		args = append(args, *filter.ActorID)
	}
	if filter.EventType != nil {
		query += " AND event_type = ?"
		args = append(args, *filter.EventType)
	}
	if filter.Since != nil {
		query += " AND occurred_at >= ?"
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		query += " AND occurred_at < ?"
		args = append(args, *filter.Until)
	}

	query += " ORDER BY sequence_id ASC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))

	var entries []*models.AuditEntry
	err := instrumentQuery("list_entries", func() error {
		return r.db.SelectContext(ctx, &entries, query, args...)
	})
	return entries, err
}

func (r *SQLiteRepository) ListRange(ctx context.Context, from, to, afterSequence int64, limit int) ([]*models.AuditEntry, error) {
	var entries []*models.AuditEntry
	err := instrumentQuery("list_range", func() error {
		return r.db.SelectContext(ctx, &entries, `
			SELECT * FROM audit_entries
			WHERE sequence_id >= ? AND sequence_id <= ? AND sequence_id > ?
			ORDER BY sequence_id ASC
			LIMIT ?
		`, from, to, afterSequence, normalizeLimit(limit))
	})
	return entries, err
}

func (r *SQLiteRepository) FirstSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.GetContext(ctx, &seq, `SELECT MIN(sequence_id) FROM audit_entries`); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, ErrNotFound
	}
	return seq.Int64, nil
}

func (r *SQLiteRepository) LastSequenceBefore(ctx context.Context, cutoff string) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.GetContext(ctx, &seq,
		`SELECT MAX(sequence_id) FROM audit_entries WHERE occurred_at < ?`, cutoff); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, ErrNotFound
	}
	return seq.Int64, nil
}

func (r *SQLiteRepository) InsertManifest(ctx context.Context, m *models.ArchiveManifest) error {
	return instrumentQuery("insert_manifest", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO archive_manifests (artifact_id, first_sequence_id, last_sequence_id, first_prev_hash, last_hash, entry_count, manifest_digest, artifact_path, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			m.ArtifactID, m.FirstSequenceID, m.LastSequenceID, m.FirstPrevHash,
			m.LastHash, m.EntryCount, m.ManifestDigest, m.ArtifactPath, m.CreatedAt,
		)
		return err
	})
}

func (r *SQLiteRepository) ListManifests(ctx context.Context) ([]*models.ArchiveManifest, error) {
	var manifests []*models.ArchiveManifest
	err := r.db.SelectContext(ctx, &manifests,
		`SELECT * FROM archive_manifests ORDER BY first_sequence_id ASC`)
	return manifests, err
}

func (r *SQLiteRepository) RelocateRange(ctx context.Context, from, to int64) error {
	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	return instrumentQuery("relocate_range", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin relocate tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_entries_cold (sequence_id, scope_type, scope_id, actor_id, event_type, payload, occurred_at, prev_hash, hash)
			SELECT sequence_id, scope_type, scope_id, actor_id, event_type, payload, occurred_at, prev_hash, hash
			FROM audit_entries WHERE sequence_id >= ? AND sequence_id <= ?
		`, from, to); err != nil {
			return fmt.Errorf("copy to cold table: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM audit_entries WHERE sequence_id >= ? AND sequence_id <= ?`, from, to); err != nil {
			return fmt.Errorf("remove relocated rows: %w", err)
		}

		return tx.Commit()
	})
}

// classifySQLiteUnique maps unique-constraint violations onto the sentinel
// errors the chain manager acts on.
func classifySQLiteUnique(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "audit_entries.hash") {
		return fmt.Errorf("%w: %v", ErrDuplicateHash, err)
	}
	if strings.Contains(msg, "audit_entries.prev_hash") {
		return fmt.Errorf("%w: %v", ErrTailConflict, err)
	}
	return fmt.Errorf("insert entry: %w", err)
}

// payloadValue converts a canonical payload to its storage form: TEXT or NULL.
func payloadValue(p []byte) interface{} {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
