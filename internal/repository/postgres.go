package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/camforge/camforge-ledger/internal/models"
)

// PostgresRepository implements LedgerRepository using PostgreSQL. The append
// serialization point is a row lock on chain_tail (SELECT ... FOR UPDATE),
// so concurrent writers from any number of processes queue on the store.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository connects to PostgreSQL with the given DSN.
func NewPostgresRepository(connectionString string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

// Close closes the database connection.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// RunMigrations runs database migrations.
func (r *PostgresRepository) RunMigrations(migrationSQL string) error {
	_, err := r.db.Exec(migrationSQL)
	return err
}

// Ping validates the store is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) AppendEntry(ctx context.Context, chainID string, build EntryBuilder) (*models.AuditEntry, error) {
	var entry *models.AuditEntry
	err := instrumentQuery("append_entry", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer tx.Rollback()

		// Serialization point: every appender for this chain blocks here
		// until the previous append's transaction commits or rolls back.
		var tail tailRow
		if err := tx.GetContext(ctx, &tail,
			`SELECT tail_hash, tail_sequence FROM chain_tail WHERE chain_id = $1 FOR UPDATE`, chainID); err != nil {
			return fmt.Errorf("lock chain tail: %w", err)
		}

		entry, err = build(tail.Hash)
		if err != nil {
			return err
		}

		err = tx.QueryRowxContext(ctx, `
			INSERT INTO audit_entries (scope_type, scope_id, actor_id, event_type, payload, occurred_at, prev_hash, hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING sequence_id
		`,
			entry.ScopeType,
			entry.ScopeID,
			entry.ActorID,
			entry.EventType,
			payloadValue(entry.Payload),
			entry.OccurredAt,
			entry.PrevHash,
			entry.Hash,
		).Scan(&entry.SequenceID)
		if err != nil {
			return classifyPostgresUnique(err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE chain_tail SET tail_hash = $1, tail_sequence = $2 WHERE chain_id = $3`,
			entry.Hash, entry.SequenceID, chainID); err != nil {
			return fmt.Errorf("advance chain tail: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) Tail(ctx context.Context, chainID string) (string, int64, error) {
	var tail tailRow
	err := r.db.GetContext(ctx, &tail,
		`SELECT tail_hash, tail_sequence FROM chain_tail WHERE chain_id = $1`, chainID)
	if err != nil {
		return "", 0, fmt.Errorf("read chain tail: %w", err)
	}
	return tail.Hash, tail.Sequence, nil
}

func (r *PostgresRepository) GetEntry(ctx context.Context, sequenceID int64) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	err := r.db.GetContext(ctx, &entry,
		`SELECT * FROM audit_entries WHERE sequence_id = $1`, sequenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *PostgresRepository) PrevEntry(ctx context.Context, sequenceID int64) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	err := r.db.GetContext(ctx, &entry,
		`SELECT * FROM audit_entries WHERE sequence_id < $1 ORDER BY sequence_id DESC LIMIT 1`, sequenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *PostgresRepository) FirstEntryAfter(ctx context.Context, sequenceID int64) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	err := r.db.GetContext(ctx, &entry,
		`SELECT * FROM audit_entries WHERE sequence_id > $1 ORDER BY sequence_id ASC LIMIT 1`, sequenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *PostgresRepository) ListEntries(ctx context.Context, filter QueryFilter) ([]*models.AuditEntry, error) {
	query := `SELECT * FROM audit_entries WHERE sequence_id > $1`
	args := []interface{}{filter.AfterSequence}
	paramCount := 2

	appendFilter := func(column string, value interface{}, op string) {
		query += fmt.Sprintf(" AND %s %s $%d", column, op, paramCount)
		args = append(args, value)
		paramCount++
	}

	if filter.ScopeType != nil {
		appendFilter("scope_type", *filter.ScopeType, "=")
	}
	if filter.ScopeID != nil {
		appendFilter("scope_id", *filter.ScopeID, "=")
	}
	if filter.ActorID != nil {
		appendFilter("actor_id", *filter.ActorID, "=")
	}
	if filter.EventType != nil {
		appendFilter("event_type", *filter.EventType, "=")
	}
	if filter.Since != nil {
		appendFilter("occurred_at", *filter.Since, ">=")
	}
	if filter.Until != nil {
		appendFilter("occurred_at", *filter.Until, "<")
	}

	query += fmt.Sprintf(" ORDER BY sequence_id ASC LIMIT $%d", paramCount)
	args = append(args, normalizeLimit(filter.Limit))

	var entries []*models.AuditEntry
	err := instrumentQuery("list_entries", func() error {
		return r.db.SelectContext(ctx, &entries, query, args...)
	})
	return entries, err
}

func (r *PostgresRepository) ListRange(ctx context.Context, from, to, afterSequence int64, limit int) ([]*models.AuditEntry, error) {
	var entries []*models.AuditEntry
	err := instrumentQuery("list_range", func() error {
		return r.db.SelectContext(ctx, &entries, `
			SELECT * FROM audit_entries
			WHERE sequence_id >= $1 AND sequence_id <= $2 AND sequence_id > $3
			ORDER BY sequence_id ASC
			LIMIT $4
		`, from, to, afterSequence, normalizeLimit(limit))
	})
	return entries, err
}

func (r *PostgresRepository) FirstSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.GetContext(ctx, &seq, `SELECT MIN(sequence_id) FROM audit_entries`); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, ErrNotFound
	}
	return seq.Int64, nil
}

func (r *PostgresRepository) LastSequenceBefore(ctx context.Context, cutoff string) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.GetContext(ctx, &seq,
		`SELECT MAX(sequence_id) FROM audit_entries WHERE occurred_at < $1`, cutoff); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, ErrNotFound
	}
	return seq.Int64, nil
}

func (r *PostgresRepository) InsertManifest(ctx context.Context, m *models.ArchiveManifest) error {
	return instrumentQuery("insert_manifest", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO archive_manifests (artifact_id, first_sequence_id, last_sequence_id, first_prev_hash, last_hash, entry_count, manifest_digest, artifact_path, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			m.ArtifactID, m.FirstSequenceID, m.LastSequenceID, m.FirstPrevHash,
			m.LastHash, m.EntryCount, m.ManifestDigest, m.ArtifactPath, m.CreatedAt,
		)
		return err
	})
}

func (r *PostgresRepository) ListManifests(ctx context.Context) ([]*models.ArchiveManifest, error) {
	var manifests []*models.ArchiveManifest
	err := r.db.SelectContext(ctx, &manifests,
		`SELECT * FROM archive_manifests ORDER BY first_sequence_id ASC`)
	return manifests, err
}

func (r *PostgresRepository) RelocateRange(ctx context.Context, from, to int64) error {
	return instrumentQuery("relocate_range", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin relocate tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_entries_cold (sequence_id, scope_type, scope_id, actor_id, event_type, payload, occurred_at, prev_hash, hash)
			SELECT sequence_id, scope_type, scope_id, actor_id, event_type, payload, occurred_at, prev_hash, hash
			FROM audit_entries WHERE sequence_id >= $1 AND sequence_id <= $2
		`, from, to); err != nil {
			return fmt.Errorf("copy to cold table: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM audit_entries WHERE sequence_id >= $1 AND sequence_id <= $2`, from, to); err != nil {
			return fmt.Errorf("remove relocated rows: %w", err)
		}

		return tx.Commit()
	})
}

// classifyPostgresUnique maps unique-constraint violations onto the sentinel
// errors the chain manager acts on.
func classifyPostgresUnique(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch {
		case strings.Contains(pqErr.Constraint, "hash") && !strings.Contains(pqErr.Constraint, "prev_hash"):
			return fmt.Errorf("%w: %v", ErrDuplicateHash, err)
		case strings.Contains(pqErr.Constraint, "prev_hash"):
			return fmt.Errorf("%w: %v", ErrTailConflict, err)
		}
	}
	return fmt.Errorf("insert entry: %w", err)
}
