// Package ledger implements the tamper-evident audit chain: serialized
// appends, hash recomputation and verification, read-only queries, and
// archival of verified prefixes to compressed cold storage.
//
// Every entry's hash covers the previous entry's hash, so any retroactive
// edit, deletion, or reordering of committed entries is detectable by
// walking the chain.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/camforge/camforge-ledger/internal/canonical"
	"github.com/camforge/camforge-ledger/internal/models"
	"github.com/camforge/camforge-ledger/internal/pkg/alert"
	"github.com/camforge/camforge-ledger/internal/pkg/logger"
	"github.com/camforge/camforge-ledger/internal/pkg/metrics"
	"github.com/camforge/camforge-ledger/internal/repository"
)

// appendAttempts bounds tail re-reads on conflict: the first conflict is
// retried with a fresh tail, the second is treated as an integrity error.
const appendAttempts = 2

// Chain is the chain manager. It owns the append path for one logical chain;
// all writers go through Append, which serializes on the store's tail lock.
type Chain struct {
	repo    repository.LedgerRepository
	chainID string
	log     *slog.Logger
	halted  atomic.Bool

	// now is swappable for tests.
	now func() time.Time
}

// NewChain returns a chain manager over the global chain.
func NewChain(repo repository.LedgerRepository, log *slog.Logger) *Chain {
	return &Chain{
		repo:    repo,
		chainID: models.DefaultChainID,
		log:     log,
		now:     time.Now,
	}
}

// ChainID returns the logical chain identifier.
func (c *Chain) ChainID() string { return c.chainID }

// Halted reports whether ingestion is halted pending operator intervention.
func (c *Chain) Halted() bool { return c.halted.Load() }

// Append commits one event to the chain and returns the committed entry.
// The call is transactional: the caller gets either a committed entry or a
// typed error, never an ambiguous "probably committed" state.
//
// The payload is canonically encoded before the serialization point is
// acquired, so unencodable events are rejected without touching the chain.
// Transient insert failures are retried exactly once, re-reading the tail;
// the previously computed hash is never reused.
func (c *Chain) Append(ctx context.Context, event models.Event) (*models.AuditEntry, error) {
	if c.halted.Load() {
		metrics.AppendTotal.WithLabelValues("halted").Inc()
		return nil, ErrChainHalted
	}
	if err := validateEvent(event); err != nil {
		metrics.AppendTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	var payloadBytes []byte
	if event.Payload != nil {
		b, err := canonical.Encode(event.Payload)
		if err != nil {
			metrics.AppendTotal.WithLabelValues("encoding_error").Inc()
			return nil, err
		}
		payloadBytes = b
	}

	start := time.Now()
	defer func() {
		metrics.AppendDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		entry, err := c.repo.AppendEntry(ctx, c.chainID, func(prevHash string) (*models.AuditEntry, error) {
			e := &models.AuditEntry{
				ScopeType:  event.ScopeType,
				ScopeID:    event.ScopeID,
				ActorID:    event.ActorID,
				EventType:  event.EventType,
				Payload:    payloadBytes,
				OccurredAt: models.FormatTime(c.now()),
				PrevHash:   prevHash,
			}
			hash, hashErr := computeEntryHash(e, event.Payload)
			if hashErr != nil {
				return nil, hashErr
			}
			e.Hash = hash
			return e, nil
		})
		if err == nil {
			metrics.AppendTotal.WithLabelValues("committed").Inc()
			return entry, nil
		}
		lastErr = err

		switch {
		case canonical.IsEncodingError(err):
			// Pre-encoding catches payload problems; this covers
			// metadata values that fail late.
			metrics.AppendTotal.WithLabelValues("encoding_error").Inc()
			return nil, err

		case errors.Is(err, repository.ErrDuplicateHash):
			metrics.AppendTotal.WithLabelValues("integrity_error").Inc()
			return nil, c.halt("computed hash collides with an existing entry", err)

		case errors.Is(err, repository.ErrTailConflict):
			// The tail advanced underneath a writer that held the
			// serialization point. Once could be a lock-bypass race
			// in a misconfigured store; re-read the tail and retry.
			// Twice means the serialization guarantee is broken.
			if attempt == appendAttempts-1 {
				metrics.AppendTotal.WithLabelValues("integrity_error").Inc()
				return nil, c.halt("tail conflict detected twice in a row", err)
			}
			c.log.Warn("chain tail conflict, re-reading tail",
				"chain_id", c.chainID, "request_id", logger.FromContext(ctx))

		case ctx.Err() != nil:
			metrics.AppendTotal.WithLabelValues("cancelled").Inc()
			return nil, fmt.Errorf("append cancelled: %w", err)

		default:
			// Transient storage error. Retry from the tail read; the
			// hash is recomputed against whatever the tail is then.
			if attempt == appendAttempts-1 {
				metrics.AppendTotal.WithLabelValues("error").Inc()
				return nil, fmt.Errorf("append failed after retry: %w", err)
			}
			c.log.Warn("transient append failure, retrying",
				"chain_id", c.chainID, "error", err.Error())
		}
	}

	metrics.AppendTotal.WithLabelValues("error").Inc()
	return nil, fmt.Errorf("append failed: %w", lastErr)
}

// halt stops ingestion for this chain and routes the finding to the alert
// stream. Only a restart after operator investigation clears the halt.
func (c *Chain) halt(reason string, cause error) error {
	if c.halted.CompareAndSwap(false, true) {
		metrics.ChainHalted.Set(1)
		alert.ChainIntegrity(c.chainID, "", reason)
		c.log.Error("chain ingestion halted",
			"chain_id", c.chainID, "reason", reason, "error", cause.Error())
	}
	return &ChainIntegrityError{ChainID: c.chainID, Reason: reason, Err: cause}
}

func validateEvent(event models.Event) error {
	if event.ScopeType == "" {
		return fmt.Errorf("%w: scope_type is required", ErrInvalidEvent)
	}
	if event.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	return nil
}
