package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/camforge/camforge-ledger/internal/models"
	"github.com/camforge/camforge-ledger/internal/pkg/alert"
	"github.com/camforge/camforge-ledger/internal/pkg/metrics"
	"github.com/camforge/camforge-ledger/internal/repository"
)

// defaultVerifyPageSize bounds how many entries a verification run holds in
// memory at once.
const defaultVerifyPageSize = 500

// Verifier walks ranges of the chain, recomputing hashes and checking
// linkage. It is read-only and holds no locks; there is deliberately no
// repair operation here — overwriting a broken hash would let whoever can
// reach the repair path erase evidence of tampering.
type Verifier struct {
	repo     repository.LedgerRepository
	chainID  string
	pageSize int
	log      *slog.Logger
}

// NewVerifier returns a validator over the global chain. pageSize <= 0 uses
// the default.
func NewVerifier(repo repository.LedgerRepository, log *slog.Logger, pageSize int) *Verifier {
	if pageSize <= 0 {
		pageSize = defaultVerifyPageSize
	}
	return &Verifier{
		repo:     repo,
		chainID:  models.DefaultChainID,
		pageSize: pageSize,
		log:      log,
	}
}

// Verify streams entries in [fromSequence, toSequence] in ascending order,
// recomputing each hash and checking linkage to the preceding entry. It
// stops at the first break: entries past a break are unverifiable relative
// to this run and must be re-verified after remediation.
//
// Cancellation is cooperative between rows; a cancelled run leaves no state
// behind.
func (v *Verifier) Verify(ctx context.Context, fromSequence, toSequence int64) (*models.VerificationResult, error) {
	if fromSequence <= 0 || toSequence < fromSequence {
		return nil, fmt.Errorf("%w [%d, %d]", ErrInvalidRange, fromSequence, toSequence)
	}

	expectedPrev, err := v.expectedPrevHash(ctx, fromSequence)
	if err != nil {
		metrics.VerifyRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	result := &models.VerificationResult{
		OK:           true,
		FromSequence: fromSequence,
		ToSequence:   toSequence,
	}

	after := fromSequence - 1
	for {
		page, err := v.repo.ListRange(ctx, fromSequence, toSequence, after, v.pageSize)
		if err != nil {
			metrics.VerifyRunsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("stream verification range: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, entry := range page {
			if err := ctx.Err(); err != nil {
				metrics.VerifyRunsTotal.WithLabelValues("cancelled").Inc()
				return nil, fmt.Errorf("verification cancelled: %w", err)
			}

			if entry.PrevHash != expectedPrev {
				return v.fail(result, entry.SequenceID, models.ReasonChainBreak), nil
			}

			if !hexHashPattern.MatchString(entry.Hash) {
				return v.fail(result, entry.SequenceID, models.ReasonHashMismatch), nil
			}
			recomputed, err := recomputeEntryHash(entry)
			if err != nil || recomputed != entry.Hash {
				// An undecodable stored payload means the stored bytes
				// no longer match what was hashed; same finding.
				return v.fail(result, entry.SequenceID, models.ReasonHashMismatch), nil
			}

			expectedPrev = entry.Hash
			result.CheckedEntries++
			metrics.VerifyEntriesCheckedTotal.Inc()
			after = entry.SequenceID
		}
	}

	metrics.VerifyRunsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// VerifyAll verifies the whole live chain. An empty chain verifies trivially.
func (v *Verifier) VerifyAll(ctx context.Context) (*models.VerificationResult, error) {
	first, err := v.repo.FirstSequence(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return &models.VerificationResult{OK: true}, nil
	}
	if err != nil {
		return nil, err
	}
	_, tailSeq, err := v.repo.Tail(ctx, v.chainID)
	if err != nil {
		return nil, err
	}
	return v.Verify(ctx, first, tailSeq)
}

// expectedPrevHash resolves what the first entry of the range must link to:
// the hash of the immediately preceding live entry, the last hash of the
// archived range ending just before it, or the genesis value.
func (v *Verifier) expectedPrevHash(ctx context.Context, fromSequence int64) (string, error) {
	prev, err := v.repo.PrevEntry(ctx, fromSequence)
	if err == nil {
		return prev.Hash, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("read preceding entry: %w", err)
	}

	manifests, err := v.repo.ListManifests(ctx)
	if err != nil {
		return "", fmt.Errorf("read archive manifests: %w", err)
	}
	boundary := models.GenesisHash
	var boundarySeq int64
	for _, m := range manifests {
		if m.LastSequenceID < fromSequence && m.LastSequenceID > boundarySeq {
			boundary = m.LastHash
			boundarySeq = m.LastSequenceID
		}
	}
	return boundary, nil
}

func (v *Verifier) fail(result *models.VerificationResult, sequenceID int64, reason string) *models.VerificationResult {
	result.OK = false
	result.FirstBreak = &sequenceID
	result.Reason = reason

	metrics.VerifyRunsTotal.WithLabelValues("failed").Inc()
	alert.VerificationFailure(v.chainID, sequenceID, reason,
		fmt.Sprintf("chain verification found %s at sequence %d; entries at or after this point are unverified", reason, sequenceID))
	v.log.Error("chain verification failed",
		"chain_id", v.chainID, "first_break", sequenceID, "reason", reason)
	return result
}
