package ledger

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/camforge/camforge-ledger/internal/models"
	"github.com/camforge/camforge-ledger/internal/pkg/alert"
	"github.com/camforge/camforge-ledger/internal/pkg/metrics"
	"github.com/camforge/camforge-ledger/internal/repository"
)

// Archiver moves verified prefixes of the chain to compressed cold storage.
// Archiving is all-or-nothing per invocation: nothing is relocated until the
// artifact is durably stored and its manifest digest recorded.
type Archiver struct {
	repo     repository.LedgerRepository
	verifier *Verifier
	chainID  string
	dir      string
	pageSize int
	log      *slog.Logger
}

// NewArchiver returns an archiver writing artifacts under dir.
func NewArchiver(repo repository.LedgerRepository, verifier *Verifier, dir string, log *slog.Logger) *Archiver {
	return &Archiver{
		repo:     repo,
		verifier: verifier,
		chainID:  models.DefaultChainID,
		dir:      dir,
		pageSize: defaultVerifyPageSize,
		log:      log,
	}
}

// Archive exports the verified prefix of entries that occurred before
// olderThan into an immutable gzip JSONL artifact, records its manifest, and
// relocates the exported rows to the cold table. Returns ErrNoArchivableRange
// when nothing qualifies, or an ArchiveAbortError when the operation failed
// before the manifest digest was recorded (safe to retry from scratch).
func (a *Archiver) Archive(ctx context.Context, olderThan time.Time) (*models.ArchiveManifest, error) {
	from, to, err := a.archivableRange(ctx, olderThan)
	if err != nil {
		return nil, err
	}

	// Only a fully verified prefix may leave the live table.
	res, err := a.verifier.Verify(ctx, from, to)
	if err != nil {
		return nil, a.abort(fmt.Errorf("pre-archive verification: %w", err))
	}
	if !res.OK {
		return nil, a.abort(&VerificationFailureError{FirstBreak: *res.FirstBreak, Reason: res.Reason})
	}

	artifactID := uuid.New().String()
	artifactName := fmt.Sprintf("audit-%d-%d-%s.jsonl.gz", from, to, artifactID)
	finalPath := filepath.Join(a.dir, artifactName)

	firstPrevHash, lastHash, count, digest, err := a.writeArtifact(ctx, finalPath, from, to)
	if err != nil {
		return nil, a.abort(err)
	}

	// The archived range is only trusted if the live chain still links to
	// it: the entry immediately following the range (or the tail, when the
	// range is the whole chain) must carry lastHash.
	if err := a.checkBoundary(ctx, to, lastHash); err != nil {
		_ = os.Remove(finalPath)
		return nil, a.abort(err)
	}

	manifest := &models.ArchiveManifest{
		ArtifactID:      artifactID,
		FirstSequenceID: from,
		LastSequenceID:  to,
		FirstPrevHash:   firstPrevHash,
		LastHash:        lastHash,
		EntryCount:      count,
		ManifestDigest:  digest,
		ArtifactPath:    finalPath,
		CreatedAt:       models.FormatTime(time.Now()),
	}
	if err := a.repo.InsertManifest(ctx, manifest); err != nil {
		_ = os.Remove(finalPath)
		return nil, a.abort(fmt.Errorf("record manifest: %w", err))
	}

	// Manifest is durable; the artifact is now the source of truth for the
	// range. Relocation failure past this point leaves the rows live and
	// the manifest standing — not an abort.
	if err := a.repo.RelocateRange(ctx, from, to); err != nil {
		a.log.Error("archived rows not relocated; manifest recorded",
			"chain_id", a.chainID, "artifact_id", artifactID, "error", err.Error())
		return manifest, fmt.Errorf("relocate archived rows: %w", err)
	}

	metrics.ArchiveRunsTotal.WithLabelValues("ok").Inc()
	metrics.ArchivedEntriesTotal.Add(float64(count))
	a.log.Info("archived chain prefix",
		"chain_id", a.chainID, "artifact_id", artifactID,
		"first_sequence", from, "last_sequence", to, "entries", count)
	return manifest, nil
}

// archivableRange returns the live prefix [from, to] older than the cutoff.
func (a *Archiver) archivableRange(ctx context.Context, olderThan time.Time) (int64, int64, error) {
	from, err := a.repo.FirstSequence(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, 0, ErrNoArchivableRange
	}
	if err != nil {
		return 0, 0, a.abort(fmt.Errorf("find first live entry: %w", err))
	}

	to, err := a.repo.LastSequenceBefore(ctx, models.FormatTime(olderThan))
	if errors.Is(err, repository.ErrNotFound) {
		return 0, 0, ErrNoArchivableRange
	}
	if err != nil {
		return 0, 0, a.abort(fmt.Errorf("find retention cutoff: %w", err))
	}
	if to < from {
		return 0, 0, ErrNoArchivableRange
	}
	return from, to, nil
}

// writeArtifact streams the range into a gzip JSONL file, one entry per
// line, computing the manifest digest over the exact artifact bytes as they
// are written. The file appears at path only after a complete, synced write.
func (a *Archiver) writeArtifact(ctx context.Context, path string, from, to int64) (firstPrevHash, lastHash string, count int64, digest string, err error) {
	if err := os.MkdirAll(a.dir, 0o750); err != nil {
		return "", "", 0, "", fmt.Errorf("create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(a.dir, ".artifact-*")
	if err != nil {
		return "", "", 0, "", fmt.Errorf("create artifact: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	hasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(tmp, hasher))
	enc := json.NewEncoder(gz)
	enc.SetEscapeHTML(false)

	after := from - 1
	for {
		page, err := a.repo.ListRange(ctx, from, to, after, a.pageSize)
		if err != nil {
			cleanup()
			return "", "", 0, "", fmt.Errorf("stream archive range: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, entry := range page {
			if err := ctx.Err(); err != nil {
				cleanup()
				return "", "", 0, "", fmt.Errorf("archive cancelled: %w", err)
			}
			if count == 0 {
				firstPrevHash = entry.PrevHash
			}
			if err := enc.Encode(entry); err != nil {
				cleanup()
				return "", "", 0, "", fmt.Errorf("write artifact entry: %w", err)
			}
			lastHash = entry.Hash
			count++
			after = entry.SequenceID
		}
	}

	if err := gz.Close(); err != nil {
		cleanup()
		return "", "", 0, "", fmt.Errorf("finalize artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", "", 0, "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", "", 0, "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", "", 0, "", fmt.Errorf("publish artifact: %w", err)
	}

	return firstPrevHash, lastHash, count, hex.EncodeToString(hasher.Sum(nil)), nil
}

// checkBoundary confirms the live chain's continuity with the exported range.
func (a *Archiver) checkBoundary(ctx context.Context, to int64, lastHash string) error {
	next, err := a.repo.FirstEntryAfter(ctx, to)
	if errors.Is(err, repository.ErrNotFound) {
		tailHash, _, tailErr := a.repo.Tail(ctx, a.chainID)
		if tailErr != nil {
			return fmt.Errorf("read tail for boundary check: %w", tailErr)
		}
		if tailHash != lastHash {
			return fmt.Errorf("archived range tail %s does not match chain tail %s", lastHash, tailHash)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read entry after archived range: %w", err)
	}
	if next.PrevHash != lastHash {
		return fmt.Errorf("live entry %d does not link to archived range (prev_hash %s, archived last_hash %s)",
			next.SequenceID, next.PrevHash, lastHash)
	}
	return nil
}

func (a *Archiver) abort(cause error) error {
	metrics.ArchiveRunsTotal.WithLabelValues("aborted").Inc()
	alert.ArchiveAbort(a.chainID, cause.Error())
	a.log.Warn("archive aborted", "chain_id", a.chainID, "error", cause.Error())
	return &ArchiveAbortError{Err: cause}
}
