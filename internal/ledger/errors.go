package ledger

import (
	"errors"
	"fmt"
)

// ErrChainHalted is returned by Append once ingestion has been halted after
// an integrity error. The chain stays halted until an operator investigates
// and restarts the service; there is deliberately no resume or repair call.
var ErrChainHalted = errors.New("chain ingestion halted pending operator investigation")

// ErrInvalidEvent reports a producer event missing required metadata.
var ErrInvalidEvent = errors.New("invalid event")

// ErrNoArchivableRange is returned by Archive when no verified entries are
// older than the cutoff.
var ErrNoArchivableRange = errors.New("no entries older than cutoff")

// ErrInvalidRange reports a verification range with from < 1 or to < from.
var ErrInvalidRange = errors.New("invalid verification range")

// ChainIntegrityError is fatal for a chain: a computed hash collided with an
// existing one, or the tail moved underneath a serialized writer twice in a
// row. Ingestion halts rather than skipping the event.
type ChainIntegrityError struct {
	ChainID string
	Reason  string
	Err     error
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain %s integrity error: %s", e.ChainID, e.Reason)
}

func (e *ChainIntegrityError) Unwrap() error { return e.Err }

// VerificationFailureError wraps a failed verification result when a caller
// (such as the archiver) needs the failure as an error value.
type VerificationFailureError struct {
	FirstBreak int64
	Reason     string
}

func (e *VerificationFailureError) Error() string {
	return fmt.Sprintf("verification failed: %s at sequence %d", e.Reason, e.FirstBreak)
}

// ArchiveAbortError reports an archive operation aborted before the manifest
// digest was recorded. No partial export remains; safe to retry from scratch.
type ArchiveAbortError struct {
	Err error
}

func (e *ArchiveAbortError) Error() string {
	return fmt.Sprintf("archive aborted: %v", e.Err)
}

func (e *ArchiveAbortError) Unwrap() error { return e.Err }
