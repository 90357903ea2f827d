// Package alert emits high-severity integrity findings as structured JSON
// events. Integrity errors and verification failures are never swallowed:
// everything routed here is written to the alert stream for the on-call
// pipeline regardless of what the caller does with the returned error.
package alert

import (
	"log/slog"
	"os"
	"time"
)

// Finding is one alert event (structured for the alerting pipeline).
type Finding struct {
	Time      string `json:"time"` // ISO8601
	Kind      string `json:"kind"` // "chain_integrity" | "verification_failure" | "archive_abort"
	ChainID   string `json:"chain_id,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

var alertLog = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

// ChainIntegrity records a fatal chain integrity finding (duplicate hash or
// repeated tail conflict). Ingestion for the chain is halted by the caller.
func ChainIntegrity(chainID, requestID, message string) {
	emit(Finding{
		Kind:      "chain_integrity",
		ChainID:   chainID,
		RequestID: requestID,
		Message:   message,
	})
}

// VerificationFailure records a verification break at the given sequence.
// All entries at or after the break are unverified until remediated.
func VerificationFailure(chainID string, firstBreak int64, reason, message string) {
	emit(Finding{
		Kind:     "verification_failure",
		ChainID:  chainID,
		Sequence: firstBreak,
		Reason:   reason,
		Message:  message,
	})
}

// ArchiveAbort records an aborted archive operation. Safe to retry from
// scratch; surfaced so repeated aborts get operator attention.
func ArchiveAbort(chainID, message string) {
	emit(Finding{
		Kind:    "archive_abort",
		ChainID: chainID,
		Message: message,
	})
}

func emit(f Finding) {
	f.Time = time.Now().UTC().Format(time.RFC3339Nano)
	alertLog.Warn("ledger alert",
		"kind", f.Kind,
		"chain_id", f.ChainID,
		"sequence", f.Sequence,
		"reason", f.Reason,
		"message", f.Message,
		"request_id", f.RequestID,
		"time", f.Time,
	)
}
