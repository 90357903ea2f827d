package models

import (
	"encoding/json"
	"time"
)

// GenesisHash is the prev_hash of the very first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DefaultChainID names the single global chain. All entries are totally
// ordered on one chain; partitioning per scope_type would trade that global
// order for write parallelism and is deliberately not done here.
const DefaultChainID = "main"

// TimeLayout is the fixed-width RFC3339 UTC format used for occurred_at.
// Nanoseconds are zero-padded so the textual form is byte-stable for hashing
// and lexicographic order matches chronological order in range queries.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout (always UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// AuditEntry is a single committed ledger row. Immutable once committed:
// no UPDATE or DELETE is ever issued against it; corrections are new entries
// referencing the corrected one by scope_type/scope_id.
type AuditEntry struct {
	SequenceID int64   `json:"sequence_id" db:"sequence_id"`
	ScopeType  string  `json:"scope_type" db:"scope_type"`
	ScopeID    *string `json:"scope_id,omitempty" db:"scope_id"`
	ActorID    *string `json:"actor_id,omitempty" db:"actor_id"`
	EventType  string  `json:"event_type" db:"event_type"`
	// Payload holds the canonical JSON text of the event payload, or nil
	// for events without one. It is stored verbatim so hash recomputation
	// during verification sees exactly the bytes that were hashed.
	Payload    []byte `json:"-" db:"payload"`
	OccurredAt string `json:"occurred_at" db:"occurred_at"`
	PrevHash   string `json:"prev_hash" db:"prev_hash"`
	Hash       string `json:"hash" db:"hash"`
}

// MarshalJSON emits the stored canonical payload as raw JSON rather than a
// quoted string, so API consumers see the structured document.
func (e *AuditEntry) MarshalJSON() ([]byte, error) {
	type alias AuditEntry
	out := struct {
		*alias
		Payload json.RawMessage `json:"payload,omitempty"`
	}{alias: (*alias)(e)}
	if len(e.Payload) > 0 {
		out.Payload = json.RawMessage(e.Payload)
	}
	return json.Marshal(out)
}

// Event is the producer-facing description of something to record. Producers
// never supply hash, prev_hash, sequence_id, or occurred_at; the chain
// manager assigns all of those at commit time.
type Event struct {
	ScopeType string         `json:"scope_type"`
	ScopeID   *string        `json:"scope_id,omitempty"`
	ActorID   *string        `json:"actor_id,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// VerificationResult reports the outcome of a chain verification run.
type VerificationResult struct {
	OK             bool   `json:"ok"`
	FromSequence   int64  `json:"from_sequence"`
	ToSequence     int64  `json:"to_sequence"`
	CheckedEntries int64  `json:"checked_entries"`
	FirstBreak     *int64 `json:"first_break,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Verification break reasons.
const (
	ReasonHashMismatch = "hash_mismatch"
	ReasonChainBreak   = "chain_break"
)

// ArchiveManifest records one completed export of a verified chain prefix.
// The JSON field set is a published contract relied on by compliance export
// consumers; never rename or reorder fields without a version bump.
type ArchiveManifest struct {
	ArtifactID      string `json:"artifact_id" db:"artifact_id"`
	FirstSequenceID int64  `json:"first_sequence_id" db:"first_sequence_id"`
	LastSequenceID  int64  `json:"last_sequence_id" db:"last_sequence_id"`
	FirstPrevHash   string `json:"first_prev_hash" db:"first_prev_hash"`
	LastHash        string `json:"last_hash" db:"last_hash"`
	EntryCount      int64  `json:"entry_count" db:"entry_count"`
	ManifestDigest  string `json:"manifest_digest" db:"manifest_digest"`
	CreatedAt       string `json:"created_at" db:"created_at"`

	// ArtifactPath locates the artifact on the archive volume. Operational
	// detail, not part of the published manifest contract.
	ArtifactPath string `json:"-" db:"artifact_path"`
}
