package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/camforge/camforge-ledger/internal/canonical"
	"github.com/camforge/camforge-ledger/internal/models"
)

// hexHashPattern is the required format of hash and prev_hash values.
var hexHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// computeEntryHash returns SHA-256(prev_hash || canonical_bytes) as lowercase
// hex, where canonical_bytes serializes the entry's metadata, payload, and
// prev_hash with sorted keys and absent fields omitted. The append path and
// the verification path both go through this function; they must never
// diverge, or historical entries become unverifiable.
func computeEntryHash(e *models.AuditEntry, payload map[string]any) (string, error) {
	doc := map[string]any{
		"scope_type":  e.ScopeType,
		"event_type":  e.EventType,
		"occurred_at": e.OccurredAt,
		"prev_hash":   e.PrevHash,
	}
	if e.ScopeID != nil {
		doc["scope_id"] = *e.ScopeID
	}
	if e.ActorID != nil {
		doc["actor_id"] = *e.ActorID
	}
	if payload != nil {
		doc["payload"] = payload
	}

	b, err := canonical.Encode(doc)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// recomputeEntryHash recomputes the hash of a stored entry from its own
// fields, decoding the stored canonical payload. Used by the validator.
func recomputeEntryHash(e *models.AuditEntry) (string, error) {
	payload, err := decodePayload(e.Payload)
	if err != nil {
		return "", err
	}
	return computeEntryHash(e, payload)
}

// decodePayload parses stored canonical payload text. Numbers are kept as
// json.Number so re-encoding reproduces the original bytes exactly.
func decodePayload(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("stored payload is not valid JSON: %w", err)
	}
	return payload, nil
}
