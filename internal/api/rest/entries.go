package rest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/camforge/camforge-ledger/internal/canonical"
	"github.com/camforge/camforge-ledger/internal/ledger"
	"github.com/camforge/camforge-ledger/internal/models"
	"github.com/camforge/camforge-ledger/internal/repository"
)

// AppendEntry handles POST /api/v1/entries. The body is a producer event;
// sequence_id, occurred_at, prev_hash, and hash are assigned at commit time
// and returned in the committed entry.
func (h *Handler) AppendEntry(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)

	var event models.Event
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&event); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			fmt.Sprintf("invalid request body: %v", err), reqID)
		return
	}

	entry, err := h.chain.Append(r.Context(), event)
	if err != nil {
		h.respondAppendError(w, reqID, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

func (h *Handler) respondAppendError(w http.ResponseWriter, reqID string, err error) {
	var integrity *ledger.ChainIntegrityError
	var encErr *canonical.EncodingError
	switch {
	case errors.Is(err, ledger.ErrInvalidEvent):
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error(), reqID)
	case errors.As(err, &encErr):
		respondStructuredError(w, http.StatusBadRequest, ErrCodeEncoding,
			"event payload is not canonically encodable", reqID,
			map[string]string{"path": encErr.Path, "reason": encErr.Reason})
	case errors.Is(err, ledger.ErrChainHalted):
		respondErrorWithCode(w, http.StatusServiceUnavailable, ErrCodeChainHalted,
			"chain ingestion is halted pending operator intervention", reqID)
	case errors.As(err, &integrity):
		respondErrorWithCode(w, http.StatusServiceUnavailable, ErrCodeChainIntegrity, integrity.Error(), reqID)
	default:
		h.log.Error("append failed", "request_id", reqID, "error", err.Error())
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to append entry", reqID)
	}
}

// ListEntries handles GET /api/v1/entries with optional filters and a
// sequence-cursor pagination. format=csv streams a CSV export instead.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	q := r.URL.Query()

	filter := repository.QueryFilter{}
	if v := q.Get("scope_type"); v != "" {
		filter.ScopeType = &v
	}
	if v := q.Get("scope_id"); v != "" {
		filter.ScopeID = &v
	}
	if v := q.Get("actor_id"); v != "" {
		filter.ActorID = &v
	}
	if v := q.Get("event_type"); v != "" {
		filter.EventType = &v
	}
	for name, dst := range map[string]**string{"since": &filter.Since, "until": &filter.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
					fmt.Sprintf("invalid %s timestamp: %v", name, err), reqID)
				return
			}
			formatted := models.FormatTime(t)
			*dst = &formatted
		}
	}
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
				"after must be a non-negative integer", reqID)
			return
		}
		filter.AfterSequence = after
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
				"limit must be a positive integer", reqID)
			return
		}
		filter.Limit = limit
	}

	entries, err := h.chain.Query(r.Context(), filter)
	if err != nil {
		h.log.Error("list entries failed", "request_id", reqID, "error", err.Error())
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to list entries", reqID)
		return
	}

	if q.Get("format") == "csv" {
		h.exportEntriesCSV(w, entries)
		return
	}

	nextCursor := int64(0)
	if len(entries) > 0 {
		nextCursor = entries[len(entries)-1].SequenceID
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries":     entries,
		"count":       len(entries),
		"next_cursor": nextCursor,
	})
}

// exportEntriesCSV streams entries as a CSV attachment for offline review.
func (h *Handler) exportEntriesCSV(w http.ResponseWriter, entries []*models.AuditEntry) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=audit-entries-%s.csv", time.Now().UTC().Format("20060102-150405")))

	cw := csv.NewWriter(w)
	defer cw.Flush()

	cw.Write([]string{"sequence_id", "occurred_at", "scope_type", "scope_id", "actor_id", "event_type", "payload", "prev_hash", "hash"})
	for _, e := range entries {
		scopeID, actorID := "", ""
		if e.ScopeID != nil {
			scopeID = *e.ScopeID
		}
		if e.ActorID != nil {
			actorID = *e.ActorID
		}
		cw.Write([]string{
			strconv.FormatInt(e.SequenceID, 10),
			e.OccurredAt,
			e.ScopeType,
			scopeID,
			actorID,
			e.EventType,
			string(e.Payload),
			e.PrevHash,
			e.Hash,
		})
	}
}

// GetEntry handles GET /api/v1/entries/{sequence}.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)

	seq, err := strconv.ParseInt(mux.Vars(r)["sequence"], 10, 64)
	if err != nil || seq < 1 {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"sequence must be a positive integer", reqID)
		return
	}

	entry, err := h.chain.GetEntry(r.Context(), seq)
	if errors.Is(err, repository.ErrNotFound) {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			fmt.Sprintf("entry %d not found", seq), reqID)
		return
	}
	if err != nil {
		h.log.Error("get entry failed", "request_id", reqID, "sequence_id", seq, "error", err.Error())
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to read entry", reqID)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// GetTail handles GET /api/v1/tail, reporting the current chain head.
func (h *Handler) GetTail(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)

	hash, seq, err := h.chain.Tail(r.Context())
	if err != nil {
		h.log.Error("read tail failed", "request_id", reqID, "error", err.Error())
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to read chain tail", reqID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tail_hash":     hash,
		"tail_sequence": seq,
		"halted":        h.chain.Halted(),
	})
}
