package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/camforge/camforge-ledger/internal/ledger"
)

type archiveRequest struct {
	// OlderThan overrides the configured retention cutoff (RFC3339).
	OlderThan string `json:"older_than,omitempty"`
}

// Archive handles POST /api/v1/archive: export the verified prefix older
// than the cutoff, record its manifest, and relocate the rows to cold
// storage. Returns the manifest on success, 409 when nothing qualifies.
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)

	var req archiveRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "failed to read request body", reqID)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", reqID)
			return
		}
	}

	cutoff := time.Now().Add(-h.retention)
	if req.OlderThan != "" {
		t, err := time.Parse(time.RFC3339Nano, req.OlderThan)
		if err != nil {
			respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
				"older_than must be an RFC3339 timestamp", reqID)
			return
		}
		cutoff = t
	}

	manifest, err := h.archiver.Archive(r.Context(), cutoff)
	if err != nil {
		var abort *ledger.ArchiveAbortError
		switch {
		case errors.Is(err, ledger.ErrNoArchivableRange):
			respondErrorWithCode(w, http.StatusConflict, ErrCodeInvalidRequest,
				"no entries older than cutoff", reqID)
		case errors.As(err, &abort):
			respondErrorWithCode(w, http.StatusConflict, ErrCodeArchiveAbort, abort.Error(), reqID)
		case manifest != nil:
			// Manifest recorded but relocation failed; report the manifest
			// with the relocation error so the operator can retry relocation.
			h.log.Error("archive relocation failed", "request_id", reqID, "error", err.Error())
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"manifest": manifest,
				"warning":  err.Error(),
			})
		default:
			h.log.Error("archive failed", "request_id", reqID, "error", err.Error())
			respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError,
				"archive operation failed", reqID)
		}
		return
	}
	respondJSON(w, http.StatusCreated, manifest)
}

// ListManifests handles GET /api/v1/manifests.
func (h *Handler) ListManifests(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)

	manifests, err := h.repo.ListManifests(r.Context())
	if err != nil {
		h.log.Error("list manifests failed", "request_id", reqID, "error", err.Error())
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to list manifests", reqID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"manifests": manifests,
		"count":     len(manifests),
	})
}
