package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/camforge/camforge-ledger/internal/ledger"
)

type verifyRequest struct {
	FromSequence int64 `json:"from_sequence"`
	ToSequence   int64 `json:"to_sequence"`
}

// Verify handles POST /api/v1/verify. An empty body (or {}) verifies the
// whole live chain; a from/to pair verifies that range. The run's outcome is
// always 200: ok=false with first_break and reason reports a detected break,
// which is a finding, not a request failure.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)

	var req verifyRequest
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

	if req.FromSequence == 0 && req.ToSequence == 0 {
		result, err := h.verifier.VerifyAll(r.Context())
		if err != nil {
			h.respondVerifyError(w, reqID, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
		return
	}

	result, err := h.verifier.Verify(r.Context(), req.FromSequence, req.ToSequence)
	if err != nil {
		h.respondVerifyError(w, reqID, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) respondVerifyError(w http.ResponseWriter, reqID string, err error) {
	if errors.Is(err, ledger.ErrInvalidRange) {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error(), reqID)
		return
	}
	h.log.Error("verification run failed", "request_id", reqID, "error", err.Error())
	respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError,
		"verification run failed", reqID)
}
