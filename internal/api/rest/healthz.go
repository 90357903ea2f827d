package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/camforge/camforge-ledger/internal/ledger"
	"github.com/camforge/camforge-ledger/internal/repository"
)

// HealthzHandler serves liveness and readiness probes.
type HealthzHandler struct {
	repo  repository.LedgerRepository
	chain *ledger.Chain
}

// NewHealthzHandler creates a new health probe handler
func NewHealthzHandler(repo repository.LedgerRepository, chain *ledger.Chain) *HealthzHandler {
	return &HealthzHandler{repo: repo, chain: chain}
}

// Live reports process liveness. Always 200 while the process serves.
func (h *HealthzHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports readiness: the store must answer a ping. A halted chain is
// still ready — reads, verification, and export stay available while
// ingestion is stopped, and the halted flag is surfaced for operators.
func (h *HealthzHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"halted": h.chain.Halted(),
	})
}
