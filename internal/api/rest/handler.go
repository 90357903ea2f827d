package rest

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/camforge/camforge-ledger/internal/ledger"
	"github.com/camforge/camforge-ledger/internal/pkg/logger"
	"github.com/camforge/camforge-ledger/internal/repository"
)

// Handler holds the ledger components exposed over HTTP
type Handler struct {
	chain     *ledger.Chain
	verifier  *ledger.Verifier
	archiver  *ledger.Archiver
	repo      repository.LedgerRepository
	retention time.Duration
	log       *slog.Logger
}

// NewHandler creates a new REST handler. retention is the default archive
// cutoff used when an archive request does not name one.
func NewHandler(chain *ledger.Chain, verifier *ledger.Verifier, archiver *ledger.Archiver, repo repository.LedgerRepository, retention time.Duration, logg *slog.Logger) *Handler {
	return &Handler{
		chain:     chain,
		verifier:  verifier,
		archiver:  archiver,
		repo:      repo,
		retention: retention,
		log:       logg,
	}
}

// SetupRoutes registers all API routes on the given router
func (h *Handler) SetupRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/entries", h.AppendEntry).Methods("POST")
	api.HandleFunc("/entries", h.ListEntries).Methods("GET")
	api.HandleFunc("/entries/{sequence}", h.GetEntry).Methods("GET")
	api.HandleFunc("/tail", h.GetTail).Methods("GET")
	api.HandleFunc("/verify", h.Verify).Methods("POST")
	api.HandleFunc("/archive", h.Archive).Methods("POST")
	api.HandleFunc("/manifests", h.ListManifests).Methods("GET")
}

func requestIDFrom(r *http.Request) string {
	return logger.FromContext(r.Context())
}
