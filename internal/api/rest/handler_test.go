package rest

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/camforge/camforge-ledger/internal/ledger"
	"github.com/camforge/camforge-ledger/internal/models"
	"github.com/camforge/camforge-ledger/internal/repository"
	"github.com/camforge/camforge-ledger/migrations"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()

	repo, err := repository.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	schema, err := migrations.FS.ReadFile("001_ledger_sqlite.sql")
	if err != nil {
		t.Fatalf("failed to read migration: %v", err)
	}
	if err := repo.RunMigrations(string(schema)); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	chain := ledger.NewChain(repo, log)
	verifier := ledger.NewVerifier(repo, log, 0)
	archiver := ledger.NewArchiver(repo, verifier, t.TempDir(), log)
	handler := NewHandler(chain, verifier, archiver, repo, 365*24*time.Hour, log)

	router := mux.NewRouter()
	handler.SetupRoutes(router)

	healthz := NewHealthzHandler(repo, chain)
	router.HandleFunc("/healthz/live", healthz.Live).Methods("GET")
	router.HandleFunc("/healthz/ready", healthz.Ready).Methods("GET")
	return router
}

func doRequest(t *testing.T, router *mux.Router, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func appendViaAPI(t *testing.T, router *mux.Router, body string) models.AuditEntry {
	t.Helper()
	rec := doRequest(t, router, "POST", "/api/v1/entries", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("append returned %d: %s", rec.Code, rec.Body.String())
	}
	var entry models.AuditEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode entry: %v", err)
	}
	return entry
}

func TestAppendEntryEndpoint(t *testing.T) {
	router := newTestRouter(t)

	entry := appendViaAPI(t, router,
		`{"scope_type":"workspace","scope_id":"ws-1","actor_id":"user-1","event_type":"member_added","payload":{"member":"user-2"}}`)

	if entry.SequenceID != 1 {
		t.Errorf("sequence_id = %d, want 1", entry.SequenceID)
	}
	if entry.PrevHash != models.GenesisHash {
		t.Errorf("prev_hash = %s, want genesis", entry.PrevHash)
	}
	if len(entry.Hash) != 64 {
		t.Errorf("hash = %q, want 64 hex chars", entry.Hash)
	}
}

func TestAppendEntryEndpointRejectsBadRequests(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"scope_type":`},
		{"unknown field", `{"scope_type":"ws","event_type":"x","hash":"abc"}`},
		{"missing event_type", `{"scope_type":"workspace"}`},
		{"missing scope_type", `{"event_type":"member_added"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, router, "POST", "/api/v1/entries", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestListEntriesEndpoint(t *testing.T) {
	router := newTestRouter(t)

	appendViaAPI(t, router, `{"scope_type":"workspace","scope_id":"ws-1","event_type":"member_added"}`)
	appendViaAPI(t, router, `{"scope_type":"workspace","scope_id":"ws-2","event_type":"member_removed"}`)

	rec := doRequest(t, router, "GET", "/api/v1/entries?event_type=member_removed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d", rec.Code)
	}
	var resp struct {
		Entries    []models.AuditEntry `json:"entries"`
		Count      int                 `json:"count"`
		NextCursor int64               `json:"next_cursor"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 1 || len(resp.Entries) != 1 {
		t.Fatalf("got %d entries, want 1", resp.Count)
	}
	if resp.Entries[0].EventType != "member_removed" {
		t.Errorf("wrong entry returned: %+v", resp.Entries[0])
	}
	if resp.NextCursor != resp.Entries[0].SequenceID {
		t.Errorf("next_cursor = %d, want %d", resp.NextCursor, resp.Entries[0].SequenceID)
	}
}

func TestListEntriesCSVExport(t *testing.T) {
	router := newTestRouter(t)
	appendViaAPI(t, router, `{"scope_type":"workspace","event_type":"member_added"}`)

	rec := doRequest(t, router, "GET", "/api/v1/entries?format=csv", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export returned %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %s, want text/csv", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d CSV lines, want header + 1 row", len(lines))
	}
	if !strings.HasPrefix(lines[0], "sequence_id,") {
		t.Errorf("unexpected CSV header: %s", lines[0])
	}
}

func TestGetEntryEndpoint(t *testing.T) {
	router := newTestRouter(t)
	appendViaAPI(t, router, `{"scope_type":"workspace","event_type":"member_added"}`)

	rec := doRequest(t, router, "GET", "/api/v1/entries/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d", rec.Code)
	}

	rec = doRequest(t, router, "GET", "/api/v1/entries/99", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing entry returned %d, want 404", rec.Code)
	}

	rec = doRequest(t, router, "GET", "/api/v1/entries/abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-numeric sequence returned %d, want 400", rec.Code)
	}
}

func TestTailEndpoint(t *testing.T) {
	router := newTestRouter(t)
	entry := appendViaAPI(t, router, `{"scope_type":"workspace","event_type":"member_added"}`)

	rec := doRequest(t, router, "GET", "/api/v1/tail", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("tail returned %d", rec.Code)
	}
	var resp struct {
		TailHash     string `json:"tail_hash"`
		TailSequence int64  `json:"tail_sequence"`
		Halted       bool   `json:"halted"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TailHash != entry.Hash || resp.TailSequence != 1 || resp.Halted {
		t.Errorf("unexpected tail response: %+v", resp)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	router := newTestRouter(t)
	appendViaAPI(t, router, `{"scope_type":"workspace","event_type":"member_added"}`)
	appendViaAPI(t, router, `{"scope_type":"workspace","event_type":"member_removed"}`)

	// Empty body verifies the whole chain.
	rec := doRequest(t, router, "POST", "/api/v1/verify", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify returned %d: %s", rec.Code, rec.Body.String())
	}
	var result models.VerificationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if !result.OK || result.CheckedEntries != 2 {
		t.Errorf("unexpected result: %+v", result)
	}

	rec = doRequest(t, router, "POST", "/api/v1/verify", `{"from_sequence":5,"to_sequence":2}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid range returned %d, want 400", rec.Code)
	}
}

func TestArchiveEndpointNothingQualifies(t *testing.T) {
	router := newTestRouter(t)
	appendViaAPI(t, router, `{"scope_type":"workspace","event_type":"member_added"}`)

	// Everything is newer than the cutoff.
	rec := doRequest(t, router, "POST", "/api/v1/archive", `{"older_than":"2020-01-01T00:00:00Z"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("archive returned %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestManifestsEndpointEmpty(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, "GET", "/api/v1/manifests", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("manifests returned %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("count = %d, want 0", resp.Count)
	}
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, "GET", "/healthz/live", "")
	if rec.Code != http.StatusOK {
		t.Errorf("liveness returned %d", rec.Code)
	}
	rec = doRequest(t, router, "GET", "/healthz/ready", "")
	if rec.Code != http.StatusOK {
		t.Errorf("readiness returned %d: %s", rec.Code, rec.Body.String())
	}
}
