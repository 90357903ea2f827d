package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/camforge/camforge-ledger/internal/canonical"
	"github.com/camforge/camforge-ledger/internal/models"
	"github.com/camforge/camforge-ledger/internal/repository"
	"github.com/camforge/camforge-ledger/migrations"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T, dbPath string) *repository.SQLiteRepository {
	t.Helper()

	repo, err := repository.NewSQLiteRepository(dbPath)
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
	return repo
}

func newTestChain(t *testing.T) (*Chain, *repository.SQLiteRepository) {
	t.Helper()
	repo := newTestRepo(t, ":memory:")
	return NewChain(repo, testLogger()), repo
}

// newFileChain backs the chain with a file so tests can open a second
// connection and tamper with committed rows.
func newFileChain(t *testing.T) (*Chain, *repository.SQLiteRepository, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	repo := newTestRepo(t, dbPath)
	return NewChain(repo, testLogger()), repo, dbPath
}

func strptr(s string) *string { return &s }

func TestAppendFirstEntryLinksToGenesis(t *testing.T) {
	chain, _ := newTestChain(t)

	entry, err := chain.Append(context.Background(), models.Event{
		ScopeType: "workspace",
		ScopeID:   strptr("ws-1"),
		ActorID:   strptr("user-1"),
		EventType: "member_added",
		Payload:   map[string]any{"member": "user-2", "role": "editor"},
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if entry.SequenceID != 1 {
		t.Errorf("sequence_id = %d, want 1", entry.SequenceID)
	}
	if entry.PrevHash != models.GenesisHash {
		t.Errorf("prev_hash = %s, want genesis", entry.PrevHash)
	}
	if !hexHashPattern.MatchString(entry.Hash) {
		t.Errorf("hash %q is not 64 lowercase hex chars", entry.Hash)
	}

	// The stored payload must recompute to the committed hash.
	recomputed, err := recomputeEntryHash(entry)
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if recomputed != entry.Hash {
		t.Errorf("recomputed hash %s != committed hash %s", recomputed, entry.Hash)
	}
}

func TestAppendChainsEntries(t *testing.T) {
	chain, repo := newTestChain(t)
	ctx := context.Background()

	var prev *models.AuditEntry
	for i := 0; i < 3; i++ {
		entry, err := chain.Append(ctx, models.Event{
			ScopeType: "project",
			EventType: "status_changed",
			Payload:   map[string]any{"step": i},
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if prev != nil {
			if entry.PrevHash != prev.Hash {
				t.Errorf("entry %d prev_hash %s != previous hash %s", i, entry.PrevHash, prev.Hash)
			}
			if entry.Hash == prev.Hash {
				t.Errorf("entry %d hash equals previous hash", i)
			}
		}
		prev = entry
	}

	tailHash, tailSeq, err := repo.Tail(ctx, models.DefaultChainID)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if tailHash != prev.Hash || tailSeq != prev.SequenceID {
		t.Errorf("tail (%s, %d) not at last entry (%s, %d)", tailHash, tailSeq, prev.Hash, prev.SequenceID)
	}
}

func TestAppendConcurrent(t *testing.T) {
	chain, repo := newTestChain(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := chain.Append(ctx, models.Event{
				ScopeType: "workspace",
				EventType: "member_added",
				Payload:   map[string]any{"writer": n},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append failed: %v", err)
		}
	}

	// All committed entries must form one unbroken chain.
	verifier := NewVerifier(repo, testLogger(), 0)
	result, err := verifier.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
	if !result.OK {
		t.Fatalf("chain broken after concurrent appends: %+v", result)
	}
	if result.CheckedEntries != writers {
		t.Errorf("checked %d entries, want %d", result.CheckedEntries, writers)
	}
}

func TestAppendRejectsInvalidEvent(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	cases := []models.Event{
		{EventType: "member_added"}, // missing scope_type
		{ScopeType: "workspace"},    // missing event_type
		{},                          // missing both
	}
	for _, event := range cases {
		if _, err := chain.Append(ctx, event); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("event %+v: expected ErrInvalidEvent, got %v", event, err)
		}
	}
}

func TestAppendRejectsUnencodablePayload(t *testing.T) {
	chain, repo := newTestChain(t)
	ctx := context.Background()

	_, err := chain.Append(ctx, models.Event{
		ScopeType: "workspace",
		EventType: "member_added",
		Payload:   map[string]any{"ratio": math.NaN()},
	})
	if !canonical.IsEncodingError(err) {
		t.Fatalf("expected encoding error, got %v", err)
	}

	// Rejection happens before the serialization point; the chain is untouched.
	hash, seq, tailErr := repo.Tail(ctx, models.DefaultChainID)
	if tailErr != nil {
		t.Fatalf("read tail: %v", tailErr)
	}
	if hash != models.GenesisHash || seq != 0 {
		t.Errorf("tail moved on rejected append: %s %d", hash, seq)
	}
}

// flakyRepo injects errors into AppendEntry before delegating to the real
// store. A nil error in the queue delegates immediately.
type flakyRepo struct {
	repository.LedgerRepository
	errs []error
}

func (f *flakyRepo) AppendEntry(ctx context.Context, chainID string, build repository.EntryBuilder) (*models.AuditEntry, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.LedgerRepository.AppendEntry(ctx, chainID, build)
}

func TestAppendRetriesTransientOnce(t *testing.T) {
	repo := newTestRepo(t, ":memory:")
	flaky := &flakyRepo{LedgerRepository: repo, errs: []error{fmt.Errorf("connection reset")}}
	chain := NewChain(flaky, testLogger())

	entry, err := chain.Append(context.Background(), models.Event{
		ScopeType: "workspace",
		EventType: "member_added",
	})
	if err != nil {
		t.Fatalf("append did not recover from transient failure: %v", err)
	}
	if entry.SequenceID != 1 {
		t.Errorf("sequence_id = %d, want 1", entry.SequenceID)
	}
	if chain.Halted() {
		t.Error("chain halted after recoverable failure")
	}
}

func TestAppendFailsAfterSecondTransient(t *testing.T) {
	repo := newTestRepo(t, ":memory:")
	flaky := &flakyRepo{LedgerRepository: repo, errs: []error{
		fmt.Errorf("connection reset"),
		fmt.Errorf("connection reset"),
	}}
	chain := NewChain(flaky, testLogger())

	_, err := chain.Append(context.Background(), models.Event{
		ScopeType: "workspace",
		EventType: "member_added",
	})
	if err == nil {
		t.Fatal("expected error after two transient failures")
	}
	if chain.Halted() {
		t.Error("transient failures must not halt the chain")
	}
}

func TestAppendHaltsOnDuplicateHash(t *testing.T) {
	repo := newTestRepo(t, ":memory:")
	flaky := &flakyRepo{LedgerRepository: repo, errs: []error{repository.ErrDuplicateHash}}
	chain := NewChain(flaky, testLogger())
	ctx := context.Background()

	_, err := chain.Append(ctx, models.Event{ScopeType: "workspace", EventType: "member_added"})
	var integrity *ChainIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected ChainIntegrityError, got %v", err)
	}
	if !chain.Halted() {
		t.Fatal("chain not halted after duplicate hash")
	}

	// Halted chain rejects further appends without touching the store.
	_, err = chain.Append(ctx, models.Event{ScopeType: "workspace", EventType: "member_added"})
	if !errors.Is(err, ErrChainHalted) {
		t.Fatalf("expected ErrChainHalted, got %v", err)
	}
}

func TestAppendRetriesTailConflictThenHalts(t *testing.T) {
	repo := newTestRepo(t, ":memory:")

	// One conflict: retried with a fresh tail, append succeeds.
	flaky := &flakyRepo{LedgerRepository: repo, errs: []error{repository.ErrTailConflict}}
	chain := NewChain(flaky, testLogger())
	if _, err := chain.Append(context.Background(), models.Event{
		ScopeType: "workspace", EventType: "member_added",
	}); err != nil {
		t.Fatalf("append did not recover from single tail conflict: %v", err)
	}

	// Two in a row: the serialization guarantee is broken.
	flaky.errs = []error{repository.ErrTailConflict, repository.ErrTailConflict}
	_, err := chain.Append(context.Background(), models.Event{
		ScopeType: "workspace", EventType: "member_added",
	})
	var integrity *ChainIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected ChainIntegrityError, got %v", err)
	}
	if !chain.Halted() {
		t.Error("chain not halted after repeated tail conflict")
	}
}

func TestQueryAndGetEntry(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		eventType := "member_added"
		if i == 2 {
			eventType = "member_removed"
		}
		if _, err := chain.Append(ctx, models.Event{
			ScopeType: "workspace", ScopeID: strptr("ws-1"), EventType: eventType,
		}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	eventType := "member_removed"
	got, err := chain.Query(ctx, repository.QueryFilter{EventType: &eventType})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 1 || got[0].SequenceID != 3 {
		t.Fatalf("unexpected query result: %+v", got)
	}

	entry, err := chain.GetEntry(ctx, 2)
	if err != nil {
		t.Fatalf("get entry failed: %v", err)
	}
	if entry.SequenceID != 2 {
		t.Errorf("sequence_id = %d, want 2", entry.SequenceID)
	}

	if _, err := chain.GetEntry(ctx, 99); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
