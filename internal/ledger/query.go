package ledger

import (
	"context"

	"github.com/camforge/camforge-ledger/internal/models"
	"github.com/camforge/camforge-ledger/internal/repository"
)

// Query returns committed entries matching filter, ordered by sequence_id
// ascending. Reads never touch the chain's serialization point; pagination
// cursors on sequence_id stay stable under concurrent appends.
func (c *Chain) Query(ctx context.Context, filter repository.QueryFilter) ([]*models.AuditEntry, error) {
	return c.repo.ListEntries(ctx, filter)
}

// GetEntry returns a single live entry by sequence_id.
func (c *Chain) GetEntry(ctx context.Context, sequenceID int64) (*models.AuditEntry, error) {
	return c.repo.GetEntry(ctx, sequenceID)
}

// Tail returns the current tail hash and sequence of the chain.
func (c *Chain) Tail(ctx context.Context) (string, int64, error) {
	return c.repo.Tail(ctx, c.chainID)
}
