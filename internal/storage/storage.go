package storage

import (
	"context"

	"github.com/temoto/heroshi/internal/types"
)

// Storage is the record store consumed by the manager. Implementations
// must be safe for concurrent use; connections are pooled internally.
type Storage interface {
	// QueryNewRandom returns up to limit records whose visited
	// timestamp is empty or older than the recheck interval,
	// randomized to spread load across hosts.
	QueryNewRandom(ctx context.Context, limit int) ([]*types.URLRecord, error)

	// QueryAllByURLOne returns the record for url, or nil.
	QueryAllByURLOne(ctx context.Context, url string) (*types.URLRecord, error)

	// Save persists a single record. With forceUpdate an existing
	// record is overwritten; without it a conflict is an error.
	Save(ctx context.Context, rec *types.URLRecord, forceUpdate bool) error

	// Update bulk-upserts records. With allOrNothing the batch stops
	// at the first failure; ensureCommit waits for a durable commit.
	Update(ctx context.Context, recs []*types.URLRecord, allOrNothing, ensureCommit bool) error

	// SaveContent stores the fetched body for a record. Idempotent:
	// implementations may skip when the stored length matches.
	SaveContent(ctx context.Context, rec *types.URLRecord, content []byte, contentType string) error

	// Close releases connections.
	Close(ctx context.Context) error
}
