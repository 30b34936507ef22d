package suppression

import (
	"context"
	"time"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

// Repository is the durable store behind the cache.
type Repository interface {
	// Insert stores the entry unless (email, category) exists or was
	// removed at a version >= e.Version. True means the row was created.
	Insert(ctx context.Context, e *domain.SuppressionEntry) (bool, error)

	// Exists reports whether (email, category) is stored.
	Exists(ctx context.Context, email string, category domain.SuppressionCategory) (bool, error)

	// Get returns one entry or ErrNotFound.
	Get(ctx context.Context, email string, category domain.SuppressionCategory) (*domain.SuppressionEntry, error)

	// Delete removes one entry and records a tombstone at version, so a
	// late Insert of an older version cannot bring it back. Returns
	// ErrNotFound if no row existed; the tombstone is recorded either way.
	Delete(ctx context.Context, email string, category domain.SuppressionCategory, version int64) error

	// Page returns up to limit entries ordered by (email, category) strictly
	// after the cursor. A zero cursor starts from the beginning.
	Page(ctx context.Context, after Cursor, limit int) ([]domain.SuppressionEntry, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
}

// RingStore publishes the ring configuration to every process.
type RingStore interface {
	// LoadRing returns the published ring or ErrNotFound before the first
	// publish.
	LoadRing(ctx context.Context) (*domain.RingConfig, error)
	// PublishRing stores cfg if the stored version is cfg.Version-1 (none
	// for version 1). Otherwise it returns domain.ErrStaleVersion.
	PublishRing(ctx context.Context, cfg *domain.RingConfig) error
	// AckRing records that node routes with version.
	AckRing(ctx context.Context, node string, version int64) error
	// StaleNodes lists nodes that reported within liveness but still run a
	// version below version.
	StaleNodes(ctx context.Context, version int64, liveness time.Duration) ([]string, error)
	// ForgetNode drops a node that is shutting down.
	ForgetNode(ctx context.Context, node string) error
}

// Cursor is a keyset position for Page.
type Cursor = domain.SuppressionCursor

// CursorAfter returns the cursor positioned on e.
func CursorAfter(e domain.SuppressionEntry) Cursor {
	return Cursor{Email: e.Email, Category: e.Category}
}
