package domain

import (
	"strings"
	"time"
)

// SuppressionCategory enumerates the global suppression lists.
type SuppressionCategory string

const (
	CategoryBounce      SuppressionCategory = "BOUNCE"
	CategoryUnsubscribe SuppressionCategory = "UNSUBSCRIBE"
)

// AllCategories is the default set consulted by a suppression check.
var AllCategories = []SuppressionCategory{CategoryBounce, CategoryUnsubscribe}

// Valid reports whether c is a known category.
func (c SuppressionCategory) Valid() bool {
	return c == CategoryBounce || c == CategoryUnsubscribe
}

// KeyPrefix is the shard key prefix that keeps categories apart on one ring.
func (c SuppressionCategory) KeyPrefix() string {
	switch c {
	case CategoryBounce:
		return "bounce:"
	case CategoryUnsubscribe:
		return "unsub:"
	}
	return strings.ToLower(string(c)) + ":"
}

// ParseCategory accepts the API spellings of a category.
func ParseCategory(s string) (SuppressionCategory, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BOUNCE", "BOUNCES":
		return CategoryBounce, true
	case "UNSUBSCRIBE", "UNSUB", "UNSUBSCRIBES":
		return CategoryUnsubscribe, true
	}
	return "", false
}

// SuppressionEntry is one address on a global suppression list. Entries are
// readable by every tenant; OriginAccount records who contributed it.
type SuppressionEntry struct {
	Email         string              `json:"email" db:"email"`
	Category      SuppressionCategory `json:"category" db:"category"`
	OriginAccount string              `json:"origin_account" db:"origin_account"`
	FirstSeen     time.Time           `json:"first_seen" db:"first_seen"`
	Version       int64               `json:"version" db:"version"`
}

// NormalizeEmail lower-cases and trims an address for use as a cache key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SuppressionCursor is a keyset position over entries ordered by
// (email, category).
type SuppressionCursor struct {
	Email    string
	Category SuppressionCategory
}

// RingConfig is the shard set every process routes with. Version grows by
// one per change. Previous is set while entries migrate between rings.
type RingConfig struct {
	Version      int64             `json:"version"`
	VirtualNodes int               `json:"virtual_nodes"`
	Current      []ShardDescriptor `json:"current"`
	Previous     []ShardDescriptor `json:"previous,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
