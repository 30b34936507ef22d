// Package shardstore holds per-shard suppression membership. Each shard is
// an independent Redis endpoint; entries live as fields of one hash per
// shard so membership, insert and delete are single-field operations.
package shardstore

import (
	"context"
	"errors"
)

var (
	// ErrShardUnavailable means the shard could not answer. It is never
	// a synonym for "absent".
	ErrShardUnavailable = errors.New("shard unavailable")
	// ErrUnknownShard means no client is registered for the shard id.
	ErrUnknownShard = errors.New("unknown shard")
)

// Unlock releases a per-key lock.
type Unlock func(ctx context.Context) error

// Store is the shard-level key/value contract the suppression cache needs.
type Store interface {
	// Exists reports whether key is present on the shard.
	Exists(ctx context.Context, shardID, key string) (bool, error)
	// Get returns the stored value of key.
	Get(ctx context.Context, shardID, key string) (string, bool, error)
	// Add stores key only if absent; true means it was newly added.
	Add(ctx context.Context, shardID, key, value string) (bool, error)
	// Put stores key unconditionally (used by migration and refresh).
	Put(ctx context.Context, shardID string, entries map[string]string) error
	// Remove deletes key; true means it was present.
	Remove(ctx context.Context, shardID, key string) (bool, error)
	// Lock takes an exclusive per-key lock on the shard, waiting until ctx ends.
	Lock(ctx context.Context, shardID, key string) (Unlock, error)
	// Scan pages through every key on a shard.
	Scan(ctx context.Context, shardID string, cursor uint64, count int64) (map[string]string, uint64, error)
	// Clear drops every entry on the shard.
	Clear(ctx context.Context, shardID string) error
	// Ping checks shard health.
	Ping(ctx context.Context, shardID string) error
}
