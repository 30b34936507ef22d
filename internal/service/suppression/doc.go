// Package suppression implements the global suppression cache.
//
// Membership lives on Redis shards selected by a consistent-hash ring so a
// lookup is one shard round trip. Postgres is the durable copy: new entries
// reach the shard first and are persisted asynchronously, and lookups fall
// back to Postgres for a key whose shard is down. Every read and write goes
// through Cache; nothing else touches the shards.
//
// The list is global on purpose: an address one account learned bounces is
// filtered for every account.
package suppression
