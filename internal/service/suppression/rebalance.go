package suppression

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/hashring"
	"github.com/venugopal1902/email-verifier/internal/pkg/retry"
)

const defaultMigratePage = 1000

// ShardRegistry connects and disconnects shard endpoints.
type ShardRegistry interface {
	Register(desc domain.ShardDescriptor) error
	Deregister(id string)
	Shards() []string
}

// Rebalancer changes the shard set. During a migration readers see both the
// old and new ring; the old one is dropped only after every moved entry is
// on its new owner. With a RingSync the migrating ring is published first
// and nothing moves until every live node routes with it. A failed
// migration leaves the ring in that dual-read state and blocks further
// ring changes until Resume succeeds.
type Rebalancer struct {
	cache    *Cache
	registry ShardRegistry
	sync     *RingSync
	pageSize int

	mu      sync.Mutex
	blocked atomic.Bool
}

// NewRebalancer returns a rebalancer for cache. pageSize <= 0 uses 1000.
func NewRebalancer(cache *Cache, registry ShardRegistry, pageSize int) *Rebalancer {
	if pageSize <= 0 {
		pageSize = defaultMigratePage
	}
	return &Rebalancer{cache: cache, registry: registry, pageSize: pageSize}
}

// WithSync publishes ring changes through s so other processes follow them.
func (r *Rebalancer) WithSync(s *RingSync) *Rebalancer {
	r.sync = s
	return r
}

// Blocked reports whether a migration is unfinished, here or in another
// process, and must be resumed before the ring can change again.
func (r *Rebalancer) Blocked() bool {
	return r.blocked.Load() || r.cache.ring.Load().Migrating()
}

// MigrationReport summarises one migration pass.
type MigrationReport struct {
	Scanned int `json:"scanned"`
	Moved   int `json:"moved"`
}

// AddShard connects a shard and moves the keys it now owns.
func (r *Rebalancer) AddShard(ctx context.Context, desc domain.ShardDescriptor) (MigrationReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Blocked() {
		return MigrationReport{}, ErrRebalanceBlocked
	}

	snap := r.cache.ring.Load()
	next, err := snap.Current.AddShard(desc)
	if err != nil {
		return MigrationReport{}, err
	}
	if err := r.registry.Register(desc); err != nil {
		return MigrationReport{}, fmt.Errorf("register shard %s: %w", desc.ID, err)
	}
	if err := r.begin(ctx, &hashring.Snapshot{Current: next, Previous: snap.Current, Version: snap.Version + 1}); err != nil {
		r.registry.Deregister(desc.ID)
		return MigrationReport{}, err
	}
	r.cache.log.Info().Str("shard", desc.ID).Int("shards", next.Len()).Msg("shard added; migrating entries")
	return r.migrate(ctx)
}

// RemoveShard moves a shard's keys to their new owners and disconnects it.
func (r *Rebalancer) RemoveShard(ctx context.Context, id string) (MigrationReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Blocked() {
		return MigrationReport{}, ErrRebalanceBlocked
	}

	snap := r.cache.ring.Load()
	next, err := snap.Current.RemoveShard(id)
	if err != nil {
		return MigrationReport{}, err
	}
	if err := r.begin(ctx, &hashring.Snapshot{Current: next, Previous: snap.Current, Version: snap.Version + 1}); err != nil {
		return MigrationReport{}, err
	}
	r.cache.log.Info().Str("shard", id).Int("shards", next.Len()).Msg("shard removed; migrating entries")
	return r.migrate(ctx)
}

// Resume retries an interrupted migration.
func (r *Rebalancer) Resume(ctx context.Context) (MigrationReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cache.ring.Load().Migrating() {
		r.blocked.Store(false)
		return MigrationReport{}, nil
	}
	return r.migrate(ctx)
}

// begin switches this process, and with a RingSync every process, to the
// dual-read snapshot.
func (r *Rebalancer) begin(ctx context.Context, snap *hashring.Snapshot) error {
	if r.sync == nil {
		r.cache.ring.Store(snap)
		return nil
	}
	return r.sync.publish(ctx, snap)
}

// finish publishes the ring without its previous half.
func (r *Rebalancer) finish(ctx context.Context, snap *hashring.Snapshot) error {
	done := &hashring.Snapshot{Current: snap.Current, Version: snap.Version + 1}
	if r.sync == nil {
		r.cache.ring.Store(done)
		return nil
	}
	return r.sync.publish(ctx, done)
}

type shardKeyRef struct{ shard, key string }

// migrate walks the durable store and moves every entry whose owner
// changed. Entries still in the persist queue are flushed first so the
// durable store is complete. Each move runs under the key's lock and only
// if the durable store still holds the entry, so a concurrent Remove wins.
func (r *Rebalancer) migrate(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport
	fail := func(err error) (MigrationReport, error) {
		r.blocked.Store(true)
		r.cache.log.Error().Err(err).Int("moved", report.Moved).Msg("migration failed; ring left in dual-read state")
		return report, fmt.Errorf("migrate: %w", err)
	}

	snap := r.cache.ring.Load()
	if r.sync != nil {
		// Nodes still on the old ring would write and look up on old owners.
		if err := r.sync.waitForNodes(ctx, snap.Version); err != nil {
			return fail(err)
		}
	}
	if err := r.cache.Flush(ctx); err != nil {
		return fail(err)
	}

	removed := make(map[string]bool)
	for _, s := range snap.Previous.Shards() {
		if !snap.Current.Has(s.ID) {
			removed[s.ID] = true
		}
	}

	var cursor Cursor
	for {
		var page []domain.SuppressionEntry
		err := retry.Do(ctx, r.cache.retry, "migrate page", func(ctx context.Context) error {
			var rerr error
			page, rerr = r.cache.repo.Page(ctx, cursor, r.pageSize)
			return domain.Transient("durable page", rerr)
		})
		if err != nil {
			return fail(err)
		}
		if len(page) == 0 {
			break
		}

		var removals []shardKeyRef
		for _, e := range page {
			report.Scanned++
			cur, _ := snap.Current.Assign(e.Email)
			prev, _ := snap.Previous.Assign(e.Email)
			if cur == prev {
				continue
			}
			err := retry.Do(ctx, r.cache.retry, "migrate entry", func(ctx context.Context) error {
				return r.cache.moveEntry(ctx, cur, e)
			})
			if err != nil {
				return fail(err)
			}
			removals = append(removals, shardKeyRef{prev, shardKey(e.Email, e.Category)})
			report.Moved++
		}

		for _, rm := range removals {
			err := retry.Do(ctx, r.cache.retry, "migrate remove", func(ctx context.Context) error {
				_, rerr := r.cache.shards.Remove(ctx, rm.shard, rm.key)
				return rerr
			})
			if err != nil && !removed[rm.shard] {
				return fail(err)
			}
		}

		cursor = CursorAfter(page[len(page)-1])
		if len(page) < r.pageSize {
			break
		}
	}

	if err := r.finish(ctx, snap); err != nil {
		return fail(err)
	}
	for id := range removed {
		r.registry.Deregister(id)
	}
	r.blocked.Store(false)
	r.cache.log.Info().Int("scanned", report.Scanned).Int("moved", report.Moved).Msg("migration complete")
	return report, nil
}

// moveEntry copies e to owner unless it was removed meanwhile. A newer
// value already on owner is kept.
func (c *Cache) moveEntry(ctx context.Context, owner string, e domain.SuppressionEntry) error {
	key := shardKey(e.Email, e.Category)
	unlock, err := c.shards.Lock(ctx, owner, key)
	if err != nil {
		return err
	}
	defer unlock(context.WithoutCancel(ctx))

	exists, err := c.repo.Exists(ctx, e.Email, e.Category)
	if err != nil {
		return domain.Transient("durable exists", err)
	}
	if !exists {
		return nil
	}
	_, err = c.shards.Add(ctx, owner, key, encodeEntry(e))
	return err
}

// RefreshReport summarises a cache rebuild.
type RefreshReport struct {
	Shards  int `json:"shards"`
	Entries int `json:"entries"`
}

// Refresh clears every shard and reloads it from the durable store. Use it
// after shard data loss or when entries failed to synchronise.
func (c *Cache) Refresh(ctx context.Context, pageSize int) (RefreshReport, error) {
	if pageSize <= 0 {
		pageSize = defaultMigratePage
	}
	if err := c.Flush(ctx); err != nil {
		return RefreshReport{}, err
	}

	snap := c.ring.Load()
	if snap.Migrating() {
		return RefreshReport{}, ErrRebalanceBlocked
	}
	report := RefreshReport{Shards: snap.Current.Len()}
	for _, s := range snap.Current.Shards() {
		if err := c.shards.Clear(ctx, s.ID); err != nil {
			return report, fmt.Errorf("clear shard %s: %w", s.ID, err)
		}
	}

	var cursor Cursor
	for {
		page, err := c.repo.Page(ctx, cursor, pageSize)
		if err != nil {
			return report, fmt.Errorf("page durable store: %w", err)
		}
		if len(page) == 0 {
			break
		}
		byShard := make(map[string]map[string]string)
		for _, e := range page {
			owner, _ := snap.Current.Assign(e.Email)
			if byShard[owner] == nil {
				byShard[owner] = make(map[string]string)
			}
			byShard[owner][shardKey(e.Email, e.Category)] = encodeEntry(e)
		}
		for shard, entries := range byShard {
			if err := c.shards.Put(ctx, shard, entries); err != nil {
				return report, fmt.Errorf("load shard %s: %w", shard, err)
			}
		}
		report.Entries += len(page)
		cursor = CursorAfter(page[len(page)-1])
		if len(page) < pageSize {
			break
		}
	}
	c.log.Info().Int("shards", report.Shards).Int("entries", report.Entries).Msg("suppression cache refreshed")
	return report, nil
}
