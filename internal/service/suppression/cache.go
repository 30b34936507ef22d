package suppression

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/hashring"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
	"github.com/venugopal1902/email-verifier/internal/pkg/metrics"
	"github.com/venugopal1902/email-verifier/internal/pkg/retry"
	"github.com/venugopal1902/email-verifier/internal/shardstore"
)

// Options tunes a Cache. Zero values pick the defaults.
type Options struct {
	Retry          retry.Policy
	BackfillRetry  retry.Policy
	PersistWorkers int
	PersistQueue   int
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Cache is the only entry point to the sharded suppression list.
// It is safe for concurrent use.
type Cache struct {
	ring     *hashring.Holder
	shards   shardstore.Store
	repo     Repository
	retry    retry.Policy
	backfill retry.Policy
	metrics  *metrics.Metrics
	now      func() time.Time
	log      *zerolog.Logger

	version atomic.Int64

	mu      sync.RWMutex
	closed  bool
	jobs    chan persistJob
	pending atomic.Int64
	wg      sync.WaitGroup
}

// NewCache starts the asynchronous persist workers. Call Close to stop them.
func NewCache(ring *hashring.Holder, shards shardstore.Store, repo Repository, opts Options) *Cache {
	if opts.Retry.MaxRetries == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = retry.DefaultPolicy
	}
	if opts.BackfillRetry.MaxRetries == 0 && opts.BackfillRetry.BaseDelay == 0 {
		opts.BackfillRetry = retry.Policy{MaxRetries: 6, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second}
	}
	if opts.PersistWorkers <= 0 {
		opts.PersistWorkers = 4
	}
	if opts.PersistQueue <= 0 {
		opts.PersistQueue = 10000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		ring:     ring,
		shards:   shards,
		repo:     repo,
		retry:    opts.Retry,
		backfill: opts.BackfillRetry,
		metrics:  opts.Metrics,
		now:      opts.Now,
		log:      logger.Named("suppression"),
		jobs:     make(chan persistJob, opts.PersistQueue),
	}
	for i := 0; i < opts.PersistWorkers; i++ {
		c.wg.Add(1)
		go c.persistWorker()
	}
	return c
}

// Ring returns the snapshot holder the cache routes with.
func (c *Cache) Ring() *hashring.Holder { return c.ring }

func shardKey(email string, category domain.SuppressionCategory) string {
	return category.KeyPrefix() + email
}

// encodeEntry packs what the shard stores for a key: version|origin|firstSeen.
func encodeEntry(e domain.SuppressionEntry) string {
	return strconv.FormatInt(e.Version, 10) + "|" + e.OriginAccount + "|" + strconv.FormatInt(e.FirstSeen.Unix(), 10)
}

func decodeEntry(email string, category domain.SuppressionCategory, v string) (domain.SuppressionEntry, error) {
	parts := strings.SplitN(v, "|", 3)
	if len(parts) != 3 {
		return domain.SuppressionEntry{}, fmt.Errorf("malformed shard value %q", v)
	}
	version, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return domain.SuppressionEntry{}, fmt.Errorf("malformed version in %q", v)
	}
	seen, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return domain.SuppressionEntry{}, fmt.Errorf("malformed first_seen in %q", v)
	}
	return domain.SuppressionEntry{
		Email:         email,
		Category:      category,
		OriginAccount: parts[1],
		FirstSeen:     time.Unix(seen, 0).UTC(),
		Version:       version,
	}, nil
}

// nextVersion returns a stamp strictly greater than any previous one from
// this process.
func (c *Cache) nextVersion(now time.Time) int64 {
	v := now.UnixNano()
	for {
		last := c.version.Load()
		if v <= last {
			v = last + 1
		}
		if c.version.CompareAndSwap(last, v) {
			return v
		}
	}
}

func validateEmail(email string) error {
	if email == "" {
		return &domain.ValidationError{Field: "email", Reason: "empty"}
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return &domain.ValidationError{Field: "email", Reason: "missing local part or domain"}
	}
	return nil
}

// Check reports whether email is on any of the given lists (both lists when
// none are given). A shard failure falls back to the durable store for this
// key only; if that fails too the error is transient and the caller must not
// read it as "not suppressed".
func (c *Cache) Check(ctx context.Context, email string, categories ...domain.SuppressionCategory) (bool, error) {
	email = domain.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return false, err
	}
	if len(categories) == 0 {
		categories = domain.AllCategories
	}

	owners := c.ring.Load().Owners(email)
	for _, cat := range categories {
		found, err := c.shardExists(ctx, owners, shardKey(email, cat))
		if err != nil {
			c.log.Warn().Err(err).Str("email", logger.RedactEmail(email)).Msg("shard lookup failed; using durable store")
			c.metrics.Lookup("fallback")
			err = retry.Do(ctx, c.retry, "suppression durable exists", func(ctx context.Context) error {
				var rerr error
				found, rerr = c.repo.Exists(ctx, email, cat)
				return domain.Transient("durable exists", rerr)
			})
			if err != nil {
				c.metrics.Lookup("error")
				return false, domain.Transient("suppression check", err)
			}
		}
		if found {
			c.metrics.Lookup("hit")
			return true, nil
		}
	}
	c.metrics.Lookup("miss")
	return false, nil
}

// shardExists is true if any owner holds key. It errors only when no owner
// said yes and at least one could not answer.
func (c *Cache) shardExists(ctx context.Context, owners []string, key string) (bool, error) {
	if len(owners) == 0 {
		return false, fmt.Errorf("%w: ring is empty", shardstore.ErrShardUnavailable)
	}
	var firstErr error
	for _, id := range owners {
		var ok bool
		err := retry.Do(ctx, c.retry, "shard exists", func(ctx context.Context) error {
			var rerr error
			ok, rerr = c.shards.Exists(ctx, id, key)
			return rerr
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Add puts email on a list. The shard write makes the entry visible at once;
// the durable write happens in the background. Adding an existing entry
// returns false and changes nothing. Add fails with ErrClosed after Close.
func (c *Cache) Add(ctx context.Context, email string, category domain.SuppressionCategory, origin string) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	email = domain.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return false, err
	}
	if !category.Valid() {
		return false, &domain.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", category)}
	}

	now := c.now().UTC()
	entry := domain.SuppressionEntry{
		Email:         email,
		Category:      category,
		OriginAccount: origin,
		FirstSeen:     now,
		Version:       c.nextVersion(now),
	}
	key := shardKey(email, category)
	value := encodeEntry(entry)

	snap := c.ring.Load()
	owner, ok := snap.Current.Assign(email)
	if !ok {
		return c.addDurable(ctx, entry, value)
	}

	// Mid-migration the entry may still sit on its previous owner.
	if snap.Migrating() {
		if prev, _ := snap.Previous.Assign(email); prev != owner {
			if exists, err := c.shardExists(ctx, []string{prev}, key); err == nil && exists {
				c.metrics.Write("add", "duplicate")
				return false, nil
			}
		}
	}

	var added bool
	err := retry.Do(ctx, c.retry, "shard add", func(ctx context.Context) error {
		var rerr error
		added, rerr = c.shards.Add(ctx, owner, key, value)
		return rerr
	})
	if err != nil {
		if !errors.Is(err, shardstore.ErrShardUnavailable) {
			return false, err
		}
		c.log.Warn().Err(err).Str("shard", owner).Msg("shard add failed; writing durable store directly")
		return c.addDurable(ctx, entry, value)
	}
	if !added {
		c.metrics.Write("add", "duplicate")
		return false, nil
	}
	if c.restoreFromDurable(ctx, owner, entry) {
		c.metrics.Write("add", "duplicate")
		return false, nil
	}

	c.metrics.Write("add", "ok")
	c.enqueue(ctx, persistJob{kind: jobPersist, entry: entry, value: value})
	return true, nil
}

// restoreFromDurable handles a shard that lost an entry the durable store
// still has: the shard gets the durable copy back and true is returned, so
// the add counts as a duplicate and the original origin is kept. A durable
// store that cannot answer is treated as "not there".
func (c *Cache) restoreFromDurable(ctx context.Context, owner string, entry domain.SuppressionEntry) bool {
	prior, err := c.repo.Get(ctx, entry.Email, entry.Category)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn().Err(err).Str("email", logger.RedactEmail(entry.Email)).Msg("durable lookup after shard add failed")
		}
		return false
	}
	key := shardKey(entry.Email, entry.Category)
	unlock, err := c.shards.Lock(ctx, owner, key)
	if err != nil {
		c.log.Warn().Err(err).Str("shard", owner).Msg("lock for shard repair failed")
		return true
	}
	defer unlock(context.WithoutCancel(ctx))

	// Re-read under the lock: a Remove may have run since.
	if _, err := c.repo.Get(ctx, entry.Email, entry.Category); err != nil {
		return !errors.Is(err, ErrNotFound)
	}
	if err := c.shards.Put(ctx, owner, map[string]string{key: encodeEntry(*prior)}); err != nil {
		c.log.Warn().Err(err).Str("shard", owner).Msg("shard repair failed")
	}
	c.log.Info().Str("shard", owner).Str("email", logger.RedactEmail(entry.Email)).Msg("restored entry missing from shard")
	return true
}

// addDurable is the write path while the owning shard is down. The shard is
// back-filled later so the entry becomes visible there again.
func (c *Cache) addDurable(ctx context.Context, entry domain.SuppressionEntry, value string) (bool, error) {
	var inserted bool
	err := retry.Do(ctx, c.retry, "durable insert", func(ctx context.Context) error {
		var rerr error
		inserted, rerr = c.repo.Insert(ctx, &entry)
		return domain.Transient("durable insert", rerr)
	})
	if err != nil {
		c.metrics.Write("add", "error")
		return false, err
	}
	if inserted {
		c.metrics.Write("add", "durable")
		c.enqueue(ctx, persistJob{kind: jobBackfill, entry: entry, value: value})
	}
	return inserted, nil
}

// Remove deletes an entry. Only the account that contributed it, or an
// admin, may remove it. Removal holds the per-key lock for its whole
// duration, so a concurrent persist of the same key cannot revive it, and
// leaves a durable tombstone that stops persists which run later.
func (c *Cache) Remove(ctx context.Context, actor domain.Actor, email string, category domain.SuppressionCategory) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	email = domain.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return false, err
	}
	if !category.Valid() {
		return false, &domain.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", category)}
	}
	key := shardKey(email, category)

	snap := c.ring.Load()
	owner, ok := snap.Current.Assign(email)
	if !ok {
		return false, fmt.Errorf("%w: ring is empty", shardstore.ErrShardUnavailable)
	}

	var unlock shardstore.Unlock
	err := retry.Do(ctx, c.retry, "shard lock", func(ctx context.Context) error {
		var rerr error
		unlock, rerr = c.shards.Lock(ctx, owner, key)
		return rerr
	})
	if err != nil {
		return false, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn().Err(err).Msg("release suppression lock")
		}
	}()

	entry, err := c.locate(ctx, snap, email, category)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	if entry.OriginAccount != actor.AccountID && !actor.IsAdmin() {
		return false, ErrForbidden
	}

	tombstone := c.nextVersion(c.now())
	if entry.Version > tombstone {
		tombstone = entry.Version
	}
	err = retry.Do(ctx, c.retry, "durable delete", func(ctx context.Context) error {
		rerr := c.repo.Delete(ctx, email, category, tombstone)
		if errors.Is(rerr, ErrNotFound) {
			return nil
		}
		return domain.Transient("durable delete", rerr)
	})
	if err != nil {
		return false, err
	}
	for _, id := range snap.Owners(email) {
		err := retry.Do(ctx, c.retry, "shard remove", func(ctx context.Context) error {
			_, rerr := c.shards.Remove(ctx, id, key)
			return rerr
		})
		if err != nil {
			return false, err
		}
	}

	c.metrics.Write("remove", "ok")
	c.log.Info().Str("email", logger.RedactEmail(email)).Str("category", string(category)).
		Str("account", actor.AccountID).Msg("suppression entry removed")
	return true, nil
}

// locate finds an entry on its shards, or in the durable store when it was
// written there directly. Nil means the entry does not exist.
func (c *Cache) locate(ctx context.Context, snap *hashring.Snapshot, email string, category domain.SuppressionCategory) (*domain.SuppressionEntry, error) {
	key := shardKey(email, category)
	for _, id := range snap.Owners(email) {
		v, ok, err := c.shards.Get(ctx, id, key)
		if err != nil {
			return nil, err
		}
		if ok {
			e, err := decodeEntry(email, category, v)
			if err != nil {
				return nil, err
			}
			return &e, nil
		}
	}
	e, err := c.repo.Get(ctx, email, category)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient("durable get", err)
	}
	return e, nil
}

// Flush waits until every queued persist has been handled or ctx ends.
func (c *Cache) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for c.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close drains the persist queue and stops the workers.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
