package suppression

import (
	"context"
	"errors"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
	"github.com/venugopal1902/email-verifier/internal/pkg/retry"
	"github.com/venugopal1902/email-verifier/internal/shardstore"
)

type jobKind int

const (
	// jobPersist copies a shard entry to the durable store.
	jobPersist jobKind = iota
	// jobBackfill copies a durable entry to its shard after a shard outage.
	jobBackfill
)

type persistJob struct {
	kind  jobKind
	entry domain.SuppressionEntry
	value string
}

// enqueue hands a job to the workers. A full queue or a closed cache runs
// the job inline so no entry is ever dropped.
func (c *Cache) enqueue(ctx context.Context, j persistJob) {
	c.pending.Add(1)
	c.metrics.PersistPending(1)

	c.mu.RLock()
	if !c.closed {
		select {
		case c.jobs <- j:
			c.mu.RUnlock()
			return
		default:
		}
	}
	c.mu.RUnlock()

	c.run(context.WithoutCancel(ctx), j)
}

func (c *Cache) persistWorker() {
	defer c.wg.Done()
	for j := range c.jobs {
		c.run(context.Background(), j)
	}
}

func (c *Cache) run(ctx context.Context, j persistJob) {
	defer func() {
		c.pending.Add(-1)
		c.metrics.PersistPending(-1)
	}()

	var err error
	switch j.kind {
	case jobPersist:
		err = c.persist(ctx, j.entry, j.value)
		if err != nil && errors.Is(err, shardstore.ErrShardUnavailable) {
			// The shard vanished before the stamp could be verified. Keep the
			// entry unless a Remove left a newer tombstone.
			_, err = c.repo.Insert(ctx, &j.entry)
		}
	case jobBackfill:
		err = c.backfillShard(ctx, j.entry, j.value)
	}
	if err != nil {
		c.metrics.Write("persist", "error")
		c.log.Error().Err(err).Str("email", logger.RedactEmail(j.entry.Email)).
			Str("category", string(j.entry.Category)).
			Msg("suppression entry not synchronised; run refresh-cache to repair")
		return
	}
	c.metrics.Write("persist", "ok")
}

// persist writes the entry to the durable store if the shard still holds the
// same version under the per-key lock. A missing or different stamp means the
// entry was removed or replaced meanwhile and must not be revived.
func (c *Cache) persist(ctx context.Context, entry domain.SuppressionEntry, value string) error {
	key := shardKey(entry.Email, entry.Category)
	return retry.Do(ctx, c.retry, "suppression persist", func(ctx context.Context) error {
		snap := c.ring.Load()
		owner, ok := snap.Current.Assign(entry.Email)
		if !ok {
			return shardstore.ErrShardUnavailable
		}
		unlock, err := c.shards.Lock(ctx, owner, key)
		if err != nil {
			return err
		}
		defer unlock(context.WithoutCancel(ctx))

		current := false
		for _, id := range snap.Owners(entry.Email) {
			v, ok, err := c.shards.Get(ctx, id, key)
			if err != nil {
				return err
			}
			if ok && v == value {
				current = true
				break
			}
		}
		if !current {
			c.log.Debug().Str("email", logger.RedactEmail(entry.Email)).Msg("entry changed before persist; skipping")
			return nil
		}
		_, err = c.repo.Insert(ctx, &entry)
		return domain.Transient("durable insert", err)
	})
}

// backfillShard restores an entry written while its shard was down.
func (c *Cache) backfillShard(ctx context.Context, entry domain.SuppressionEntry, value string) error {
	key := shardKey(entry.Email, entry.Category)
	return retry.Do(ctx, c.backfill, "suppression backfill", func(ctx context.Context) error {
		owner, ok := c.ring.Load().Current.Assign(entry.Email)
		if !ok {
			return shardstore.ErrShardUnavailable
		}
		unlock, err := c.shards.Lock(ctx, owner, key)
		if err != nil {
			return err
		}
		defer unlock(context.WithoutCancel(ctx))

		exists, err := c.repo.Exists(ctx, entry.Email, entry.Category)
		if err != nil {
			return domain.Transient("durable exists", err)
		}
		if !exists {
			return nil
		}
		_, err = c.shards.Add(ctx, owner, key, value)
		return err
	})
}
