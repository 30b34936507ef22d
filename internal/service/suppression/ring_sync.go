package suppression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/hashring"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
)

// RingSyncOptions tunes a RingSync. Zero values pick the defaults.
type RingSyncOptions struct {
	// Node identifies this process in acknowledgements.
	Node string
	// Interval is how often the published ring is re-read.
	Interval time.Duration
	// Liveness is how long a silent node is still waited for.
	Liveness time.Duration
	// AckTimeout bounds how long a rebalance waits for every node.
	AckTimeout time.Duration
}

// RingSync keeps a cache's ring in step with the ring published in a
// RingStore. Every process runs one; a rebalance publishes through it and
// waits until every live node has applied the new version.
type RingSync struct {
	cache    *Cache
	store    RingStore
	registry ShardRegistry
	opts     RingSyncOptions
	log      *zerolog.Logger
}

// NewRingSync returns a sync for cache. registry connects shards that
// appear in a published ring.
func NewRingSync(cache *Cache, store RingStore, registry ShardRegistry, opts RingSyncOptions) *RingSync {
	if opts.Node == "" {
		opts.Node = "node"
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Liveness <= 0 {
		opts.Liveness = 15 * opts.Interval
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 4 * opts.Liveness
	}
	return &RingSync{cache: cache, store: store, registry: registry, opts: opts, log: logger.Named("ring-sync")}
}

// Node returns the id this process acknowledges under.
func (s *RingSync) Node() string { return s.opts.Node }

// Bootstrap adopts the published ring. When none exists yet the cache's
// start-up ring is published as version 1.
func (s *RingSync) Bootstrap(ctx context.Context) error {
	cfg, err := s.store.LoadRing(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		local := s.cache.ring.Load()
		first := ringConfig(&hashring.Snapshot{Current: local.Current, Previous: local.Previous, Version: 1})
		err = s.store.PublishRing(ctx, first)
		switch {
		case err == nil:
			s.log.Info().Int("shards", local.Current.Len()).Msg("published initial ring")
			cfg = first
		case errors.Is(err, ErrRingConflict):
			// Another process published first.
			cfg, err = s.store.LoadRing(ctx)
		}
	}
	if err != nil {
		return fmt.Errorf("load ring: %w", err)
	}
	if err := s.apply(cfg); err != nil {
		return err
	}
	return s.store.AckRing(ctx, s.opts.Node, s.cache.ring.Load().Version)
}

// Sync applies a newer published ring, if any, and reports this node's
// version.
func (s *RingSync) Sync(ctx context.Context) error {
	cfg, err := s.store.LoadRing(ctx)
	if err != nil {
		return fmt.Errorf("load ring: %w", err)
	}
	if err := s.apply(cfg); err != nil {
		return err
	}
	return s.store.AckRing(ctx, s.opts.Node, s.cache.ring.Load().Version)
}

// Start syncs every interval until ctx ends, then forgets this node.
func (s *RingSync) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Forget(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("ring sync failed")
			}
		}
	}
}

// Forget removes this node from the acknowledgement set.
func (s *RingSync) Forget(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.ForgetNode(ctx, s.opts.Node); err != nil {
		s.log.Warn().Err(err).Msg("forget ring node")
	}
}

// apply swaps in cfg if it is newer than the local snapshot.
func (s *RingSync) apply(cfg *domain.RingConfig) error {
	for {
		old := s.cache.ring.Load()
		if cfg.Version <= old.Version {
			return nil
		}
		next, err := snapshotOf(cfg)
		if err != nil {
			return err
		}
		if err := s.connect(cfg); err != nil {
			return err
		}
		if !s.cache.ring.CompareAndSwap(old, next) {
			continue
		}
		s.disconnect(cfg)
		s.log.Info().Int64("version", cfg.Version).Int("shards", next.Current.Len()).
			Bool("migrating", next.Migrating()).Msg("ring updated")
		return nil
	}
}

// connect registers every shard of cfg this process does not know yet.
func (s *RingSync) connect(cfg *domain.RingConfig) error {
	known := make(map[string]bool)
	for _, id := range s.registry.Shards() {
		known[id] = true
	}
	for _, d := range append(append([]domain.ShardDescriptor(nil), cfg.Current...), cfg.Previous...) {
		if known[d.ID] {
			continue
		}
		if err := s.registry.Register(d); err != nil {
			return fmt.Errorf("register shard %s: %w", d.ID, err)
		}
		known[d.ID] = true
	}
	return nil
}

// disconnect drops shards no longer named by cfg.
func (s *RingSync) disconnect(cfg *domain.RingConfig) {
	named := make(map[string]bool)
	for _, d := range cfg.Current {
		named[d.ID] = true
	}
	for _, d := range cfg.Previous {
		named[d.ID] = true
	}
	for _, id := range s.registry.Shards() {
		if !named[id] {
			s.registry.Deregister(id)
		}
	}
}

// publish stores snap as the next ring version and applies it here.
func (s *RingSync) publish(ctx context.Context, snap *hashring.Snapshot) error {
	cfg := ringConfig(snap)
	if err := s.store.PublishRing(ctx, cfg); err != nil {
		return fmt.Errorf("publish ring v%d: %w", cfg.Version, err)
	}
	if err := s.apply(cfg); err != nil {
		return err
	}
	if err := s.store.AckRing(ctx, s.opts.Node, cfg.Version); err != nil {
		s.log.Warn().Err(err).Msg("ack own ring")
	}
	return nil
}

// waitForNodes blocks until no live node runs a version below version.
func (s *RingSync) waitForNodes(ctx context.Context, version int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.AckTimeout)
	defer cancel()
	poll := s.opts.Interval / 2
	if poll <= 0 {
		poll = time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		stale, err := s.store.StaleNodes(ctx, version, s.opts.Liveness)
		if err == nil && len(stale) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("wait for ring v%d: %w", version, err)
			}
			return fmt.Errorf("%w: %v below v%d", ErrRingNotConverged, stale, version)
		case <-ticker.C:
		}
	}
}

func ringConfig(snap *hashring.Snapshot) *domain.RingConfig {
	cfg := &domain.RingConfig{
		Version:      snap.Version,
		VirtualNodes: snap.Current.VirtualNodes(),
		Current:      snap.Current.Shards(),
		UpdatedAt:    time.Now().UTC(),
	}
	if snap.Previous != nil {
		cfg.Previous = snap.Previous.Shards()
	}
	return cfg
}

func snapshotOf(cfg *domain.RingConfig) (*hashring.Snapshot, error) {
	cur, err := hashring.New(cfg.Current, cfg.VirtualNodes)
	if err != nil {
		return nil, fmt.Errorf("ring v%d: %w", cfg.Version, err)
	}
	snap := &hashring.Snapshot{Current: cur, Version: cfg.Version}
	if len(cfg.Previous) > 0 {
		if snap.Previous, err = hashring.New(cfg.Previous, cfg.VirtualNodes); err != nil {
			return nil, fmt.Errorf("ring v%d previous: %w", cfg.Version, err)
		}
	}
	return snap, nil
}
