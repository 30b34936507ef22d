package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

type ringNode struct {
	version int64
	seen    time.Time
}

// RingRepo is an in-memory suppression.RingStore shared by every cache of
// one test.
type RingRepo struct {
	mu    sync.Mutex
	cfg   *domain.RingConfig
	nodes map[string]ringNode
	now   func() time.Time
}

// NewRingRepo creates a store with nothing published.
func NewRingRepo() *RingRepo {
	return &RingRepo{nodes: make(map[string]ringNode), now: time.Now}
}

func (r *RingRepo) LoadRing(context.Context) (*domain.RingConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg == nil {
		return nil, domain.ErrNotFound
	}
	cp := *r.cfg
	cp.Current = append([]domain.ShardDescriptor(nil), r.cfg.Current...)
	cp.Previous = append([]domain.ShardDescriptor(nil), r.cfg.Previous...)
	return &cp, nil
}

func (r *RingRepo) PublishRing(_ context.Context, cfg *domain.RingConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var have int64
	if r.cfg != nil {
		have = r.cfg.Version
	}
	if cfg.Version != have+1 {
		return domain.ErrStaleVersion
	}
	cp := *cfg
	cp.Current = append([]domain.ShardDescriptor(nil), cfg.Current...)
	cp.Previous = append([]domain.ShardDescriptor(nil), cfg.Previous...)
	r.cfg = &cp
	return nil
}

func (r *RingRepo) AckRing(_ context.Context, node string, version int64) error {
	r.mu.Lock()
	r.nodes[node] = ringNode{version: version, seen: r.now()}
	r.mu.Unlock()
	return nil
}

func (r *RingRepo) StaleNodes(_ context.Context, version int64, liveness time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-liveness)
	var out []string
	for id, n := range r.nodes {
		if n.version < version && !n.seen.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *RingRepo) ForgetNode(_ context.Context, node string) error {
	r.mu.Lock()
	delete(r.nodes, node)
	r.mu.Unlock()
	return nil
}

// Version returns the published version, 0 before the first publish.
func (r *RingRepo) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg == nil {
		return 0
	}
	return r.cfg.Version
}
