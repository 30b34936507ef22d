package hashring

import "sync/atomic"

// Snapshot is the ring state seen by readers. Previous is non-nil while a
// rebalance is migrating entries; lookups then consult both owners.
// Version orders snapshots published across processes.
type Snapshot struct {
	Current  *Ring
	Previous *Ring
	Version  int64
}

// Migrating reports whether a rebalance is in progress.
func (s *Snapshot) Migrating() bool { return s.Previous != nil }

// Owners returns the distinct shards that may hold key, current owner first.
func (s *Snapshot) Owners(key string) []string {
	var owners []string
	if id, ok := s.Current.Assign(key); ok {
		owners = append(owners, id)
	}
	if s.Previous != nil {
		if id, ok := s.Previous.Assign(key); ok && (len(owners) == 0 || owners[0] != id) {
			owners = append(owners, id)
		}
	}
	return owners
}

// Holder publishes ring snapshots. Readers never block; writers replace the
// whole snapshot.
type Holder struct {
	p atomic.Pointer[Snapshot]
}

// NewHolder returns a holder serving r.
func NewHolder(r *Ring) *Holder {
	h := &Holder{}
	h.p.Store(&Snapshot{Current: r})
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Snapshot { return h.p.Load() }

// Store publishes a new snapshot.
func (h *Holder) Store(s *Snapshot) { h.p.Store(s) }

// CompareAndSwap publishes next only if old is still current. Used when a
// published ring is applied while a local rebalance may also store.
func (h *Holder) CompareAndSwap(old, next *Snapshot) bool { return h.p.CompareAndSwap(old, next) }
