// Package hashring maps cache keys onto shards with consistent hashing.
//
// A Ring is immutable: adding or removing a shard returns a new Ring, and
// readers swap snapshots through a Holder. Every node that builds a ring
// from the same shard list computes the same assignment.
package hashring

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/venugopal1902/email-verifier/internal/domain"
)

const (
	// DefaultVirtualNodes is used when a shard does not set its own count.
	DefaultVirtualNodes = 128
	// MinVirtualNodes keeps the key distribution reasonably even.
	MinVirtualNodes = 64
)

var (
	ErrEmptyRing      = errors.New("hashring: no shards")
	ErrDuplicateShard = errors.New("hashring: duplicate shard id")
	ErrUnknownShard   = errors.New("hashring: unknown shard id")
)

type point struct {
	pos   uint64
	shard string
}

// Ring is an immutable consistent-hash ring.
type Ring struct {
	points []point
	shards map[string]domain.ShardDescriptor
	vnodes int
}

// New builds a ring from shard descriptors. defaultVNodes applies to
// descriptors without a virtual node count and is raised to MinVirtualNodes.
func New(shards []domain.ShardDescriptor, defaultVNodes int) (*Ring, error) {
	if defaultVNodes < MinVirtualNodes {
		defaultVNodes = DefaultVirtualNodes
	}
	r := &Ring{
		shards: make(map[string]domain.ShardDescriptor, len(shards)),
		vnodes: defaultVNodes,
	}
	for _, s := range shards {
		if s.ID == "" {
			return nil, fmt.Errorf("hashring: shard with empty id")
		}
		if _, dup := r.shards[s.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateShard, s.ID)
		}
		if s.VirtualNodes < MinVirtualNodes {
			s.VirtualNodes = defaultVNodes
		}
		r.shards[s.ID] = s
	}
	r.build()
	return r, nil
}

func (r *Ring) build() {
	total := 0
	for _, s := range r.shards {
		total += s.VirtualNodes
	}
	r.points = make([]point, 0, total)
	for id, s := range r.shards {
		for i := 0; i < s.VirtualNodes; i++ {
			r.points = append(r.points, point{pos: Hash(id + "#" + strconv.Itoa(i)), shard: id})
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].pos != r.points[j].pos {
			return r.points[i].pos < r.points[j].pos
		}
		return r.points[i].shard < r.points[j].shard
	})
}

// Hash is the ring position of a key: the first eight bytes of its MD5 digest.
func Hash(key string) uint64 {
	sum := md5.Sum([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// Assign returns the shard owning key: the first ring position at or after
// the key's hash, wrapping to the start of the ring.
func (r *Ring) Assign(key string) (string, bool) {
	if r == nil || len(r.points) == 0 {
		return "", false
	}
	h := Hash(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].pos >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].shard, true
}

// Shards returns the shard descriptors sorted by id.
func (r *Ring) Shards() []domain.ShardDescriptor {
	if r == nil {
		return nil
	}
	out := make([]domain.ShardDescriptor, 0, len(r.shards))
	for _, s := range r.shards {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VirtualNodes returns the default virtual node count the ring was built with.
func (r *Ring) VirtualNodes() int {
	if r == nil {
		return DefaultVirtualNodes
	}
	return r.vnodes
}

// Has reports whether the ring contains the shard.
func (r *Ring) Has(id string) bool {
	if r == nil {
		return false
	}
	_, ok := r.shards[id]
	return ok
}

// Len returns the number of shards.
func (r *Ring) Len() int {
	if r == nil {
		return 0
	}
	return len(r.shards)
}

// AddShard returns a new ring that also contains s.
func (r *Ring) AddShard(s domain.ShardDescriptor) (*Ring, error) {
	if r.Has(s.ID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateShard, s.ID)
	}
	return New(append(r.Shards(), s), r.vnodes)
}

// RemoveShard returns a new ring without the shard. Removing the last shard
// is refused.
func (r *Ring) RemoveShard(id string) (*Ring, error) {
	if !r.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShard, id)
	}
	if r.Len() == 1 {
		return nil, ErrEmptyRing
	}
	kept := make([]domain.ShardDescriptor, 0, r.Len()-1)
	for _, s := range r.Shards() {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	return New(kept, r.vnodes)
}
