package clusterstate

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// ShardRing is a consistent-hash ring mapping document keys to shard names,
// one ring per collection. It is a diagnostic/debug facility — "which shard
// would currently own this key" — adapted from a node-ownership ring into a
// shard-ownership one; it plays no part in the recovery protocol itself.
//
// Same rationale as any consistent-hash ring: adding or removing a shard
// (a resharding split, not something this package initiates) should only
// remap keys near the changed boundary, not the whole keyspace.
type ShardRing struct {
	mu     sync.RWMutex
	vnodes int
	rings  map[string]*singleRing // collection -> ring
}

type singleRing struct {
	points map[uint32]string
	sorted []uint32
}

// NewShardRing creates a ring with vnodes virtual points per shard.
func NewShardRing(vnodes int) *ShardRing {
	if vnodes <= 0 {
		vnodes = 150
	}
	return &ShardRing{vnodes: vnodes, rings: make(map[string]*singleRing)}
}

// SetShards replaces the full shard set for collection. Called whenever the
// Reader applies a new full document, so the ring always reflects the
// latest known shard topology.
func (s *ShardRing) SetShards(collection string, shardNames []string) {
	r := &singleRing{points: make(map[uint32]string, len(shardNames)*s.vnodes)}
	for _, name := range shardNames {
		for i := 0; i < s.vnodes; i++ {
			pos := ringHash(fmt.Sprintf("%s#%d", name, i))
			r.points[pos] = name
		}
	}
	r.sorted = make([]uint32, 0, len(r.points))
	for pos := range r.points {
		r.sorted = append(r.sorted, pos)
	}
	slices.Sort(r.sorted)

	s.mu.Lock()
	s.rings[collection] = r
	s.mu.Unlock()
}

// ShardForKey returns the shard owning key under collection's current ring.
func (s *ShardRing) ShardForKey(collection, key string) (string, bool) {
	s.mu.RLock()
	r, ok := s.rings[collection]
	s.mu.RUnlock()
	if !ok || len(r.sorted) == 0 {
		return "", false
	}

	pos := ringHash(key)
	idx := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i] >= pos })
	if idx == len(r.sorted) {
		idx = 0
	}
	return r.points[r.sorted[idx]], true
}

func ringHash(s string) uint32 {
	h := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint32(h[:4])
}
