// Package sharding implements consistent-hash key routing across multiple
// backend.RawBackend shards, for a cache whose L2 (or L1) tier is spread
// over several store instances rather than backed by one.
package sharding

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultReplicas is the default number of virtual nodes per physical
// shard; more replicas improve load distribution at the cost of more
// memory and slower AddShard/RemoveShard calls.
const DefaultReplicas = 150

// Ring is a consistent-hashing ring with virtual nodes, mapping string
// keys onto shard IDs.
type Ring struct {
	mu       sync.RWMutex
	replicas int
	keys     []uint64
	ring     map[uint64]string
	shards   map[string]int
}

// NewRing creates a ring. replicas <= 0 uses DefaultReplicas.
func NewRing(replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &Ring{
		replicas: replicas,
		ring:     make(map[uint64]string),
		shards:   make(map[string]int),
	}
}

// AddShard adds a shard with the given weight (virtual nodes =
// replicas*weight). weight <= 0 is treated as 1.
func (r *Ring) AddShard(shardID string, weight int) error {
	if shardID == "" {
		return fmt.Errorf("sharding: shard id cannot be empty")
	}
	if weight <= 0 {
		weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.shards[shardID] = weight
	for i := 0; i < r.replicas*weight; i++ {
		hash := hashKey(fmt.Sprintf("%s:%d", shardID, i))
		r.ring[hash] = shardID
		r.keys = append(r.keys, hash)
	}
	sort.Slice(r.keys, func(i, j int) bool { return r.keys[i] < r.keys[j] })
	return nil
}

// RemoveShard removes a shard from the ring.
func (r *Ring) RemoveShard(shardID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	weight, exists := r.shards[shardID]
	if !exists {
		return fmt.Errorf("sharding: shard %q not found", shardID)
	}

	for i := 0; i < r.replicas*weight; i++ {
		delete(r.ring, hashKey(fmt.Sprintf("%s:%d", shardID, i)))
	}
	keys := make([]uint64, 0, len(r.ring))
	for hash := range r.ring {
		keys = append(keys, hash)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	r.keys = keys
	delete(r.shards, shardID)
	return nil
}

// ShardFor returns the shard ID responsible for key, or "" if the ring is
// empty.
func (r *Ring) ShardFor(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return ""
	}

	hash := hashKey(key)
	idx := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] >= hash })
	if idx == len(r.keys) {
		idx = 0
	}
	return r.ring[r.keys[idx]]
}

// Shards returns all shard IDs currently in the ring.
func (r *Ring) Shards() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.shards))
	for id := range r.shards {
		ids = append(ids, id)
	}
	return ids
}

// Size returns the number of physical shards in the ring.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shards)
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}
