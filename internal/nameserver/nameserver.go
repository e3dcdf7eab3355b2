// Package nameserver implements the forwarding table spec.md §6 calls
// "Name server": `(tableID, lowerBound) -> replica set`, resolved by a
// byte-swapping hash of the timeline name. Grounded on the teacher's
// consistent-hash ring (coordinator/internal/algorithm/consistent_hash.go)
// for the sorted-ring/RWMutex shape, simplified here to explicit
// caller-assigned ranges rather than virtual nodes, since the spec
// describes the name server as a lookup tree populated externally, not a
// self-balancing hash ring.
package nameserver

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// HashFunc maps a timeline name to a uint64 ring position.
type HashFunc func(timeline string) uint64

// ByteSwapHash hashes timeline with FNV-1a and then reverses its byte
// order. Byte-swapping spreads sequentially-named timelines (e.g.
// "home:1", "home:2", ...) across the ring instead of clustering them,
// exactly as spec.md §6 "with a byte-swapping hash" calls for.
func ByteSwapHash(timeline string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(timeline))
	sum := h.Sum64()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], sum)
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return binary.BigEndian.Uint64(buf[:])
}

// ReplicaSet is the fan-out target a range resolves to: the shard ID and
// the replica hosts backing it.
type ReplicaSet struct {
	ShardID  string
	Replicas []string
}

// rangeEntry is one (lowerBound, shardID) row of a table's lookup tree.
type rangeEntry struct {
	lowerBound uint64
	shardID    string
}

// InMemory is the in-memory name server variant spec.md §6 says is used
// in development: a map of table name to a sorted list of range entries,
// plus a shardID -> ReplicaSet map, both guarded by one RWMutex
// (coordinator/internal/algorithm/consistent_hash.go's locking shape).
type InMemory struct {
	hash HashFunc

	mu     sync.RWMutex
	tables map[string][]rangeEntry
	shards map[string]*ReplicaSet
}

// NewInMemory creates an empty InMemory name server. A nil hash defaults
// to ByteSwapHash.
func NewInMemory(hash HashFunc) *InMemory {
	if hash == nil {
		hash = ByteSwapHash
	}
	return &InMemory{
		hash:   hash,
		tables: make(map[string][]rangeEntry),
		shards: make(map[string]*ReplicaSet),
	}
}

// AddRange registers that hash positions >= lowerBound (up to the next
// registered lowerBound in tableID, or wrapping to the table's smallest
// bound) are owned by shardID, and records shardID's replica hosts.
func (n *InMemory) AddRange(tableID string, lowerBound uint64, shardID string, replicas []string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.shards[shardID] = &ReplicaSet{ShardID: shardID, Replicas: append([]string{}, replicas...)}

	entries := n.tables[tableID]
	for i, e := range entries {
		if e.shardID == shardID {
			entries[i].lowerBound = lowerBound
			n.sortTable(tableID, entries)
			return
		}
	}
	entries = append(entries, rangeEntry{lowerBound: lowerBound, shardID: shardID})
	n.sortTable(tableID, entries)
}

func (n *InMemory) sortTable(tableID string, entries []rangeEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].lowerBound < entries[j].lowerBound })
	n.tables[tableID] = entries
}

// RemoveShard drops shardID from every table's ranges and from the
// replica-set map.
func (n *InMemory) RemoveShard(shardID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.shards, shardID)
	for tableID, entries := range n.tables {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.shardID != shardID {
				kept = append(kept, e)
			}
		}
		n.tables[tableID] = kept
	}
}

// Lookup resolves timeline's owning shard within tableID: the range whose
// lowerBound is the greatest value not exceeding hash(timeline). A hash
// below every registered lowerBound wraps around the ring to the range
// with the highest lowerBound, consistent with AddRange (spec.md §6 "(tableId, lowerBound) -> replicatingShardId").
func (n *InMemory) Lookup(tableID, timeline string) (*ReplicaSet, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	entries := n.tables[tableID]
	if len(entries) == 0 {
		return nil, fmt.Errorf("nameserver: table %q has no registered ranges", tableID)
	}

	h := n.hash(timeline)
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].lowerBound > h }) - 1
	if idx < 0 {
		idx = len(entries) - 1
	}

	shardID := entries[idx].shardID
	rs, ok := n.shards[shardID]
	if !ok {
		return nil, fmt.Errorf("nameserver: shard %q has no registered replica set", shardID)
	}
	return rs, nil
}

// Tables returns the currently registered table names.
func (n *InMemory) Tables() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.tables))
	for t := range n.tables {
		out = append(out, t)
	}
	return out
}
