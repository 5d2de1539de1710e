package cluster

import (
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Affinity maps keys to owning nodes with weighted rendezvous hashing over
// the membership snapshot recorded at a topology version. Given the same
// (cache, key, version) it returns the same owners for as long as the
// topology retains that version's snapshot; once the snapshot is dropped it
// returns no owners.
type Affinity struct {
	topo *Topology
	rf   int

	mu    sync.RWMutex
	salts map[string]uint64
}

// NewAffinity builds an affinity oracle over topo with replication factor
// rf: the first owner is the primary, the remaining rf-1 are backups.
func NewAffinity(topo *Topology, rf int) *Affinity {
	if rf < 1 {
		rf = 1
	}
	return &Affinity{
		topo:  topo,
		rf:    rf,
		salts: make(map[string]uint64),
	}
}

func (a *Affinity) ReplicationFactor() int { return a.rf }

// cacheSalt memoizes the per-cache hash folded into every key hash so two
// caches spread the same key set independently.
func (a *Affinity) cacheSalt(cache string) uint64 {
	a.mu.RLock()
	s, ok := a.salts[cache]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.salts[cache]; ok {
		return s
	}
	s = xxhash.Sum64String(cache)
	a.salts[cache] = s
	return s
}

// MapPrimaryAndBackups returns the rf owners for key at version v, primary
// first. Nil when no snapshot exists for v or the snapshot is empty.
func (a *Affinity) MapPrimaryAndBackups(cache string, key []byte, v Version) []NodeID {
	snap, ok := a.topo.Snapshot(v)
	if !ok || len(snap) == 0 {
		return nil
	}

	kh := xxhash.Sum64(key) ^ a.cacheSalt(cache)

	type pair struct {
		s uint64 // rendezvous score
		w uint64 // scaled weight snapshot
		m *Member
	}
	arr := make([]pair, 0, len(snap))
	for _, m := range snap {
		arr = append(arr, pair{
			s: mix64(kh ^ m.salt),
			w: atomic.LoadUint64(&m.weight),
			m: m,
		})
	}

	// rank by the 128-bit product score*weight; node ID breaks ties so the
	// order is total and stable.
	sort.Slice(arr, func(i, j int) bool {
		hi1, lo1 := bits.Mul64(arr[i].s, arr[i].w)
		hi2, lo2 := bits.Mul64(arr[j].s, arr[j].w)
		if hi1 != hi2 {
			return hi1 > hi2
		}
		if lo1 != lo2 {
			return lo1 > lo2
		}
		return arr[i].m.ID < arr[j].m.ID
	})

	n := a.rf
	if n > len(arr) {
		n = len(arr)
	}
	out := make([]NodeID, n)
	for i := 0; i < n; i++ {
		out[i] = arr[i].m.ID
	}
	return out
}

// MapPrimary returns only the primary owner for key at version v.
func (a *Affinity) MapPrimary(cache string, key []byte, v Version) (NodeID, bool) {
	owners := a.MapPrimaryAndBackups(cache, key, v)
	if len(owners) == 0 {
		return "", false
	}
	return owners[0], true
}

// mix64: fast 64-bit mixer (SplitMix64 finalizer).
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
