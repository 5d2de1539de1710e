package cluster

import (
	"context"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type NodeID string

type EventType uint8

const (
	EvtNodeJoined EventType = iota + 1
	EvtNodeLeft
	EvtNodeFailed
	EvtDisconnected
)

type Event struct {
	Type EventType
	Node NodeID
	Ver  Version
}

// Member is one server node participating in partition ownership. The salt
// is a pre-hashed node ID used by rendezvous ranking; weight scales the
// rendezvous score (0..1_000_000).
type Member struct {
	ID     NodeID
	Addr   string
	weight uint64
	salt   uint64
}

func newMember(id NodeID, addr string) *Member {
	return &Member{
		ID:     id,
		Addr:   addr,
		weight: 500_000,
		salt:   xxhash.Sum64String(string(id)),
	}
}

// maxSnapshots bounds retained per-version membership snapshots. Remaps only
// ever consult recent versions; anything older is unreachable.
const maxSnapshots = 64

// Topology tracks server membership as a sequence of versioned snapshots.
// Mutations bump the version and record an immutable snapshot so the
// affinity layer stays a pure function of (cache, key, version). The ready
// version trails the current version until the affinity layer has caught up;
// by default they advance together, and SetManualReady decouples them for
// callers that model an exchange phase.
type Topology struct {
	mu      sync.Mutex
	local   NodeID
	members map[NodeID]*Member
	ver     Version
	ready   Version
	snaps   map[Version][]*Member
	order   []Version
	manual  bool
	waiters []*topoWaiter
	subs    map[uint64]func(Event)
	subSeq  uint64
}

type topoWaiter struct {
	ver Version
	ch  chan struct{}
}

// NewTopology creates an empty topology for a process identified by local.
// The local process is not a member until it Joins; pure clients never join.
func NewTopology(local NodeID) *Topology {
	t := &Topology{
		local:   local,
		members: make(map[NodeID]*Member),
		snaps:   make(map[Version][]*Member),
		subs:    make(map[uint64]func(Event)),
	}
	t.snaps[Version{}] = nil
	t.order = append(t.order, Version{})
	return t
}

func (t *Topology) LocalNode() NodeID { return t.local }

// SetManualReady decouples the ready version from the current version.
// After enabling, MarkReady must be called to advance readiness.
func (t *Topology) SetManualReady(manual bool) {
	t.mu.Lock()
	t.manual = manual
	t.mu.Unlock()
}

// Join adds a server member and returns the new topology version.
func (t *Topology) Join(id NodeID, addr string) Version {
	t.mu.Lock()
	if _, ok := t.members[id]; !ok {
		t.members[id] = newMember(id, addr)
	} else {
		t.members[id].Addr = addr
	}
	v := t.bumpLocked()
	subs := t.subsLocked()
	t.mu.Unlock()

	emit(subs, Event{Type: EvtNodeJoined, Node: id, Ver: v})
	return v
}

// Leave removes a member gracefully and returns the new version.
func (t *Topology) Leave(id NodeID) Version { return t.remove(id, EvtNodeLeft) }

// Fail removes a member that crashed and returns the new version.
func (t *Topology) Fail(id NodeID) Version { return t.remove(id, EvtNodeFailed) }

func (t *Topology) remove(id NodeID, typ EventType) Version {
	t.mu.Lock()
	if _, ok := t.members[id]; !ok {
		v := t.ver
		t.mu.Unlock()
		return v
	}
	delete(t.members, id)
	v := t.bumpLocked()
	subs := t.subsLocked()
	t.mu.Unlock()

	emit(subs, Event{Type: typ, Node: id, Ver: v})
	return v
}

// Disconnect announces that this process lost the cluster. Membership is
// left as-is; subscribers are expected to tear down.
func (t *Topology) Disconnect() {
	t.mu.Lock()
	v := t.ver
	subs := t.subsLocked()
	t.mu.Unlock()
	emit(subs, Event{Type: EvtDisconnected, Ver: v})
}

// bumpLocked advances the version and records an immutable alive snapshot.
func (t *Topology) bumpLocked() Version {
	t.ver.Major++
	t.ver.Minor = 0

	snap := make([]*Member, 0, len(t.members))
	for _, m := range t.members {
		snap = append(snap, m)
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })

	t.snaps[t.ver] = snap
	t.order = append(t.order, t.ver)
	for len(t.order) > maxSnapshots {
		delete(t.snaps, t.order[0])
		t.order = t.order[1:]
	}

	if !t.manual {
		t.markReadyLocked(t.ver)
	}
	return t.ver
}

// MarkReady advances the ready version to v, waking waiters at or below it.
func (t *Topology) MarkReady(v Version) {
	t.mu.Lock()
	t.markReadyLocked(v)
	t.mu.Unlock()
}

func (t *Topology) markReadyLocked(v Version) {
	if !t.ready.Before(v) {
		return
	}
	t.ready = v
	kept := t.waiters[:0]
	for _, w := range t.waiters {
		if !t.ready.Before(w.ver) {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	t.waiters = kept
}

// ReadyVersion returns the latest version the affinity layer answers for.
func (t *Topology) ReadyVersion() Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Version returns the latest membership version, ready or not.
func (t *Topology) Version() Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ver
}

// AwaitReady blocks until the ready version reaches v or ctx is done.
func (t *Topology) AwaitReady(ctx context.Context, v Version) error {
	t.mu.Lock()
	if !t.ready.Before(v) {
		t.mu.Unlock()
		return nil
	}
	w := &topoWaiter{ver: v, ch: make(chan struct{})}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ch:
		return nil
	}
}

// Alive reports whether id is a member of the current topology.
func (t *Topology) Alive(id NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.members[id]
	return ok
}

// Nodes returns the ids of all current members.
func (t *Topology) Nodes() []NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]NodeID, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddrOf resolves a member's dial address.
func (t *Topology) AddrOf(id NodeID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[id]
	if !ok {
		return "", false
	}
	return m.Addr, true
}

// Snapshot returns the membership recorded at version v.
func (t *Topology) Snapshot(v Version) ([]*Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.snaps[v]
	return s, ok
}

// Subscribe registers fn for membership events and returns a cancel func.
// Events are delivered synchronously on the mutating goroutine; handlers
// must hand blocking work off.
func (t *Topology) Subscribe(fn func(Event)) func() {
	t.mu.Lock()
	t.subSeq++
	id := t.subSeq
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Topology) subsLocked() []func(Event) {
	out := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		out = append(out, fn)
	}
	return out
}

func emit(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
