package siphon

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/unkn0wn-root/siphon/cluster"
)

// buffer accumulates entries bound for one destination node. Entries pile up
// under the buffer mutex until BufSize is reached, at which point the
// accumulator and its batch future are swapped out atomically and the taken
// batch is submitted outside the lock. Submissions are gated by a semaphore
// of ParallelOps permits; a permit is released when the batch future
// resolves, however it resolves.
type buffer[K comparable, V any] struct {
	s     *Streamer[K, V]
	node  cluster.NodeID
	isLoc bool

	mu      sync.Mutex
	pending []entry[K, V]
	curFut  *Future

	// reqs correlates request ids with their batch futures. Late responses
	// for ids already gone (remapped or torn down) are ignored.
	reqs    sync.Map // uint64 -> *Future
	locFuts sync.Map // *Future -> struct{}
	idGen   atomic.Uint64
	sem     *semaphore.Weighted
}

func newBuffer[K comparable, V any](s *Streamer[K, V], node cluster.NodeID) *buffer[K, V] {
	b := &buffer[K, V]{
		s:      s,
		node:   node,
		isLoc:  s.local != nil && node == s.topo.LocalNode(),
		curFut: newFuture(),
		sem:    semaphore.NewWeighted(int64(s.cfg.ParallelOps)),
	}
	b.pending = b.newEntries()
	return b
}

// newEntries allocates a fresh accumulator with room for overgrowth: one
// update may append more than the remaining capacity before the swap.
func (b *buffer[K, V]) newEntries() []entry[K, V] {
	return make([]entry[K, V], 0, b.s.cfg.BufSize+b.s.cfg.BufSize/5)
}

// update registers lsnr on the current batch future, appends newEntries, and
// submits the accumulated batch when it reached BufSize. Returns the
// submitted batch's future, or nil when nothing overflowed. The returned
// error means the submit was interrupted (streamer cancelled); the batch
// future is already failed in that case.
func (b *buffer[K, V]) update(newEntries []entry[K, V], ver cluster.Version, lsnr func(error)) (*Future, error) {
	var (
		take []entry[K, V]
		old  *Future
	)

	b.mu.Lock()
	cur := b.curFut
	cur.listen(lsnr)
	b.pending = append(b.pending, newEntries...)
	if len(b.pending) >= b.s.cfg.BufSize {
		take = b.pending
		b.pending = b.newEntries()
		old = cur
		b.curFut = newFuture()
	}
	b.mu.Unlock()

	if take == nil {
		return nil, nil
	}

	if err := b.submit(take, ver, old); err != nil {
		old.complete(err)
		return nil, err
	}

	// the streamer may have been cancelled or detached while submit ran;
	// settle the batch now rather than waiting for an ack that may never
	// arrive.
	if b.s.cancelled.Load() {
		old.complete(opErr("update", b.s.cfg.Cache, ErrCancelled))
	} else if dcErr := b.s.disconnectErr(); dcErr != nil {
		old.complete(dcErr)
	}
	return old, nil
}

// flush submits whatever accumulated and returns a future resolving when
// every local task and in-flight request of this buffer resolves. Nil when
// nothing is outstanding.
func (b *buffer[K, V]) flush() *Future {
	var (
		take []entry[K, V]
		old  *Future
	)

	b.mu.Lock()
	if len(b.pending) > 0 {
		take = b.pending
		b.pending = b.newEntries()
		old = b.curFut
		b.curFut = newFuture()
	}
	b.mu.Unlock()

	if take != nil {
		if err := b.submit(take, b.s.topo.ReadyVersion(), old); err != nil {
			old.complete(err)
		}
	}

	var futs []*Future
	b.locFuts.Range(func(k, _ any) bool {
		futs = append(futs, k.(*Future))
		return true
	})
	b.reqs.Range(func(_, v any) bool {
		futs = append(futs, v.(*Future))
		return true
	})
	return compound(futs)
}

// submit acquires a parallel-ops permit and dispatches the batch: local
// destinations run the receiver in-process, remote ones are marshalled and
// handed to the transport. Marshal and send failures settle fut directly; an
// error return means the permit acquire was interrupted.
func (b *buffer[K, V]) submit(entries []entry[K, V], ver cluster.Version, fut *Future) error {
	if err := b.sem.Acquire(b.s.ctx, 1); err != nil {
		return opErr("submit", b.s.cfg.Cache, fmt.Errorf("%w: %v", ErrCancelled, err))
	}
	fut.listen(func(error) { b.sem.Release(1) })

	b.s.met.batchSent(string(b.node))

	if b.isLoc {
		b.locFuts.Store(fut, struct{}{})
		go func() {
			err := b.s.applyLocal(entries)
			b.locFuts.Delete(fut)
			fut.complete(err)
		}()
		return nil
	}

	wes := make([]cluster.WireEntry, len(entries))
	for i, e := range entries {
		we := cluster.WireEntry{K: e.kb}
		if !e.e.Remove {
			vb, err := b.s.codec.Encode(e.e.Val)
			if err != nil {
				fut.complete(opErr("submit", b.s.cfg.Cache, fmt.Errorf("%w: value: %v", ErrMarshal, err)))
				return nil
			}
			we.V = vb
		}
		wes[i] = we
	}

	rb, err := b.s.receiverBytes()
	if err != nil {
		fut.complete(opErr("submit", b.s.cfg.Cache, err))
		return nil
	}

	id := b.idGen.Add(1)
	b.reqs.Store(id, fut)

	req := &cluster.MsgStream{
		Base:      cluster.Base{T: cluster.MTStream, ID: id},
		Topic:     b.s.topic,
		Cache:     b.s.cfg.Cache,
		Receiver:  rb,
		Entries:   wes,
		IgnoreDep: true,
		SkipStore: b.s.cfg.SkipStore,
		TopVer:    ver,
	}

	if err := b.s.tr.Send(b.node, req); err != nil {
		b.reqs.Delete(id)
		if b.s.topo.Alive(b.node) {
			fut.complete(opErr("send", b.s.cfg.Cache, err))
		} else {
			fut.complete(opErr("send", b.s.cfg.Cache,
				fmt.Errorf("%w: node %s: %v", ErrTopologyStale, b.node, err)))
		}
	}
	return nil
}

// onResponse settles the request the acknowledgment names. Unknown ids are
// late responses after a remap or teardown and are dropped.
func (b *buffer[K, V]) onResponse(resp *cluster.MsgStreamResp) {
	v, ok := b.reqs.LoadAndDelete(resp.ID)
	if !ok {
		return
	}
	v.(*Future).complete(decodeApplyError(resp))
}

// onNodeLeft fails every outstanding batch future with a topology error.
// Called after the buffer was detached from the streamer's map, once the
// affinity layer is ready at the departure version; remaps then route the
// entries to a freshly created buffer.
func (b *buffer[K, V]) onNodeLeft() {
	err := opErr("send", b.s.cfg.Cache,
		fmt.Errorf("%w: node %s left", ErrTopologyStale, b.node))

	b.reqs.Range(func(k, v any) bool {
		b.reqs.Delete(k)
		v.(*Future).complete(err)
		return true
	})

	b.mu.Lock()
	cur := b.curFut
	b.mu.Unlock()
	cur.complete(err)
}

// cancelAll fails every outstanding future, submitted or still accumulating.
func (b *buffer[K, V]) cancelAll(err error) {
	if err == nil {
		err = opErr("cancel", b.s.cfg.Cache, ErrCancelled)
	}

	b.locFuts.Range(func(k, _ any) bool {
		k.(*Future).complete(err)
		return true
	})
	b.reqs.Range(func(k, v any) bool {
		b.reqs.Delete(k)
		v.(*Future).complete(err)
		return true
	})

	b.mu.Lock()
	cur := b.curFut
	b.mu.Unlock()
	cur.complete(err)
}
