// Package siphon is a client-side bulk ingestion engine for a partitioned
// key-value cluster. A Streamer accepts a stream of upserts and removals,
// routes every entry to its owning nodes at the current topology version,
// batches per destination, bounds in-flight batches per node, and re-routes
// batches whose destination changed mid-flight. Delivery is at-least-once;
// the default isolated receiver makes re-delivery idempotent by writing
// initial values only.
package siphon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/siphon/cluster"
)

// Topology is the membership view the streamer routes against.
type Topology interface {
	LocalNode() cluster.NodeID
	ReadyVersion() cluster.Version
	Version() cluster.Version
	Alive(id cluster.NodeID) bool
	Nodes() []cluster.NodeID
	AwaitReady(ctx context.Context, v cluster.Version) error
	Subscribe(fn func(cluster.Event)) func()
}

// Affinity maps an encoded key to its owners at a topology version. Answers
// must be stable for a given (cache, key, version).
type Affinity interface {
	MapPrimaryAndBackups(cache string, key []byte, v cluster.Version) []cluster.NodeID
	MapPrimary(cache string, key []byte, v cluster.Version) (cluster.NodeID, bool)
}

// Transport dispatches stream requests and delivers acknowledgments to the
// topic listener registered by the streamer.
type Transport interface {
	Listen(topic []byte, h cluster.Handler) func()
	Send(node cluster.NodeID, req *cluster.MsgStream) error
}

// Cluster bundles the collaborators a Streamer runs against. Topology,
// Affinity, Transport and both codecs are required. Local is the apply
// target when this process itself owns partitions; leave it nil for pure
// clients. FlushQueue may be shared across streamers; when nil one is
// created on demand.
type Cluster[K comparable, V any] struct {
	Topology   Topology
	Affinity   Affinity
	Transport  Transport
	Keys       cluster.KeyCodec[K]
	Values     cluster.Codec[V]
	Local      Store[K, V]
	FlushQueue *FlushQueue
}

// entry is an ingested Entry with its encoded key, computed once at ingress
// and reused across routing, hashing, and resubmits.
type entry[K comparable, V any] struct {
	e  Entry[K, V]
	kb []byte
}

// claims counts outstanding per-destination acknowledgments for one
// operation. An operation future resolves successfully when every claim
// settled; a remap atomically moves a failed group's claims onto the new
// destinations so no window exists where the count is prematurely zero.
type claims struct {
	mu      sync.Mutex
	rem     int
	settled bool
}

func (c *claims) add(n int) {
	c.mu.Lock()
	c.rem += n
	c.mu.Unlock()
}

func (c *claims) move(released, added int) {
	c.mu.Lock()
	c.rem += added - released
	c.mu.Unlock()
}

func (c *claims) settle(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rem -= n
	if c.rem == 0 && !c.settled {
		c.settled = true
		return true
	}
	return false
}

// Streamer is the user-facing ingestion controller. It owns one buffer per
// destination node, the set of unresolved operation futures, and the remap
// loop. Safe for concurrent use.
type Streamer[K comparable, V any] struct {
	cfg   Config
	topo  Topology
	aff   Affinity
	tr    Transport
	kc    cluster.KeyCodec[K]
	codec cluster.Codec[V]
	local Store[K, V]

	topic []byte

	rcvrMu    sync.Mutex
	rcvr      Receiver[K, V]
	rcvrBytes []byte

	bufs sync.Map // cluster.NodeID -> *buffer[K, V]

	activeMu sync.Mutex
	active   map[*Future]struct{}

	// busy is the ingress gate: operations hold the read side, close flips
	// closed and takes the write side so teardown sees no mid-flight
	// ingress.
	busy      sync.RWMutex
	closed    atomic.Bool
	cancelled atomic.Bool

	dcMu  sync.Mutex
	dcErr error

	term *Future

	lastFlush atomic.Int64
	flushIv   atomic.Int64
	fqMu      sync.Mutex
	fq        *FlushQueue
	ownFQ     bool

	ctx    context.Context
	cancel context.CancelFunc

	unsub    func()
	unlisten func()

	met *streamMetrics
	log *slog.Logger

	warnOnce sync.Once
}

// New creates a Streamer over cl. The streamer immediately subscribes to
// topology events and registers its response topic with the transport.
func New[K comparable, V any](cfg Config, cl Cluster[K, V]) (*Streamer[K, V], error) {
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cl.Topology == nil || cl.Affinity == nil || cl.Transport == nil {
		return nil, errors.New("topology, affinity and transport are required")
	}
	if cl.Keys == nil || cl.Values == nil {
		return nil, errors.New("key and value codecs are required")
	}

	met, err := newStreamMetrics(cfg.Cache)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Streamer[K, V]{
		cfg:    cfg,
		topo:   cl.Topology,
		aff:    cl.Affinity,
		tr:     cl.Transport,
		kc:     cl.Keys,
		codec:  cl.Values,
		local:  cl.Local,
		topic:  cluster.StreamTopic(cl.Topology.LocalNode()),
		active: make(map[*Future]struct{}),
		term:   newFuture(),
		ctx:    ctx,
		cancel: cancel,
		fq:     cl.FlushQueue,
		met:    met,
		log:    cfg.Logger,
	}

	if cfg.AllowOverwrite {
		s.rcvr = IndividualReceiver[K, V]{}
	} else {
		s.rcvr = IsolatedReceiver[K, V]{}
	}

	s.lastFlush.Store(time.Now().UnixNano())
	s.flushIv.Store(int64(cfg.AutoFlushInterval))

	s.unlisten = cl.Transport.Listen(s.topic, s.onResponse)
	s.unsub = cl.Topology.Subscribe(s.onTopologyEvent)

	if cfg.AutoFlushInterval > 0 {
		s.fqMu.Lock()
		if s.fq == nil {
			s.fq = NewFlushQueue()
			s.ownFQ = true
		}
		s.fq.add(s)
		s.fqMu.Unlock()
	}
	return s, nil
}

// Future resolves when the streamer finished closing, with the close error
// if any.
func (s *Streamer[K, V]) Future() *Future { return s.term }

func (s *Streamer[K, V]) Cache() string    { return s.cfg.Cache }
func (s *Streamer[K, V]) BufSize() int     { return s.cfg.BufSize }
func (s *Streamer[K, V]) ParallelOps() int { return s.cfg.ParallelOps }
func (s *Streamer[K, V]) SkipStore() bool  { return s.cfg.SkipStore }
func (s *Streamer[K, V]) MaxRemap() int    { return *s.cfg.MaxRemap }
func (s *Streamer[K, V]) IsClosed() bool   { return s.closed.Load() }

// Overwrite reports whether the streamer runs the overwriting receiver.
func (s *Streamer[K, V]) Overwrite() bool { return s.overwriteEnabled() }

func (s *Streamer[K, V]) overwriteEnabled() bool {
	s.rcvrMu.Lock()
	defer s.rcvrMu.Unlock()
	return s.rcvr.Name() != ReceiverIsolated
}

// AllowOverwrite switches between the isolated receiver (write-if-absent,
// replicated routing) and the individual receiver (overwriting puts,
// primary-only routing). At least one server node must host the cache.
func (s *Streamer[K, V]) AllowOverwrite(allow bool) error {
	s.rcvrMu.Lock()
	defer s.rcvrMu.Unlock()
	if allow == (s.rcvr.Name() != ReceiverIsolated) {
		return nil
	}
	if len(s.topo.Nodes()) == 0 {
		return opErr("receiver", s.cfg.Cache,
			fmt.Errorf("%w: no server node hosts the cache", ErrTopologyEmpty))
	}

	if allow {
		s.rcvr = IndividualReceiver[K, V]{}
	} else {
		s.rcvr = IsolatedReceiver[K, V]{}
	}
	s.rcvrBytes = nil
	return nil
}

// SetReceiver installs a custom receiver; the same name must be registered
// on every server node. A non-isolated receiver implies overwrite routing.
func (s *Streamer[K, V]) SetReceiver(r Receiver[K, V]) {
	s.rcvrMu.Lock()
	s.rcvr = r
	s.rcvrBytes = nil
	s.rcvrMu.Unlock()
}

func (s *Streamer[K, V]) receiverBytes() ([]byte, error) {
	s.rcvrMu.Lock()
	defer s.rcvrMu.Unlock()
	if s.rcvrBytes != nil {
		return s.rcvrBytes, nil
	}
	b, err := marshalReceiver(s.rcvr.Name())
	if err != nil {
		return nil, err
	}
	s.rcvrBytes = b
	return b, nil
}

func (s *Streamer[K, V]) enterBusy() error {
	s.busy.RLock()
	if s.closed.Load() {
		s.busy.RUnlock()
		if err := s.disconnectErr(); err != nil {
			return err
		}
		return opErr("enter", s.cfg.Cache, ErrClosed)
	}
	return nil
}

func (s *Streamer[K, V]) leaveBusy() { s.busy.RUnlock() }

func (s *Streamer[K, V]) disconnectErr() error {
	s.dcMu.Lock()
	defer s.dcMu.Unlock()
	return s.dcErr
}

// AddKV streams one upsert.
func (s *Streamer[K, V]) AddKV(key K, val V) (*Future, error) {
	return s.AddEntries([]Entry[K, V]{{Key: key, Val: val}})
}

// Add streams a set of upserts.
func (s *Streamer[K, V]) Add(entries map[K]V) (*Future, error) {
	es := make([]Entry[K, V], 0, len(entries))
	for k, v := range entries {
		es = append(es, Entry[K, V]{Key: k, Val: v})
	}
	return s.AddEntries(es)
}

// Remove streams a removal for key.
func (s *Streamer[K, V]) Remove(key K) (*Future, error) {
	return s.AddEntries([]Entry[K, V]{{Key: key, Remove: true}})
}

// AddEntries streams a batch of upserts/removals. The returned future
// resolves once every destination acknowledged every entry, or fails with
// the first terminal error.
func (s *Streamer[K, V]) AddEntries(es []Entry[K, V]) (*Future, error) {
	if len(es) == 0 {
		return nil, opErr("add", s.cfg.Cache, errors.New("no entries"))
	}
	if err := s.enterBusy(); err != nil {
		return nil, err
	}
	defer s.leaveBusy()

	if !s.overwriteEnabled() {
		s.warnOnce.Do(func() {
			if s.log != nil {
				s.log.Info("streamer will not overwrite existing cache entries for better performance (enable AllowOverwrite to change)",
					slog.String("cache", s.cfg.Cache))
			}
		})
	}

	ents := make([]entry[K, V], len(es))
	for i, e := range es {
		ents[i] = entry[K, V]{e: e, kb: s.kc.EncodeKey(e.Key)}
	}

	resFut := newFuture()
	s.trackActive(resFut)
	s.met.entriesAdded(len(es))

	s.load(ents, resFut, &claims{}, 0, false)
	return resFut, nil
}

func (s *Streamer[K, V]) trackActive(f *Future) {
	s.activeMu.Lock()
	s.active[f] = struct{}{}
	s.activeMu.Unlock()

	f.listen(func(error) {
		s.activeMu.Lock()
		delete(s.active, f)
		s.activeMu.Unlock()
	})
}

// nodesFor asks the affinity oracle for the destinations of one encoded key:
// the primary only under overwrite, the whole replica set otherwise.
func (s *Streamer[K, V]) nodesFor(kb []byte, ver cluster.Version) []cluster.NodeID {
	if s.overwriteEnabled() {
		if n, ok := s.aff.MapPrimary(s.cfg.Cache, kb, ver); ok {
			return []cluster.NodeID{n}
		}
		return nil
	}
	return s.aff.MapPrimaryAndBackups(s.cfg.Cache, kb, ver)
}

// load routes entries at the ready topology version and wires the remap
// loop: a retryable batch failure re-enters load with the budget spent so
// far; the rest fail the operation. reroute marks re-entries so the claims
// moved off the failed destination land on the new grouping atomically.
func (s *Streamer[K, V]) load(entries []entry[K, V], resFut *Future, cl *claims, remaps int, reroute bool) {
	ver := s.topo.ReadyVersion()

	groups := make(map[cluster.NodeID][]entry[K, V])
	for _, e := range entries {
		nodes := s.nodesFor(e.kb, ver)
		if len(nodes) == 0 {
			resFut.complete(opErr("map", s.cfg.Cache,
				fmt.Errorf("%w at topology %+v", ErrTopologyEmpty, ver)))
			return
		}
		for _, n := range nodes {
			groups[n] = append(groups[n], e)
		}
	}

	added := 0
	for _, g := range groups {
		added += len(g)
	}
	if reroute {
		cl.move(len(entries), added)
	} else {
		cl.add(added)
	}

	for node, group := range groups {
		// per-iteration copies: the listener below outlives this iteration,
		// and the module's go version shares loop variables across iterations.
		node, group := node, group
		buf := s.bufferFor(node)

		lsnr := func(err error) {
			if err == nil {
				if cl.settle(len(group)) {
					resFut.complete(nil)
				}
				return
			}
			if errors.Is(err, ErrDisconnected) {
				resFut.complete(err)
				return
			}
			if s.cancelled.Load() {
				resFut.complete(opErr("add", s.cfg.Cache,
					fmt.Errorf("%w: %v", ErrCancelled, err)))
				return
			}
			if remappable(err) {
				if remaps+1 > *s.cfg.MaxRemap {
					resFut.complete(opErr("add", s.cfg.Cache,
						fmt.Errorf("%w (%d): %v", ErrRemapExceeded, remaps, err)))
					return
				}
				s.met.remapped()
				if s.log != nil {
					s.log.Debug("remapping batch",
						slog.String("node", string(node)), slog.Int("remaps", remaps+1))
				}
				// re-enter routing off the response path so the transport
				// read loop never blocks on a permit acquire.
				go s.load(group, resFut, cl, remaps+1, true)
				return
			}
			resFut.complete(err)
		}

		f, err := buf.update(group, ver, lsnr)
		if err != nil {
			resFut.complete(err)
			return
		}

		// the affinity snapshot and the liveness check are separate steps; a
		// node may depart between them. Detect it here and let the remap
		// loop handle the race like any other departure.
		if !s.topo.Alive(node) {
			if s.bufs.CompareAndDelete(node, buf) {
				stale := opErr("send", s.cfg.Cache,
					fmt.Errorf("%w: node %s left", ErrTopologyStale, node))
				go func() {
					_ = s.topo.AwaitReady(s.ctx, s.topo.Version())
					buf.onNodeLeft()
					if f != nil {
						f.complete(stale)
					}
				}()
			}
		}
	}
}

// bufferFor returns the buffer for node, creating it when absent; the first
// concurrent creator wins.
func (s *Streamer[K, V]) bufferFor(node cluster.NodeID) *buffer[K, V] {
	if v, ok := s.bufs.Load(node); ok {
		return v.(*buffer[K, V])
	}
	nb := newBuffer(s, node)
	if v, loaded := s.bufs.LoadOrStore(node, nb); loaded {
		return v.(*buffer[K, V])
	}
	return nb
}

// applyLocal runs the current receiver against the local store, bypassing
// the transport for batches whose destination is this process.
func (s *Streamer[K, V]) applyLocal(entries []entry[K, V]) error {
	if s.local == nil {
		return opErr("apply", s.cfg.Cache,
			fmt.Errorf("%w: no local store configured", ErrServerApply))
	}

	es := make([]Entry[K, V], len(entries))
	for i, e := range entries {
		es[i] = e.e
	}

	s.rcvrMu.Lock()
	rcvr := s.rcvr
	s.rcvrMu.Unlock()

	if err := rcvr.Receive(s.local, es); err != nil {
		return opErr("apply", s.cfg.Cache, fmt.Errorf("%w: %v", ErrServerApply, err))
	}
	return nil
}

// onResponse routes an acknowledgment to the buffer of the node that sent
// it. Responses from nodes whose buffer is gone are late and ignored.
func (s *Streamer[K, V]) onResponse(from cluster.NodeID, resp *cluster.MsgStreamResp) {
	if v, ok := s.bufs.Load(from); ok {
		v.(*buffer[K, V]).onResponse(resp)
	} else if s.log != nil {
		s.log.Debug("dropping response for detached node", slog.String("node", string(from)))
	}
}

// onTopologyEvent redistributes a departed node's buffer once the affinity
// layer answers for the departure version, and tears the streamer down on
// disconnect.
func (s *Streamer[K, V]) onTopologyEvent(ev cluster.Event) {
	switch ev.Type {
	case cluster.EvtNodeLeft, cluster.EvtNodeFailed:
		if v, ok := s.bufs.LoadAndDelete(ev.Node); ok {
			buf := v.(*buffer[K, V])
			go func() {
				// waiting for readiness keeps the remap from looping on the
				// stale view the departure invalidated.
				_ = s.topo.AwaitReady(s.ctx, ev.Ver)
				buf.onNodeLeft()
			}()
		}
	case cluster.EvtDisconnected:
		go s.onDisconnected()
	}
}

// onDisconnected fails all outstanding work with the disconnect cause and
// closes with cancellation. Later ingress keeps returning the recorded
// error.
func (s *Streamer[K, V]) onDisconnected() {
	err := opErr("disconnect", s.cfg.Cache, ErrDisconnected)

	s.dcMu.Lock()
	if s.dcErr == nil {
		s.dcErr = err
	}
	s.dcMu.Unlock()

	s.bufs.Range(func(_, v any) bool {
		v.(*buffer[K, V]).cancelAll(err)
		return true
	})
	_ = s.closeEx(true, err)
}

// Flush blocks until every pending batch is acknowledged and every prior
// operation future resolved. Failed operations surface their error after the
// current sweep drained.
func (s *Streamer[K, V]) Flush(ctx context.Context) error {
	if err := s.enterBusy(); err != nil {
		return err
	}
	defer s.leaveBusy()
	return s.doFlush(ctx)
}

func (s *Streamer[K, V]) doFlush(ctx context.Context) error {
	start := time.Now()
	defer s.met.flushDone(start)

	s.lastFlush.Store(time.Now().UnixNano())

	var pend []*Future
	s.activeMu.Lock()
	for f := range s.active {
		if !f.isDone() {
			pend = append(pend, f)
		}
	}
	s.activeMu.Unlock()
	if len(pend) == 0 {
		return nil
	}

	for {
		var futs []*Future
		s.bufs.Range(func(_, v any) bool {
			if ff := v.(*buffer[K, V]).flush(); ff != nil {
				futs = append(futs, ff)
			}
			return true
		})

		hadErr := false
		for _, f := range futs {
			if err := f.Wait(ctx); err != nil {
				if errors.Is(err, ErrDisconnected) ||
					errors.Is(err, context.Canceled) ||
					errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				hadErr = true
			}
		}
		if hadErr {
			// failed batches re-enter routing; sweep the re-buffered
			// entries too.
			continue
		}

		done := 0
		for _, f := range pend {
			if !f.isDone() {
				break
			}
			if err := f.Err(); err != nil {
				return err
			}
			done++
		}
		if done == len(pend) {
			return nil
		}

		if len(futs) == 0 {
			// nothing outstanding in any buffer yet an operation is still
			// unresolved: a remap is being re-routed and may have re-buffered
			// its entries below the overflow threshold, where only the next
			// sweep submits them. Wait briefly, then re-sweep; blocking on
			// the operation future here would park the flush for good.
			var w *Future
			for _, f := range pend {
				if !f.isDone() {
					w = f
					break
				}
			}
			if w != nil {
				t := time.NewTimer(10 * time.Millisecond)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-w.Done():
					t.Stop()
				case <-t.C:
				}
			}
		}
	}
}

// TryFlush submits whatever accumulated without waiting for acknowledgments.
// Safe to call periodically; does nothing once closing began.
func (s *Streamer[K, V]) TryFlush() {
	if !s.busy.TryRLock() {
		return
	}
	defer s.busy.RUnlock()
	if s.closed.Load() {
		return
	}

	s.bufs.Range(func(_, v any) bool {
		_ = v.(*buffer[K, V]).flush()
		return true
	})
	s.lastFlush.Store(time.Now().UnixNano())
}

// SetAutoFlushInterval registers the streamer with the auto-flush scheduler
// (d > 0) or deregisters it (d == 0).
func (s *Streamer[K, V]) SetAutoFlushInterval(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("autoFlushInterval must be >= 0, got %v", d)
	}

	old := time.Duration(s.flushIv.Swap(int64(d)))
	if d == old {
		return nil
	}

	s.fqMu.Lock()
	defer s.fqMu.Unlock()
	switch {
	case d > 0 && old == 0:
		if s.fq == nil {
			s.fq = NewFlushQueue()
			s.ownFQ = true
		}
		s.fq.add(s)
	case d == 0 && s.fq != nil:
		s.fq.remove(s)
	}
	return nil
}

// flushDeadline implements autoFlusher.
func (s *Streamer[K, V]) flushDeadline() int64 {
	iv := s.flushIv.Load()
	if iv <= 0 || s.closed.Load() {
		return 0
	}
	return s.lastFlush.Load() + iv
}

// Close shuts the streamer down. cancel=false performs a final drain;
// cancel=true aborts in-flight batches and interrupts permit waiters.
// Idempotent: only the first call does work.
func (s *Streamer[K, V]) Close(cancel bool) error {
	return s.closeEx(cancel, nil)
}

func (s *Streamer[K, V]) closeEx(cancel bool, cause error) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// interrupt permit waiters before taking the exclusive busy token: an
	// ingress call blocked on a permit holds the shared token and would
	// never release it otherwise.
	if cancel {
		s.cancelled.Store(true)
		s.cancel()
	}

	s.busy.Lock()
	defer s.busy.Unlock()

	if s.log != nil {
		s.log.Debug("closing streamer",
			slog.String("cache", s.cfg.Cache), slog.Bool("cancel", cancel))
	}

	var err error
	if cancel {
		s.bufs.Range(func(_, v any) bool {
			v.(*buffer[K, V]).cancelAll(cause)
			return true
		})
	} else {
		err = s.doFlush(context.Background())
		s.cancel()
	}

	s.unsub()
	s.unlisten()

	s.fqMu.Lock()
	if s.fq != nil {
		s.fq.remove(s)
		if s.ownFQ {
			s.fq.Close()
		}
	}
	s.fqMu.Unlock()

	if err == nil {
		err = cause
	}
	s.term.complete(err)
	return err
}
