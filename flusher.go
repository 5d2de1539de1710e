package siphon

import (
	"container/heap"
	"sync"
	"time"
)

// autoFlusher is what the queue drives: TryFlush drains, flushDeadline
// reports the next due time in UnixNano (0 = deregistered).
type autoFlusher interface {
	TryFlush()
	flushDeadline() int64
}

type flushItem struct {
	at      int64 // next due time, UnixNano
	f       autoFlusher
	heapIdx int
}

type flushHeap []*flushItem

func (h flushHeap) Len() int           { return len(h) }
func (h flushHeap) Less(i, j int) bool { return h[i].at < h[j].at }
func (h flushHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *flushHeap) Push(x any) {
	it := x.(*flushItem)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}
func (h *flushHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	it.heapIdx = -1
	return it
}

// FlushQueue periodically invokes TryFlush on registered streamers whose
// last flush is older than their auto-flush interval. One queue can serve
// many streamers; each Streamer also creates a private one on demand.
type FlushQueue struct {
	mu    sync.Mutex
	h     flushHeap
	items map[autoFlusher]*flushItem

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewFlushQueue() *FlushQueue {
	q := &FlushQueue{
		items: make(map[autoFlusher]*flushItem),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	go q.loop()
	return q
}

// Close stops the background worker. Registered streamers are left as-is.
func (q *FlushQueue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *FlushQueue) add(f autoFlusher) {
	at := f.flushDeadline()
	if at == 0 {
		return
	}

	q.mu.Lock()
	if _, ok := q.items[f]; ok {
		q.mu.Unlock()
		return
	}
	it := &flushItem{at: at, f: f}
	heap.Push(&q.h, it)
	q.items[f] = it
	q.mu.Unlock()

	q.poke()
}

func (q *FlushQueue) remove(f autoFlusher) {
	q.mu.Lock()
	if it, ok := q.items[f]; ok {
		delete(q.items, f)
		if it.heapIdx >= 0 {
			heap.Remove(&q.h, it.heapIdx)
		}
	}
	q.mu.Unlock()
}

func (q *FlushQueue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// loop pops the earliest due streamer, try-flushes it outside the lock, and
// re-enqueues it at its next deadline. TryFlush must not propagate errors.
func (q *FlushQueue) loop() {
	for {
		q.mu.Lock()
		var (
			due  *flushItem
			wait time.Duration = -1
		)
		if len(q.h) > 0 {
			now := time.Now().UnixNano()
			top := q.h[0]
			if top.at <= now {
				due = heap.Pop(&q.h).(*flushItem)
				delete(q.items, due.f)
			} else {
				wait = time.Duration(top.at - now)
			}
		}
		q.mu.Unlock()

		if due != nil {
			due.f.TryFlush()
			if next := due.f.flushDeadline(); next > 0 {
				q.mu.Lock()
				if _, ok := q.items[due.f]; !ok {
					due.at = next
					heap.Push(&q.h, due)
					q.items[due.f] = due
				}
				q.mu.Unlock()
			}
			continue
		}

		if wait < 0 {
			select {
			case <-q.stop:
				return
			case <-q.wake:
			}
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-q.stop:
			t.Stop()
			return
		case <-q.wake:
			t.Stop()
		case <-t.C:
		}
	}
}
