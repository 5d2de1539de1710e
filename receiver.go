package siphon

import (
	"fmt"
	"sync"

	cbor "github.com/fxamacker/cbor/v2"
)

// Built-in receiver wire names.
const (
	// ReceiverIsolated writes initial values only (skip-if-present), the
	// fastest bulk-ingest mode. Removals still delete.
	ReceiverIsolated = "isolated"

	// ReceiverIndividual performs per-entry overwriting puts through the
	// normal cache path.
	ReceiverIndividual = "individual"
)

// Entry is one caller-supplied upsert or removal.
type Entry[K comparable, V any] struct {
	Key    K
	Val    V
	Remove bool
}

// Store is the server-side apply target: the subset of a cache the
// receivers need. MemStore implements it; real deployments adapt their
// storage layer.
type Store[K comparable, V any] interface {
	Put(key K, val V)
	PutIfAbsent(key K, val V) bool
	Delete(key K) bool
}

// Receiver applies one decoded batch on the destination node. Receivers are
// addressed on the wire by Name; both sides must register the same name.
type Receiver[K comparable, V any] interface {
	Name() string
	Receive(st Store[K, V], entries []Entry[K, V]) error
}

// IsolatedReceiver keeps existing entries untouched.
type IsolatedReceiver[K comparable, V any] struct{}

func (IsolatedReceiver[K, V]) Name() string { return ReceiverIsolated }

func (IsolatedReceiver[K, V]) Receive(st Store[K, V], entries []Entry[K, V]) error {
	for _, e := range entries {
		if e.Remove {
			st.Delete(e.Key)
			continue
		}
		st.PutIfAbsent(e.Key, e.Val)
	}
	return nil
}

// IndividualReceiver overwrites unconditionally.
type IndividualReceiver[K comparable, V any] struct{}

func (IndividualReceiver[K, V]) Name() string { return ReceiverIndividual }

func (IndividualReceiver[K, V]) Receive(st Store[K, V], entries []Entry[K, V]) error {
	for _, e := range entries {
		if e.Remove {
			st.Delete(e.Key)
			continue
		}
		st.Put(e.Key, e.Val)
	}
	return nil
}

// ReceiverRegistry resolves wire names to receivers on the apply side. The
// built-in receivers are pre-registered; custom receivers must be registered
// under the same name on every node that can own a partition.
type ReceiverRegistry[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[string]Receiver[K, V]
}

func NewReceiverRegistry[K comparable, V any]() *ReceiverRegistry[K, V] {
	r := &ReceiverRegistry[K, V]{m: make(map[string]Receiver[K, V])}
	r.Register(IsolatedReceiver[K, V]{})
	r.Register(IndividualReceiver[K, V]{})
	return r
}

func (r *ReceiverRegistry[K, V]) Register(rcvr Receiver[K, V]) {
	r.mu.Lock()
	r.m[rcvr.Name()] = rcvr
	r.mu.Unlock()
}

// Resolve returns the receiver registered under name.
func (r *ReceiverRegistry[K, V]) Resolve(name string) (Receiver[K, V], error) {
	r.mu.RLock()
	rcvr, ok := r.m[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownReceiver, name)
	}
	return rcvr, nil
}

// receiverDesc is the wire form of a receiver reference: a registered name
// plus optional opaque configuration. No code ships with it.
type receiverDesc struct {
	Name string `cbor:"n"`
	Cfg  []byte `cbor:"c,omitempty"`
}

func marshalReceiver(name string) ([]byte, error) {
	b, err := cbor.Marshal(&receiverDesc{Name: name})
	if err != nil {
		return nil, fmt.Errorf("%w: receiver: %v", ErrMarshal, err)
	}
	return b, nil
}

func unmarshalReceiverName(b []byte) (string, error) {
	var d receiverDesc
	if err := cbor.Unmarshal(b, &d); err != nil {
		return "", fmt.Errorf("%w: receiver: %v", ErrMarshal, err)
	}
	return d.Name, nil
}
