package siphon

import (
	"github.com/unkn0wn-root/siphon/cluster"
)

// ApplyHandler is the server half of the streamer protocol: it decodes a
// stream request, resolves the named receiver, and applies the batch against
// the node's store. Every entry is decoded before any is applied, so a
// malformed entry rejects the whole batch; the receiver then applies the
// entries one by one, and a receiver error leaves earlier entries applied.
// Apply is idempotent under the isolated receiver, which makes at-least-once
// delivery safe.
type ApplyHandler[K comparable, V any] struct {
	cache string
	store Store[K, V]
	kc    cluster.KeyCodec[K]
	codec cluster.Codec[V]
	rcvrs *ReceiverRegistry[K, V]
}

// NewApplyHandler builds the apply side for one cache. A nil registry gets
// the built-in receivers.
func NewApplyHandler[K comparable, V any](
	cache string,
	store Store[K, V],
	kc cluster.KeyCodec[K],
	codec cluster.Codec[V],
	rcvrs *ReceiverRegistry[K, V],
) *ApplyHandler[K, V] {
	if rcvrs == nil {
		rcvrs = NewReceiverRegistry[K, V]()
	}
	return &ApplyHandler[K, V]{
		cache: cache,
		store: store,
		kc:    kc,
		codec: codec,
		rcvrs: rcvrs,
	}
}

// Handle implements cluster.ApplyFunc. The response carries a marshalled
// error on failure; nil error bytes acknowledge success.
func (h *ApplyHandler[K, V]) Handle(req *cluster.MsgStream) *cluster.MsgStreamResp {
	name, err := unmarshalReceiverName(req.Receiver)
	if err != nil {
		return &cluster.MsgStreamResp{Err: encodeApplyError(err)}
	}

	rcvr, err := h.rcvrs.Resolve(name)
	if err != nil {
		// unknown receiver: the sender references code this node does not
		// carry. Non-retryable.
		return &cluster.MsgStreamResp{Err: encodeApplyError(err)}
	}

	entries := make([]Entry[K, V], 0, len(req.Entries))
	for _, we := range req.Entries {
		k, err := h.kc.DecodeKey(we.K)
		if err != nil {
			return &cluster.MsgStreamResp{Err: encodeApplyError(err)}
		}

		e := Entry[K, V]{Key: k}
		if we.V == nil {
			e.Remove = true
		} else {
			v, err := h.codec.Decode(we.V)
			if err != nil {
				return &cluster.MsgStreamResp{Err: encodeApplyError(err)}
			}
			e.Val = v
		}
		entries = append(entries, e)
	}

	if err := rcvr.Receive(h.store, entries); err != nil {
		return &cluster.MsgStreamResp{Err: encodeApplyError(err)}
	}
	return &cluster.MsgStreamResp{}
}
