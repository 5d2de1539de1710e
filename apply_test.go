package siphon

import (
	"errors"
	"testing"

	"github.com/unkn0wn-root/siphon/cluster"
)

func applyReq(t *testing.T, receiver string, entries []cluster.WireEntry) *cluster.MsgStream {
	t.Helper()
	rb, err := marshalReceiver(receiver)
	if err != nil {
		t.Fatalf("marshal receiver: %v", err)
	}
	return &cluster.MsgStream{
		Base:     cluster.Base{T: cluster.MTStream, ID: 1},
		Topic:    cluster.StreamTopic("client"),
		Cache:    "c",
		Receiver: rb,
		Entries:  entries,
		TopVer:   cluster.Version{Major: 1},
	}
}

func TestApplyHandlerPutAndRemove(t *testing.T) {
	store := NewMemStore[string, string]()
	kc := cluster.StringKeyCodec[string]{}
	vc := cluster.CBORCodec[string]{}
	h := NewApplyHandler[string, string]("c", store, kc, vc, nil)

	vb, err := vc.Encode("v1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	resp := h.Handle(applyReq(t, ReceiverIsolated, []cluster.WireEntry{
		{K: kc.EncodeKey("k1"), V: vb},
	}))
	if resp.Err != nil {
		t.Fatalf("apply failed: %v", decodeApplyError(resp))
	}
	if v, ok := store.Get("k1"); !ok || v != "v1" {
		t.Fatalf("store.Get(k1) = %q, %v", v, ok)
	}

	// a nil value is a removal.
	resp = h.Handle(applyReq(t, ReceiverIsolated, []cluster.WireEntry{
		{K: kc.EncodeKey("k1")},
	}))
	if resp.Err != nil {
		t.Fatalf("remove failed: %v", decodeApplyError(resp))
	}
	if _, ok := store.Get("k1"); ok {
		t.Fatal("k1 survived removal")
	}
}

func TestApplyHandlerIsolatedIsIdempotent(t *testing.T) {
	store := NewMemStore[string, string]()
	kc := cluster.StringKeyCodec[string]{}
	vc := cluster.CBORCodec[string]{}
	h := NewApplyHandler[string, string]("c", store, kc, vc, nil)

	v1, _ := vc.Encode("v1")
	v2, _ := vc.Encode("v2")

	req1 := applyReq(t, ReceiverIsolated, []cluster.WireEntry{{K: kc.EncodeKey("k"), V: v1}})
	req2 := applyReq(t, ReceiverIsolated, []cluster.WireEntry{{K: kc.EncodeKey("k"), V: v2}})
	h.Handle(req1)
	h.Handle(req2)
	h.Handle(req1) // redelivery

	if v, _ := store.Get("k"); v != "v1" {
		t.Fatalf("isolated apply changed an existing value: %q", v)
	}
}

func TestApplyHandlerRejectsUnknownReceiver(t *testing.T) {
	store := NewMemStore[string, string]()
	h := NewApplyHandler[string, string]("c", store,
		cluster.StringKeyCodec[string]{}, cluster.CBORCodec[string]{}, nil)

	resp := h.Handle(applyReq(t, "custom-not-registered", nil))
	if resp.Err == nil {
		t.Fatal("unknown receiver accepted")
	}
	if err := decodeApplyError(resp); !errors.Is(err, ErrUnknownReceiver) {
		t.Fatalf("err = %v, want ErrUnknownReceiver", err)
	}
}
