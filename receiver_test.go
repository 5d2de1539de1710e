package siphon

import (
	"errors"
	"testing"
)

func TestIsolatedReceiverKeepsExisting(t *testing.T) {
	st := NewMemStore[string, string]()
	st.Put("k", "old")

	r := IsolatedReceiver[string, string]{}
	if err := r.Receive(st, []Entry[string, string]{
		{Key: "k", Val: "new"},
		{Key: "fresh", Val: "v"},
	}); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if v, _ := st.Get("k"); v != "old" {
		t.Fatalf("existing entry overwritten: %q", v)
	}
	if v, _ := st.Get("fresh"); v != "v" {
		t.Fatalf("fresh entry missing: %q", v)
	}
}

func TestIsolatedReceiverDeletes(t *testing.T) {
	st := NewMemStore[string, string]()
	st.Put("k", "v")

	r := IsolatedReceiver[string, string]{}
	if err := r.Receive(st, []Entry[string, string]{{Key: "k", Remove: true}}); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, ok := st.Get("k"); ok {
		t.Fatal("removal ignored")
	}
}

func TestIndividualReceiverOverwrites(t *testing.T) {
	st := NewMemStore[string, string]()
	st.Put("k", "old")

	r := IndividualReceiver[string, string]{}
	if err := r.Receive(st, []Entry[string, string]{{Key: "k", Val: "new"}}); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if v, _ := st.Get("k"); v != "new" {
		t.Fatalf("value = %q, want new", v)
	}
}

func TestReceiverRegistryResolve(t *testing.T) {
	reg := NewReceiverRegistry[string, string]()

	for _, name := range []string{ReceiverIsolated, ReceiverIndividual} {
		r, err := reg.Resolve(name)
		if err != nil || r.Name() != name {
			t.Fatalf("Resolve(%q) = %v, %v", name, r, err)
		}
	}

	if _, err := reg.Resolve("nope"); !errors.Is(err, ErrUnknownReceiver) {
		t.Fatalf("err = %v, want ErrUnknownReceiver", err)
	}
}

func TestReceiverWireRoundTrip(t *testing.T) {
	b, err := marshalReceiver(ReceiverIsolated)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	name, err := unmarshalReceiverName(b)
	if err != nil || name != ReceiverIsolated {
		t.Fatalf("unmarshal = %q, %v", name, err)
	}
}
