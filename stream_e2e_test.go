package siphon

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/unkn0wn-root/siphon/cluster"
)

// end-to-end over loopback TCP: real topology, affinity, transport, server.
func TestStreamOverTCP(t *testing.T) {
	store := NewMemStore[string, []byte]()
	handler := NewApplyHandler[string, []byte]("c", store,
		cluster.StringKeyCodec[string]{}, cluster.BytesCodec{}, nil)

	srv := cluster.NewServer("127.0.0.1:0", handler.Handle, cluster.DefaultServerConfig())
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	topo := cluster.NewTopology("client-1")
	topo.Join("srv-1", srv.Addr())

	aff := cluster.NewAffinity(topo, 1)
	tr := cluster.NewTransport("client-1", topo.AddrOf, cluster.DefaultTransportConfig())
	defer tr.Close()

	s, err := New(Config{Cache: "c", BufSize: 1}, Cluster[string, []byte]{
		Topology:  topo,
		Affinity:  aff,
		Transport: tr,
		Keys:      cluster.StringKeyCodec[string]{},
		Values:    cluster.BytesCodec{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(true)

	fut, err := s.AddKV("k", []byte("v"))
	if err != nil {
		t.Fatalf("AddKV: %v", err)
	}
	if err := waitFut(t, fut, 5*time.Second); err != nil {
		t.Fatalf("operation future: %v", err)
	}
	if v, ok := store.Get("k"); !ok || string(v) != "v" {
		t.Fatalf("store.Get(k) = %q, %v", v, ok)
	}

	rm, err := s.Remove("k")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := waitFut(t, rm, 5*time.Second); err != nil {
		t.Fatalf("remove future: %v", err)
	}
	if _, ok := store.Get("k"); ok {
		t.Fatal("k survived removal")
	}

	if err := s.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// a buffered batch crosses the wire on flush, not on add.
func TestStreamOverTCPFlushDrains(t *testing.T) {
	store := NewMemStore[string, []byte]()
	handler := NewApplyHandler[string, []byte]("c", store,
		cluster.StringKeyCodec[string]{}, cluster.BytesCodec{}, nil)

	srv := cluster.NewServer("127.0.0.1:0", handler.Handle, cluster.DefaultServerConfig())
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	topo := cluster.NewTopology("client-2")
	topo.Join("srv-1", srv.Addr())

	s, err := New(Config{Cache: "c"}, Cluster[string, []byte]{
		Topology:  topo,
		Affinity:  cluster.NewAffinity(topo, 1),
		Transport: cluster.NewTransport("client-2", topo.AddrOf, cluster.DefaultTransportConfig()),
		Keys:      cluster.StringKeyCodec[string]{},
		Values:    cluster.BytesCodec{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(true)

	const n = 100
	futs := make([]*Future, 0, n)
	for i := 0; i < n; i++ {
		f, err := s.AddKV(fmt.Sprintf("k%03d", i), []byte("v"))
		if err != nil {
			t.Fatalf("AddKV: %v", err)
		}
		futs = append(futs, f)
	}

	if store.Len() == n {
		t.Fatal("entries applied before flush despite empty buffer headroom")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	for i, f := range futs {
		if err := waitFut(t, f, time.Second); err != nil {
			t.Fatalf("future %d: %v", i, err)
		}
	}
	if store.Len() != n {
		t.Fatalf("store has %d entries, want %d", store.Len(), n)
	}
}
