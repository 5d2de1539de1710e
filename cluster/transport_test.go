package cluster

import (
	"io"
	"net"
	"testing"
	"time"
)

// one request/ack round trip over loopback TCP, dispatched by topic.
func TestTransportRoundTrip(t *testing.T) {
	apply := func(req *MsgStream) *MsgStreamResp {
		if req.Cache != "c" || len(req.Entries) != 1 {
			return &MsgStreamResp{Err: []byte("bad request")}
		}
		return &MsgStreamResp{}
	}

	srv := NewServer("127.0.0.1:0", apply, DefaultServerConfig())
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	addr := srv.Addr()
	tr := NewTransport("client", func(NodeID) (string, bool) { return addr, true }, DefaultTransportConfig())
	defer tr.Close()

	topic := StreamTopic("client")
	got := make(chan *MsgStreamResp, 1)
	cancel := tr.Listen(topic, func(from NodeID, resp *MsgStreamResp) {
		if from == "srv" {
			got <- resp
		}
	})
	defer cancel()

	req := &MsgStream{
		Base:    Base{T: MTStream, ID: 7},
		Topic:   topic,
		Cache:   "c",
		Entries: []WireEntry{{K: []byte("k"), V: []byte("v")}},
		TopVer:  Version{Major: 1},
	}
	if err := tr.Send("srv", req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case resp := <-got:
		if resp.ID != 7 {
			t.Fatalf("resp.ID = %d, want 7", resp.ID)
		}
		if resp.Err != nil {
			t.Fatalf("resp.Err = %q", resp.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no acknowledgment within 3s")
	}
}

func TestTransportUnknownPeer(t *testing.T) {
	tr := NewTransport("client", func(NodeID) (string, bool) { return "", false }, DefaultTransportConfig())
	defer tr.Close()

	err := tr.Send("ghost", &MsgStream{Base: Base{T: MTStream, ID: 1}})
	if err == nil {
		t.Fatal("send to unknown peer succeeded")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsFatalTransport(t *testing.T) {
	if IsFatalTransport(nil) {
		t.Fatal("nil classified fatal")
	}
	if !IsFatalTransport(io.EOF) {
		t.Fatal("EOF not classified fatal")
	}
	if !IsFatalTransport(net.ErrClosed) {
		t.Fatal("closed conn not classified fatal")
	}
	if IsFatalTransport(timeoutErr{}) {
		t.Fatal("timeout classified fatal; connection should survive")
	}
}

func TestTransportAuthRejected(t *testing.T) {
	scfg := DefaultServerConfig()
	scfg.AuthToken = "secret"
	srv := NewServer("127.0.0.1:0", func(*MsgStream) *MsgStreamResp { return &MsgStreamResp{} }, scfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	addr := srv.Addr()
	tcfg := DefaultTransportConfig()
	tcfg.AuthToken = "wrong"
	tr := NewTransport("client", func(NodeID) (string, bool) { return addr, true }, tcfg)
	defer tr.Close()

	if err := tr.Send("srv", &MsgStream{Base: Base{T: MTStream, ID: 1}}); err == nil {
		t.Fatal("send with bad token succeeded")
	}
}
