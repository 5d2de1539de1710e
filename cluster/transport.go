package cluster

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

type TransportConfig struct {
	MaxFrame        int
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	InflightPerPeer int
	AuthToken       string
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxFrame:        8 << 20,
		DialTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		InflightPerPeer: 256,
	}
}

// Handler consumes a stream response routed by its topic.
type Handler func(from NodeID, resp *MsgStreamResp)

// Transport dispatches stream requests over framed CBOR/TCP connections and
// routes asynchronous responses back to topic listeners. Send is one-way:
// acknowledgments arrive later on the response topic carried by the request.
type Transport struct {
	self   NodeID
	addrOf func(NodeID) (string, bool)
	cfg    TransportConfig

	mu    sync.RWMutex
	peers map[NodeID]*peerConn

	lmu   sync.RWMutex
	lsnrs map[string]Handler

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTransport creates a transport for the process identified by self.
// addrOf resolves a destination node to its dial address; the topology's
// AddrOf is the usual source.
func NewTransport(self NodeID, addrOf func(NodeID) (string, bool), cfg TransportConfig) *Transport {
	if cfg.InflightPerPeer <= 0 {
		cfg.InflightPerPeer = 256
	}
	return &Transport{
		self:   self,
		addrOf: addrOf,
		cfg:    cfg,
		peers:  make(map[NodeID]*peerConn),
		lsnrs:  make(map[string]Handler),
		stop:   make(chan struct{}),
	}
}

// Listen registers h for responses addressed to topic. The returned func
// removes the registration.
func (tr *Transport) Listen(topic []byte, h Handler) func() {
	key := string(topic)
	tr.lmu.Lock()
	tr.lsnrs[key] = h
	tr.lmu.Unlock()

	return func() {
		tr.lmu.Lock()
		delete(tr.lsnrs, key)
		tr.lmu.Unlock()
	}
}

// Send writes req to node. The call returns once the frame is handed to the
// connection; the acknowledgment arrives via the topic listener. A full
// inflight window or an unresolvable/undialable destination is an error.
func (tr *Transport) Send(node NodeID, req *MsgStream) error {
	pc, err := tr.ensurePeer(node)
	if err != nil {
		return err
	}

	select {
	case pc.inflightCh <- struct{}{}:
	default:
		return ErrInflightLimit
	}

	raw, err := cbor.Marshal(req)
	if err != nil {
		<-pc.inflightCh
		return err
	}

	if err := pc.writeFrame(raw); err != nil {
		<-pc.inflightCh
		// a write timeout keeps the connection for the next attempt; only a
		// broken stream forces a redial.
		if IsFatalTransport(err) {
			tr.resetPeer(node)
		}
		return err
	}
	return nil
}

// Close tears down every peer connection.
func (tr *Transport) Close() {
	tr.stopOnce.Do(func() {
		close(tr.stop)
		tr.mu.Lock()
		for _, pc := range tr.peers {
			pc.close()
		}
		tr.peers = make(map[NodeID]*peerConn)
		tr.mu.Unlock()
	})
}

func (tr *Transport) dispatch(from NodeID, resp *MsgStreamResp) {
	tr.lmu.RLock()
	h := tr.lsnrs[string(resp.Topic)]
	tr.lmu.RUnlock()
	if h != nil {
		h(from, resp)
	}
}

// ensurePeer returns an existing peer connection or dials a new one.
func (tr *Transport) ensurePeer(node NodeID) (*peerConn, error) {
	tr.mu.RLock()
	pc := tr.peers[node]
	tr.mu.RUnlock()
	if pc != nil {
		return pc, nil
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if pc = tr.peers[node]; pc != nil {
		return pc, nil
	}

	addr, ok := tr.addrOf(node)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnknown, node)
	}

	pc, err := tr.dialPeer(node, addr)
	if err != nil {
		return nil, err
	}
	tr.peers[node] = pc
	return pc, nil
}

// resetPeer closes and removes the cached connection for node.
func (tr *Transport) resetPeer(node NodeID) {
	tr.mu.Lock()
	if pc, ok := tr.peers[node]; ok && pc != nil {
		pc.close()
		delete(tr.peers, node)
	}
	tr.mu.Unlock()
}

type peerConn struct {
	id         NodeID
	conn       net.Conn
	r          *bufio.Reader
	w          *bufio.Writer
	wmu        sync.Mutex
	inflightCh chan struct{}
	maxFrame   int
	writeTO    time.Duration
	idleTO     time.Duration
	closed     chan struct{}
}

// dialPeer establishes a TCP connection, performs an optional Hello auth
// exchange, and starts a read loop that dispatches responses by topic.
func (tr *Transport) dialPeer(node NodeID, addr string) (*peerConn, error) {
	d := &net.Dialer{Timeout: tr.cfg.DialTimeout, KeepAlive: 45 * time.Second}
	c, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	pc := &peerConn{
		id:         node,
		conn:       c,
		r:          bufio.NewReaderSize(c, 64<<10),
		w:          bufio.NewWriterSize(c, 64<<10),
		inflightCh: make(chan struct{}, tr.cfg.InflightPerPeer),
		maxFrame:   tr.cfg.MaxFrame,
		writeTO:    tr.cfg.WriteTimeout,
		idleTO:     tr.cfg.IdleTimeout,
		closed:     make(chan struct{}),
	}

	if tr.cfg.AuthToken != "" {
		if err := pc.hello(string(tr.self), tr.cfg.AuthToken, tr.cfg.DialTimeout); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	go tr.readLoop(pc)
	return pc, nil
}

func (p *peerConn) hello(from, token string, timeout time.Duration) error {
	id := uint64(time.Now().UnixNano())
	msg := &MsgHello{Base: Base{T: MTHello, ID: id}, From: from, Token: token}
	raw, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.writeFrame(raw); err != nil {
		return err
	}

	if timeout > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	respRaw, err := p.readFrame()
	_ = p.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return err
	}

	var hr MsgHelloResp
	if err := cbor.Unmarshal(respRaw, &hr); err != nil {
		return err
	}
	if hr.T != MTHelloResp {
		return errors.New("bad hello resp")
	}
	if !hr.OK {
		if hr.Err == "" {
			hr.Err = "unauthorized"
		}
		return errors.New(hr.Err)
	}
	return nil
}

func (p *peerConn) close() {
	_ = p.conn.Close()
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}

// readLoop reads acknowledgment frames and hands them to topic listeners.
// Each acknowledgment frees one inflight slot. A broken connection simply
// stops the loop: outstanding requests resolve through topology events, not
// through the transport.
func (tr *Transport) readLoop(p *peerConn) {
	for {
		buf, err := p.readFrame()
		if err != nil {
			p.close()
			return
		}

		var resp MsgStreamResp
		if err := cbor.Unmarshal(buf, &resp); err != nil || resp.T != MTStreamResp {
			continue
		}

		select {
		case <-p.inflightCh:
		default:
		}
		tr.dispatch(p.id, &resp)
	}
}

func (p *peerConn) readFrame() ([]byte, error) {
	if p.idleTO > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.idleTO))
	}

	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, err
	}

	n := int(binary.BigEndian.Uint32(hdr[:]))
	if p.maxFrame > 0 && n > p.maxFrame {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *peerConn) writeFrame(payload []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.writeTO > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTO))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := p.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	return p.w.Flush()
}

func writeFrameBuf(w *bufio.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}
