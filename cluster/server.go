package cluster

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

type ServerConfig struct {
	MaxFrame     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Workers      int
	Queue        int
	AuthToken    string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxFrame:     8 << 20,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		Workers:      32,
	}
}

// ApplyFunc applies one stream request on the server and produces its
// acknowledgment. The server fills in the response Base and echo topic.
type ApplyFunc func(req *MsgStream) *MsgStreamResp

// Server accepts framed CBOR connections from streamers and feeds decoded
// stream requests through apply. Each connection runs a small worker pool so
// slow batches do not serialize the whole link; back-pressure is the job
// queue plus TCP flow control.
type Server struct {
	cfg      ServerConfig
	bind     string
	apply    ApplyFunc
	ln       net.Listener
	stop     chan struct{}
	stopOnce sync.Once
}

func NewServer(bind string, apply ApplyFunc, cfg ServerConfig) *Server {
	return &Server{
		cfg:   cfg,
		bind:  bind,
		apply: apply,
		stop:  make(chan struct{}),
	}
}

// Start begins listening and accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address (useful with ":0" binds).
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.bind
	}
	return s.ln.Addr().String()
}

// Stop closes the listener. It is idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.ln != nil {
			_ = s.ln.Close()
		}
	})
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				continue
			}
		}
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(45 * time.Second)
		}
		go s.serveConn(c)
	}
}

// serveConn handles one inbound connection: optional Hello auth, then a
// per-connection worker pool that decodes frames, applies requests, and
// writes acknowledgments with per-connection write serialization.
func (s *Server) serveConn(c net.Conn) {
	defer c.Close()

	r := bufio.NewReaderSize(c, 64<<10)
	w := bufio.NewWriterSize(c, 64<<10)

	var writeMu sync.Mutex
	writeResp := func(payload []byte) {
		if payload == nil {
			return
		}
		if wt := s.cfg.WriteTimeout; wt > 0 {
			_ = c.SetWriteDeadline(time.Now().Add(wt))
		}
		writeMu.Lock()
		_ = writeFrameBuf(w, payload)
		writeMu.Unlock()
	}

	if s.cfg.AuthToken != "" {
		if !s.handshake(c, r, writeResp) {
			return
		}
	}

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 32
	}
	qlen := s.cfg.Queue
	if qlen <= 0 {
		qlen = workers * 2
	}

	jobQ := make(chan []byte, qlen)
	defer close(jobQ)

	for i := 0; i < workers; i++ {
		go func() {
			for buf := range jobQ {
				var base Base
				if err := cbor.Unmarshal(buf, &base); err != nil || base.T != MTStream {
					continue
				}

				var req MsgStream
				if err := cbor.Unmarshal(buf, &req); err != nil {
					continue
				}

				resp := s.apply(&req)
				if resp == nil {
					resp = &MsgStreamResp{}
				}
				resp.Base = Base{T: MTStreamResp, ID: req.ID}
				resp.Topic = req.Topic

				out, err := cbor.Marshal(resp)
				if err != nil {
					continue
				}
				writeResp(out)
			}
		}()
	}

	idle := s.cfg.IdleTimeout
	for {
		if idle > 0 {
			_ = c.SetReadDeadline(time.Now().Add(idle))
		}

		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return
		}

		n := int(binary.BigEndian.Uint32(hdr[:]))
		if s.cfg.MaxFrame > 0 && n > s.cfg.MaxFrame {
			return
		}

		if rt := s.cfg.ReadTimeout; rt > 0 {
			_ = c.SetReadDeadline(time.Now().Add(rt))
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}

		// blocks when saturated so TCP applies flow control to the sender.
		jobQ <- buf
	}
}

// handshake validates the Hello token from the client. Returns false when
// the connection must be dropped.
func (s *Server) handshake(c net.Conn, r *bufio.Reader, writeResp func([]byte)) bool {
	if rt := s.cfg.ReadTimeout; rt > 0 {
		_ = c.SetReadDeadline(time.Now().Add(rt))
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return false
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if s.cfg.MaxFrame > 0 && n > s.cfg.MaxFrame {
		return false
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return false
	}
	_ = c.SetReadDeadline(time.Time{})

	var h MsgHello
	if err := cbor.Unmarshal(buf, &h); err != nil || h.T != MTHello {
		return false
	}

	ok := h.Token == s.cfg.AuthToken
	ack := MsgHelloResp{Base: Base{T: MTHelloResp, ID: h.ID}, OK: ok}
	if !ok {
		ack.Err = "unauthorized"
	}
	raw, _ := cbor.Marshal(&ack)
	writeResp(raw)
	return ok
}
