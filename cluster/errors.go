package cluster

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	ErrPeerUnknown   = errors.New("peer address unknown")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInflightLimit = errors.New("peer inflight limit")
)

// IsFatalTransport reports whether an error indicates a broken or unusable
// connection that should trigger a peer reset/redial. Timeouts are
// non-fatal: the connection stays cached and the next send retries it.
func IsFatalTransport(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return false
}
