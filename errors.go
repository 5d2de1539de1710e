package siphon

import (
	"errors"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/unkn0wn-root/siphon/cluster"
)

var (
	// ErrClosed rejects ingress on a streamer that finished closing.
	ErrClosed = errors.New("streamer is closed")

	// ErrDisconnected resolves every future once the client lost the
	// cluster; later ingress fails with it too.
	ErrDisconnected = errors.New("client disconnected from cluster")

	// ErrTopologyEmpty means the affinity set for some key was empty.
	// Not retried.
	ErrTopologyEmpty = errors.New("no server node mapped for key")

	// ErrTopologyStale marks a batch whose destination departed or that
	// the server bounced for remap. Retried up to the remap budget.
	ErrTopologyStale = errors.New("destination topology changed")

	// ErrRemapExceeded surfaces when the remap budget ran out.
	ErrRemapExceeded = errors.New("too many remaps")

	// ErrMarshal marks keys/values/receiver that could not be encoded.
	ErrMarshal = errors.New("marshal failed")

	// ErrCancelled resolves pending work after Close(cancel=true).
	ErrCancelled = errors.New("streamer cancelled")

	// ErrServerApply wraps an error the server reported for a batch.
	ErrServerApply = errors.New("server apply failed")

	// ErrUnknownReceiver is the server's answer to a receiver name absent
	// from its registry.
	ErrUnknownReceiver = errors.New("unknown receiver")
)

// StreamError decorates a failure with the operation and cache it came from.
type StreamError struct {
	Op    string
	Cache string
	Cause error
}

func (e *StreamError) Error() string {
	if e.Cache != "" {
		return fmt.Sprintf("streamer %s %s: %v", e.Op, e.Cache, e.Cause)
	}
	return fmt.Sprintf("streamer %s: %v", e.Op, e.Cause)
}

func (e *StreamError) Unwrap() error { return e.Cause }

func opErr(op, cache string, cause error) *StreamError {
	return &StreamError{Op: op, Cache: cache, Cause: cause}
}

// remappable reports whether a batch failure should re-enter routing at the
// current topology instead of failing the operation.
func remappable(err error) bool {
	return errors.Is(err, ErrTopologyStale)
}

// wireError is the marshalled form of a server-side apply error.
type wireError struct {
	Msg         string `cbor:"m"`
	UnknownRcvr bool   `cbor:"ur,omitempty"`
}

// encodeApplyError marshals err for the response's error bytes.
func encodeApplyError(err error) []byte {
	we := wireError{
		Msg:         err.Error(),
		UnknownRcvr: errors.Is(err, ErrUnknownReceiver),
	}
	b, mErr := cbor.Marshal(&we)
	if mErr != nil {
		return []byte{}
	}
	return b
}

// decodeApplyError turns an acknowledgment into the error to resolve the
// batch future with; nil means the batch applied.
func decodeApplyError(resp *cluster.MsgStreamResp) error {
	if resp.Remap {
		return fmt.Errorf("%w: server requested remap", ErrTopologyStale)
	}
	if resp.Err == nil {
		return nil
	}

	var we wireError
	if err := cbor.Unmarshal(resp.Err, &we); err != nil {
		return fmt.Errorf("%w: unmarshal response error: %v", ErrMarshal, err)
	}
	if we.UnknownRcvr {
		return fmt.Errorf("%w: %s", ErrUnknownReceiver, we.Msg)
	}
	return fmt.Errorf("%w: %s", ErrServerApply, we.Msg)
}
