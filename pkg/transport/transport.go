// Package transport provides the channels a surface can reach its
// peers over: an in-process broadcast hub, a direct peer link, and a
// durable store channel. All channels are local to the machine; none
// of them is reliable, and each has its own capacity bound.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable: the channel cannot be used at all (closed
	// endpoint, dead peer reference, unconstructible adapter).
	ErrUnavailable = errors.New("transport unavailable")
	// ErrCapacity: the frame exceeds what this channel can carry.
	// The caller is expected to chunk and retry.
	ErrCapacity = errors.New("frame exceeds transport capacity")
	// ErrQuota: the durable channel rejected a write for lack of
	// space. Recoverable by pruning the store directory.
	ErrQuota = errors.New("storage quota exceeded")
)

// Result reports one send attempt on one channel. Send never panics
// and never returns an error through control flow; failures are
// values here so the caller can aggregate across channels.
type Result struct {
	Transport string
	OK        bool
	Err       error
}

func ok(name string) Result { return Result{Transport: name, OK: true} }

func fail(name string, err error) Result { return Result{Transport: name, Err: err} }

// Transport is the minimal surface the router needs from a channel.
type Transport interface {
	Name() string
	// Send attempts delivery of one frame. It must not block on slow
	// receivers and must not panic; all failure modes surface in the
	// Result.
	Send(frame []byte) Result
	// Recv blocks until a frame arrives or ctx/endpoint is closed.
	Recv(ctx context.Context) ([]byte, bool)
	Close() error
}

func clone(p []byte) []byte {
	cp := make([]byte, len(p))
	copy(cp, p)
	return cp
}
