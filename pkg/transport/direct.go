package transport

import (
	"context"
	"sync"
	"sync/atomic"
)

// DirectLink is a point-to-point channel that only works while the
// holder has a live reference to its peer, the way a window that
// opened another can message it directly. When the peer closes, sends
// fail silently with ErrUnavailable; there is no reconnection.
type DirectLink struct {
	peer   atomic.Pointer[DirectLink]
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewDirectPair wires two ends of a link together, as when one
// surface opens another and each keeps a reference to its opposite.
func NewDirectPair() (*DirectLink, *DirectLink) {
	a := &DirectLink{in: make(chan []byte, 256), closed: make(chan struct{})}
	b := &DirectLink{in: make(chan []byte, 256), closed: make(chan struct{})}
	a.peer.Store(b)
	b.peer.Store(a)
	return a, b
}

func (l *DirectLink) Name() string { return "direct" }

func (l *DirectLink) Send(frame []byte) Result {
	select {
	case <-l.closed:
		return fail(l.Name(), ErrUnavailable)
	default:
	}
	p := l.peer.Load()
	if p == nil {
		return fail(l.Name(), ErrUnavailable)
	}
	select {
	case <-p.closed:
		// peer went away; drop the stale reference
		l.peer.Store(nil)
		return fail(l.Name(), ErrUnavailable)
	default:
	}
	select {
	case p.in <- clone(frame):
		return ok(l.Name())
	default:
		// peer inbox full; direct channel drops rather than blocks
		return ok(l.Name())
	}
}

func (l *DirectLink) Recv(ctx context.Context) ([]byte, bool) {
	select {
	case <-l.closed:
		return nil, false
	case <-ctx.Done():
		return nil, false
	case frame := <-l.in:
		return frame, true
	}
}

func (l *DirectLink) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.peer.Store(nil)
	})
	return nil
}
