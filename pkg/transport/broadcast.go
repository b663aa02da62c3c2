package transport

import (
	"context"
	"fmt"
	"sync"
)

// DefaultMaxFrame bounds a single broadcast frame. Larger payloads
// must be chunked by the caller.
const DefaultMaxFrame = 5 << 20

// Hub fans frames out to every endpoint joined to the same origin,
// the in-process analogue of a same-origin broadcast channel.
type Hub struct {
	mu       sync.RWMutex
	origins  map[string]map[*BroadcastEndpoint]struct{}
	maxFrame int
}

type HubOption func(*Hub)

// WithMaxFrame overrides the per-frame size bound.
func WithMaxFrame(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxFrame = n
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		origins:  make(map[string]map[*BroadcastEndpoint]struct{}),
		maxFrame: DefaultMaxFrame,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// BroadcastEndpoint is one surface's handle on the hub.
type BroadcastEndpoint struct {
	hub    *Hub
	origin string
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

// Join registers an endpoint on an origin. Frames sent by any other
// endpoint of the same origin arrive on Recv; a sender never hears
// its own frames.
func (h *Hub) Join(origin string) *BroadcastEndpoint {
	ep := &BroadcastEndpoint{
		hub:    h,
		origin: origin,
		in:     make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	set := h.origins[origin]
	if set == nil {
		set = make(map[*BroadcastEndpoint]struct{})
		h.origins[origin] = set
	}
	set[ep] = struct{}{}
	h.mu.Unlock()
	return ep
}

func (e *BroadcastEndpoint) Name() string { return "broadcast" }

func (e *BroadcastEndpoint) Send(frame []byte) Result {
	select {
	case <-e.closed:
		return fail(e.Name(), ErrUnavailable)
	default:
	}
	if len(frame) > e.hub.maxFrame {
		return fail(e.Name(), fmt.Errorf("%w: %d > %d", ErrCapacity, len(frame), e.hub.maxFrame))
	}

	e.hub.mu.RLock()
	set := e.hub.origins[e.origin]
	peers := make([]*BroadcastEndpoint, 0, len(set))
	for p := range set {
		if p != e {
			peers = append(peers, p)
		}
	}
	e.hub.mu.RUnlock()

	cp := clone(frame)
	for _, p := range peers {
		select {
		case p.in <- cp:
		default:
			// slow receiver; broadcast semantics drop rather than block
		}
	}
	return ok(e.Name())
}

func (e *BroadcastEndpoint) Recv(ctx context.Context) ([]byte, bool) {
	select {
	case <-e.closed:
		return nil, false
	case <-ctx.Done():
		return nil, false
	case frame := <-e.in:
		return frame, true
	}
}

func (e *BroadcastEndpoint) Close() error {
	e.once.Do(func() {
		close(e.closed)
		e.hub.mu.Lock()
		if set := e.hub.origins[e.origin]; set != nil {
			delete(set, e)
			if len(set) == 0 {
				delete(e.hub.origins, e.origin)
			}
		}
		e.hub.mu.Unlock()
	})
	return nil
}
