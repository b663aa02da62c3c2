// Package router is the coordinator between a surface and its
// transports: it tags outbound messages with identity and priority,
// fans them out over every channel at once, reassembles and
// deduplicates what comes back, and dispatches whole messages to
// subscribers in arrival order.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/venuelab/stagesync/pkg/chunk"
	"github.com/venuelab/stagesync/pkg/envelope"
	"github.com/venuelab/stagesync/pkg/hlc"
	"github.com/venuelab/stagesync/pkg/transport"
)

// DefaultDedupWindow bounds how long a dispatched message id is
// remembered to catch the same message arriving on a second channel.
const DefaultDedupWindow = 60 * time.Second

// Handler receives fully reassembled, deduplicated envelopes.
type Handler func(envelope.Envelope)

type subscription struct {
	id int
	fn Handler
}

type Router struct {
	self  envelope.SurfaceID
	clock *hlc.Clock

	transports []transport.Transport
	asm        *chunk.Assembler
	threshold  int
	fragSize   int

	mu          sync.Mutex
	dedup       map[envelope.ID]time.Time
	dedupWindow time.Duration
	subs        map[envelope.Kind][]subscription
	nextSub     int
	onCritical  func(envelope.Envelope, []transport.Result)
	onDelivery  func(envelope.Envelope, []transport.Result)

	// serializes subscriber callbacks so dispatch order matches
	// reassembly order even with several transports receiving
	dispatchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// publish goroutines register under pubMu so Close can refuse
	// late publishes instead of racing its own Wait
	pubMu  sync.Mutex
	pubWG  sync.WaitGroup
	closed bool

	now func() time.Time
	log *zap.SugaredLogger
}

type Option func(*Router)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

func WithClock(c *hlc.Clock) Option {
	return func(r *Router) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithDedupWindow(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.dedupWindow = d
		}
	}
}

// WithChunking sets the split threshold and fragment size.
func WithChunking(threshold, fragSize int) Option {
	return func(r *Router) {
		if threshold > 0 {
			r.threshold = threshold
		}
		if fragSize > 0 {
			r.fragSize = fragSize
		}
	}
}

func WithAssembler(a *chunk.Assembler) Option {
	return func(r *Router) {
		if a != nil {
			r.asm = a
		}
	}
}

// WithNow injects the clock used for the dedup window.
func WithNow(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

func New(self envelope.SurfaceID, transports []transport.Transport, opts ...Option) *Router {
	r := &Router{
		self:        self,
		clock:       hlc.New(),
		transports:  transports,
		threshold:   chunk.DefaultThreshold,
		fragSize:    chunk.DefaultFragmentSize,
		dedup:       make(map[envelope.ID]time.Time),
		dedupWindow: DefaultDedupWindow,
		subs:        make(map[envelope.Kind][]subscription),
		now:         time.Now,
		log:         zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.asm == nil {
		r.asm = chunk.NewAssembler()
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Start launches one receive loop per transport.
func (r *Router) Start() {
	for _, t := range r.transports {
		r.wg.Add(1)
		go r.recvLoop(t)
	}
}

// Close tears the router down synchronously: receive loops exit,
// pending reassembly buffers are discarded, the dedup cache is
// cleared. Late fragments after Close are never dispatched.
func (r *Router) Close() {
	r.once.Do(func() {
		r.pubMu.Lock()
		r.closed = true
		r.pubMu.Unlock()
		r.cancel()
		r.wg.Wait()
		r.pubWG.Wait()
		r.asm.Reset()
		r.mu.Lock()
		r.dedup = make(map[envelope.ID]time.Time)
		r.mu.Unlock()
	})
}

// OnCriticalFailure registers the hook fired exactly once per
// critical envelope that failed on every transport.
func (r *Router) OnCriticalFailure(fn func(envelope.Envelope, []transport.Result)) {
	r.mu.Lock()
	r.onCritical = fn
	r.mu.Unlock()
}

// OnDelivery observes the aggregated results of every publish, for
// delivery-health accounting.
func (r *Router) OnDelivery(fn func(envelope.Envelope, []transport.Result)) {
	r.mu.Lock()
	r.onDelivery = fn
	r.mu.Unlock()
}

// Subscribe registers a handler for one message kind and returns its
// disposer. Handlers for a kind run in the order messages finished
// reassembly, never concurrently.
func (r *Router) Subscribe(kind envelope.Kind, fn Handler) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[kind] = append(r.subs[kind], subscription{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.subs[kind]
		for i, s := range list {
			if s.id == id {
				r.subs[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Prune evicts expired dedup entries and abandoned reassembly
// buffers. The owner calls it from a periodic timer; memory stays
// bounded regardless of message volume.
func (r *Router) Prune() {
	now := r.now()
	r.mu.Lock()
	for id, at := range r.dedup {
		if now.Sub(at) > r.dedupWindow {
			delete(r.dedup, id)
		}
	}
	r.mu.Unlock()

	for _, id := range r.asm.Purge() {
		r.log.Warnw("reassembly_timeout", "msg", id.String(), "err", chunk.ErrReassemblyTimeout)
	}
}

// Stats reports the accumulating resources for diagnostics.
type Stats struct {
	PendingReassembly int
	DedupEntries      int
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	d := len(r.dedup)
	r.mu.Unlock()
	return Stats{PendingReassembly: r.asm.Pending(), DedupEntries: d}
}

func (r *Router) recvLoop(t transport.Transport) {
	defer r.wg.Done()
	for {
		frame, okRecv := t.Recv(r.ctx)
		if !okRecv {
			return
		}
		r.handleFrame(t.Name(), frame)
	}
}

func (r *Router) handleFrame(via string, frame []byte) {
	env, err := envelope.Decode(frame)
	if err != nil {
		r.log.Warnw("frame_decode_err", "via", via, "err", err)
		return
	}
	if env.Sender == r.self {
		return // own frame echoed back by a transport
	}

	if env.Kind == envelope.KindChunkData {
		frag, err := chunk.DecodeFragment(env.Payload)
		if err != nil {
			r.log.Warnw("fragment_decode_err", "via", via, "err", err)
			return
		}
		full, done := r.asm.Add(frag)
		if !done {
			return
		}
		if env, err = envelope.Decode(full); err != nil {
			r.log.Warnw("reassembled_decode_err", "msg", frag.Parent.String(), "err", err)
			return
		}
	}

	r.mu.Lock()
	if _, dup := r.dedup[env.ID]; dup {
		r.mu.Unlock()
		r.log.Debugw("dup_dropped", "msg", env.ID.String(), "via", via)
		return
	}
	r.dedup[env.ID] = r.now()
	list := r.subs[env.Kind]
	handlers := make([]Handler, len(list))
	for i, s := range list {
		handlers[i] = s.fn
	}
	r.mu.Unlock()

	r.clock.Observe(env.HLC)

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}
