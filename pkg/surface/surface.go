// Package surface binds a window's role, parameter state, router,
// transports and health monitor into one disposable unit. A control
// surface originates parameter changes; projector surfaces follow.
package surface

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/venuelab/stagesync/pkg/chunk"
	"github.com/venuelab/stagesync/pkg/config"
	"github.com/venuelab/stagesync/pkg/envelope"
	"github.com/venuelab/stagesync/pkg/health"
	"github.com/venuelab/stagesync/pkg/hlc"
	"github.com/venuelab/stagesync/pkg/params"
	"github.com/venuelab/stagesync/pkg/router"
	"github.com/venuelab/stagesync/pkg/timeset"
	"github.com/venuelab/stagesync/pkg/transport"
)

// ProtoVersion is carried in hello payloads so mismatched surfaces
// can be spotted in the roster.
const ProtoVersion = 1

// Hello is the handshake payload announcing a surface.
type Hello struct {
	Role  string `json:"role"`
	Proto int    `json:"proto"`
}

// Peer is one live remote surface as seen from here.
type Peer struct {
	ID       string
	Role     string
	LastSeen time.Time
}

// Failure describes one critical message that failed on every
// transport.
type Failure struct {
	ID      envelope.ID
	Kind    envelope.Kind
	Results []transport.Result
}

type Surface struct {
	id    envelope.SurfaceID
	role  params.Role
	cfg   config.Config
	log   *zap.SugaredLogger
	clock *hlc.Clock

	state      *params.State
	router     *router.Router
	monitor    *health.Monitor
	store      *transport.Store
	transports []transport.Transport
	timers     *timeset.Set

	mu        sync.Mutex
	peers     map[string]*Peer
	onApplied map[int]func(params.Snapshot)
	onFailure map[int]func(Failure)
	onDegrade map[int]func(health.Status)
	nextHook  int

	started bool
	once    sync.Once
}

type Option func(*Surface)

// WithTransports supplies the channels this surface talks over. The
// store channel, if any, is added separately via WithStore.
func WithTransports(ts ...transport.Transport) Option {
	return func(s *Surface) { s.transports = append(s.transports, ts...) }
}

// WithStore attaches the durable channel. It both carries live
// messages and persists the latest full snapshot across restarts.
func WithStore(st *transport.Store) Option {
	return func(s *Surface) { s.store = st }
}

func WithConfig(cfg config.Config) Option {
	return func(s *Surface) { s.cfg = cfg }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Surface) {
		if l != nil {
			s.log = l
		}
	}
}

// WithID pins the surface identity; tests and restarts use it.
func WithID(id envelope.SurfaceID) Option {
	return func(s *Surface) { s.id = id }
}

func New(role params.Role, opts ...Option) *Surface {
	s := &Surface{
		id:        envelope.NewSurfaceID(),
		role:      role,
		cfg:       config.Default(),
		log:       zap.NewNop().Sugar(),
		clock:     hlc.New(),
		timers:    timeset.New(),
		peers:     make(map[string]*Peer),
		onApplied: make(map[int]func(params.Snapshot)),
		onFailure: make(map[int]func(Failure)),
		onDegrade: make(map[int]func(health.Status)),
	}
	for _, o := range opts {
		o(s)
	}

	s.state = params.New(role, s.id)

	ts := s.transports
	if s.store != nil {
		ts = append(ts, s.store)
	}

	s.monitor = health.New(
		health.WithThreshold(s.cfg.CriticalFailureThreshold),
		health.WithLogger(s.log),
		health.OnDegraded(s.fireDegraded),
		health.OnRecovered(s.fireDegraded),
	)
	s.router = router.New(s.id, ts,
		router.WithLogger(s.log),
		router.WithClock(s.clock),
		router.WithDedupWindow(s.cfg.DedupWindow.Std()),
		router.WithChunking(int(s.cfg.ChunkThreshold), int(s.cfg.FragmentSize)),
		router.WithAssembler(chunk.NewAssembler(chunk.WithStaleness(s.cfg.ReassemblyStaleness.Std()))),
	)
	s.router.OnDelivery(func(env envelope.Envelope, results []transport.Result) {
		s.monitor.Record(env.Critical, results)
	})
	s.router.OnCriticalFailure(func(env envelope.Envelope, results []transport.Result) {
		s.fireFailure(Failure{ID: env.ID, Kind: env.Kind, Results: results})
	})
	return s
}

// Start subscribes the message handlers, seeds state from the
// persisted snapshot if one exists, launches the receive loops and
// the periodic prune timer, and (for a projector) runs the
// handshake.
func (s *Surface) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	if s.store != nil {
		if raw, okSnap := s.store.Snapshot(); okSnap {
			if snap, err := params.DecodeSnapshot(raw); err == nil {
				if applied, err := s.state.Apply(snap); err != nil {
					s.log.Warnw("seed_snapshot_err", "err", err)
				} else if applied {
					s.log.Infow("seeded_from_store", "revision", snap.Revision)
				}
			}
		}
	}

	s.router.Subscribe(envelope.KindHello, s.handleHello)
	s.router.Subscribe(envelope.KindRequestSnapshot, s.handleRequestSnapshot)
	s.router.Subscribe(envelope.KindParamsSnapshot, s.handleParams)
	s.router.Subscribe(envelope.KindParamsDelta, s.handleParams)
	s.router.Start()

	s.timers.Every(s.cfg.PruneInterval.Std(), func() {
		s.router.Prune()
		s.prunePeers()
	})

	if s.role == params.RoleProjector {
		s.SendHello()
		s.RequestSnapshot()
	}
}

// Close tears the surface down synchronously: timers stop, receive
// loops exit, reassembly buffers and the dedup cache are cleared, and
// every transport is closed. Nothing outlives this call.
func (s *Surface) Close() {
	s.once.Do(func() {
		s.timers.Stop()
		s.router.Close()
		for _, t := range s.transports {
			_ = t.Close()
		}
		if s.store != nil {
			_ = s.store.Close()
		}
		s.log.Infow("surface_closed", "surface", s.id.String())
	})
}

func (s *Surface) ID() envelope.SurfaceID { return s.id }

func (s *Surface) Role() params.Role { return s.role }

// Params exposes the shared state for read access and local edits.
func (s *Surface) Params() *params.State { return s.state }

// Health reports current delivery health.
func (s *Surface) Health() health.Status { return s.monitor.Status() }

// Peers lists the surfaces heard from, in no particular order.
func (s *Surface) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}
