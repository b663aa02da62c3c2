package chunk

import (
	"bytes"
	"sync"
	"time"

	"github.com/venuelab/stagesync/pkg/envelope"
)

// DefaultStaleness is how long an incomplete chunk set may wait for
// its missing fragments before the buffer is discarded.
const DefaultStaleness = 30 * time.Second

type buffer struct {
	parts     map[uint32][]byte
	total     uint32
	firstSeen time.Time
}

// Assembler rebuilds parent frames from fragments. Buffers live from
// the first fragment until completion or the staleness window,
// whichever comes first; the owner must also call Purge from a
// periodic timer so a stalled sender cannot pin memory while no
// fragments arrive.
type Assembler struct {
	mu        sync.Mutex
	bufs      map[envelope.ID]*buffer
	staleness time.Duration
	now       func() time.Time
}

type AssemblerOption func(*Assembler)

func WithStaleness(d time.Duration) AssemblerOption {
	return func(a *Assembler) {
		if d > 0 {
			a.staleness = d
		}
	}
}

// WithNow injects the clock; tests use it to age buffers instantly.
func WithNow(now func() time.Time) AssemblerOption {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		bufs:      make(map[envelope.ID]*buffer),
		staleness: DefaultStaleness,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Add inserts one fragment. A duplicate index overwrites silently
// (transports duplicate, that is expected, not an error). When the
// set completes, the reassembled frame is returned and the buffer is
// released. Stale buffers are swept on every insertion.
func (a *Assembler) Add(f Fragment) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.purgeLocked(now)

	b := a.bufs[f.Parent]
	if b == nil {
		b = &buffer{parts: make(map[uint32][]byte), total: f.Total, firstSeen: now}
		a.bufs[f.Parent] = b
	}
	if f.Total != b.total || f.Index >= b.total {
		// inconsistent with the set in progress; ignore
		return nil, false
	}
	b.parts[f.Index] = f.Data

	if uint32(len(b.parts)) < b.total {
		return nil, false
	}
	var out bytes.Buffer
	for i := uint32(0); i < b.total; i++ {
		out.Write(b.parts[i])
	}
	delete(a.bufs, f.Parent)
	return out.Bytes(), true
}

// Purge drops buffers older than the staleness window and returns the
// abandoned parent ids.
func (a *Assembler) Purge() []envelope.ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.purgeLocked(a.now())
}

func (a *Assembler) purgeLocked(now time.Time) []envelope.ID {
	var dropped []envelope.ID
	for id, b := range a.bufs {
		if now.Sub(b.firstSeen) > a.staleness {
			delete(a.bufs, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// Drop abandons one in-progress set.
func (a *Assembler) Drop(parent envelope.ID) {
	a.mu.Lock()
	delete(a.bufs, parent)
	a.mu.Unlock()
}

// Reset abandons every in-progress set; late fragments arriving after
// a Reset start a fresh buffer and are aged out like any other.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.bufs = make(map[envelope.ID]*buffer)
	a.mu.Unlock()
}

// Pending reports the number of in-progress chunk sets.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bufs)
}
