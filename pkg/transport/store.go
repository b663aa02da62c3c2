package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	// DefaultQuota bounds the bytes an origin may hold in the store
	// directory, mirroring an origin-wide storage quota.
	DefaultQuota = 5 << 20
	// DefaultSnapshotInterval is the minimum gap between snapshot
	// writes; faster callers are coalesced, latest state wins.
	DefaultSnapshotInterval = 1000 * time.Millisecond
	// DefaultStaleness is how long a message file may sit in the
	// store before any observer is allowed to prune it.
	DefaultStaleness = 30 * time.Second

	defaultPoll  = 250 * time.Millisecond
	snapshotFile = "snapshot.json"
)

// Store is the durable channel: frames are files in a shared
// directory, surviving restarts of every surface. It is the slowest
// channel but the only one that works when no peer is live. Readers
// learn about new frames from fsnotify, with a polling fallback.
type Store struct {
	dir       string // <root>/<origin>
	msgDir    string
	self      string
	quota     int64
	staleness time.Duration
	poll      time.Duration
	snapEvery time.Duration

	in   chan []byte
	kick chan struct{}

	mu   sync.Mutex
	seen map[string]struct{}
	seq  uint64

	snapMu      sync.Mutex
	snapPending []byte
	snapLast    time.Time
	snapTimer   *time.Timer

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once

	log *zap.SugaredLogger
}

type StoreOption func(*Store)

func WithQuota(n int64) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.quota = n
		}
	}
}

func WithStaleness(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.staleness = d
		}
	}
}

func WithSnapshotInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.snapEvery = d
		}
	}
}

func WithPollInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.poll = d
		}
	}
}

func WithStoreLogger(l *zap.SugaredLogger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// OpenStore joins the durable channel rooted at dir for one origin.
// self tags frames written by this surface so the reader can skip
// them.
func OpenStore(dir, origin, self string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dir:       filepath.Join(dir, origin),
		self:      self,
		quota:     DefaultQuota,
		staleness: DefaultStaleness,
		poll:      defaultPoll,
		snapEvery: DefaultSnapshotInterval,
		in:        make(chan []byte, 256),
		kick:      make(chan struct{}, 1),
		seen:      make(map[string]struct{}),
		log:       zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(s)
	}
	s.msgDir = filepath.Join(s.dir, "msg")
	if err := os.MkdirAll(s.msgDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Skip everything already on disk from previous sessions; it is
	// only kept so late-joining surfaces can prune it.
	if names, err := os.ReadDir(s.msgDir); err == nil {
		for _, de := range names {
			s.seen[de.Name()] = struct{}{}
		}
	}

	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(s.msgDir); err == nil {
			s.watcher = w
		} else {
			_ = w.Close()
			s.log.Warnw("store_watch_err", "dir", s.msgDir, "err", err)
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func (s *Store) Name() string { return "store" }

// Send persists one frame as a timestamp-tagged file. A write that
// would exceed the origin quota fails with ErrQuota and leaves the
// store untouched.
func (s *Store) Send(frame []byte) Result {
	select {
	case <-s.ctx.Done():
		return fail(s.Name(), ErrUnavailable)
	default:
	}
	if used := s.usedBytes(); used+int64(len(frame)) > s.quota {
		return fail(s.Name(), fmt.Errorf("%w: %d+%d > %d", ErrQuota, used, len(frame), s.quota))
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	name := fmt.Sprintf("%020d-%s-%06d.frame", time.Now().UnixNano(), s.self, seq)
	if err := writeFileAtomic(filepath.Join(s.msgDir, name), frame); err != nil {
		return fail(s.Name(), fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return ok(s.Name())
}

func (s *Store) Recv(ctx context.Context) ([]byte, bool) {
	select {
	case <-s.ctx.Done():
		return nil, false
	case <-ctx.Done():
		return nil, false
	case frame := <-s.in:
		return frame, true
	}
}

func (s *Store) Close() error {
	s.once.Do(func() {
		s.cancel()
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		s.snapMu.Lock()
		if s.snapTimer != nil {
			s.snapTimer.Stop()
			s.snapTimer = nil
		}
		s.snapMu.Unlock()
		s.wg.Wait()
	})
	return nil
}

// PutSnapshot stores the latest full state under the well-known
// snapshot key. Calls faster than the minimum interval are coalesced:
// only the newest pending state is written at the next allowed tick.
func (s *Store) PutSnapshot(data []byte) Result {
	select {
	case <-s.ctx.Done():
		return fail(s.Name(), ErrUnavailable)
	default:
	}

	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	now := time.Now()
	if wait := s.snapEvery - now.Sub(s.snapLast); wait > 0 {
		s.snapPending = clone(data)
		if s.snapTimer == nil {
			s.snapTimer = time.AfterFunc(wait, s.flushSnapshot)
		}
		return ok(s.Name())
	}
	s.snapLast = now
	return s.writeSnapshot(data)
}

func (s *Store) flushSnapshot() {
	s.snapMu.Lock()
	data := s.snapPending
	s.snapPending = nil
	s.snapTimer = nil
	if data != nil {
		s.snapLast = time.Now()
	}
	s.snapMu.Unlock()
	if data == nil {
		return
	}
	if res := s.writeSnapshot(data); !res.OK {
		s.log.Warnw("store_snapshot_err", "err", res.Err)
	}
}

func (s *Store) writeSnapshot(data []byte) Result {
	if used := s.usedBytes(); used+int64(len(data)) > s.quota {
		return fail(s.Name(), fmt.Errorf("%w: snapshot %d bytes", ErrQuota, len(data)))
	}
	if err := writeFileAtomic(filepath.Join(s.dir, snapshotFile), data); err != nil {
		return fail(s.Name(), fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return ok(s.Name())
}

// Snapshot returns the latest persisted full state, if any. Any
// surface may read it on startup before the first live message
// arrives.
func (s *Store) Snapshot() ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFile))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Sync nudges the reader to scan now instead of waiting for the next
// poll tick. Bursts collapse into one scan.
func (s *Store) Sync() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Store) readLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.poll)
	defer t.Stop()

	for {
		if s.watcher != nil {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
			case <-s.kick:
			case _, ok := <-s.watcher.Events:
				if !ok {
					return
				}
			case err, ok := <-s.watcher.Errors:
				if !ok {
					return
				}
				s.log.Warnw("store_watch_err", "err", err)
				continue
			}
		} else {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
			case <-s.kick:
			}
		}
		s.scan()
	}
}

// scan ingests unseen frames in timestamp order and prunes files past
// the staleness window. Any surface that observes a stale entry may
// remove it, not only its writer.
func (s *Store) scan() {
	names, err := os.ReadDir(s.msgDir)
	if err != nil {
		return
	}
	sort.Slice(names, func(i, j int) bool { return names[i].Name() < names[j].Name() })

	cutoff := time.Now().Add(-s.staleness)
	selfTag := "-" + s.self + "-"
	for _, de := range names {
		name := de.Name()
		path := filepath.Join(s.msgDir, name)
		if info, err := de.Info(); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
			s.mu.Lock()
			delete(s.seen, name)
			s.mu.Unlock()
			continue
		}
		// only completed frames count; a .tmp mid-rename must never
		// be ingested (stale ones fall to the prune branch above)
		if !strings.HasSuffix(name, ".frame") {
			continue
		}
		if strings.Contains(name, selfTag) {
			continue
		}
		s.mu.Lock()
		_, dup := s.seen[name]
		if !dup {
			s.seen[name] = struct{}{}
		}
		s.mu.Unlock()
		if dup {
			continue
		}
		frame, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		select {
		case s.in <- frame:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Store) usedBytes() int64 {
	var used int64
	_ = filepath.Walk(s.dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() {
			used += info.Size()
		}
		return nil
	})
	return used
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
