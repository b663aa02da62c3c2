// Package params holds the shared visual/audio parameter state and
// the reconciliation policy that merges remote snapshots into it.
// The control surface is authoritative: it alone advances the
// revision counter; projectors apply newer revisions and never
// re-broadcast what they applied.
package params

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/venuelab/stagesync/pkg/envelope"
)

// Role decides authority over the shared revision counter.
type Role uint8

const (
	RoleControl Role = iota + 1
	RoleProjector
)

func (r Role) String() string {
	switch r {
	case RoleControl:
		return "control"
	case RoleProjector:
		return "projector"
	}
	return "unknown"
}

// CircularReferenceError reports a cycle found while walking a merge
// input. It always propagates: a silently truncated merge corrupts
// shared state invisibly, which is worse than a visible failure.
type CircularReferenceError struct {
	Path string
}

func (e *CircularReferenceError) Error() string {
	return fmt.Sprintf("params: circular reference at %q", e.Path)
}

// ErrNotAuthoritative is returned when a projector tries to originate
// a state change.
var ErrNotAuthoritative = fmt.Errorf("params: only the control surface mutates shared state")

// Snapshot is the unit exchanged between surfaces: either the full
// state (Partial=false) or a subset of changed paths.
type Snapshot struct {
	Revision uint64         `json:"revision"`
	Wall     int64          `json:"wall"`
	Sender   string         `json:"sender"`
	Partial  bool           `json:"partial,omitempty"`
	Values   map[string]any `json:"values"`
}

// EncodeSnapshot and DecodeSnapshot carry snapshots as envelope
// payloads. JSON keeps the values opaque and structure-preserving.
func EncodeSnapshot(s Snapshot) ([]byte, error) { return json.Marshal(s) }

func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Newer applies the deterministic ordering between two snapshots:
// higher revision wins; equal revisions fall to the later wall
// timestamp; a full tie is broken lexicographically on sender id.
func Newer(a, b Snapshot) bool {
	if a.Revision != b.Revision {
		return a.Revision > b.Revision
	}
	if a.Wall != b.Wall {
		return a.Wall > b.Wall
	}
	return a.Sender > b.Sender
}

// State is the shared mutable parameter map plus its revision.
type State struct {
	mu       sync.RWMutex
	role     Role
	self     envelope.SurfaceID
	revision uint64
	wall     int64
	sender   string
	values   map[string]any
}

func New(role Role, self envelope.SurfaceID) *State {
	return &State{
		role:   role,
		self:   self,
		values: make(map[string]any),
	}
}

func (s *State) Role() Role { return s.role }

func (s *State) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Get returns the value for a parameter key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// SnapshotFull captures the whole state for broadcast or persistence.
func (s *State) SnapshotFull() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Revision: s.revision,
		Wall:     s.wall,
		Sender:   s.self.String(),
		Values:   deepCopyMap(s.values),
	}
}

// SetLocal merges locally originated changes and advances the
// revision. Only the control surface may call it. The returned
// partial snapshot is what peers should receive. The input is
// cycle-checked before any mutation; on error the prior state is
// untouched.
func (s *State) SetLocal(changes map[string]any) (Snapshot, error) {
	if s.role != RoleControl {
		return Snapshot{}, ErrNotAuthoritative
	}
	if err := checkCycles(changes); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	mergeMaps(s.values, changes)
	s.revision++
	s.wall = time.Now().UnixNano()
	s.sender = s.self.String()
	return Snapshot{
		Revision: s.revision,
		Wall:     s.wall,
		Sender:   s.self.String(),
		Partial:  true,
		Values:   deepCopyMap(changes),
	}, nil
}

// Apply merges an incoming snapshot. It reports whether the snapshot
// was applied; stale revisions are ignored without error (idempotent
// overwrite on higher revision). The incoming value graph is
// cycle-checked before any mutation.
func (s *State) Apply(in Snapshot) (bool, error) {
	if err := checkCycles(in.Values); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := Snapshot{Revision: s.revision, Wall: s.wall, Sender: s.sender}
	if !Newer(in, cur) {
		return false, nil
	}

	if in.Partial {
		mergeMaps(s.values, in.Values)
	} else {
		s.values = deepCopyMap(in.Values)
	}
	s.revision = in.Revision
	s.wall = in.Wall
	s.sender = in.Sender
	return true, nil
}

// mergeMaps is a structural merge keyed by parameter path: nested
// maps merge recursively, everything else overwrites.
func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				mergeMaps(dv, sv)
				continue
			}
		}
		dst[k] = deepCopy(v)
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// checkCycles walks the value graph and fails fast on a back-edge.
// Shared substructure (the same map reachable twice without a cycle)
// is legal; only references back onto the current path are not.
func checkCycles(values map[string]any) error {
	onPath := make(map[uintptr]struct{})
	for k, v := range values {
		if err := walk(v, k, onPath); err != nil {
			return err
		}
	}
	return nil
}

func walk(v any, path string, onPath map[uintptr]struct{}) error {
	switch t := v.(type) {
	case map[string]any:
		p := reflect.ValueOf(t).Pointer()
		if _, seen := onPath[p]; seen {
			return &CircularReferenceError{Path: path}
		}
		onPath[p] = struct{}{}
		for k, e := range t {
			if err := walk(e, path+"."+k, onPath); err != nil {
				return err
			}
		}
		delete(onPath, p)
	case []any:
		if len(t) == 0 {
			return nil
		}
		p := reflect.ValueOf(t).Pointer()
		if _, seen := onPath[p]; seen {
			return &CircularReferenceError{Path: path}
		}
		onPath[p] = struct{}{}
		for i, e := range t {
			if err := walk(e, fmt.Sprintf("%s[%d]", path, i), onPath); err != nil {
				return err
			}
		}
		delete(onPath, p)
	}
	return nil
}
