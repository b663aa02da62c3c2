package params

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/venuelab/stagesync/pkg/envelope"
)

func TestControlAdvancesRevision(t *testing.T) {
	s := New(RoleControl, envelope.NewSurfaceID())
	snap, err := s.SetLocal(map[string]any{"hue": 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Revision != 1 || !snap.Partial {
		t.Fatalf("unexpected delta snapshot: %+v", snap)
	}
	if s.Revision() != 1 {
		t.Fatalf("revision not advanced: %d", s.Revision())
	}

	if _, err := s.SetLocal(map[string]any{"bloom": 1.0}); err != nil {
		t.Fatal(err)
	}
	if s.Revision() != 2 {
		t.Fatalf("revision must increase per local change, got %d", s.Revision())
	}
}

func TestProjectorCannotOriginate(t *testing.T) {
	s := New(RoleProjector, envelope.NewSurfaceID())
	if _, err := s.SetLocal(map[string]any{"hue": 0.5}); !errors.Is(err, ErrNotAuthoritative) {
		t.Fatalf("expected ErrNotAuthoritative, got %v", err)
	}
	if s.Revision() != 0 {
		t.Fatalf("projector bumped revision")
	}
}

func TestApplyHigherRevisionWins(t *testing.T) {
	s := New(RoleProjector, envelope.NewSurfaceID())

	r1 := Snapshot{Revision: 1, Wall: 10, Sender: "a", Values: map[string]any{"hue": 0.1, "old": true}}
	r2 := Snapshot{Revision: 2, Wall: 20, Sender: "a", Values: map[string]any{"hue": 0.9}}

	// r1 then r2 must equal applying r2 alone (full snapshots replace)
	if ok, err := s.Apply(r1); err != nil || !ok {
		t.Fatalf("apply r1: ok=%v err=%v", ok, err)
	}
	if ok, err := s.Apply(r2); err != nil || !ok {
		t.Fatalf("apply r2: ok=%v err=%v", ok, err)
	}
	sequential := s.SnapshotFull().Values

	fresh := New(RoleProjector, envelope.NewSurfaceID())
	fresh.Apply(r2)
	alone := fresh.SnapshotFull().Values

	if diff := cmp.Diff(alone, sequential); diff != "" {
		t.Fatalf("r1;r2 differs from r2 alone (-want +got):\n%s", diff)
	}

	// replaying the stale r1 is a no-op
	if ok, err := s.Apply(r1); err != nil || ok {
		t.Fatalf("stale revision applied: ok=%v err=%v", ok, err)
	}
	if s.Revision() != 2 {
		t.Fatalf("revision regressed to %d", s.Revision())
	}
}

func TestApplyTieBreaks(t *testing.T) {
	s := New(RoleProjector, envelope.NewSurfaceID())
	s.Apply(Snapshot{Revision: 3, Wall: 100, Sender: "bbb", Values: map[string]any{"v": 1.0}})

	// same revision, older wall: rejected
	if ok, _ := s.Apply(Snapshot{Revision: 3, Wall: 50, Sender: "zzz", Values: map[string]any{"v": 2.0}}); ok {
		t.Fatalf("older wall must lose on equal revision")
	}
	// same revision, later wall: wins
	if ok, _ := s.Apply(Snapshot{Revision: 3, Wall: 200, Sender: "aaa", Values: map[string]any{"v": 3.0}}); !ok {
		t.Fatalf("later wall must win on equal revision")
	}
	// full tie except sender: lexically larger sender wins
	if ok, _ := s.Apply(Snapshot{Revision: 3, Wall: 200, Sender: "ccc", Values: map[string]any{"v": 4.0}}); !ok {
		t.Fatalf("lexically larger sender must win a full tie")
	}
	if ok, _ := s.Apply(Snapshot{Revision: 3, Wall: 200, Sender: "ccc", Values: map[string]any{"v": 5.0}}); ok {
		t.Fatalf("identical ordering key must not reapply")
	}
}

func TestPartialMergeIsStructural(t *testing.T) {
	s := New(RoleProjector, envelope.NewSurfaceID())
	s.Apply(Snapshot{Revision: 1, Wall: 1, Sender: "a", Values: map[string]any{
		"scene": map[string]any{"bloom": 1.0, "fog": 0.2},
		"bpm":   120.0,
	}})
	s.Apply(Snapshot{Revision: 2, Wall: 2, Sender: "a", Partial: true, Values: map[string]any{
		"scene": map[string]any{"bloom": 2.5},
	}})

	want := map[string]any{
		"scene": map[string]any{"bloom": 2.5, "fog": 0.2},
		"bpm":   120.0,
	}
	if diff := cmp.Diff(want, s.SnapshotFull().Values); diff != "" {
		t.Fatalf("structural merge wrong (-want +got):\n%s", diff)
	}
}

func TestCircularReferenceFailsFastAndLeavesStateIntact(t *testing.T) {
	s := New(RoleProjector, envelope.NewSurfaceID())
	s.Apply(Snapshot{Revision: 1, Wall: 1, Sender: "a", Values: map[string]any{"hue": 0.5}})
	before := s.SnapshotFull()

	cyclic := map[string]any{"a": map[string]any{}}
	inner := cyclic["a"].(map[string]any)
	inner["back"] = cyclic

	ok, err := s.Apply(Snapshot{Revision: 2, Wall: 2, Sender: "a", Values: cyclic})
	var cre *CircularReferenceError
	if !errors.As(err, &cre) {
		t.Fatalf("expected CircularReferenceError, got %v", err)
	}
	if ok {
		t.Fatalf("cyclic snapshot reported as applied")
	}
	if diff := cmp.Diff(before, s.SnapshotFull()); diff != "" {
		t.Fatalf("state mutated by failed merge (-want +got):\n%s", diff)
	}

	// control-side originations are checked the same way
	ctl := New(RoleControl, envelope.NewSurfaceID())
	if _, err := ctl.SetLocal(cyclic); !errors.As(err, &cre) {
		t.Fatalf("SetLocal must reject cycles, got %v", err)
	}
	if ctl.Revision() != 0 {
		t.Fatalf("failed SetLocal advanced revision")
	}
}

func TestSharedSubstructureIsNotACycle(t *testing.T) {
	shared := map[string]any{"x": 1.0}
	in := map[string]any{"a": shared, "b": shared}
	s := New(RoleProjector, envelope.NewSurfaceID())
	if _, err := s.Apply(Snapshot{Revision: 1, Wall: 1, Sender: "a", Values: in}); err != nil {
		t.Fatalf("DAG wrongly reported as cycle: %v", err)
	}
}

func TestSnapshotJSONRoundTrip(t *testing.T) {
	in := Snapshot{
		Revision: 7,
		Wall:     99,
		Sender:   "s",
		Partial:  true,
		Values:   map[string]any{"scene": map[string]any{"layers": []any{"a", "b"}}},
	}
	b, err := EncodeSnapshot(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeSnapshot(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New(RoleControl, envelope.NewSurfaceID())
	s.SetLocal(map[string]any{"scene": map[string]any{"bloom": 1.0}})

	v, ok := s.Get("scene")
	if !ok {
		t.Fatalf("missing key")
	}
	v.(map[string]any)["bloom"] = 99.0

	again, _ := s.Get("scene")
	if again.(map[string]any)["bloom"] != 1.0 {
		t.Fatalf("Get leaked a mutable reference into the state")
	}
}
