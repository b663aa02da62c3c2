package chunk

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/venuelab/stagesync/pkg/envelope"
)

func randomFrame(n int, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	for _, n := range []int{1, 100, 1 << 20, 1<<20 + 1, 3 << 20} {
		parent := envelope.NewID()
		frame := randomFrame(n, int64(n))
		frags := Split(parent, frame, 1<<20)

		asm := NewAssembler()
		var got []byte
		done := false
		for _, f := range frags {
			enc := EncodeFragment(f)
			dec, err := DecodeFragment(enc)
			if err != nil {
				t.Fatalf("n=%d decode fragment: %v", n, err)
			}
			if out, ok := asm.Add(dec); ok {
				got, done = out, true
			}
		}
		if !done {
			t.Fatalf("n=%d never completed with %d fragments", n, len(frags))
		}
		if !bytes.Equal(got, frame) {
			t.Fatalf("n=%d round trip mismatch", n)
		}
		if asm.Pending() != 0 {
			t.Fatalf("n=%d buffer leaked after completion", n)
		}
	}
}

func TestThreeMegabytesMakesThreeFragments(t *testing.T) {
	frags := Split(envelope.NewID(), randomFrame(3<<20, 3), 1<<20)
	if len(frags) != 3 {
		t.Fatalf("expected exactly 3 fragments, got %d", len(frags))
	}
	for i, f := range frags {
		if f.Index != uint32(i) || f.Total != 3 {
			t.Fatalf("fragment %d mislabeled: index=%d total=%d", i, f.Index, f.Total)
		}
	}
}

func TestOutOfOrderAndDuplicateFragments(t *testing.T) {
	parent := envelope.NewID()
	frame := randomFrame(2<<20+17, 42)
	frags := Split(parent, frame, 1<<19)

	asm := NewAssembler()
	order := rand.New(rand.NewSource(1)).Perm(len(frags))
	var got []byte
	for i, idx := range order {
		f := frags[idx]
		// duplicate every other fragment before the set completes
		if i%2 == 0 && i < len(order)-1 {
			if _, ok := asm.Add(f); ok {
				t.Fatalf("completed too early")
			}
		}
		if out, ok := asm.Add(f); ok {
			if i != len(order)-1 {
				t.Fatalf("completed before all distinct fragments arrived")
			}
			got = out
		}
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("out-of-order reassembly mismatch")
	}
}

func TestStaleBuffersPurged(t *testing.T) {
	clock := time.Now()
	asm := NewAssembler(
		WithStaleness(30*time.Second),
		WithNow(func() time.Time { return clock }),
	)

	parent := envelope.NewID()
	frags := Split(parent, randomFrame(4096, 9), 1024)
	asm.Add(frags[0])
	if asm.Pending() != 1 {
		t.Fatalf("expected one pending buffer")
	}

	// within the window nothing is dropped
	clock = clock.Add(29 * time.Second)
	if dropped := asm.Purge(); len(dropped) != 0 {
		t.Fatalf("purged too early: %v", dropped)
	}

	clock = clock.Add(2 * time.Second)
	dropped := asm.Purge()
	if len(dropped) != 1 || dropped[0] != parent {
		t.Fatalf("expected %v dropped, got %v", parent, dropped)
	}
	if asm.Pending() != 0 {
		t.Fatalf("buffer survived past staleness")
	}

	// a late fragment restarts from scratch rather than resurrecting
	if _, ok := asm.Add(frags[1]); ok {
		t.Fatalf("late fragment must not complete anything")
	}
}

func TestResetDropsEverything(t *testing.T) {
	asm := NewAssembler()
	parent := envelope.NewID()
	frags := Split(parent, randomFrame(4096, 5), 1024)
	for _, f := range frags[:len(frags)-1] {
		asm.Add(f)
	}
	asm.Reset()
	if asm.Pending() != 0 {
		t.Fatalf("reset left buffers behind")
	}
	// the final fragment alone cannot complete the set now
	if _, ok := asm.Add(frags[len(frags)-1]); ok {
		t.Fatalf("late fragment completed after reset")
	}
}

func TestDecodeFragmentRejectsGarbage(t *testing.T) {
	if _, err := DecodeFragment([]byte("nope")); err == nil {
		t.Fatalf("expected error for short fragment")
	}
	f := Fragment{Parent: envelope.NewID(), Index: 0, Total: 1, Data: []byte("abc")}
	enc := EncodeFragment(f)
	if _, err := DecodeFragment(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error for truncated fragment")
	}
	bad := Fragment{Parent: envelope.NewID(), Index: 5, Total: 2, Data: nil}
	if _, err := DecodeFragment(EncodeFragment(bad)); err == nil {
		t.Fatalf("expected error for index out of range")
	}
}
