package timeset

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestAfterFires(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := New()
	defer s.Stop()

	ch := make(chan struct{})
	s.After(10*time.Millisecond, func() { close(ch) })
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timer never fired")
	}
}

func TestEveryTicksUntilStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := New()

	var n atomic.Int32
	s.Every(10*time.Millisecond, func() { n.Add(1) })

	time.Sleep(100 * time.Millisecond)
	s.Stop()
	got := n.Load()
	if got == 0 {
		t.Fatalf("periodic callback never ran")
	}

	time.Sleep(50 * time.Millisecond)
	if n.Load() != got {
		t.Fatalf("ticker survived Stop")
	}
}

func TestStopSuppressesPending(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := New()

	var fired atomic.Bool
	s.After(50*time.Millisecond, func() { fired.Store(true) })
	s.Stop()

	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("timer fired after Stop")
	}
}

func TestStopIdempotentAndScheduleAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := New()
	s.Stop()
	s.Stop()

	var fired atomic.Bool
	s.After(time.Millisecond, func() { fired.Store(true) })
	s.Every(time.Millisecond, func() { fired.Store(true) })
	time.Sleep(20 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("stopped set scheduled work")
	}
}
