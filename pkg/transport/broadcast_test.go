package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestBroadcastFanout(t *testing.T) {
	hub := NewHub()
	a := hub.Join("stage")
	b := hub.Join("stage")
	c := hub.Join("stage")
	other := hub.Join("elsewhere")
	defer func() {
		for _, ep := range []*BroadcastEndpoint{a, b, c, other} {
			_ = ep.Close()
		}
	}()

	if res := a.Send([]byte("beat")); !res.OK {
		t.Fatalf("send failed: %v", res.Err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, ep := range []*BroadcastEndpoint{b, c} {
		got, ok := ep.Recv(ctx)
		if !ok || !bytes.Equal(got, []byte("beat")) {
			t.Fatalf("recv mismatch: ok=%v got=%q", ok, got)
		}
	}

	// sender never hears itself; other origins never hear anything
	short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, ok := a.Recv(short); ok {
		t.Fatalf("sender received its own frame")
	}
	short2, cancel3 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel3()
	if _, ok := other.Recv(short2); ok {
		t.Fatalf("cross-origin leak")
	}
}

func TestBroadcastRejectsOversized(t *testing.T) {
	hub := NewHub(WithMaxFrame(1024))
	ep := hub.Join("stage")
	defer ep.Close()

	res := ep.Send(make([]byte, 2048))
	if res.OK {
		t.Fatalf("expected capacity rejection")
	}
	if !errors.Is(res.Err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", res.Err)
	}
}

func TestBroadcastClosedEndpoint(t *testing.T) {
	hub := NewHub()
	ep := hub.Join("stage")
	_ = ep.Close()

	res := ep.Send([]byte("x"))
	if res.OK || !errors.Is(res.Err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %+v", res)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := ep.Recv(ctx); ok {
		t.Fatalf("closed endpoint must not receive")
	}
}

func TestBroadcastSendNeverBlocksOnSlowReceiver(t *testing.T) {
	hub := NewHub()
	a := hub.Join("stage")
	b := hub.Join("stage") // never reads
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 2048; n++ {
			a.Send([]byte("burst"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("send blocked on a slow receiver")
	}
}
