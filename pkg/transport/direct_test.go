package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestDirectDelivery(t *testing.T) {
	a, b := NewDirectPair()
	defer a.Close()
	defer b.Close()

	if res := a.Send([]byte("ping")); !res.OK {
		t.Fatalf("send: %v", res.Err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.Recv(ctx)
	if !ok || !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("recv mismatch: ok=%v got=%q", ok, got)
	}
}

func TestDirectPeerClosedFailsSilently(t *testing.T) {
	a, b := NewDirectPair()
	defer a.Close()
	_ = b.Close()

	res := a.Send([]byte("ping"))
	if res.OK {
		t.Fatalf("expected failure after peer closed")
	}
	if !errors.Is(res.Err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", res.Err)
	}

	// reference is invalidated for good
	if res := a.Send([]byte("again")); res.OK {
		t.Fatalf("stale peer reference must stay dead")
	}
}
