package transport

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenStore(dir, "stage", "writer")
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	r, err := OpenStore(dir, "stage", "reader", WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if res := w.Send([]byte("frame-1")); !res.OK {
		t.Fatalf("send: %v", res.Err)
	}
	r.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, ok := r.Recv(ctx)
	if !ok || !bytes.Equal(got, []byte("frame-1")) {
		t.Fatalf("recv mismatch: ok=%v got=%q", ok, got)
	}
}

func TestStoreSkipsOwnFrames(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir, "stage", "solo", WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Send([]byte("own"))
	s.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, ok := s.Recv(ctx); ok {
		t.Fatalf("reader must never see its own frames")
	}
}

func TestStoreIgnoresPartialWrites(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenStore(dir, "stage", "reader", WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	// a writer crashed mid-rename: the .tmp must never be delivered
	tmp := filepath.Join(r.msgDir, "00000000000000000001-other-000001.frame.tmp")
	if err := os.WriteFile(tmp, []byte("torn"), 0o644); err != nil {
		t.Fatal(err)
	}
	r.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if got, ok := r.Recv(ctx); ok {
		t.Fatalf("partial write delivered as frame: %q", got)
	}

	// once the rename lands, the frame flows normally
	final := filepath.Join(r.msgDir, "00000000000000000001-other-000001.frame")
	if err := os.Rename(tmp, final); err != nil {
		t.Fatal(err)
	}
	r.Sync()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	got, ok := r.Recv(ctx2)
	if !ok || !bytes.Equal(got, []byte("torn")) {
		t.Fatalf("renamed frame not delivered: ok=%v got=%q", ok, got)
	}
}

func TestStoreQuota(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir, "stage", "writer", WithQuota(1024))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if res := s.Send(make([]byte, 512)); !res.OK {
		t.Fatalf("first send should fit: %v", res.Err)
	}
	res := s.Send(make([]byte, 1024))
	if res.OK {
		t.Fatalf("expected quota rejection")
	}
	if !errors.Is(res.Err, ErrQuota) {
		t.Fatalf("expected ErrQuota, got %v", res.Err)
	}
}

func TestStoreSnapshotCoalesced(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir, "stage", "ctl", WithSnapshotInterval(150*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if res := s.PutSnapshot([]byte(`{"rev":1}`)); !res.OK {
		t.Fatalf("first snapshot: %v", res.Err)
	}
	// burst inside the interval: only the latest survives
	s.PutSnapshot([]byte(`{"rev":2}`))
	s.PutSnapshot([]byte(`{"rev":3}`))

	got, ok := s.Snapshot()
	if !ok || !bytes.Equal(got, []byte(`{"rev":1}`)) {
		t.Fatalf("immediate read should see first write, got %q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := s.Snapshot(); ok && bytes.Equal(got, []byte(`{"rev":3}`)) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	got, _ = s.Snapshot()
	t.Fatalf("coalesced write never flushed, last=%q", got)
}

func TestStorePrunesStaleFrames(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenStore(dir, "stage", "writer", WithStaleness(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	w.Send([]byte("old"))
	_ = w.Close()

	time.Sleep(100 * time.Millisecond)

	r, err := OpenStore(dir, "stage", "reader",
		WithStaleness(50*time.Millisecond), WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	r.Sync()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.usedBytes() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("stale frame not pruned, %d bytes still held", r.usedBytes())
}
