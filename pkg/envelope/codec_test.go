package envelope

import (
	"bytes"
	"testing"

	"github.com/venuelab/stagesync/pkg/hlc"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	clk := hlc.New()
	in := Envelope{
		ID:       NewID(),
		Kind:     KindParamsSnapshot,
		Sender:   NewSurfaceID(),
		HLC:      clk.Now(),
		Wall:     1234567890,
		Critical: true,
		Revision: 42,
		Payload:  []byte(`{"hue":0.5,"bloom":1.2}`),
	}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != in.ID || out.Kind != in.Kind || out.Sender != in.Sender {
		t.Fatalf("identity fields mismatch: %+v vs %+v", out, in)
	}
	if out.HLC != in.HLC || out.Wall != in.Wall || out.Revision != in.Revision {
		t.Fatalf("ordering fields mismatch: %+v vs %+v", out, in)
	}
	if !out.Critical {
		t.Fatalf("critical flag lost")
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", out.Payload, in.Payload)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	in := Envelope{ID: NewID(), Kind: KindRequestSnapshot, Critical: KindRequestSnapshot.Critical()}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(out.Payload))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("too short")); err == nil {
		t.Fatalf("expected error for short frame")
	}
	frame := Encode(Envelope{ID: NewID(), Kind: KindCustom, Payload: []byte("abc")})
	if _, err := Decode(frame[:len(frame)-1]); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
	if _, err := Decode(append(frame, 0xFF)); err == nil {
		t.Fatalf("expected error for trailing bytes")
	}
}

func TestCriticalKinds(t *testing.T) {
	for _, k := range []Kind{KindHello, KindRequestSnapshot, KindParamsSnapshot} {
		if !k.Critical() {
			t.Fatalf("%s must be critical", k)
		}
	}
	for _, k := range []Kind{KindParamsDelta, KindChunkData, KindCustom} {
		if k.Critical() {
			t.Fatalf("%s must not be critical", k)
		}
	}
}

func TestSurfaceIDLess(t *testing.T) {
	a := SurfaceID{0x01}
	b := SurfaceID{0x02}
	if !a.Less(b) || b.Less(a) {
		t.Fatalf("lexical order broken")
	}
	if a.Less(a) {
		t.Fatalf("id must not be less than itself")
	}
}
