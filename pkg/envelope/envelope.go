// Package envelope defines the message wrapper every cross-surface
// frame carries, and its binary wire codec.
package envelope

import (
	"github.com/google/uuid"

	"github.com/venuelab/stagesync/pkg/hlc"
)

// Kind discriminates the payload of an Envelope.
type Kind uint8

const (
	KindHello           Kind = 0x01
	KindRequestSnapshot Kind = 0x02
	KindParamsSnapshot  Kind = 0x03
	KindParamsDelta     Kind = 0x04
	KindChunkData       Kind = 0x05
	KindCustom          Kind = 0x06
)

// Critical reports whether delivery failure of this kind must be
// escalated: handshakes and full snapshots cannot be lost silently.
func (k Kind) Critical() bool {
	switch k {
	case KindHello, KindRequestSnapshot, KindParamsSnapshot:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindRequestSnapshot:
		return "request_snapshot"
	case KindParamsSnapshot:
		return "params_snapshot"
	case KindParamsDelta:
		return "params_delta"
	case KindChunkData:
		return "chunk_data"
	case KindCustom:
		return "custom"
	}
	return "unknown"
}

// ID identifies one logical message for the lifetime of a session.
// Duplicate delivery across transports is detected by comparing IDs.
type ID [16]byte

func NewID() ID { return ID(uuid.New()) }

func (id ID) String() string { return uuid.UUID(id).String() }

// SurfaceID is a stable per-window identity, generated once per
// surface lifetime.
type SurfaceID [16]byte

func NewSurfaceID() SurfaceID { return SurfaceID(uuid.New()) }

func (s SurfaceID) String() string { return uuid.UUID(s).String() }

// Less orders surface ids lexicographically; used as the final,
// deterministic tie-break when revisions and timestamps are equal.
func (s SurfaceID) Less(o SurfaceID) bool {
	for i := range s {
		if s[i] != o[i] {
			return s[i] < o[i]
		}
	}
	return false
}

// Envelope wraps every message exchanged between surfaces.
type Envelope struct {
	ID       ID
	Kind     Kind
	Sender   SurfaceID
	HLC      hlc.Ticks
	Wall     int64
	Critical bool
	Revision uint64
	Payload  []byte
}
