package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/venuelab/stagesync/pkg/hlc"
)

// Wire format:
// | u16 schema | u8 kind | u8 flags | 16B id | 16B sender |
// | u64 hlc | u64 wall | u64 revision | u32 payloadLen | payload |
const (
	SchemaV1 uint16 = 1

	flagCritical byte = 1 << 0

	headerLen = 2 + 1 + 1 + 16 + 16 + 8 + 8 + 8 + 4
)

var (
	ErrShortFrame     = errors.New("envelope: short frame")
	ErrSchema         = errors.New("envelope: unsupported schema")
	ErrLengthMismatch = errors.New("envelope: payload length mismatch")
)

func putU16(b *bytes.Buffer, v uint16) { _ = binary.Write(b, binary.BigEndian, v) }
func putU32(b *bytes.Buffer, v uint32) { _ = binary.Write(b, binary.BigEndian, v) }
func putU64(b *bytes.Buffer, v uint64) { _ = binary.Write(b, binary.BigEndian, v) }

func getU16(r *bytes.Reader) (uint16, error) {
	var v uint16
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}
func getU32(r *bytes.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}
func getU64(r *bytes.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

// Encode serializes the envelope into a self-delimiting frame.
func Encode(e Envelope) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(e.Payload))
	putU16(&buf, SchemaV1)
	buf.WriteByte(byte(e.Kind))
	var flags byte
	if e.Critical {
		flags |= flagCritical
	}
	buf.WriteByte(flags)
	buf.Write(e.ID[:])
	buf.Write(e.Sender[:])
	putU64(&buf, uint64(e.HLC))
	putU64(&buf, uint64(e.Wall))
	putU64(&buf, e.Revision)
	putU32(&buf, uint32(len(e.Payload)))
	buf.Write(e.Payload)
	return buf.Bytes()
}

// Decode parses a frame produced by Encode. Trailing bytes are an
// error: frames are delivered whole, never streamed.
func Decode(frame []byte) (Envelope, error) {
	if len(frame) < headerLen {
		return Envelope{}, ErrShortFrame
	}
	r := bytes.NewReader(frame)

	schema, err := getU16(r)
	if err != nil {
		return Envelope{}, err
	}
	if schema != SchemaV1 {
		return Envelope{}, ErrSchema
	}

	var e Envelope
	kind, _ := r.ReadByte()
	e.Kind = Kind(kind)
	flags, _ := r.ReadByte()
	e.Critical = flags&flagCritical != 0

	if _, err := io.ReadFull(r, e.ID[:]); err != nil {
		return Envelope{}, err
	}
	if _, err := io.ReadFull(r, e.Sender[:]); err != nil {
		return Envelope{}, err
	}
	ticks, err := getU64(r)
	if err != nil {
		return Envelope{}, err
	}
	e.HLC = hlc.Ticks(ticks)
	wall, err := getU64(r)
	if err != nil {
		return Envelope{}, err
	}
	e.Wall = int64(wall)
	if e.Revision, err = getU64(r); err != nil {
		return Envelope{}, err
	}
	plen, err := getU32(r)
	if err != nil {
		return Envelope{}, err
	}
	if int(plen) != r.Len() {
		return Envelope{}, ErrLengthMismatch
	}
	if plen > 0 {
		e.Payload = make([]byte, plen)
		if _, err := io.ReadFull(r, e.Payload); err != nil {
			return Envelope{}, err
		}
	}
	return e, nil
}
