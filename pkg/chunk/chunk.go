// Package chunk splits oversized frames into ordered fragments and
// reassembles them on the receiving side. Fragments ride inside
// chunk-data envelopes, so every transport can carry a slice of a
// payload that would exceed its frame bound.
package chunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/venuelab/stagesync/pkg/envelope"
)

const (
	// DefaultThreshold is the encoded-frame size above which a
	// message is split.
	DefaultThreshold = 1 << 20
	// DefaultFragmentSize is the data bytes carried per fragment.
	DefaultFragmentSize = 1 << 20
)

var (
	ErrBadFragment = errors.New("chunk: malformed fragment")
	// ErrReassemblyTimeout marks a chunk set abandoned past the
	// staleness window; partial data is discarded, never dispatched.
	ErrReassemblyTimeout = errors.New("chunk: reassembly timed out")
)

// Fragment is one slice of a parent frame. Fragments cut the encoded
// parent at whole-byte boundaries; the payload is only decoded after
// full concatenation, so no multi-byte unit is ever interpreted
// split.
type Fragment struct {
	Parent envelope.ID
	Index  uint32
	Total  uint32
	Data   []byte
}

// Split cuts a frame into fragments of at most size bytes. The caller
// decides whether splitting is needed at all (frame > threshold).
func Split(parent envelope.ID, frame []byte, size int) []Fragment {
	if size <= 0 {
		size = DefaultFragmentSize
	}
	total := uint32((len(frame) + size - 1) / size)
	if total == 0 {
		total = 1
	}
	out := make([]Fragment, 0, total)
	for i := uint32(0); i < total; i++ {
		lo := int(i) * size
		hi := min(lo+size, len(frame))
		data := make([]byte, hi-lo)
		copy(data, frame[lo:hi])
		out = append(out, Fragment{Parent: parent, Index: i, Total: total, Data: data})
	}
	return out
}

// Fragment wire format: | 16B parent | u32 index | u32 total | u32 len | data |
func EncodeFragment(f Fragment) []byte {
	var buf bytes.Buffer
	buf.Grow(16 + 4 + 4 + 4 + len(f.Data))
	buf.Write(f.Parent[:])
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], f.Index)
	buf.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], f.Total)
	buf.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], uint32(len(f.Data)))
	buf.Write(tmp[:])
	buf.Write(f.Data)
	return buf.Bytes()
}

func DecodeFragment(b []byte) (Fragment, error) {
	if len(b) < 16+12 {
		return Fragment{}, ErrBadFragment
	}
	var f Fragment
	r := bytes.NewReader(b)
	if _, err := io.ReadFull(r, f.Parent[:]); err != nil {
		return Fragment{}, ErrBadFragment
	}
	var tmp [4]byte
	for _, dst := range []*uint32{&f.Index, &f.Total} {
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return Fragment{}, ErrBadFragment
		}
		*dst = binary.BigEndian.Uint32(tmp[:])
	}
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return Fragment{}, ErrBadFragment
	}
	n := binary.BigEndian.Uint32(tmp[:])
	if int(n) != r.Len() {
		return Fragment{}, ErrBadFragment
	}
	f.Data = make([]byte, n)
	if _, err := io.ReadFull(r, f.Data); err != nil {
		return Fragment{}, ErrBadFragment
	}
	if f.Total == 0 || f.Index >= f.Total {
		return Fragment{}, ErrBadFragment
	}
	return f, nil
}
