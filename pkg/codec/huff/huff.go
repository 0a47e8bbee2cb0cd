// Package huff implements the EA adaptive Huffman codec with run-length
// escapes.
//
// A stream carries a two byte type, the uncompressed size, and a bit packed
// body: the clue byte, the number of codes of each length, a leapfrog table
// naming the byte value behind each canonical code, and the coded data. The
// clue byte introduces a repeat of the previous byte, an escaped literal,
// or the end of the stream.
package huff

import (
	"fmt"

	"github.com/beam-cloud/bigfs/pkg/common"
)

// Mode selects the transform applied to the data before coding.
type Mode int

const (
	ModeRaw Mode = iota
	ModeDelta
	ModeDeltaDelta
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeDelta:
		return "delta"
	case ModeDeltaDelta:
		return "delta-delta"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

const (
	TypeRaw        = 0x30FB
	TypeDelta      = 0x32FB
	TypeDeltaDelta = 0x34FB

	flagComposite = 0x0100
	flagLargeSize = 0x8000

	maxCodeBits  = 16
	encodeLimit  = 15
	quickBits    = 8
	literalWidth = 9
)

func typeForMode(m Mode) uint16 {
	switch m {
	case ModeDelta:
		return TypeDelta
	case ModeDeltaDelta:
		return TypeDeltaDelta
	default:
		return TypeRaw
	}
}

type header struct {
	mode   Mode
	size   int
	length int
}

func headerType(src []byte) (uint16, bool) {
	if len(src) < 2 {
		return 0, false
	}
	typ := uint16(src[0])<<8 | uint16(src[1])
	switch typ &^ (flagComposite | flagLargeSize) {
	case TypeRaw, TypeDelta, TypeDeltaDelta:
		return typ, true
	}
	return 0, false
}

// Is reports whether src starts with a Huffman header.
func Is(src []byte) bool {
	_, ok := headerType(src)
	return ok
}

func parseHeader(src []byte) (header, error) {
	typ, ok := headerType(src)
	if !ok {
		return header{}, fmt.Errorf("huff: %w", common.ErrFileHeaderMismatch)
	}

	var h header
	switch typ &^ (flagComposite | flagLargeSize) {
	case TypeDelta:
		h.mode = ModeDelta
	case TypeDeltaDelta:
		h.mode = ModeDeltaDelta
	}

	width := 3
	if typ&flagLargeSize != 0 {
		width = 4
	}
	fields := 1
	if typ&flagComposite != 0 {
		// Composite streams record the full file size first and the size
		// of this piece second; the body expands to the second.
		fields = 2
	}
	h.length = 2 + fields*width
	if len(src) < h.length {
		return header{}, fmt.Errorf("huff: truncated header: %w", common.ErrCorrupt)
	}
	pos := 2 + (fields-1)*width
	for i := 0; i < width; i++ {
		h.size = h.size<<8 | int(src[pos+i])
	}
	return h, nil
}

// UncompressedSize returns the size recorded in a Huffman header.
func UncompressedSize(src []byte) (int, error) {
	h, err := parseHeader(src)
	if err != nil {
		return 0, err
	}
	return h.size, nil
}

// MaxEncodedSize bounds Encode output for n input bytes.
func MaxEncodedSize(n int) int {
	return n + n/2 + 1024
}

func deltaBytes(src []byte) []byte {
	out := make([]byte, len(src))
	var prev byte
	for i, b := range src {
		out[i] = b - prev
		prev = b
	}
	return out
}

func undeltaBytes(buf []byte) {
	var sum byte
	for i, b := range buf {
		sum += b
		buf[i] = sum
	}
}
