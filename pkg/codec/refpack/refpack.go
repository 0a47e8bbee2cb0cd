// Package refpack implements the RefPack LZ77 codec used for EA game assets.
//
// A RefPack stream starts with a two byte type (0x10FB, optionally with the
// 0x80 flag for 32-bit sizes and the 0x01 flag for a leading compressed size
// field) followed by the uncompressed size, then a sequence of commands:
//
//	0ooLLLpp oooooooo                      short:  3-10 bytes, offset <= 1024
//	10LLLLLL ppoooooo oooooooo             medium: 4-67 bytes, offset <= 16384
//	110oLLpp oooooooo oooooooo LLLLLLLL    long:   5-1028 bytes, offset <= 131072
//	111ppppp                               literal run of 4-112 bytes
//	111111pp                               end of stream with 0-3 literals
//
// where p counts literal bytes copied before the back reference.
package refpack

import (
	"fmt"

	"github.com/beam-cloud/bigfs/pkg/common"
)

const (
	Magic = 0x10FB

	flagLargeSize      = 0x8000
	flagCompressedSize = 0x0100
	magicMask          = 0x3EFF

	maxShortOffset  = 1024
	maxMediumOffset = 16384
	maxLongOffset   = 131072

	minShortLen  = 3
	maxShortLen  = 10
	minMediumLen = 4
	maxMediumLen = 67
	minLongLen   = 5
	maxLongLen   = 1028

	maxLiteralRun = 112
)

// Is reports whether src starts with a RefPack header.
func Is(src []byte) bool {
	if len(src) < 2 {
		return false
	}
	return (uint16(src[0])<<8|uint16(src[1]))&magicMask == Magic
}

type header struct {
	size   int
	length int
}

func parseHeader(src []byte) (header, error) {
	if !Is(src) {
		return header{}, fmt.Errorf("refpack: %w", common.ErrFileHeaderMismatch)
	}
	typ := uint16(src[0])<<8 | uint16(src[1])
	width := 3
	if typ&flagLargeSize != 0 {
		width = 4
	}
	pos := 2
	if typ&flagCompressedSize != 0 {
		pos += width
	}
	if len(src) < pos+width {
		return header{}, fmt.Errorf("refpack: truncated header: %w", common.ErrCorrupt)
	}
	size := 0
	for i := 0; i < width; i++ {
		size = size<<8 | int(src[pos+i])
	}
	return header{size: size, length: pos + width}, nil
}

// UncompressedSize returns the size recorded in a RefPack header.
func UncompressedSize(src []byte) (int, error) {
	h, err := parseHeader(src)
	if err != nil {
		return 0, err
	}
	return h.size, nil
}

// MaxEncodedSize is the worst case Encode output for n input bytes: every
// byte a literal, one command byte per 112 literals.
func MaxEncodedSize(n int) int {
	return 6 + n + n/maxLiteralRun + 2
}

// Decode expands a RefPack stream into exactly size bytes.
func Decode(src []byte, size int) ([]byte, error) {
	h, err := parseHeader(src)
	if err != nil {
		return nil, err
	}
	if h.size != size {
		return nil, fmt.Errorf("refpack: header declares %d bytes, expected %d: %w", h.size, size, common.ErrCorrupt)
	}

	dst := make([]byte, 0, common.DecodeReserve(size, len(src)))
	in := src[h.length:]
	i := 0
	for {
		if i >= len(in) {
			return nil, fmt.Errorf("refpack: missing end of stream: %w", common.ErrCorrupt)
		}

		var literals, length, offset int
		b0 := int(in[i])
		switch {
		case b0 < 0x80:
			if i+2 > len(in) {
				return nil, truncated()
			}
			b1 := int(in[i+1])
			literals = b0 & 0x03
			length = (b0&0x1C)>>2 + minShortLen
			offset = (b0&0x60)<<3 + b1 + 1
			i += 2
		case b0 < 0xC0:
			if i+3 > len(in) {
				return nil, truncated()
			}
			b1, b2 := int(in[i+1]), int(in[i+2])
			literals = b1 >> 6
			length = b0&0x3F + minMediumLen
			offset = (b1&0x3F)<<8 + b2 + 1
			i += 3
		case b0 < 0xE0:
			if i+4 > len(in) {
				return nil, truncated()
			}
			b1, b2, b3 := int(in[i+1]), int(in[i+2]), int(in[i+3])
			literals = b0 & 0x03
			length = (b0&0x0C)<<6 + b3 + minLongLen
			offset = (b0&0x10)<<12 + b1<<8 + b2 + 1
			i += 4
		case b0 < 0xFC:
			literals = (b0&0x1F)<<2 + 4
			i++
		default:
			literals = b0 & 0x03
			i++
			if i+literals > len(in) {
				return nil, truncated()
			}
			if len(dst)+literals != size {
				return nil, fmt.Errorf("refpack: stream ends at %d bytes, expected %d: %w", len(dst)+literals, size, common.ErrCorrupt)
			}
			return append(dst, in[i:i+literals]...), nil
		}

		if i+literals > len(in) {
			return nil, truncated()
		}
		if len(dst)+literals+length > size {
			return nil, fmt.Errorf("refpack: output exceeds %d bytes: %w", size, common.ErrCorrupt)
		}
		dst = append(dst, in[i:i+literals]...)
		i += literals

		if length == 0 {
			continue
		}
		if offset > len(dst) {
			return nil, fmt.Errorf("refpack: offset %d before start of output (%d): %w", offset, len(dst), common.ErrCorrupt)
		}

		// The reference may overlap the bytes being written.
		from := len(dst) - offset
		for k := 0; k < length; k++ {
			dst = append(dst, dst[from+k])
		}
	}
}

func truncated() error {
	return fmt.Errorf("refpack: truncated command: %w", common.ErrCorrupt)
}
