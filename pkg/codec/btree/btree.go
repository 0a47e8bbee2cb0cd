// Package btree implements the EA binary-tree codec.
//
// The encoder repeatedly replaces frequent adjacent byte pairs with byte
// values the input never uses. The stream records each replacement as a
// node (value, left, right) so the decoder can expand a node byte back into
// the bytes it stands for. A clue byte escapes literals: clue followed by b
// emits b, and clue followed by clue once every byte has been produced ends
// the stream.
package btree

import (
	"fmt"

	"github.com/beam-cloud/bigfs/pkg/common"
)

const (
	Magic = 0x46FB

	flagLargeSize = 0x8000
	magicMask     = 0x7FFF

	// Node values come from unused bytes, so no more than 255 can exist
	// and no expansion is deeper than that.
	maxNodes = 255
	maxDepth = maxNodes + 2
)

// Is reports whether src starts with a BTree header.
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
		return header{}, fmt.Errorf("btree: %w", common.ErrFileHeaderMismatch)
	}
	width := 3
	if src[0]&0x80 != 0 {
		width = 4
	}
	if len(src) < 2+width {
		return header{}, fmt.Errorf("btree: truncated header: %w", common.ErrCorrupt)
	}
	size := 0
	for i := 0; i < width; i++ {
		size = size<<8 | int(src[2+i])
	}
	return header{size: size, length: 2 + width}, nil
}

// UncompressedSize returns the size recorded in a BTree header.
func UncompressedSize(src []byte) (int, error) {
	h, err := parseHeader(src)
	if err != nil {
		return 0, err
	}
	return h.size, nil
}

// MaxEncodedSize bounds Encode output for n input bytes: the header, the
// node table, one escape per clue literal and the terminator.
func MaxEncodedSize(n int) int {
	return 6 + 2 + 3*maxNodes + n + n/256 + 2 + 8
}

type nodeTable struct {
	clue   byte
	isNode [256]bool
	left   [256]byte
	right  [256]byte
}

// Decode expands a BTree stream into exactly size bytes.
func Decode(src []byte, size int) ([]byte, error) {
	h, err := parseHeader(src)
	if err != nil {
		return nil, err
	}
	if h.size != size {
		return nil, fmt.Errorf("btree: header declares %d bytes, expected %d: %w", h.size, size, common.ErrCorrupt)
	}

	in := src[h.length:]
	if len(in) < 2 {
		return nil, fmt.Errorf("btree: truncated node table: %w", common.ErrCorrupt)
	}
	t := &nodeTable{clue: in[0]}
	count := int(in[1])
	in = in[2:]
	if len(in) < 3*count {
		return nil, fmt.Errorf("btree: truncated node table: %w", common.ErrCorrupt)
	}

	// A node may only refer to literals or to nodes defined before it,
	// which keeps the table acyclic.
	for i := 0; i < count; i++ {
		v, l, r := in[3*i], in[3*i+1], in[3*i+2]
		if v == t.clue || t.isNode[v] || v == l || v == r {
			return nil, fmt.Errorf("btree: bad node %#x: %w", v, common.ErrCorrupt)
		}
		t.isNode[v] = true
		t.left[v] = l
		t.right[v] = r
	}
	for i := 0; i < count; i++ {
		v, l, r := in[3*i], in[3*i+1], in[3*i+2]
		if definedAfter(in[:3*count], v, l) || definedAfter(in[:3*count], v, r) {
			return nil, fmt.Errorf("btree: node %#x refers forward: %w", v, common.ErrCorrupt)
		}
	}
	in = in[3*count:]

	out := make([]byte, 0, common.DecodeReserve(size, len(src)))
	stack := make([]byte, 0, maxDepth)
	for i := 0; ; {
		if i >= len(in) {
			return nil, fmt.Errorf("btree: missing terminator: %w", common.ErrCorrupt)
		}
		b := in[i]
		i++

		switch {
		case b == t.clue:
			if i >= len(in) {
				return nil, fmt.Errorf("btree: dangling clue: %w", common.ErrCorrupt)
			}
			next := in[i]
			i++
			if next == t.clue && len(out) == size {
				return out, nil
			}
			if len(out) >= size {
				return nil, fmt.Errorf("btree: output exceeds %d bytes: %w", size, common.ErrCorrupt)
			}
			out = append(out, next)

		case t.isNode[b]:
			stack = append(stack[:0], b)
			for len(stack) > 0 {
				v := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if !t.isNode[v] {
					if len(out) >= size {
						return nil, fmt.Errorf("btree: output exceeds %d bytes: %w", size, common.ErrCorrupt)
					}
					out = append(out, v)
					continue
				}
				if len(stack)+2 > maxDepth {
					return nil, fmt.Errorf("btree: node expansion too deep: %w", common.ErrCorrupt)
				}
				stack = append(stack, t.right[v], t.left[v])
			}

		default:
			if len(out) >= size {
				return nil, fmt.Errorf("btree: output exceeds %d bytes: %w", size, common.ErrCorrupt)
			}
			out = append(out, b)
		}
	}
}

// definedAfter reports whether child is a node whose definition comes
// after the definition of v in table.
func definedAfter(table []byte, v, child byte) bool {
	seenV := false
	for i := 0; i+2 < len(table); i += 3 {
		switch table[i] {
		case v:
			seenV = true
		case child:
			return seenV
		}
	}
	return false
}
