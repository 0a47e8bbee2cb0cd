package huff

import (
	"fmt"

	"github.com/beam-cloud/bigfs/pkg/common"
)

type quickEntry struct {
	sym    byte
	length uint8
}

// codeTable is a canonical Huffman code. Codes up to eight bits resolve
// through quick; longer ones walk first/count per length.
type codeTable struct {
	clue    byte
	maxLen  uint
	count   [maxCodeBits + 1]uint32
	first   [maxCodeBits + 1]uint32
	index   [maxCodeBits + 1]uint32
	symbols []byte
	quick   [1 << quickBits]quickEntry
}

func readCodeTable(r *bitReader) (*codeTable, error) {
	t := &codeTable{}

	clue, err := r.readBits(8)
	if err != nil {
		return nil, err
	}
	t.clue = byte(clue)

	// Counts end once the code space is exactly filled.
	avail := 2
	total := 0
	for length := uint(1); ; length++ {
		if length > maxCodeBits {
			return nil, fmt.Errorf("huff: code lengths exceed %d bits: %w", maxCodeBits, common.ErrCorrupt)
		}
		c, err := r.readNum()
		if err != nil {
			return nil, err
		}
		if c > avail {
			return nil, fmt.Errorf("huff: oversubscribed code at length %d: %w", length, common.ErrCorrupt)
		}
		t.count[length] = uint32(c)
		total += c
		avail -= c
		if avail == 0 {
			t.maxLen = length
			break
		}
		avail *= 2
	}
	if total > 256 {
		return nil, fmt.Errorf("huff: %d codes: %w", total, common.ErrCorrupt)
	}

	var used [256]bool
	cur := 255
	t.symbols = make([]byte, 0, total)
	for i := 0; i < total; i++ {
		delta, err := r.readNum()
		if err != nil {
			return nil, err
		}
		if delta >= 256-i {
			return nil, fmt.Errorf("huff: leapfrog delta %d out of range: %w", delta, common.ErrCorrupt)
		}
		for steps := delta + 1; ; {
			cur = (cur + 1) & 255
			if !used[cur] {
				steps--
				if steps == 0 {
					break
				}
			}
		}
		used[cur] = true
		t.symbols = append(t.symbols, byte(cur))
	}

	var code, idx uint32
	for length := uint(1); length <= t.maxLen; length++ {
		t.first[length] = code
		t.index[length] = idx
		for k := uint32(0); k < t.count[length]; k++ {
			if length <= quickBits {
				base := code << (quickBits - length)
				for j := uint32(0); j < 1<<(quickBits-length); j++ {
					t.quick[base+j] = quickEntry{sym: t.symbols[idx], length: uint8(length)}
				}
			}
			code++
			idx++
		}
		code <<= 1
	}
	return t, nil
}

type decodeState int

const (
	stateQuick decodeState = iota
	stateSlowWalk
	stateClue
	stateRun
	stateEscape
	stateLiteral
	stateEnd
)

type decoder struct {
	r       *bitReader
	t       *codeTable
	out     []byte
	size    int
	prev    byte
	hasPrev bool
	repeat  int
}

// Decode expands a Huffman stream into exactly size bytes.
func Decode(src []byte, size int) ([]byte, error) {
	h, err := parseHeader(src)
	if err != nil {
		return nil, err
	}
	if h.size != size {
		return nil, fmt.Errorf("huff: header declares %d bytes, expected %d: %w", h.size, size, common.ErrCorrupt)
	}

	r := newBitReader(src[h.length:])
	t, err := readCodeTable(r)
	if err != nil {
		return nil, err
	}

	d := &decoder{r: r, t: t, out: make([]byte, 0, common.DecodeReserve(size, len(src))), size: size}
	if err := d.decode(); err != nil {
		return nil, err
	}
	if len(d.out) != size {
		return nil, fmt.Errorf("huff: stream ends at %d bytes, expected %d: %w", len(d.out), size, common.ErrCorrupt)
	}

	switch h.mode {
	case ModeDelta:
		undeltaBytes(d.out)
	case ModeDeltaDelta:
		undeltaBytes(d.out)
		undeltaBytes(d.out)
	}
	return d.out, nil
}

func (d *decoder) decode() error {
	state := stateQuick
	for state != stateEnd {
		var err error
		switch state {
		case stateQuick:
			e := d.t.quick[d.r.peek(quickBits)]
			if e.length == 0 {
				state = stateSlowWalk
				break
			}
			if err = d.r.skip(uint(e.length)); err == nil {
				state, err = d.symbol(e.sym)
			}

		case stateSlowWalk:
			var sym byte
			if sym, err = d.slowWalk(); err == nil {
				state, err = d.symbol(sym)
			}

		case stateClue:
			var n int
			if n, err = d.r.readNum(); err == nil {
				d.repeat = n
				state = stateRun
				if n == 0 {
					state = stateEscape
				}
			}

		case stateRun:
			if !d.hasPrev {
				return fmt.Errorf("huff: repeat before first byte: %w", common.ErrCorrupt)
			}
			if len(d.out)+d.repeat > d.size {
				return fmt.Errorf("huff: repeat overflows %d bytes: %w", d.size, common.ErrCorrupt)
			}
			for k := 0; k < d.repeat; k++ {
				d.out = append(d.out, d.prev)
			}
			state = stateQuick

		case stateEscape:
			var bit uint32
			if bit, err = d.r.readBits(1); err != nil {
				break
			}
			if bit == 0 {
				state = stateLiteral
				break
			}
			if bit, err = d.r.readBits(1); err == nil {
				if bit != 0 {
					return fmt.Errorf("huff: bad escape: %w", common.ErrCorrupt)
				}
				state = stateEnd
			}

		case stateLiteral:
			var b uint32
			if b, err = d.r.readBits(8); err == nil {
				err = d.emit(byte(b))
				state = stateQuick
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) symbol(sym byte) (decodeState, error) {
	if sym == d.t.clue {
		return stateClue, nil
	}
	return stateQuick, d.emit(sym)
}

func (d *decoder) emit(b byte) error {
	if len(d.out) >= d.size {
		return fmt.Errorf("huff: output exceeds %d bytes: %w", d.size, common.ErrCorrupt)
	}
	d.out = append(d.out, b)
	d.prev = b
	d.hasPrev = true
	return nil
}

func (d *decoder) slowWalk() (byte, error) {
	t := d.t
	for length := uint(quickBits + 1); length <= t.maxLen; length++ {
		code := d.r.peek(length)
		if code >= t.first[length] && code-t.first[length] < t.count[length] {
			if err := d.r.skip(length); err != nil {
				return 0, err
			}
			return t.symbols[t.index[length]+code-t.first[length]], nil
		}
	}
	return 0, fmt.Errorf("huff: invalid code: %w", common.ErrCorrupt)
}
