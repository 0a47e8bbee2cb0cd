package huff

import (
	"fmt"

	"github.com/beam-cloud/bigfs/pkg/common"
)

// bitReader reads an MSB-first bit stream. acc holds the next n bits
// left aligned; reading past the end of src yields zero bits but is
// reported as corruption once those bits are consumed.
type bitReader struct {
	src      []byte
	pos      int
	acc      uint64
	n        uint
	consumed int
	limit    int
}

func newBitReader(src []byte) *bitReader {
	return &bitReader{src: src, limit: len(src) * 8}
}

func (r *bitReader) refill() {
	for r.n <= 56 {
		var b byte
		if r.pos < len(r.src) {
			b = r.src[r.pos]
		}
		r.pos++
		r.acc |= uint64(b) << (56 - r.n)
		r.n += 8
	}
}

// peek returns the next k bits (k <= 32) without consuming them.
func (r *bitReader) peek(k uint) uint32 {
	if r.n < k {
		r.refill()
	}
	return uint32(r.acc >> (64 - k))
}

func (r *bitReader) skip(k uint) error {
	if r.n < k {
		r.refill()
	}
	r.consumed += int(k)
	if r.consumed > r.limit {
		return fmt.Errorf("huff: read past end of stream: %w", common.ErrCorrupt)
	}
	r.acc <<= k
	r.n -= k
	return nil
}

func (r *bitReader) readBits(k uint) (uint32, error) {
	v := r.peek(k)
	if err := r.skip(k); err != nil {
		return 0, err
	}
	return v, nil
}

// readNum reads a variable length number written by writeNum.
func (r *bitReader) readNum() (int, error) {
	k := uint(0)
	for {
		bit, err := r.readBits(1)
		if err != nil {
			return 0, err
		}
		if bit == 1 {
			break
		}
		k++
		if k > maxNumPrefix {
			return 0, fmt.Errorf("huff: number prefix too long: %w", common.ErrCorrupt)
		}
	}
	v, err := r.readBits(k + 2)
	if err != nil {
		return 0, err
	}
	return int(v) + numBase(k), nil
}

// bitWriter packs bits MSB first.
type bitWriter struct {
	out  []byte
	acc  uint64
	bits uint
}

func (w *bitWriter) writeBits(v uint32, k uint) {
	if k == 0 {
		return
	}
	w.acc = w.acc<<k | uint64(v)&(1<<k-1)
	w.bits += k
	for w.bits >= 8 {
		w.bits -= 8
		w.out = append(w.out, byte(w.acc>>w.bits))
	}
}

// writeNum writes n as k zero bits, a one bit, and n-numBase(k) in k+2
// bits, where k is the largest prefix whose base does not exceed n.
// n must not exceed maxNum.
func (w *bitWriter) writeNum(n int) {
	k := numPrefix(n)
	w.writeBits(1, k+1)
	w.writeBits(uint32(n-numBase(k)), k+2)
}

// flush pads the final byte with zero bits.
func (w *bitWriter) flush() []byte {
	if w.bits > 0 {
		w.writeBits(0, 8-w.bits)
	}
	return w.out
}

const (
	maxNumPrefix = 18

	// maxNum is the largest number the coding can carry.
	maxNum = 1<<20 + 1<<20 - 1
)

// numBase is the smallest number written with a k bit prefix:
// 0, 4, 12, 28, 60, ... The last two prefixes start at 2^19 and 2^20
// rather than following the series, which leaves 524284..524287 with no
// encoding. Runs are capped well below that.
func numBase(k uint) int {
	switch k {
	case 17:
		return 1 << 19
	case 18:
		return 1 << 20
	}
	return 4 * (1<<k - 1)
}

func numPrefix(n int) uint {
	k := uint(0)
	for k < maxNumPrefix && n >= numBase(k+1) {
		k++
	}
	return k
}

// numCost is the number of bits writeNum spends on n.
func numCost(n int) int {
	return 2*int(numPrefix(n)) + 3
}
