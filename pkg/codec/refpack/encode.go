package refpack

const (
	hashBits   = 16
	hashSize   = 1 << hashBits
	windowSize = 1 << 17
	windowMask = windowSize - 1

	// Candidates examined per position before settling for the best so far.
	maxChain = 128
)

// encoder holds the hash chains for one Encode call. head maps a 3 byte
// prefix hash to its most recent position; link chains each position to
// the previous one with the same hash inside the 128K window.
type encoder struct {
	src  []byte
	out  []byte
	head []int32
	link []int32
}

// Encode compresses src into a RefPack stream with a greedy matcher.
func Encode(src []byte) []byte {
	e := &encoder{
		src:  src,
		out:  make([]byte, 0, MaxEncodedSize(len(src))),
		head: make([]int32, hashSize),
		link: make([]int32, windowSize),
	}
	for i := range e.head {
		e.head[i] = -1
	}

	e.writeHeader()

	n := len(src)
	pending := 0
	i := 0
	for i < n {
		length, offset := e.longestMatch(i)
		if length == 0 {
			e.insert(i)
			i++
			continue
		}

		e.flushLiterals(pending, i)
		e.writeCopy(src[i-(i-pending)&3:i], length, offset)

		for k := 0; k < length; k++ {
			e.insert(i + k)
		}
		i += length
		pending = i
	}

	e.flushLiterals(pending, n)
	tail := src[n-(n-pending)&3 : n]
	e.out = append(e.out, 0xFC|byte(len(tail)))
	e.out = append(e.out, tail...)
	return e.out
}

func (e *encoder) writeHeader() {
	n := len(e.src)
	if n >= 1<<24 {
		e.out = append(e.out, byte((Magic|flagLargeSize)>>8), byte(Magic&0xFF),
			byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		return
	}
	e.out = append(e.out, byte(Magic>>8), byte(Magic&0xFF), byte(n>>16), byte(n>>8), byte(n))
}

func hash3(b []byte) int {
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return int((v * 2654435761) >> (32 - hashBits))
}

func (e *encoder) insert(pos int) {
	if pos+3 > len(e.src) {
		return
	}
	h := hash3(e.src[pos:])
	e.link[pos&windowMask] = e.head[h]
	e.head[h] = int32(pos)
}

// longestMatch walks the chain for pos and returns the match with the best
// saving over its command cost, or a zero length when nothing pays off.
func (e *encoder) longestMatch(pos int) (int, int) {
	src := e.src
	if pos+minShortLen > len(src) {
		return 0, 0
	}
	limit := len(src) - pos
	if limit > maxLongLen {
		limit = maxLongLen
	}

	bestLen, bestOff, bestGain := 0, 0, 0
	cand := int(e.head[hash3(src[pos:])])
	for tries := 0; cand >= 0 && tries < maxChain; tries++ {
		offset := pos - cand
		if offset > maxLongOffset {
			break
		}
		if src[cand+bestLen] == src[pos+bestLen] || bestLen == 0 {
			l := 0
			for l < limit && src[cand+l] == src[pos+l] {
				l++
			}
			if c := copyCost(l, offset); c > 0 && l-c > bestGain {
				bestLen, bestOff, bestGain = l, offset, l-c
				if l == limit {
					break
				}
			}
		}
		next := int(e.link[cand&windowMask])
		if next >= cand {
			break
		}
		cand = next
	}
	return bestLen, bestOff
}

// copyCost returns the command size for a back reference, or 0 when no
// command form can express it.
func copyCost(length, offset int) int {
	switch {
	case length < minShortLen:
		return 0
	case length <= maxShortLen && offset <= maxShortOffset:
		return 2
	case length >= minMediumLen && length <= maxMediumLen && offset <= maxMediumOffset:
		return 3
	case length >= minLongLen && length <= maxLongLen && offset <= maxLongOffset:
		return 4
	default:
		return 0
	}
}

// flushLiterals writes literal-run commands for src[from:to], leaving the
// final 0-3 bytes to ride along with the next command.
func (e *encoder) flushLiterals(from, to int) {
	for to-from > 3 {
		run := (to - from) &^ 3
		if run > maxLiteralRun {
			run = maxLiteralRun
		}
		e.out = append(e.out, 0xE0|byte((run-4)>>2))
		e.out = append(e.out, e.src[from:from+run]...)
		from += run
	}
}

func (e *encoder) writeCopy(lits []byte, length, offset int) {
	o := offset - 1
	p := len(lits)
	switch copyCost(length, offset) {
	case 2:
		e.out = append(e.out,
			byte((o>>3)&0x60|(length-minShortLen)<<2|p),
			byte(o))
	case 3:
		e.out = append(e.out,
			byte(0x80|(length-minMediumLen)),
			byte(p<<6|o>>8),
			byte(o))
	default:
		l := length - minLongLen
		e.out = append(e.out,
			byte(0xC0|(o>>12)&0x10|(l>>6)&0x0C|p),
			byte(o>>8),
			byte(o),
			byte(l))
	}
	e.out = append(e.out, lits...)
}
