package huff

import "sort"

// Encode compresses src without a delta transform.
func Encode(src []byte) []byte {
	return EncodeMode(src, ModeRaw)
}

// EncodeMode compresses src, first applying the delta transform named by
// mode.
func EncodeMode(src []byte, mode Mode) []byte {
	data := src
	switch mode {
	case ModeDelta:
		data = deltaBytes(src)
	case ModeDeltaDelta:
		data = deltaBytes(deltaBytes(src))
	}

	m := analyze(data)

	w := &bitWriter{out: make([]byte, 0, MaxEncodedSize(len(src)))}
	typ := typeForMode(mode)
	n := len(src)
	if n > 0xFFFFFF {
		w.writeBits(uint32(typ|flagLargeSize), 16)
		w.writeBits(uint32(n), 32)
	} else {
		w.writeBits(uint32(typ), 16)
		w.writeBits(uint32(n), 24)
	}

	m.writeTable(w)
	m.pack(w, data)

	// end of stream: clue, zero, then 10
	m.writeSymbol(w, m.clue)
	w.writeNum(0)
	w.writeBits(2, 2)

	return w.flush()
}

// model is the code chosen for one input.
type model struct {
	clue     byte
	lengths  [256]uint8
	patterns [256]uint32
	sorted   []byte
	maxLen   uint8
}

// analyze picks the clue byte and code lengths. The first pass counts
// bytes outside of runs and builds an approximate code; the second pass
// recounts with each run costed as either repeated codes or a clue repeat,
// then the final code is built and clipped to encodeLimit bits.
func analyze(data []byte) *model {
	var counts [256]int
	longRuns := 0
	forEachRun(data, func(b byte, run int) {
		if run == 0 {
			counts[b]++
		} else if run >= 255 {
			longRuns++
		}
	})

	m := &model{clue: pickClue(&counts)}

	first := counts
	if longRuns == 0 {
		longRuns = 1
	}
	first[m.clue] += longRuns
	m.lengths = buildLengths(&first)

	var second [256]int
	forEachRun(data, func(b byte, run int) {
		switch {
		case run == 0:
			second[b]++
		case m.repeatAsCodes(b, run):
			second[b] += run
		default:
			second[m.clue]++
		}
	})
	second[m.clue]++

	m.lengths = buildLengths(&second)
	chainsaw(&m.lengths, encodeLimit)
	m.assignPatterns()
	return m
}

// maxRun caps a single repeat; longer runs are split.
const maxRun = 30000

// forEachRun calls fn with run == 0 for each byte that differs from its
// predecessor, and with the repeat count for each run of repeats that
// follows such a byte.
func forEachRun(data []byte, fn func(b byte, run int)) {
	prev := -1
	for i := 0; i < len(data); {
		b := data[i]
		if int(b) == prev {
			end := min(i+maxRun, len(data))
			j := i
			for j < end && data[j] == b {
				j++
			}
			fn(b, j-i)
			i = j
			continue
		}
		fn(b, 0)
		prev = int(b)
		i++
	}
}

// pickClue returns the first byte of the longest stretch of unused byte
// values, or the least frequent byte when every value occurs.
func pickClue(counts *[256]int) byte {
	best, bestLen := -1, 0
	for i := 0; i < 256; {
		if counts[i] != 0 {
			i++
			continue
		}
		j := i
		for j < 256 && counts[j] == 0 {
			j++
		}
		if j-i > bestLen {
			best, bestLen = i, j-i
		}
		i = j
	}
	if best >= 0 {
		return byte(best)
	}

	least := 0
	for i := 1; i < 256; i++ {
		if counts[i] < counts[least] {
			least = i
		}
	}
	return byte(least)
}

// codeCost is the bit cost of writing b as a plain symbol. The clue byte
// itself can only be written as an escaped literal.
func (m *model) codeCost(b byte) int {
	if b == m.clue {
		return int(m.lengths[m.clue]) + numCost(0) + literalWidth
	}
	return int(m.lengths[b])
}

func (m *model) repeatAsCodes(b byte, run int) bool {
	return run*m.codeCost(b) <= int(m.lengths[m.clue])+numCost(run)
}

// buildLengths builds a Huffman code over the non-zero counts by
// repeatedly merging the two smallest weights and returns each symbol's
// depth. A lone symbol gets a one bit partner so the code is complete.
func buildLengths(counts *[256]int) [256]uint8 {
	type node struct {
		weight      int
		left, right int
	}

	nodes := make([]node, 256, 512)
	var active []int
	for i, c := range counts {
		nodes[i] = node{weight: c, left: -1, right: -1}
		if c > 0 {
			active = append(active, i)
		}
	}
	if len(active) == 1 {
		partner := 0
		if active[0] == 0 {
			partner = 1
		}
		active = append(active, partner)
		sort.Ints(active)
	}

	var lengths [256]uint8
	if len(active) == 0 {
		return lengths
	}

	for len(active) > 1 {
		a, b := 0, 1
		if nodes[active[b]].weight < nodes[active[a]].weight {
			a, b = b, a
		}
		for i := 2; i < len(active); i++ {
			w := nodes[active[i]].weight
			if w < nodes[active[a]].weight {
				a, b = i, a
			} else if w < nodes[active[b]].weight {
				b = i
			}
		}

		nodes = append(nodes, node{
			weight: nodes[active[a]].weight + nodes[active[b]].weight,
			left:   active[a],
			right:  active[b],
		})
		merged := len(nodes) - 1

		lo, hi := a, b
		if lo > hi {
			lo, hi = hi, lo
		}
		active[lo] = merged
		active = append(active[:hi], active[hi+1:]...)
	}

	type frame struct {
		id    int
		depth uint8
	}
	stack := []frame{{id: active[0]}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.id < 256 {
			lengths[f.id] = f.depth
			continue
		}
		n := nodes[f.id]
		stack = append(stack, frame{n.left, f.depth + 1}, frame{n.right, f.depth + 1})
	}
	return lengths
}

// chainsaw clips code lengths to limit while keeping the code complete:
// the two longest codes move, the last one is grafted next to the first
// longest code still under the limit and the one before it moves up a
// level.
func chainsaw(lengths *[256]uint8, limit uint8) {
	for {
		maxLen := uint8(0)
		a, b := -1, -1
		for i, l := range lengths {
			if l == 0 || l < maxLen {
				continue
			}
			if l > maxLen {
				maxLen = l
				a, b = -1, i
				continue
			}
			a, b = b, i
		}
		if maxLen <= limit || a < 0 {
			return
		}

		graft := -1
		for i, l := range lengths {
			if l != 0 && l < limit && (graft < 0 || l > lengths[graft]) {
				graft = i
			}
		}
		if graft < 0 {
			return
		}

		l := lengths[graft] + 1
		lengths[graft] = l
		lengths[b] = l
		lengths[a]--
	}
}

// assignPatterns orders the codes by (length, symbol) and hands out
// canonical bit patterns.
func (m *model) assignPatterns() {
	m.sorted = m.sorted[:0]
	for i, l := range m.lengths {
		if l != 0 {
			m.sorted = append(m.sorted, byte(i))
		}
	}
	sort.SliceStable(m.sorted, func(i, j int) bool {
		return m.lengths[m.sorted[i]] < m.lengths[m.sorted[j]]
	})

	var pattern uint32
	var length uint8
	for _, sym := range m.sorted {
		for length < m.lengths[sym] {
			length++
			pattern <<= 1
		}
		m.patterns[sym] = pattern
		pattern++
	}
	m.maxLen = length
}

func (m *model) writeTable(w *bitWriter) {
	w.writeBits(uint32(m.clue), 8)

	var perLength [encodeLimit + 1]int
	for _, sym := range m.sorted {
		perLength[m.lengths[sym]]++
	}
	for l := uint8(1); l <= m.maxLen; l++ {
		w.writeNum(perLength[l])
	}

	// Each code names its byte by how many unused values lie between it
	// and the previous code's byte, wrapping at 256.
	var used [256]bool
	cur := 255
	for _, sym := range m.sorted {
		delta := -1
		for {
			cur = (cur + 1) & 255
			if !used[cur] {
				delta++
			}
			if cur == int(sym) {
				break
			}
		}
		used[sym] = true
		w.writeNum(delta)
	}
}

func (m *model) writeSymbol(w *bitWriter, sym byte) {
	w.writeBits(m.patterns[sym], uint(m.lengths[sym]))
}

func (m *model) writeCode(w *bitWriter, b byte) {
	if b != m.clue {
		m.writeSymbol(w, b)
		return
	}
	m.writeSymbol(w, m.clue)
	w.writeNum(0)
	w.writeBits(uint32(b), literalWidth)
}

func (m *model) pack(w *bitWriter, data []byte) {
	forEachRun(data, func(b byte, run int) {
		switch {
		case run == 0:
			m.writeCode(w, b)
		case m.repeatAsCodes(b, run):
			for k := 0; k < run; k++ {
				m.writeCode(w, b)
			}
		default:
			m.writeSymbol(w, m.clue)
			w.writeNum(run)
		}
	})
}
