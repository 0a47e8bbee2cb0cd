package btree

import "sort"

const (
	// A pair must appear at least this often to pay for its three byte
	// node entry.
	minPairCount = 4

	maxJoinsPerPass = 32
)

type node struct {
	value, left, right byte
}

// Encode compresses src by pair substitution.
func Encode(src []byte) []byte {
	var counts [256]int
	for _, b := range src {
		counts[b]++
	}

	var free []byte
	for i := 0; i < 256; i++ {
		if counts[i] == 0 {
			free = append(free, byte(i))
		}
	}

	var clue byte
	if len(free) > 0 {
		clue, free = free[0], free[1:]
	} else {
		least := 0
		for i := 1; i < 256; i++ {
			if counts[i] < counts[least] {
				least = i
			}
		}
		clue = byte(least)
	}

	data := append([]byte(nil), src...)
	var nodes []node
	for len(free) > 0 {
		joins := choosePairs(data, clue, len(free))
		if len(joins) == 0 {
			break
		}

		var pairNode [1 << 16]int16
		for i, p := range joins {
			v := free[i]
			nodes = append(nodes, node{value: v, left: byte(p >> 8), right: byte(p)})
			pairNode[p] = int16(v) + 1
		}
		free = free[len(joins):]
		data = substitute(data, &pairNode)
	}

	n := len(src)
	out := make([]byte, 0, MaxEncodedSize(n))
	if n > 0xFFFFFF {
		out = append(out, byte((Magic|flagLargeSize)>>8), byte(Magic&0xFF),
			byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	} else {
		out = append(out, byte(Magic>>8), byte(Magic&0xFF), byte(n>>16), byte(n>>8), byte(n))
	}

	out = append(out, clue, byte(len(nodes)))
	for _, nd := range nodes {
		out = append(out, nd.value, nd.left, nd.right)
	}
	for _, b := range data {
		if b == clue {
			out = append(out, clue)
		}
		out = append(out, b)
	}
	return append(out, clue, clue)
}

// choosePairs counts non-overlapping adjacent pairs and returns up to
// limit of the most frequent profitable ones, no two sharing a byte.
func choosePairs(data []byte, clue byte, limit int) []int {
	if limit > maxJoinsPerPass {
		limit = maxJoinsPerPass
	}

	counts := make([]int32, 1<<16)
	last := make([]int32, 1<<16)
	for i := range last {
		last[i] = -2
	}
	for i := 0; i+1 < len(data); i++ {
		a, b := data[i], data[i+1]
		if a == clue || b == clue {
			continue
		}
		p := int(a)<<8 | int(b)
		if last[p] == int32(i-1) {
			continue
		}
		last[p] = int32(i)
		counts[p]++
	}

	var candidates []int
	for p, c := range counts {
		if c >= minPairCount {
			candidates = append(candidates, p)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return counts[candidates[i]] > counts[candidates[j]]
	})

	var taken [256]bool
	var joins []int
	for _, p := range candidates {
		if len(joins) == limit {
			break
		}
		a, b := byte(p>>8), byte(p)
		if taken[a] || taken[b] {
			continue
		}
		taken[a], taken[b] = true, true
		joins = append(joins, p)
	}
	return joins
}

func substitute(data []byte, pairNode *[1 << 16]int16) []byte {
	out := data[:0]
	for i := 0; i < len(data); {
		if i+1 < len(data) {
			if v := pairNode[int(data[i])<<8|int(data[i+1])]; v != 0 {
				out = append(out, byte(v-1))
				i += 2
				continue
			}
		}
		out = append(out, data[i])
		i++
	}
	return out
}
