package compression

import (
	"bytes"
	"fmt"
	"strings"
)

// Tag identifies the codec that produced a blob. Blobs carry it as a four
// byte magic followed by the little endian uncompressed size; these values
// are wire constants.
type Tag uint8

const (
	// TagNone marks raw data. It has no magic: any buffer that does not
	// start with a known tag is treated as uncompressed.
	TagNone Tag = iota
	TagRefPack
	TagHuffman
	TagBTree
	// TagLZH is recognized so it can be reported, but there is no decoder.
	TagLZH
	TagZlib1
	TagZlib2
	TagZlib3
	TagZlib4
	TagZlib5
	TagZlib6
	TagZlib7
	TagZlib8
	TagZlib9
)

const HeaderLength = 8

var magics = map[Tag][4]byte{
	TagRefPack: {'E', 'A', 'R', 0},
	TagHuffman: {'E', 'A', 'H', 0},
	TagBTree:   {'E', 'A', 'B', 0},
	TagLZH:     {'N', 'O', 'X', 0},
	TagZlib1:   {'Z', 'L', '1', 0},
	TagZlib2:   {'Z', 'L', '2', 0},
	TagZlib3:   {'Z', 'L', '3', 0},
	TagZlib4:   {'Z', 'L', '4', 0},
	TagZlib5:   {'Z', 'L', '5', 0},
	TagZlib6:   {'Z', 'L', '6', 0},
	TagZlib7:   {'Z', 'L', '7', 0},
	TagZlib8:   {'Z', 'L', '8', 0},
	TagZlib9:   {'Z', 'L', '9', 0},
}

// Magic returns the four byte prefix written for tag.
func (t Tag) Magic() ([4]byte, bool) {
	m, ok := magics[t]
	return m, ok
}

func (t Tag) IsZlib() bool {
	return t >= TagZlib1 && t <= TagZlib9
}

func (t Tag) zlibLevel() int {
	return int(t-TagZlib1) + 1
}

func (t Tag) String() string {
	switch {
	case t == TagNone:
		return "none"
	case t == TagRefPack:
		return "refpack"
	case t == TagHuffman:
		return "huffman"
	case t == TagBTree:
		return "btree"
	case t == TagLZH:
		return "lzh"
	case t.IsZlib():
		return fmt.Sprintf("zlib%d", t.zlibLevel())
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseTag parses the name returned by Tag.String. "zlib" alone means
// level 6.
func ParseTag(name string) (Tag, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return TagNone, nil
	case "refpack":
		return TagRefPack, nil
	case "huffman", "huff":
		return TagHuffman, nil
	case "btree":
		return TagBTree, nil
	case "lzh":
		return TagLZH, nil
	case "zlib":
		return TagZlib6, nil
	}
	for t := TagZlib1; t <= TagZlib9; t++ {
		if strings.EqualFold(name, t.String()) {
			return t, nil
		}
	}
	return TagNone, fmt.Errorf("unknown compression tag: %q", name)
}

// Identify returns the tag a buffer starts with, or TagNone.
func Identify(buf []byte) Tag {
	if len(buf) < HeaderLength {
		return TagNone
	}
	for t, m := range magics {
		if bytes.Equal(buf[:4], m[:]) {
			return t
		}
	}
	return TagNone
}
