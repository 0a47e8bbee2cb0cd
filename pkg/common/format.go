package common

// BIG containers start with one of these magic values. BIGF is the
// common form, BIG4 shows up in later tooling with an identical layout.
var (
	BigFileStartBytes  = []byte("BIGF")
	Big4FileStartBytes = []byte("BIG4")
)

const (
	BigHeaderLength = 16

	// offset (u32 BE) + size (u32 BE) + at least a NUL terminator
	BigMinEntryLength = 9

	// Longest entry name accepted while parsing an index.
	BigMaxNameLength = 1024
)

/*

A BIG container is laid out as:

	Magic       [4]byte  "BIGF"
	ArchiveSize uint32   little endian, informational
	FileCount   uint32   big endian
	IndexEnd    uint32   big endian, offset of the first data byte
	Entries     FileCount x { Offset uint32 BE, Size uint32 BE, Name NUL-terminated }
	Data        ...

Entry names use '\' as the directory separator.

*/

type BigArchiveHeader struct {
	StartBytes  [4]byte
	ArchiveSize uint32
	FileCount   uint32
	IndexEnd    uint32
}

// Decoders reserve at most this many output bytes per input byte up front.
// A stream that really expands further grows its buffer as it goes.
const decodeReserveRatio = 8

// DecodeReserve returns the output capacity to reserve when decoding n input
// bytes that claim to expand to size bytes.
func DecodeReserve(size, n int) int {
	if size < 0 {
		return 0
	}
	return min(size, decodeReserveRatio*n+4096)
}
