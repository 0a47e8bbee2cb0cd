package refpack

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	random := make([]byte, 200000)
	rng.Read(random)

	text := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 3000)

	mixed := make([]byte, 0, 300000)
	for i := 0; i < 300; i++ {
		mixed = append(mixed, random[i*100:i*100+100]...)
		mixed = append(mixed, text[:500+i]...)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"single byte", []byte{0x42}},
		{"three bytes", []byte("abc")},
		{"long run", bytes.Repeat([]byte{0x7F}, 70000)},
		{"random", random},
		{"text", text},
		{"mixed far references", mixed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.data)
			require.True(t, Is(encoded))
			assert.LessOrEqual(t, len(encoded), MaxEncodedSize(len(tt.data)))

			size, err := UncompressedSize(encoded)
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), size)

			decoded, err := Decode(encoded, len(tt.data))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.data, decoded))
		})
	}
}

func TestZeroBufferCompressesWell(t *testing.T) {
	data := make([]byte, 10000)

	encoded := Encode(data)
	assert.Less(t, len(encoded), 100)

	decoded, err := Decode(encoded, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestLargeSizeHeader(t *testing.T) {
	data := make([]byte, 1<<24+10)
	encoded := Encode(data)
	assert.Equal(t, byte(0x90), encoded[0])

	decoded, err := Decode(encoded, len(data))
	require.NoError(t, err)
	assert.Equal(t, len(data), len(decoded))
}

func TestDecodeHandBuiltStream(t *testing.T) {
	stream := []byte{
		0x10, 0xFB, 0x00, 0x00, 0x0C,
		0xE0, 'a', 'b', 'c', 'd', // literal run of four
		0x14, 0x03, // short copy: length 8, offset 4
		0xFC,
	}

	decoded, err := Decode(stream, 12)
	require.NoError(t, err)
	assert.Equal(t, "abcdabcdabcd", string(decoded))
}

func TestDecodeCompressedSizeFlag(t *testing.T) {
	stream := []byte{
		0x11, 0xFB, 0x00, 0x00, 0x07, 0x00, 0x00, 0x03,
		0xFF, 'x', 'y', 'z',
	}

	decoded, err := Decode(stream, 3)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(decoded))
}

func TestDecodeCorruption(t *testing.T) {
	tests := []struct {
		name   string
		stream []byte
		size   int
	}{
		{"offset before start", []byte{0x10, 0xFB, 0x00, 0x00, 0x03, 0x00, 0x05, 0xFC}, 3},
		{"missing terminator", []byte{0x10, 0xFB, 0x00, 0x00, 0x04, 0xE0, 'a', 'b', 'c', 'd'}, 4},
		{"truncated command", []byte{0x10, 0xFB, 0x00, 0x00, 0x04, 0xC0, 0x00}, 4},
		{"short output", []byte{0x10, 0xFB, 0x00, 0x00, 0x04, 0xFD, 'a'}, 4},
		{"overflowing output", []byte{0x10, 0xFB, 0x00, 0x00, 0x02, 0xE0, 'a', 'b', 'c', 'd', 0xFC}, 2},
		{"size mismatch", []byte{0x10, 0xFB, 0x00, 0x00, 0x01, 0xFD, 'a'}, 2},
		{"huge declared size", []byte{0x90, 0xFB, 0xFF, 0xFF, 0xFF, 0xF0, 0xFC}, 0xFFFFFFF0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.stream, tt.size)
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrCorrupt)
		})
	}
}

func TestDecodeRejectsForeignHeader(t *testing.T) {
	_, err := Decode([]byte("EAR\x00junk"), 4)
	assert.ErrorIs(t, err, common.ErrFileHeaderMismatch)
}
