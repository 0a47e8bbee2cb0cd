// Package compression routes tagged blobs to the codec that produced them.
package compression

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/beam-cloud/bigfs/pkg/codec/btree"
	"github.com/beam-cloud/bigfs/pkg/codec/huff"
	"github.com/beam-cloud/bigfs/pkg/codec/refpack"
	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/errgroup"
)

// MinCompressSize is the input size below which EncodeIfSmaller does not
// bother compressing.
const MinCompressSize = 64

// UncompressedSize returns the size a blob decodes to. Raw buffers decode
// to themselves.
func UncompressedSize(buf []byte) int {
	if Identify(buf) == TagNone {
		return len(buf)
	}
	return int(binary.LittleEndian.Uint32(buf[4:8]))
}

// Decode expands a tagged blob. Untagged buffers are returned unchanged.
// The codec must produce exactly the size recorded in the header.
func Decode(buf []byte) ([]byte, error) {
	tag := Identify(buf)
	if tag == TagNone {
		return buf, nil
	}

	size := int(binary.LittleEndian.Uint32(buf[4:8]))
	payload := buf[HeaderLength:]

	var out []byte
	var err error
	switch {
	case tag == TagRefPack:
		out, err = refpack.Decode(payload, size)
	case tag == TagHuffman:
		out, err = huff.Decode(payload, size)
	case tag == TagBTree:
		out, err = btree.Decode(payload, size)
	case tag.IsZlib():
		out, err = decodeZlib(payload, size)
	default:
		return nil, fmt.Errorf("decode %s: %w", tag, common.ErrUnsupportedCodec)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("decode %s: got %d bytes, expected %d: %w", tag, len(out), size, common.ErrCorrupt)
	}
	return out, nil
}

func decodeZlib(payload []byte, size int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("zlib: %v: %w", err, common.ErrCorrupt)
	}
	defer r.Close()

	buf := bytes.NewBuffer(make([]byte, 0, common.DecodeReserve(size, len(payload))))
	if _, err := buf.ReadFrom(io.LimitReader(r, int64(size)+1)); err != nil {
		return nil, fmt.Errorf("zlib: %v: %w", err, common.ErrCorrupt)
	}
	switch {
	case buf.Len() > size:
		return nil, fmt.Errorf("zlib: more than %d bytes: %w", size, common.ErrCorrupt)
	case buf.Len() < size:
		return nil, fmt.Errorf("zlib: %v: %w", io.ErrUnexpectedEOF, common.ErrCorrupt)
	}
	return buf.Bytes(), nil
}

// Encode compresses input with the codec named by tag and prefixes the
// tag and size. TagNone returns input as is.
func Encode(tag Tag, input []byte) ([]byte, error) {
	if tag == TagNone {
		return input, nil
	}
	if uint64(len(input)) > math.MaxUint32 {
		return nil, fmt.Errorf("encode %s: input of %d bytes too large", tag, len(input))
	}
	magic, ok := tag.Magic()
	if !ok || tag == TagLZH {
		return nil, fmt.Errorf("encode %s: %w", tag, common.ErrUnsupportedCodec)
	}

	out := make([]byte, HeaderLength, MaxCompressedSize(len(input), tag))
	copy(out, magic[:])
	binary.LittleEndian.PutUint32(out[4:], uint32(len(input)))

	switch {
	case tag == TagRefPack:
		out = append(out, refpack.Encode(input)...)
	case tag == TagHuffman:
		out = append(out, huff.Encode(input)...)
	case tag == TagBTree:
		out = append(out, btree.Encode(input)...)
	case tag.IsZlib():
		buf := bytes.NewBuffer(out)
		w, err := zlib.NewWriterLevel(buf, tag.zlibLevel())
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", tag, err)
		}
		if _, err := w.Write(input); err != nil {
			return nil, fmt.Errorf("encode %s: %w", tag, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("encode %s: %w", tag, err)
		}
		out = buf.Bytes()
	}
	return out, nil
}

// EncodeTo encodes into dst and returns the number of bytes written. If
// dst cannot hold the result nothing is written and it returns 0 and
// ErrShortBuffer.
func EncodeTo(dst []byte, tag Tag, input []byte) (int, error) {
	out, err := Encode(tag, input)
	if err != nil {
		return 0, err
	}
	if len(out) > len(dst) {
		return 0, fmt.Errorf("encode %s: need %d bytes, have %d: %w", tag, len(out), len(dst), common.ErrShortBuffer)
	}
	return copy(dst, out), nil
}

// EncodeIfSmaller encodes input with tag unless the input is tiny or the
// result would not be smaller, in which case the raw input comes back
// tagged TagNone.
func EncodeIfSmaller(tag Tag, input []byte) ([]byte, Tag, error) {
	if tag == TagNone || len(input) < MinCompressSize {
		return input, TagNone, nil
	}
	out, err := Encode(tag, input)
	if err != nil {
		return nil, TagNone, err
	}
	if len(out) >= len(input) {
		return input, TagNone, nil
	}
	return out, tag, nil
}

// MaxCompressedSize is an upper bound on Encode output for n input bytes,
// header included. It is never smaller than what the codec can produce on
// incompressible input.
func MaxCompressedSize(n int, tag Tag) int {
	switch {
	case tag == TagNone:
		return n
	case tag == TagRefPack:
		return HeaderLength + refpack.MaxEncodedSize(n)
	case tag == TagHuffman:
		return HeaderLength + huff.MaxEncodedSize(n)
	case tag == TagBTree:
		return HeaderLength + btree.MaxEncodedSize(n)
	default:
		return HeaderLength + n + n/10 + 64
	}
}

// DecodeAll decodes blobs on up to workers goroutines. Results keep the
// order of the input; the first failure cancels the rest.
func DecodeAll(ctx context.Context, blobs [][]byte, workers int) ([][]byte, error) {
	out := make([][]byte, len(blobs))

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := range blobs {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			decoded, err := Decode(blobs[i])
			if err != nil {
				return fmt.Errorf("blob %d: %w", i, err)
			}
			out[i] = decoded
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
