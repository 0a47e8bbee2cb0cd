// Package bigtest builds BIG containers for tests.
package bigtest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type File struct {
	Name string // stored as given, so use '\' to mimic real containers
	Data []byte
}

// Build lays out a BIGF container: header, index, then file data in the
// order given.
func Build(files ...File) []byte {
	indexEnd := 16
	for _, f := range files {
		indexEnd += 8 + len(f.Name) + 1
	}

	total := indexEnd
	for _, f := range files {
		total += len(f.Data)
	}

	out := make([]byte, 16, total)
	copy(out[0:4], "BIGF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(total))
	binary.BigEndian.PutUint32(out[8:12], uint32(len(files)))
	binary.BigEndian.PutUint32(out[12:16], uint32(indexEnd))

	offset := indexEnd
	for _, f := range files {
		out = binary.BigEndian.AppendUint32(out, uint32(offset))
		out = binary.BigEndian.AppendUint32(out, uint32(len(f.Data)))
		out = append(out, f.Name...)
		out = append(out, 0)
		offset += len(f.Data)
	}

	for _, f := range files {
		out = append(out, f.Data...)
	}

	return out
}

// Write builds a container and stores it as dir/name, returning its path.
func Write(t testing.TB, dir, name string, files ...File) string {
	t.Helper()

	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, Build(files...), 0644))
	return p
}

// Offset returns where the data of files[i] starts in Build(files...).
func Offset(files []File, i int) int64 {
	offset := 16
	for _, f := range files {
		offset += 8 + len(f.Name) + 1
	}
	for _, f := range files[:i] {
		offset += len(f.Data)
	}
	return int64(offset)
}
