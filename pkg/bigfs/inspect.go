package bigfs

import (
	"github.com/beam-cloud/bigfs/pkg/archive"
	"github.com/beam-cloud/bigfs/pkg/compression"
	digest "github.com/opencontainers/go-digest"
)

// EntryInfo describes one stored file of a container.
type EntryInfo struct {
	Path             string
	Offset           int64
	Size             int64
	Codec            compression.Tag
	UncompressedSize int
	Digest           digest.Digest // of the stored bytes
}

// Inspect reads every entry of a and reports its layout, codec and digest.
func Inspect(a *archive.Archive) ([]EntryInfo, error) {
	files := a.Files()
	infos := make([]EntryInfo, 0, len(files))

	for _, e := range files {
		r, err := a.OpenEntry(e)
		if err != nil {
			return nil, err
		}

		header := make([]byte, compression.HeaderLength)
		n, _ := r.ReadAt(header, 0)
		header = header[:n]

		d, err := digest.Canonical.FromReader(r)
		if err != nil {
			return nil, err
		}

		info := EntryInfo{
			Path:             e.Path,
			Offset:           e.Offset,
			Size:             e.Size,
			Codec:            compression.Identify(header),
			UncompressedSize: int(e.Size),
			Digest:           d,
		}
		if info.Codec != compression.TagNone {
			info.UncompressedSize = compression.UncompressedSize(header)
		}

		infos = append(infos, info)
	}

	return infos, nil
}
