package mount

import (
	"io"
	"sync"

	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/beam-cloud/bigfs/pkg/compression"
	"github.com/beam-cloud/bigfs/pkg/vfs"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type Options struct {
	// Decompress serves decoded content instead of the stored bytes.
	Decompress bool
}

// FileSystem is a read-only FUSE view of an overlay.
type FileSystem struct {
	v           *vfs.FileSystem
	root        *Node
	decompress  bool
	lookupCache map[string]*lookupCacheEntry
	cacheMutex  sync.RWMutex
}

type lookupCacheEntry struct {
	inode *fs.Inode
	attr  fuse.Attr
}

func NewFileSystem(v *vfs.FileSystem, opts Options) *FileSystem {
	mfs := &FileSystem{
		v:           v,
		decompress:  opts.Decompress,
		lookupCache: make(map[string]*lookupCacheEntry),
	}

	mfs.root = &Node{
		filesystem: mfs,
		info:       vfs.FileInfo{IsDir: true},
	}
	mfs.root.attr = mfs.attrFor(mfs.root.info)

	return mfs
}

func (mfs *FileSystem) Root() (fs.InodeEmbedder, error) {
	return mfs.root, nil
}

func (mfs *FileSystem) attrFor(info vfs.FileInfo) fuse.Attr {
	if info.IsDir {
		return fuse.Attr{Mode: fuse.S_IFDIR | 0555, Nlink: 2}
	}

	size := info.Size
	if mfs.decompress {
		size = mfs.decodedSize(info)
	}

	return fuse.Attr{
		Mode:   fuse.S_IFREG | 0444,
		Nlink:  1,
		Size:   uint64(size),
		Blocks: (uint64(size) + 511) / 512,
	}
}

// decodedSize reads just the blob header to learn the decoded length.
func (mfs *FileSystem) decodedSize(info vfs.FileInfo) int64 {
	if info.Size < compression.HeaderLength {
		return info.Size
	}

	s, err := mfs.v.Open(info.Path, common.AccessRead)
	if err != nil {
		return info.Size
	}
	defer s.Close()

	header := make([]byte, compression.HeaderLength)
	if _, err := io.ReadFull(s, header); err != nil {
		return info.Size
	}

	if compression.Identify(header) == compression.TagNone {
		return info.Size
	}
	return int64(compression.UncompressedSize(header))
}
