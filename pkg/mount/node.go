package mount

import (
	"context"
	"errors"
	"path"
	"syscall"

	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/beam-cloud/bigfs/pkg/vfs"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
)

type Node struct {
	fs.Inode
	filesystem *FileSystem
	info       vfs.FileInfo
	attr       fuse.Attr
}

// fileHandle keeps one overlay stream open between Open and Release.
type fileHandle struct {
	stream vfs.Stream
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	h.stream.Close()
	return fs.OK
}

func toErrno(err error) syscall.Errno {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, common.ErrAccessDenied):
		return syscall.EACCES
	default:
		return syscall.EIO
	}
}

func (n *Node) OnAdd(ctx context.Context) {
	log.Debug().Str("path", n.info.Path).Msg("OnAdd called")
}

func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	log.Debug().Str("path", n.info.Path).Msg("Getattr called")

	out.Attr = n.attr
	return fs.OK
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.info.Path).Str("name", name).Msg("Lookup called")

	childPath := path.Join(n.info.Path, name)
	key := common.NormalizePath(childPath)

	n.filesystem.cacheMutex.RLock()
	entry, found := n.filesystem.lookupCache[key]
	n.filesystem.cacheMutex.RUnlock()
	if found {
		out.Attr = entry.attr
		return entry.inode, fs.OK
	}

	info, err := n.filesystem.v.Stat(childPath)
	if err != nil {
		return nil, toErrno(err)
	}
	info.Path = childPath

	attr := n.filesystem.attrFor(info)
	out.Attr = attr

	childInode := n.NewInode(ctx, &Node{filesystem: n.filesystem, info: info, attr: attr}, fs.StableAttr{Mode: attr.Mode})

	n.filesystem.cacheMutex.Lock()
	n.filesystem.lookupCache[key] = &lookupCacheEntry{inode: childInode, attr: attr}
	n.filesystem.cacheMutex.Unlock()

	return childInode, fs.OK
}

func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	log.Debug().Str("path", n.info.Path).Msg("Opendir called")
	return fs.OK
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	log.Debug().Str("path", n.info.Path).Msg("Readdir called")

	entries, err := n.filesystem.v.ReadDir(n.info.Path)
	if err != nil {
		return nil, toErrno(err)
	}

	dirEntries := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG | 0444)
		if e.IsDir {
			mode = fuse.S_IFDIR | 0555
		}
		dirEntries = append(dirEntries, fuse.DirEntry{Name: e.Name, Mode: mode})
	}

	return fs.NewListDirStream(dirEntries), fs.OK
}

func (n *Node) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	log.Debug().Str("path", n.info.Path).Uint32("flags", flags).Msg("Open called")

	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}

	if n.filesystem.decompress {
		return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
	}

	stream, err := n.filesystem.v.Open(n.info.Path, common.AccessRead)
	if err != nil {
		return nil, 0, toErrno(err)
	}

	return &fileHandle{stream: stream}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	log.Debug().Str("path", n.info.Path).Int64("offset", off).Msg("Read called")

	if n.filesystem.decompress {
		data, err := n.filesystem.v.ReadDecompressed(n.info.Path)
		if err != nil {
			log.Error().Err(err).Str("path", n.info.Path).Msg("decode failed")
			return nil, toErrno(err)
		}
		if off >= int64(len(data)) {
			return fuse.ReadResultData(dest[:0]), fs.OK
		}
		nRead := copy(dest, data[off:])
		return fuse.ReadResultData(dest[:nRead]), fs.OK
	}

	h, ok := f.(*fileHandle)
	if !ok {
		stream, err := n.filesystem.v.Open(n.info.Path, common.AccessRead)
		if err != nil {
			return nil, toErrno(err)
		}
		defer stream.Close()
		h = &fileHandle{stream: stream}
	}

	size := h.stream.Size()
	if off >= size || size == 0 {
		return fuse.ReadResultData(dest[:0]), fs.OK
	}

	readLen := int64(len(dest))
	if maxReadable := size - off; readLen > maxReadable {
		readLen = maxReadable
	}

	nRead, err := h.stream.ReadAt(dest[:readLen], off)
	if err != nil && int64(nRead) < readLen {
		log.Error().Err(err).Str("path", n.info.Path).Msg("read failed")
		return nil, syscall.EIO
	}

	return fuse.ReadResultData(dest[:nRead]), fs.OK
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (inode *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	log.Debug().Str("path", n.info.Path).Str("name", name).Msg("Create called")
	return nil, nil, 0, syscall.EROFS
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.info.Path).Str("name", name).Msg("Mkdir called")
	return nil, syscall.EROFS
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *Node) Rename(ctx context.Context, oldName string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}

var (
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeReader    = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.FileReleaser  = (*fileHandle)(nil)
)
