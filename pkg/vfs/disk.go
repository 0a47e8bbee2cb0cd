package vfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/beam-cloud/bigfs/pkg/archive"
	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RawFile is an open file on the disk layer.
type RawFile interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.Seeker
	io.Closer
	Stat() (fs.FileInfo, error)
}

// DiskLayer is the loose-file half of the overlay. Names are logical
// paths relative to the layer's root, using either separator.
type DiskLayer interface {
	OpenRaw(name string, mode common.AccessMode) (RawFile, error)
	Exists(name string) bool
	Stat(name string) (fs.FileInfo, error)
	Enumerate(dir, pattern string, recursive bool) ([]string, error)
	ReadDir(dir string) ([]DirEntry, error)
	CreateDirectory(name string) error
}

// LocalDisk serves loose files from a directory on the host.
type LocalDisk struct {
	root string
}

func NewLocalDisk(root string) *LocalDisk {
	return &LocalDisk{root: root}
}

func (d *LocalDisk) Root() string {
	return d.root
}

// resolve maps a logical path onto the host, refusing paths that would
// escape the root.
func (d *LocalDisk) resolve(name string) (string, error) {
	segments := common.SplitPath(name)
	for _, seg := range segments {
		if seg == ".." {
			return "", fmt.Errorf("%s escapes disk root: %w", name, common.ErrAccessDenied)
		}
	}
	return filepath.Join(append([]string{d.root}, segments...)...), nil
}

func openFlags(mode common.AccessMode) (int, error) {
	switch mode {
	case common.AccessRead:
		return os.O_RDONLY, nil
	case common.AccessWrite:
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, nil
	case common.AccessReadWrite:
		return os.O_RDWR | os.O_CREATE, nil
	default:
		return 0, fmt.Errorf("invalid access mode %d: %w", mode, common.ErrAccessDenied)
	}
}

func (d *LocalDisk) OpenRaw(name string, mode common.AccessMode) (RawFile, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}

	flags, err := openFlags(mode)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(p, flags, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrNotFound)
		}
		return nil, err
	}

	fi, err := f.Stat()
	if err == nil && fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory: %w", name, common.ErrNotFound)
	}

	return f, nil
}

func (d *LocalDisk) Exists(name string) bool {
	p, err := d.resolve(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

func (d *LocalDisk) Stat(name string) (fs.FileInfo, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrNotFound)
		}
		return nil, err
	}
	return fi, nil
}

// Enumerate lists files under dir whose base name matches pattern. Paths
// are relative to the root and '/' separated. A missing dir lists nothing.
func (d *LocalDisk) Enumerate(dir, pattern string, recursive bool) ([]string, error) {
	base, err := d.resolve(dir)
	if err != nil {
		return nil, err
	}

	if fi, err := os.Stat(base); err != nil || !fi.IsDir() {
		return nil, nil
	}

	var paths []string
	add := func(osPath string) error {
		rel, err := filepath.Rel(d.root, osPath)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	}

	if !recursive {
		dirents, err := godirwalk.ReadDirents(base, nil)
		if err != nil {
			return nil, err
		}
		for _, de := range dirents {
			osPath := filepath.Join(base, de.Name())
			if !archive.MatchPattern(pattern, de.Name()) || !isRegularFile(osPath, de) {
				continue
			}
			if err := add(osPath); err != nil {
				return nil, err
			}
		}
		sort.Strings(paths)
		return paths, nil
	}

	err = godirwalk.Walk(base, &godirwalk.Options{
		Callback: func(osPath string, de *godirwalk.Dirent) error {
			if !archive.MatchPattern(pattern, de.Name()) || !isRegularFile(osPath, de) {
				return nil
			}
			return add(osPath)
		},
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

// isRegularFile reports whether osPath is a regular file once symlinks are
// followed. Devices, sockets, pipes and dangling links are skipped.
func isRegularFile(osPath string, de *godirwalk.Dirent) bool {
	if de.IsDir() {
		return false
	}
	if de.IsRegular() {
		return true
	}

	var stat unix.Stat_t
	if err := unix.Stat(osPath, &stat); err != nil {
		log.Debug().Err(err).Str("path", osPath).Msg("skipping unreadable entry")
		return false
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFREG {
		log.Debug().Str("path", osPath).Msg("skipping non-regular file")
		return false
	}
	return true
}

func (d *LocalDisk) ReadDir(dir string) ([]DirEntry, error) {
	base, err := d.resolve(dir)
	if err != nil {
		return nil, err
	}

	dirents, err := godirwalk.ReadDirents(base, nil)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dir, common.ErrNotFound)
		}
		return nil, err
	}

	entries := make([]DirEntry, 0, len(dirents))
	for _, de := range dirents {
		entry := DirEntry{
			Name:   de.Name(),
			IsDir:  de.IsDir(),
			Source: common.SourceDisk,
		}
		if !entry.IsDir {
			if fi, err := os.Stat(filepath.Join(base, de.Name())); err == nil {
				entry.Size = fi.Size()
			}
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (d *LocalDisk) CreateDirectory(name string) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0755)
}
