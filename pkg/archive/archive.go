package archive

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/beam-cloud/bigfs/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Archive is one opened BIG container: its parsed index plus the source
// its bytes are read from. Reads go through ReadAt, so any number of
// readers may use an Archive at once.
type Archive struct {
	id       string
	name     string
	path     string
	root     *DirectoryNode
	files    []*FileEntry
	src      storage.Source
	mu       sync.RWMutex
	priority int
	closed   bool
}

// Open opens and indexes the container at path on local disk.
func Open(archivePath string) (*Archive, error) {
	src, err := storage.NewLocalSource(archivePath)
	if err != nil {
		return nil, err
	}

	a, err := OpenSource(src)
	if err != nil {
		src.Close()
		return nil, err
	}

	return a, nil
}

// OpenSource indexes a container from an already opened source. On
// success the archive owns src and closes it in Close.
func OpenSource(src storage.Source) (*Archive, error) {
	root, err := parseIndex(src)
	if err != nil {
		return nil, fmt.Errorf("error reading index of <%s>: %w", src.Name(), err)
	}

	a := &Archive{
		id:   uuid.New().String(),
		name: path.Base(filepath.ToSlash(src.Name())),
		path: src.Name(),
		root: root,
		src:  src,
	}

	root.Walk(func(e *FileEntry) bool {
		a.files = append(a.files, e)
		return true
	})
	sort.Slice(a.files, func(i, j int) bool {
		return common.NormalizePath(a.files[i].Path) < common.NormalizePath(a.files[j].Path)
	})

	log.Debug().Str("archive", a.name).Str("id", a.id).Int("files", len(a.files)).Msg("archive indexed")
	return a, nil
}

func parseIndex(src storage.Source) (*DirectoryNode, error) {
	size := src.Size()
	if size < common.BigHeaderLength {
		return nil, common.ErrFileHeaderMismatch
	}

	headerBytes := make([]byte, common.BigHeaderLength)
	if _, err := src.ReadAt(headerBytes, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	header, err := DecodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	if int64(header.FileCount)*common.BigMinEntryLength > size-common.BigHeaderLength {
		return nil, fmt.Errorf("%d entries cannot fit in %d bytes: %w", header.FileCount, size, common.ErrCorrupt)
	}

	root := newDirectoryNode("", "")
	reader := bufio.NewReader(io.NewSectionReader(src, common.BigHeaderLength, size-common.BigHeaderLength))
	fields := make([]byte, 8)

	for i := uint32(0); i < header.FileCount; i++ {
		if _, err := io.ReadFull(reader, fields); err != nil {
			return nil, fmt.Errorf("entry %d truncated: %w", i, common.ErrCorrupt)
		}

		offset := int64(binary.BigEndian.Uint32(fields[0:4]))
		length := int64(binary.BigEndian.Uint32(fields[4:8]))

		name, err := readName(reader)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		if offset+length > size {
			return nil, fmt.Errorf("entry <%s> spans [%d, %d) past end of container (%d bytes): %w", name, offset, offset+length, size, common.ErrCorrupt)
		}

		segments := common.SplitPath(name)
		if len(segments) == 0 {
			log.Warn().Int("entry", int(i)).Msg("skipping index entry with empty name")
			continue
		}

		root.insert(segments, &FileEntry{
			Name:   segments[len(segments)-1],
			Path:   common.CleanPath(name),
			Offset: offset,
			Size:   length,
		})
	}

	return root, nil
}

func readName(r *bufio.Reader) (string, error) {
	var name []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("name truncated: %w", common.ErrCorrupt)
		}
		if b == 0 {
			return string(name), nil
		}
		if len(name) >= common.BigMaxNameLength {
			return "", fmt.Errorf("name longer than %d bytes: %w", common.BigMaxNameLength, common.ErrCorrupt)
		}
		name = append(name, b)
	}
}

func DecodeHeader(headerBytes []byte) (*common.BigArchiveHeader, error) {
	if len(headerBytes) < common.BigHeaderLength {
		return nil, common.ErrFileHeaderMismatch
	}

	magic := headerBytes[0:4]
	if !bytes.Equal(magic, common.BigFileStartBytes) && !bytes.Equal(magic, common.Big4FileStartBytes) {
		return nil, common.ErrFileHeaderMismatch
	}

	header := &common.BigArchiveHeader{
		ArchiveSize: binary.LittleEndian.Uint32(headerBytes[4:8]),
		FileCount:   binary.BigEndian.Uint32(headerBytes[8:12]),
		IndexEnd:    binary.BigEndian.Uint32(headerBytes[12:16]),
	}
	copy(header.StartBytes[:], magic)

	return header, nil
}

func (a *Archive) ID() string   { return a.id }
func (a *Archive) Name() string { return a.name }
func (a *Archive) Path() string { return a.path }

func (a *Archive) Root() *DirectoryNode {
	return a.root
}

func (a *Archive) SearchPriority() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.priority
}

func (a *Archive) SetSearchPriority(priority int) {
	a.mu.Lock()
	a.priority = priority
	a.mu.Unlock()
}

// Files returns every entry, sorted by normalized path. The slice is
// shared and must not be modified.
func (a *Archive) Files() []*FileEntry {
	return a.files
}

func (a *Archive) Lookup(path string) (*FileEntry, bool) {
	return a.root.Lookup(path)
}

func (a *Archive) Exists(path string) bool {
	_, ok := a.root.Lookup(path)
	return ok
}

// ListFiles returns the full paths of files in dir whose names match
// pattern, descending into subdirectories when recursive is set. Paths
// keep their stored case and use '/' separators.
func (a *Archive) ListFiles(dir, pattern string, recursive bool) []string {
	node, ok := a.root.LookupDir(dir)
	if !ok {
		return nil
	}

	found := make(map[string]string)
	node.collect(pattern, recursive, found)

	paths := make([]string, 0, len(found))
	for _, p := range found {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		return common.NormalizePath(paths[i]) < common.NormalizePath(paths[j])
	})
	return paths
}

// OpenEntry returns a reader clamped to the entry's byte range.
func (a *Archive) OpenEntry(entry *FileEntry) (*io.SectionReader, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, common.ErrArchiveClosed
	}

	return io.NewSectionReader(a.src, entry.Offset, entry.Size), nil
}

func (a *Archive) OpenFile(path string) (*io.SectionReader, error) {
	entry, ok := a.root.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, common.ErrNotFound)
	}
	return a.OpenEntry(entry)
}

// ReadFile returns the stored (possibly still compressed) bytes of path.
func (a *Archive) ReadFile(path string) ([]byte, error) {
	reader, err := a.OpenFile(path)
	if err != nil {
		return nil, err
	}

	data := make([]byte, reader.Size())
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, fmt.Errorf("error reading <%s> from <%s>: %w", path, a.name, err)
	}

	return data, nil
}

// Close releases the underlying source. Calling it more than once is safe.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	return a.src.Close()
}
