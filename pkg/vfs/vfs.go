// Package vfs merges BIG archives and a loose-file directory into one
// case-insensitive namespace.
//
// Ownership of a path is decided when an archive is registered: the first
// archive to provide a path owns it, and a later archive takes it over only
// when registered with overwrite set and a search priority at least that of
// the current owner. Changing an archive's priority afterwards does not
// revisit paths that are already owned.
package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/beam-cloud/bigfs/pkg/archive"
	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/beam-cloud/bigfs/pkg/compression"
	"github.com/beam-cloud/bigfs/pkg/metrics"
	"github.com/beam-cloud/ristretto"
	"github.com/rs/zerolog/log"
)

const defaultCacheMaxCost = 256 << 20

type Options struct {
	Disk    DiskLayer // nil disables the loose-file layer
	Metrics *metrics.Metrics

	// CacheMaxCost bounds the decoded-content cache in bytes. Zero picks a
	// default and a negative value disables the cache.
	CacheMaxCost int64
}

// DirEntry is one immediate child of a directory.
type DirEntry struct {
	Name   string
	IsDir  bool
	Size   int64
	Source common.SourceKind
}

// FileInfo describes a resolved path.
type FileInfo struct {
	Path    string
	Size    int64
	IsDir   bool
	Source  common.SourceKind
	Archive string // owning archive name, empty for disk and directories
}

type registration struct {
	archive   *archive.Archive
	overwrite bool
}

type FileSystem struct {
	mu            sync.RWMutex
	owners        *ownerIndex
	archives      []*archive.Archive
	registrations []registration
	disk          DiskLayer
	metrics       *metrics.Metrics
	cache         *ristretto.Cache[string, []byte]
}

func New(opts Options) (*FileSystem, error) {
	fsys := &FileSystem{
		owners:  newOwnerIndex(),
		disk:    opts.Disk,
		metrics: opts.Metrics,
	}

	if opts.CacheMaxCost >= 0 {
		maxCost := opts.CacheMaxCost
		if maxCost == 0 {
			maxCost = defaultCacheMaxCost
		}

		cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters: 1e6,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, err
		}
		fsys.cache = cache
	}

	return fsys, nil
}

func (fsys *FileSystem) Metrics() *metrics.Metrics {
	return fsys.metrics
}

// RegisterArchive adds every file of a to the owner index and returns how
// many paths a owns afterwards. Registering the same archive again is
// allowed; with overwrite set it reclaims paths taken by later archives.
func (fsys *FileSystem) RegisterArchive(a *archive.Archive, overwrite bool) int {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	known := false
	for _, existing := range fsys.archives {
		if existing == a {
			known = true
			break
		}
	}
	if !known {
		fsys.archives = append(fsys.archives, a)
	}
	fsys.registrations = append(fsys.registrations, registration{archive: a, overwrite: overwrite})

	owned := fsys.applyRegistration(a, overwrite)

	log.Debug().
		Str("archive", a.Name()).
		Bool("overwrite", overwrite).
		Int("files", len(a.Files())).
		Int("owned", owned).
		Msg("archive registered")

	return owned
}

func (fsys *FileSystem) applyRegistration(a *archive.Archive, overwrite bool) int {
	owned := 0
	for _, entry := range a.Files() {
		key := common.NormalizePath(entry.Path)

		current, exists := fsys.owners.get(key)
		switch {
		case !exists:
		case current.owner == a:
		case overwrite && a.SearchPriority() >= current.owner.SearchPriority():
		default:
			continue
		}

		fsys.owners.set(&ownerEntry{key: key, entry: entry, owner: a})
		owned++
	}
	return owned
}

// ResolveOwner returns the archive that provides path. false means no
// archive does and the caller should look on disk.
func (fsys *FileSystem) ResolveOwner(path string) (*archive.Archive, bool) {
	e, ok := fsys.lookup(path)
	if !ok {
		return nil, false
	}
	return e.owner, true
}

func (fsys *FileSystem) lookup(path string) (*ownerEntry, bool) {
	key := common.NormalizePath(path)
	if key == "" {
		return nil, false
	}

	fsys.mu.RLock()
	defer fsys.mu.RUnlock()
	return fsys.owners.get(key)
}

// DoesExist checks archive ownership first, then the disk layer.
func (fsys *FileSystem) DoesExist(path string) bool {
	if _, ok := fsys.lookup(path); ok {
		return true
	}
	return fsys.disk != nil && fsys.disk.Exists(path)
}

// Open returns a stream for path. Archive-owned paths are read-only, so
// asking for write access to one fails with common.ErrAccessDenied. Paths
// no archive provides are opened on the disk layer.
func (fsys *FileSystem) Open(path string, mode common.AccessMode) (Stream, error) {
	if e, ok := fsys.lookup(path); ok {
		if mode.CanWrite() {
			return nil, fmt.Errorf("%s is provided by archive <%s>: %w", path, e.owner.Name(), common.ErrAccessDenied)
		}

		r, err := e.owner.OpenEntry(e.entry)
		if err != nil {
			return nil, err
		}
		return newArchiveStream(e.entry.Path, r, fsys.metrics), nil
	}

	if fsys.disk == nil {
		return nil, fmt.Errorf("%s: %w", path, common.ErrNotFound)
	}

	f, err := fsys.disk.OpenRaw(path, mode)
	if err != nil {
		return nil, err
	}
	return newDiskStream(common.CleanPath(path), f, mode, fsys.metrics), nil
}

// ReadFile returns the stored bytes of path without decoding them.
func (fsys *FileSystem) ReadFile(path string) ([]byte, error) {
	s, err := fsys.Open(path, common.AccessRead)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if s.Source() == common.SourceArchive {
		data := make([]byte, s.Size())
		if _, err := io.ReadFull(s, data); err != nil {
			return nil, fmt.Errorf("error reading <%s>: %w", path, err)
		}
		return data, nil
	}

	return io.ReadAll(s)
}

// ReadDecompressed returns the content of path run through the codec
// dispatcher. Decoded archive content is cached; disk files are decoded on
// every call since they may change underneath. The returned slice is the
// caller's to modify.
func (fsys *FileSystem) ReadDecompressed(path string) ([]byte, error) {
	var cacheKey string
	if e, ok := fsys.lookup(path); ok && fsys.cache != nil {
		cacheKey = e.owner.ID() + ":" + e.key
		if data, ok := fsys.cache.Get(cacheKey); ok {
			fsys.metrics.RecordCacheOperation(true)
			return bytes.Clone(data), nil
		}
		fsys.metrics.RecordCacheOperation(false)
	}

	raw, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}

	tag := compression.Identify(raw)
	start := time.Now()
	data, err := compression.Decode(raw)
	fsys.metrics.RecordDecode(tag.String(), len(data), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("error decoding <%s>: %w", path, err)
	}

	if cacheKey != "" {
		fsys.cache.Set(cacheKey, bytes.Clone(data), int64(len(data)))
	}

	return data, nil
}

// Stat resolves path against the archives, then the disk layer.
func (fsys *FileSystem) Stat(path string) (FileInfo, error) {
	key := common.NormalizePath(path)
	if key == "" {
		return FileInfo{Path: "", IsDir: true}, nil
	}

	fsys.mu.RLock()
	e, ok := fsys.owners.get(key)
	isDir := !ok && fsys.owners.hasDir(key)
	fsys.mu.RUnlock()

	if ok {
		return FileInfo{
			Path:    e.entry.Path,
			Size:    e.entry.Size,
			Source:  common.SourceArchive,
			Archive: e.owner.Name(),
		}, nil
	}

	if fsys.disk != nil {
		if fi, err := fsys.disk.Stat(path); err == nil {
			return FileInfo{
				Path:   common.CleanPath(path),
				Size:   fi.Size(),
				IsDir:  fi.IsDir(),
				Source: common.SourceDisk,
			}, nil
		}
	}

	if isDir {
		return FileInfo{Path: common.CleanPath(path), IsDir: true, Source: common.SourceArchive}, nil
	}

	return FileInfo{}, fmt.Errorf("%s: %w", path, common.ErrNotFound)
}

// ListFiles merges the matching files of every registered archive and the
// disk layer. Each path appears once, in the case of its first provider,
// with archives consulted in descending search priority.
func (fsys *FileSystem) ListFiles(dir, pattern string, recursive bool) ([]string, error) {
	found := make(map[string]string)
	add := func(p string) {
		key := common.NormalizePath(p)
		if _, ok := found[key]; !ok {
			found[key] = p
		}
	}

	for _, a := range fsys.searchOrder() {
		for _, p := range a.ListFiles(dir, pattern, recursive) {
			add(p)
		}
	}

	if fsys.disk != nil {
		paths, err := fsys.disk.Enumerate(dir, pattern, recursive)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			add(p)
		}
	}

	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	paths := make([]string, len(keys))
	for i, k := range keys {
		paths[i] = found[k]
	}
	return paths, nil
}

// ReadDir returns the immediate children of dir across archives and disk,
// sorted by name. Directories that only exist inside archives are
// synthesized from the paths below them.
func (fsys *FileSystem) ReadDir(dir string) ([]DirEntry, error) {
	prefix := common.NormalizePath(dir)
	depth := len(common.SplitPath(dir))

	children := make(map[string]DirEntry)

	fsys.mu.RLock()
	fsys.owners.ascendPrefix(prefix, func(e *ownerEntry) bool {
		segments := common.SplitPath(e.entry.Path)
		if len(segments) <= depth {
			return true
		}

		name := segments[depth]
		key := strings.ToLower(name)
		if _, ok := children[key]; ok {
			return true
		}

		if len(segments) == depth+1 {
			children[key] = DirEntry{Name: name, Size: e.entry.Size, Source: common.SourceArchive}
		} else {
			children[key] = DirEntry{Name: name, IsDir: true, Source: common.SourceArchive}
		}
		return true
	})
	fsys.mu.RUnlock()

	if fsys.disk != nil {
		entries, err := fsys.disk.ReadDir(dir)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
		if err != nil && len(children) == 0 && prefix != "" {
			return nil, err
		}
		for _, entry := range entries {
			key := strings.ToLower(entry.Name)
			if _, ok := children[key]; !ok {
				children[key] = entry
			}
		}
	} else if len(children) == 0 && prefix != "" {
		return nil, fmt.Errorf("%s: %w", dir, common.ErrNotFound)
	}

	entries := make([]DirEntry, 0, len(children))
	for _, entry := range children {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// Archives returns the registered archives in registration order.
func (fsys *FileSystem) Archives() []*archive.Archive {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	out := make([]*archive.Archive, len(fsys.archives))
	copy(out, fsys.archives)
	return out
}

// searchOrder returns the archives by descending priority, ties kept in
// registration order.
func (fsys *FileSystem) searchOrder() []*archive.Archive {
	archives := fsys.Archives()
	sort.SliceStable(archives, func(i, j int) bool {
		return archives[i].SearchPriority() > archives[j].SearchPriority()
	})
	return archives
}

func (fsys *FileSystem) findArchive(name string) (*archive.Archive, bool) {
	for _, a := range fsys.archives {
		if strings.EqualFold(a.Name(), name) || a.Path() == name {
			return a, true
		}
	}
	return nil, false
}

// SetSearchPriority changes the priority of a registered archive. It only
// affects later registrations and listing order: paths already owned keep
// their owner.
func (fsys *FileSystem) SetSearchPriority(name string, priority int) bool {
	fsys.mu.RLock()
	a, ok := fsys.findArchive(name)
	fsys.mu.RUnlock()

	if !ok {
		return false
	}

	a.SetSearchPriority(priority)
	return true
}

// CloseArchive unregisters and closes an archive. Paths it owned fall back
// to whichever remaining archive would have owned them had it never been
// registered.
func (fsys *FileSystem) CloseArchive(name string) error {
	fsys.mu.Lock()

	a, ok := fsys.findArchive(name)
	if !ok {
		fsys.mu.Unlock()
		return fmt.Errorf("archive %s: %w", name, common.ErrNotFound)
	}

	archives := fsys.archives[:0]
	for _, existing := range fsys.archives {
		if existing != a {
			archives = append(archives, existing)
		}
	}
	fsys.archives = archives

	registrations := fsys.registrations[:0]
	for _, r := range fsys.registrations {
		if r.archive != a {
			registrations = append(registrations, r)
		}
	}
	fsys.registrations = registrations

	fsys.owners = newOwnerIndex()
	for _, r := range fsys.registrations {
		fsys.applyRegistration(r.archive, r.overwrite)
	}

	fsys.mu.Unlock()

	log.Info().Str("archive", a.Name()).Msg("archive closed")
	return a.Close()
}

// Close closes every archive the overlay holds and releases the cache.
func (fsys *FileSystem) Close() error {
	fsys.mu.Lock()
	archives := fsys.archives
	fsys.archives = nil
	fsys.registrations = nil
	fsys.owners = newOwnerIndex()
	fsys.mu.Unlock()

	var errs []error
	for _, a := range archives {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", a.Name(), err))
		}
	}

	if fsys.cache != nil {
		fsys.cache.Close()
		fsys.cache = nil
	}

	return errors.Join(errs...)
}
