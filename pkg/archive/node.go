package archive

import (
	"sort"
	"strings"

	"github.com/beam-cloud/bigfs/pkg/common"
)

// FileEntry is one sub-file recorded in a container index.
type FileEntry struct {
	Name   string // case preserved, as stored in the index
	Path   string // case preserved, '/' separated
	Offset int64
	Size   int64
}

// DirectoryNode is one level of an archive's index tree. Child keys are
// lowercased, so every lookup through the tree is case-insensitive.
type DirectoryNode struct {
	Name        string
	Path        string
	Directories map[string]*DirectoryNode
	Files       map[string]*FileEntry
}

func newDirectoryNode(name, path string) *DirectoryNode {
	return &DirectoryNode{
		Name:        name,
		Path:        path,
		Directories: make(map[string]*DirectoryNode),
		Files:       make(map[string]*FileEntry),
	}
}

// insert places entry under the directories named by segments, creating
// any that are missing. A later entry with the same key replaces the
// earlier one.
func (d *DirectoryNode) insert(segments []string, entry *FileEntry) {
	node := d
	for _, seg := range segments[:len(segments)-1] {
		key := strings.ToLower(seg)
		child, ok := node.Directories[key]
		if !ok {
			childPath := seg
			if node.Path != "" {
				childPath = node.Path + "/" + seg
			}
			child = newDirectoryNode(seg, childPath)
			node.Directories[key] = child
		}
		node = child
	}

	node.Files[strings.ToLower(segments[len(segments)-1])] = entry
}

// Lookup resolves a logical path to its entry. A segment containing a dot
// that names a file in the current directory ends traversal there, so
// anything after it makes the path unresolvable. Missing directories are
// never created on lookup.
func (d *DirectoryNode) Lookup(path string) (*FileEntry, bool) {
	segments := common.SplitPath(path)
	if len(segments) == 0 {
		return nil, false
	}

	node := d
	for i, seg := range segments {
		key := strings.ToLower(seg)
		last := i == len(segments)-1

		if last {
			entry, ok := node.Files[key]
			return entry, ok
		}

		if strings.Contains(seg, ".") {
			if _, ok := node.Files[key]; ok {
				return nil, false
			}
		}

		child, ok := node.Directories[key]
		if !ok {
			return nil, false
		}
		node = child
	}

	return nil, false
}

// LookupDir resolves a directory path. The empty path is the root.
func (d *DirectoryNode) LookupDir(path string) (*DirectoryNode, bool) {
	node := d
	for _, seg := range common.SplitPath(path) {
		child, ok := node.Directories[strings.ToLower(seg)]
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}

// Walk visits every file at or below d in sorted key order. Returning
// false from fn stops the walk.
func (d *DirectoryNode) Walk(fn func(*FileEntry) bool) bool {
	for _, key := range sortedKeys(d.Files) {
		if !fn(d.Files[key]) {
			return false
		}
	}
	for _, key := range sortedKeys(d.Directories) {
		if !d.Directories[key].Walk(fn) {
			return false
		}
	}
	return true
}

// collect adds the full path of every file whose name matches pattern to
// out, keyed by its normalized path so repeated spellings collapse.
func (d *DirectoryNode) collect(pattern string, recursive bool, out map[string]string) {
	for key, entry := range d.Files {
		if !MatchPattern(pattern, key) {
			continue
		}
		lower := common.NormalizePath(entry.Path)
		if _, ok := out[lower]; !ok {
			out[lower] = entry.Path
		}
	}

	if !recursive {
		return
	}
	for _, child := range d.Directories {
		child.collect(pattern, recursive, out)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
