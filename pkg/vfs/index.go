package vfs

import (
	"strings"

	"github.com/beam-cloud/bigfs/pkg/archive"
	"github.com/tidwall/btree"
)

// ownerEntry records which archive currently provides a logical path.
type ownerEntry struct {
	key   string // normalized path
	entry *archive.FileEntry
	owner *archive.Archive
}

func ownerEntryLess(a, b *ownerEntry) bool {
	return a.key < b.key
}

// ownerIndex is the overlay's path -> owner table, ordered by key so a
// directory's contents form one contiguous range. Callers serialize
// access.
type ownerIndex struct {
	tree *btree.BTreeG[*ownerEntry]
}

func newOwnerIndex() *ownerIndex {
	return &ownerIndex{
		tree: btree.NewBTreeGOptions(ownerEntryLess, btree.Options{NoLocks: true}),
	}
}

func (idx *ownerIndex) get(key string) (*ownerEntry, bool) {
	return idx.tree.Get(&ownerEntry{key: key})
}

func (idx *ownerIndex) set(e *ownerEntry) {
	idx.tree.Set(e)
}

func (idx *ownerIndex) len() int {
	return idx.tree.Len()
}

// ascendPrefix visits every entry whose key lies under dir, which must be
// normalized. The empty dir visits everything.
func (idx *ownerIndex) ascendPrefix(dir string, fn func(*ownerEntry) bool) {
	prefix := dir
	if prefix != "" {
		prefix += "/"
	}

	idx.tree.Ascend(&ownerEntry{key: prefix}, func(e *ownerEntry) bool {
		if !strings.HasPrefix(e.key, prefix) {
			return false
		}
		return fn(e)
	})
}

// hasDir reports whether any entry lives under dir.
func (idx *ownerIndex) hasDir(dir string) bool {
	found := false
	idx.ascendPrefix(dir, func(*ownerEntry) bool {
		found = true
		return false
	})
	return found
}
