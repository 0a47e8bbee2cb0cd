package vfs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/beam-cloud/bigfs/internal/bigtest"
	"github.com/beam-cloud/bigfs/pkg/archive"
	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/beam-cloud/bigfs/pkg/compression"
	"github.com/beam-cloud/bigfs/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T, disk DiskLayer) *FileSystem {
	t.Helper()

	fsys, err := New(Options{Disk: disk, Metrics: metrics.NewMetrics()})
	require.NoError(t, err)
	t.Cleanup(func() { fsys.Close() })
	return fsys
}

func openTestArchive(t *testing.T, dir, name string, files ...bigtest.File) *archive.Archive {
	t.Helper()

	a, err := archive.Open(bigtest.Write(t, dir, name, files...))
	require.NoError(t, err)
	return a
}

func TestOverwriteSemantics(t *testing.T) {
	dir := t.TempDir()
	fsys := newTestFS(t, nil)

	a := openTestArchive(t, dir, "a.big", bigtest.File{Name: `x\y.txt`, Data: []byte("from a")})
	b := openTestArchive(t, dir, "b.big", bigtest.File{Name: `x\y.txt`, Data: []byte("from b")})

	assert.Equal(t, 1, fsys.RegisterArchive(a, false))
	assert.Equal(t, 0, fsys.RegisterArchive(b, false))

	owner, ok := fsys.ResolveOwner("x/y.txt")
	require.True(t, ok)
	assert.Same(t, a, owner)

	assert.Equal(t, 1, fsys.RegisterArchive(b, true))
	owner, ok = fsys.ResolveOwner(`X\Y.TXT`)
	require.True(t, ok)
	assert.Same(t, b, owner)

	data, err := fsys.ReadFile("x/y.txt")
	require.NoError(t, err)
	assert.Equal(t, "from b", string(data))

	_, ok = fsys.ResolveOwner("x/z.txt")
	assert.False(t, ok)
	assert.Len(t, fsys.Archives(), 2)
}

func TestOverwriteRespectsPriority(t *testing.T) {
	dir := t.TempDir()
	fsys := newTestFS(t, nil)

	base := openTestArchive(t, dir, "base.big", bigtest.File{Name: `data\rules.ini`, Data: []byte("base")})
	patch := openTestArchive(t, dir, "patch.big", bigtest.File{Name: `data\rules.ini`, Data: []byte("patch")})

	base.SetSearchPriority(10)
	fsys.RegisterArchive(base, false)
	fsys.RegisterArchive(patch, true)

	owner, _ := fsys.ResolveOwner("data/rules.ini")
	assert.Same(t, base, owner)

	// Raising the priority later does not revisit owned paths.
	assert.True(t, fsys.SetSearchPriority("PATCH.BIG", 20))
	owner, _ = fsys.ResolveOwner("data/rules.ini")
	assert.Same(t, base, owner)

	// It does take part in the next registration.
	fsys.RegisterArchive(patch, true)
	owner, _ = fsys.ResolveOwner("data/rules.ini")
	assert.Same(t, patch, owner)

	assert.False(t, fsys.SetSearchPriority("missing.big", 1))
}

func TestResolveNormalizesCaseAndSeparators(t *testing.T) {
	fsys := newTestFS(t, nil)
	a := openTestArchive(t, t.TempDir(), "art.big", bigtest.File{Name: `Data\Art\Foo.tga`, Data: []byte("tga")})
	fsys.RegisterArchive(a, false)

	for _, p := range []string{"Data/Art/foo.tga", `data\art\FOO.TGA`, "DATA/ART/foo.TGA"} {
		owner, ok := fsys.ResolveOwner(p)
		require.True(t, ok, p)
		assert.Same(t, a, owner, p)
		assert.True(t, fsys.DoesExist(p), p)
	}
}

func TestPartialFailure(t *testing.T) {
	dir := t.TempDir()
	fsys := newTestFS(t, nil)

	first := bigtest.Write(t, dir, "one.big",
		bigtest.File{Name: `a\one.txt`, Data: []byte("1")},
		bigtest.File{Name: `a\shared.txt`, Data: []byte("one")},
	)
	third := bigtest.Write(t, dir, "three.big",
		bigtest.File{Name: `c\three.txt`, Data: []byte("3")},
		bigtest.File{Name: `a\shared.txt`, Data: []byte("three")},
	)

	n, err := fsys.LoadArchives(context.Background(), []ArchiveSpec{
		{Path: first},
		{Path: filepath.Join(dir, "two.big")},
		{Path: third},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, p := range []string{"a/one.txt", "a/shared.txt", "c/three.txt"} {
		assert.True(t, fsys.DoesExist(p), p)
	}

	data, err := fsys.ReadFile("a/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	snap := fsys.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.ArchiveLoads)
	assert.Equal(t, int64(1), snap.ArchiveFailures)

	assert.False(t, fsys.LoadArchive(filepath.Join(dir, "nope.big"), true))
	assert.True(t, fsys.LoadArchive(third, true))
	data, err = fsys.ReadFile("a/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, "three", string(data))
}

func TestLoadArchivesCanceled(t *testing.T) {
	fsys := newTestFS(t, nil)
	path := bigtest.Write(t, t.TempDir(), "a.big", bigtest.File{Name: "a.txt"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := fsys.LoadArchives(ctx, []ArchiveSpec{{Path: path}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
	assert.Empty(t, fsys.Archives())
}

func TestLoadArchivesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	bigtest.Write(t, dir, "01_base.big", bigtest.File{Name: `ini\a.ini`, Data: []byte("base")})
	bigtest.Write(t, dir, "02_patch.BIG", bigtest.File{Name: `ini\a.ini`, Data: []byte("patch")})
	bigtest.Write(t, dir, filepath.Join("mods", "03_mod.big"), bigtest.File{Name: `ini\b.ini`, Data: []byte("mod")})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("not an archive"), 0644))

	fsys := newTestFS(t, nil)
	n, err := fsys.LoadArchivesFromDirectory(context.Background(), dir, "*.big", true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := fsys.ReadFile("ini/a.ini")
	require.NoError(t, err)
	assert.Equal(t, "patch", string(data))
	assert.True(t, fsys.DoesExist("ini/b.ini"))

	_, err = fsys.LoadArchivesFromDirectory(context.Background(), filepath.Join(dir, "missing"), "*.big", true)
	assert.Error(t, err)
}

func TestOpenRulesIni(t *testing.T) {
	rules := bytes.Repeat([]byte("Speed=10;"), 6)[:50]
	files := []bigtest.File{
		{Name: `art\unit.tga`, Data: bytes.Repeat([]byte{0xAA}, 300)},
		{Name: `data\rules.ini`, Data: rules},
		{Name: `data\after.ini`, Data: []byte("trailing data that must not leak")},
	}

	fsys := newTestFS(t, nil)
	fsys.RegisterArchive(openTestArchive(t, t.TempDir(), "base.big", files...), false)

	s, err := fsys.Open("data/rules.ini", common.AccessRead)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, int64(50), s.Size())
	assert.Equal(t, common.SourceArchive, s.Source())
	assert.Equal(t, "data/rules.ini", s.Name())

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, rules, got)

	raw := bigtest.Build(files...)
	offset := bigtest.Offset(files, 1)
	assert.Equal(t, raw[offset:offset+50], got)
}

func TestArchiveStreamSeek(t *testing.T) {
	fsys := newTestFS(t, nil)
	fsys.RegisterArchive(openTestArchive(t, t.TempDir(), "s.big",
		bigtest.File{Name: "digits.txt", Data: []byte("0123456789")},
		bigtest.File{Name: "next.txt", Data: []byte("NEXT")},
	), false)

	s, err := fsys.Open("digits.txt", common.AccessRead)
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 3)

	pos, err := s.Seek(4, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "456", string(buf))

	pos, err = s.Seek(-2, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)

	pos, err = s.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "789", string(buf))

	// Past the end clamps to the entry size, never into the next entry.
	pos, err = s.Seek(100, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)
	n, err := s.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = s.Seek(-1, io.SeekStart)
	assert.Error(t, err)
}

func TestAccessRights(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "loose.txt"), []byte("loose"), 0644))

	fsys := newTestFS(t, NewLocalDisk(root))
	fsys.RegisterArchive(openTestArchive(t, t.TempDir(), "a.big", bigtest.File{Name: "packed.txt", Data: []byte("packed")}), false)

	_, err := fsys.Open("packed.txt", common.AccessWrite)
	assert.ErrorIs(t, err, common.ErrAccessDenied)
	_, err = fsys.Open("packed.txt", common.AccessReadWrite)
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	s, err := fsys.Open("packed.txt", common.AccessRead)
	require.NoError(t, err)
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, common.ErrAccessDenied)
	s.Close()

	ro, err := fsys.Open("loose.txt", common.AccessRead)
	require.NoError(t, err)
	_, err = ro.Write([]byte("x"))
	assert.ErrorIs(t, err, common.ErrAccessDenied)
	ro.Close()

	wo, err := fsys.Open("out/new.txt", common.AccessWrite)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Nil(t, wo)

	require.NoError(t, NewLocalDisk(root).CreateDirectory("out"))
	wo, err = fsys.Open("out/new.txt", common.AccessWrite)
	require.NoError(t, err)
	_, err = wo.Read(make([]byte, 4))
	assert.ErrorIs(t, err, common.ErrAccessDenied)
	n, err := wo.Write([]byte("written"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, int64(7), wo.Size())
	require.NoError(t, wo.Close())

	data, err := fsys.ReadFile("out/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))
}

func TestCloseIsIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "loose.txt"), []byte("loose"), 0644))

	fsys := newTestFS(t, NewLocalDisk(root))
	fsys.RegisterArchive(openTestArchive(t, t.TempDir(), "a.big", bigtest.File{Name: "packed.txt", Data: []byte("packed")}), false)

	for _, p := range []string{"packed.txt", "loose.txt"} {
		s, err := fsys.Open(p, common.AccessRead)
		require.NoError(t, err, p)

		require.NoError(t, s.Close(), p)
		require.NoError(t, s.Close(), p)

		_, err = s.Read(make([]byte, 1))
		assert.ErrorIs(t, err, common.ErrClosed, p)
		_, err = s.Seek(0, io.SeekStart)
		assert.ErrorIs(t, err, common.ErrClosed, p)
	}

	var never diskStream
	assert.NoError(t, never.Close())
}

func TestDiskFallback(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "rules.ini"), []byte("disk rules"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "only_disk.ini"), []byte("disk only"), 0644))

	fsys := newTestFS(t, NewLocalDisk(root))
	fsys.RegisterArchive(openTestArchive(t, t.TempDir(), "a.big", bigtest.File{Name: `data\rules.ini`, Data: []byte("archive rules")}), false)

	data, err := fsys.ReadFile("data/rules.ini")
	require.NoError(t, err)
	assert.Equal(t, "archive rules", string(data))

	s, err := fsys.Open("data/only_disk.ini", common.AccessRead)
	require.NoError(t, err)
	assert.Equal(t, common.SourceDisk, s.Source())
	assert.Equal(t, int64(9), s.Size())
	s.Close()

	assert.True(t, fsys.DoesExist("data/only_disk.ini"))
	assert.False(t, fsys.DoesExist("data/missing.ini"))

	_, err = fsys.Open("data/missing.ini", common.AccessRead)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = fsys.Open("../escape.ini", common.AccessRead)
	assert.ErrorIs(t, err, common.ErrAccessDenied)
}

func TestListFilesMergesSources(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "art", "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "art", "a.tga"), []byte("disk"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "art", "sub", "d.tga"), []byte("disk"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "art", "notes.txt"), []byte("disk"), 0644))

	dir := t.TempDir()
	fsys := newTestFS(t, NewLocalDisk(root))
	fsys.RegisterArchive(openTestArchive(t, dir, "one.big",
		bigtest.File{Name: `Art\A.tga`, Data: []byte("1")},
		bigtest.File{Name: `Art\b.tga`, Data: []byte("1")},
		bigtest.File{Name: `Art\b.tga.bak`, Data: []byte("1")},
	), false)
	fsys.RegisterArchive(openTestArchive(t, dir, "two.big",
		bigtest.File{Name: `art\b.tga`, Data: []byte("2")},
		bigtest.File{Name: `art\sub\c.tga`, Data: []byte("2")},
	), false)

	paths, err := fsys.ListFiles("art", "*.tga", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Art/A.tga", "Art/b.tga"}, paths)

	paths, err = fsys.ListFiles("art", "*.tga", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"Art/A.tga", "Art/b.tga", "art/sub/c.tga", "art/sub/d.tga"}, paths)

	paths, err = fsys.ListFiles("art", "?.tga", true)
	require.NoError(t, err)
	assert.Len(t, paths, 4)

	paths, err = fsys.ListFiles("art", "*.txt", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"art/notes.txt"}, paths)

	paths, err = fsys.ListFiles("nowhere", "*", true)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestReadDirAndStat(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data", "maps"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "loose.ini"), []byte("12345"), 0644))

	fsys := newTestFS(t, NewLocalDisk(root))
	fsys.RegisterArchive(openTestArchive(t, t.TempDir(), "a.big",
		bigtest.File{Name: `Data\Rules.ini`, Data: []byte("rules")},
		bigtest.File{Name: `Data\Art\Tank.tga`, Data: []byte("tank")},
		bigtest.File{Name: `Data\Art\Deep\x.w3d`, Data: []byte("x")},
		bigtest.File{Name: `Readme.txt`, Data: []byte("hi")},
	), false)

	entries, err := fsys.ReadDir("data")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{
		{Name: "Art", IsDir: true, Source: common.SourceArchive},
		{Name: "loose.ini", Size: 5, Source: common.SourceDisk},
		{Name: "maps", IsDir: true, Source: common.SourceDisk},
		{Name: "Rules.ini", Size: 5, Source: common.SourceArchive},
	}, entries)

	entries, err = fsys.ReadDir("")
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"Data", "Readme.txt"}, names)

	_, err = fsys.ReadDir("nothing/here")
	assert.ErrorIs(t, err, common.ErrNotFound)

	fi, err := fsys.Stat("DATA/RULES.INI")
	require.NoError(t, err)
	assert.Equal(t, FileInfo{Path: "Data/Rules.ini", Size: 5, Source: common.SourceArchive, Archive: "a.big"}, fi)

	fi, err = fsys.Stat("data/art/deep")
	require.NoError(t, err)
	assert.True(t, fi.IsDir)

	fi, err = fsys.Stat("data/loose.ini")
	require.NoError(t, err)
	assert.Equal(t, common.SourceDisk, fi.Source)
	assert.Equal(t, int64(5), fi.Size)

	_, err = fsys.Stat("data/none.ini")
	assert.ErrorIs(t, err, common.ErrNotFound)

	fi, err = fsys.Stat("")
	require.NoError(t, err)
	assert.True(t, fi.IsDir)
}

func TestCloseArchiveReresolves(t *testing.T) {
	dir := t.TempDir()
	fsys := newTestFS(t, nil)

	a := openTestArchive(t, dir, "a.big",
		bigtest.File{Name: "shared.txt", Data: []byte("a")},
		bigtest.File{Name: "only_a.txt", Data: []byte("a")},
	)
	b := openTestArchive(t, dir, "b.big", bigtest.File{Name: "shared.txt", Data: []byte("b")})

	fsys.RegisterArchive(a, false)
	fsys.RegisterArchive(b, false)

	require.NoError(t, fsys.CloseArchive("a.big"))
	owner, ok := fsys.ResolveOwner("shared.txt")
	require.True(t, ok)
	assert.Same(t, b, owner)
	assert.False(t, fsys.DoesExist("only_a.txt"))
	assert.Len(t, fsys.Archives(), 1)

	_, err := a.OpenFile("only_a.txt")
	assert.ErrorIs(t, err, common.ErrArchiveClosed)

	assert.ErrorIs(t, fsys.CloseArchive("a.big"), common.ErrNotFound)
}

func TestReadDecompressedCaches(t *testing.T) {
	plain := bytes.Repeat([]byte("Object Tank\n  Armor = 40\nEnd\n"), 200)
	packed, err := compression.Encode(compression.TagRefPack, plain)
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "loose.ini"), packed, 0644))

	fsys := newTestFS(t, NewLocalDisk(root))
	fsys.RegisterArchive(openTestArchive(t, t.TempDir(), "a.big",
		bigtest.File{Name: `data\objects.ini`, Data: packed},
		bigtest.File{Name: `data\raw.ini`, Data: []byte("raw text")},
	), false)

	got, err := fsys.ReadDecompressed("data/objects.ini")
	require.NoError(t, err)
	assert.Equal(t, plain, got)
	fsys.cache.Wait()

	got, err = fsys.ReadDecompressed("DATA/OBJECTS.INI")
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	got, err = fsys.ReadDecompressed("data/raw.ini")
	require.NoError(t, err)
	assert.Equal(t, "raw text", string(got))

	got, err = fsys.ReadDecompressed("loose.ini")
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	snap := fsys.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(2), snap.CacheMisses)
	assert.Equal(t, int64(2), snap.Decodes["refpack"])
	assert.Equal(t, int64(1), snap.Decodes["none"])
}

func TestReadDecompressedReturnsPrivateCopy(t *testing.T) {
	plain := bytes.Repeat([]byte("Weapon Laser\n  Damage = 30\nEnd\n"), 100)
	packed, err := compression.Encode(compression.TagHuffman, plain)
	require.NoError(t, err)

	fsys := newTestFS(t, nil)
	fsys.RegisterArchive(openTestArchive(t, t.TempDir(), "a.big",
		bigtest.File{Name: `data\weapon.ini`, Data: packed},
	), false)

	first, err := fsys.ReadDecompressed("data/weapon.ini")
	require.NoError(t, err)
	fsys.cache.Wait()
	for i := range first {
		first[i] = 0
	}

	second, err := fsys.ReadDecompressed("data/weapon.ini")
	require.NoError(t, err)
	assert.Equal(t, plain, second)
	second[0] = 'X'

	third, err := fsys.ReadDecompressed("data/weapon.ini")
	require.NoError(t, err)
	assert.Equal(t, plain, third)
	assert.Equal(t, int64(2), fsys.Metrics().Snapshot().CacheHits)
}

func TestReadDecompressedCorrupt(t *testing.T) {
	packed, err := compression.Encode(compression.TagRefPack, bytes.Repeat([]byte("abc"), 100))
	require.NoError(t, err)
	packed[4]++ // declared size no longer matches

	fsys := newTestFS(t, nil)
	fsys.RegisterArchive(openTestArchive(t, t.TempDir(), "a.big", bigtest.File{Name: "bad.bin", Data: packed}), false)

	_, err = fsys.ReadDecompressed("bad.bin")
	assert.ErrorIs(t, err, common.ErrCorrupt)
	assert.Equal(t, int64(1), fsys.Metrics().Snapshot().DecodeErrors)
}

func TestCloseClosesArchives(t *testing.T) {
	fsys, err := New(Options{CacheMaxCost: -1})
	require.NoError(t, err)

	a := openTestArchive(t, t.TempDir(), "a.big", bigtest.File{Name: "f.txt", Data: []byte("f")})
	fsys.RegisterArchive(a, false)

	require.NoError(t, fsys.Close())
	assert.False(t, fsys.DoesExist("f.txt"))

	_, err = a.OpenFile("f.txt")
	assert.ErrorIs(t, err, common.ErrArchiveClosed)
}
