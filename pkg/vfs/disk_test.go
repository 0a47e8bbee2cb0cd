package vfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLocalDiskEnumerate(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"maps/a.map", "maps/b.MAP", "maps/notes.txt", "maps/sub/c.map"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(p), 0644))
	}

	disk := NewLocalDisk(root)

	paths, err := disk.Enumerate("maps", "*.map", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"maps/a.map", "maps/b.MAP"}, paths)

	paths, err = disk.Enumerate(`maps\`, "*.map", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"maps/a.map", "maps/b.MAP", "maps/sub/c.map"}, paths)

	paths, err = disk.Enumerate("missing", "*", true)
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = disk.Enumerate("../", "*", true)
	assert.ErrorIs(t, err, common.ErrAccessDenied)
}

func TestLocalDiskEnumerateSkipsNonRegular(t *testing.T) {
	root := t.TempDir()
	maps := filepath.Join(root, "maps")
	require.NoError(t, os.MkdirAll(filepath.Join(maps, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(maps, "a.map"), []byte("a"), 0644))

	require.NoError(t, unix.Mkfifo(filepath.Join(maps, "pipe.map"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(maps, "a.map"), filepath.Join(maps, "link.map")))
	require.NoError(t, os.Symlink(filepath.Join(maps, "sub"), filepath.Join(maps, "dir.map")))
	require.NoError(t, os.Symlink(filepath.Join(maps, "gone"), filepath.Join(maps, "dangling.map")))

	disk := NewLocalDisk(root)

	paths, err := disk.Enumerate("maps", "*.map", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"maps/a.map", "maps/link.map"}, paths)

	paths, err = disk.Enumerate("maps", "*.map", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"maps/a.map", "maps/link.map"}, paths)
}

func TestLocalDiskOpenModes(t *testing.T) {
	root := t.TempDir()
	disk := NewLocalDisk(root)

	f, err := disk.OpenRaw("rw.bin", common.AccessReadWrite)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	require.NoError(t, f.Close())

	f, err = disk.OpenRaw("rw.bin", common.AccessWrite)
	require.NoError(t, err)
	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(0), fi.Size(), "write mode truncates")
	f.Close()

	_, err = disk.OpenRaw("rw.bin", 0)
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	require.NoError(t, disk.CreateDirectory("a/b"))
	assert.True(t, disk.Exists("a/b"))
	_, err = disk.OpenRaw("a/b", common.AccessRead)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestResolveSeek(t *testing.T) {
	testCases := []struct {
		cur, offset int64
		whence      int
		want        int64
		wantErr     bool
	}{
		{0, 5, io.SeekStart, 5, false},
		{5, 3, io.SeekCurrent, 8, false},
		{5, -5, io.SeekCurrent, 0, false},
		{0, -4, io.SeekEnd, 6, false},
		{0, 4, io.SeekEnd, 10, false},
		{0, 11, io.SeekStart, 10, false},
		{2, -3, io.SeekCurrent, 0, true},
		{0, 0, 42, 0, true},
	}

	for _, tc := range testCases {
		pos, err := resolveSeek(tc.cur, 10, tc.offset, tc.whence)
		if tc.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, pos)
	}
}
