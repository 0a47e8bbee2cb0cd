package vfs

import (
	"context"
	"net/http"
	"strconv"
	"testing"

	"github.com/beam-cloud/bigfs/internal/bigtest"
	"github.com/beam-cloud/bigfs/pkg/storage"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadArchivesOverHTTP(t *testing.T) {
	mockClient := &http.Client{}
	httpmock.ActivateNonDefault(mockClient)
	defer httpmock.DeactivateAndReset()

	const url = "http://cdn.test/patch.big"
	container := bigtest.Build(
		bigtest.File{Name: `Data\INI\GameData.ini`, Data: []byte("patched")},
		bigtest.File{Name: `Data\INI\Weapon.ini`, Data: []byte("weapons")},
	)

	httpmock.RegisterResponder("HEAD", url,
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewBytesResponse(http.StatusOK, nil)
			resp.Header.Set("Content-Length", strconv.Itoa(len(container)))
			return resp, nil
		})
	// Whole-object responses are sliced down to the requested chunk.
	httpmock.RegisterResponder("GET", url, httpmock.NewBytesResponder(http.StatusOK, container))

	dir := t.TempDir()
	base := bigtest.Write(t, dir, "base.big",
		bigtest.File{Name: `Data\INI\GameData.ini`, Data: []byte("original")},
		bigtest.File{Name: `Data\INI\Armor.ini`, Data: []byte("armor")},
	)

	fsys := newTestFS(t, nil)
	n, err := fsys.LoadArchives(context.Background(), []ArchiveSpec{
		{Path: base},
		{Overwrite: true, HTTP: &storage.HTTPSourceOpts{URL: url, ChunkSize: 8, HTTPClient: mockClient}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := fsys.ReadFile("data/ini/gamedata.ini")
	require.NoError(t, err)
	assert.Equal(t, "patched", string(data))

	data, err = fsys.ReadFile("data/ini/armor.ini")
	require.NoError(t, err)
	assert.Equal(t, "armor", string(data))

	info, err := fsys.Stat("data/ini/weapon.ini")
	require.NoError(t, err)
	assert.Equal(t, "patch.big", info.Archive)
}
