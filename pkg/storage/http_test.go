package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"testing"

	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCDNURL = "http://cdn.test/generals/INI.big"

// registerCDNObject serves data at testCDNURL. When honourRange is false the
// server always answers with the whole object.
func registerCDNObject(data []byte, honourRange bool) {
	httpmock.RegisterResponder("HEAD", testCDNURL,
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewBytesResponse(http.StatusOK, nil)
			resp.Header.Set("Content-Length", strconv.Itoa(len(data)))
			return resp, nil
		})

	httpmock.RegisterResponder("GET", testCDNURL,
		func(req *http.Request) (*http.Response, error) {
			m := rangePattern.FindStringSubmatch(req.Header.Get("Range"))
			if m == nil || !honourRange {
				return httpmock.NewBytesResponse(http.StatusOK, data), nil
			}

			start, _ := strconv.Atoi(m[1])
			end, _ := strconv.Atoi(m[2])
			if end >= len(data) {
				end = len(data) - 1
			}

			resp := httpmock.NewBytesResponse(http.StatusPartialContent, data[start:end+1])
			resp.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
			return resp, nil
		})
}

func testCDNData() []byte {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestHTTPSourceReadsAcrossChunks(t *testing.T) {
	mockClient := &http.Client{}
	httpmock.ActivateNonDefault(mockClient)
	defer httpmock.DeactivateAndReset()

	data := testCDNData()
	registerCDNObject(data, true)

	src, err := NewHTTPSource(context.Background(), HTTPSourceOpts{
		URL:        testCDNURL,
		ChunkSize:  16,
		HTTPClient: mockClient,
	})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, int64(100), src.Size())
	assert.Equal(t, testCDNURL, src.Name())

	// 10..39 spans chunks 0, 1 and 2.
	buf := make([]byte, 30)
	n, err := src.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 30, n)
	assert.Equal(t, data[10:40], buf)
	assert.Equal(t, 3, httpmock.GetCallCountInfo()["GET "+testCDNURL])

	src.chunks.Wait()

	// Served from cached chunks.
	buf = make([]byte, 8)
	_, err = src.ReadAt(buf, 20)
	require.NoError(t, err)
	assert.Equal(t, data[20:28], buf)
	assert.Equal(t, 3, httpmock.GetCallCountInfo()["GET "+testCDNURL])

	// The last chunk is short.
	buf = make([]byte, 10)
	n, err = src.ReadAt(buf, 96)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 4, n)
	assert.Equal(t, data[96:], buf[:n])

	_, err = src.ReadAt(buf, 100)
	assert.ErrorIs(t, err, io.EOF)
}

func TestHTTPSourceServerIgnoresRange(t *testing.T) {
	mockClient := &http.Client{}
	httpmock.ActivateNonDefault(mockClient)
	defer httpmock.DeactivateAndReset()

	data := testCDNData()
	registerCDNObject(data, false)

	src, err := NewHTTPSource(context.Background(), HTTPSourceOpts{
		URL:        testCDNURL,
		ChunkSize:  32,
		HTTPClient: mockClient,
	})
	require.NoError(t, err)
	defer src.Close()

	buf := make([]byte, 12)
	_, err = src.ReadAt(buf, 40)
	require.NoError(t, err)
	assert.Equal(t, data[40:52], buf)
}

func TestHTTPSourceSendsHeaders(t *testing.T) {
	mockClient := &http.Client{}
	httpmock.ActivateNonDefault(mockClient)
	defer httpmock.DeactivateAndReset()

	var seen []string
	httpmock.RegisterResponder("HEAD", testCDNURL,
		func(req *http.Request) (*http.Response, error) {
			seen = append(seen, req.Header.Get("Authorization"))
			resp := httpmock.NewBytesResponse(http.StatusOK, nil)
			resp.Header.Set("Content-Length", "4")
			return resp, nil
		})

	src, err := NewHTTPSource(context.Background(), HTTPSourceOpts{
		URL:        testCDNURL,
		Headers:    map[string]string{"Authorization": "Bearer abc"},
		HTTPClient: mockClient,
	})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, []string{"Bearer abc"}, seen)
}

func TestHTTPSourceErrors(t *testing.T) {
	mockClient := &http.Client{}
	httpmock.ActivateNonDefault(mockClient)
	defer httpmock.DeactivateAndReset()

	_, err := NewHTTPSource(context.Background(), HTTPSourceOpts{HTTPClient: mockClient})
	require.Error(t, err)

	httpmock.RegisterResponder("HEAD", testCDNURL, httpmock.NewStringResponder(http.StatusNotFound, ""))
	_, err = NewHTTPSource(context.Background(), HTTPSourceOpts{URL: testCDNURL, HTTPClient: mockClient})
	assert.ErrorIs(t, err, common.ErrNotFound)

	httpmock.RegisterResponder("HEAD", testCDNURL,
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewBytesResponse(http.StatusOK, nil)
			resp.Header.Set("Content-Length", "64")
			return resp, nil
		})
	httpmock.RegisterResponder("GET", testCDNURL, httpmock.NewStringResponder(http.StatusForbidden, ""))

	src, err := NewHTTPSource(context.Background(), HTTPSourceOpts{URL: testCDNURL, HTTPClient: mockClient})
	require.NoError(t, err)
	defer src.Close()

	_, err = src.ReadAt(make([]byte, 4), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
