package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/beam-cloud/ristretto"
	"github.com/rs/zerolog/log"
)

const (
	defaultChunkSize      = 4 << 20
	defaultChunkCacheCost = 256 << 20
)

// HTTPSourceOpts points at a container served over plain HTTP, typically a
// CDN. The server must honour Range requests.
type HTTPSourceOpts struct {
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	ChunkSize int64             `yaml:"chunk_size"`

	// CacheMaxCost bounds fetched chunks held in memory, in bytes.
	CacheMaxCost int64 `yaml:"cache_max_cost"`

	HTTPClient *http.Client `yaml:"-"`
}

// HTTPSource reads a remote container in fixed-size chunks and keeps
// recently used chunks in memory.
type HTTPSource struct {
	url       string
	headers   map[string]string
	size      int64
	chunkSize int64
	client    *http.Client
	chunks    *ristretto.Cache[string, []byte]
	closeOnce sync.Once
}

func NewHTTPSource(ctx context.Context, opts HTTPSourceOpts) (*HTTPSource, error) {
	if opts.URL == "" {
		return nil, errors.New("url is required")
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	maxCost := opts.CacheMaxCost
	if maxCost <= 0 {
		maxCost = defaultChunkCacheCost
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	s := &HTTPSource{
		url:       opts.URL,
		headers:   opts.Headers,
		chunkSize: chunkSize,
		client:    client,
	}

	size, err := s.getFileSize(ctx)
	if err != nil {
		return nil, err
	}
	s.size = size

	chunks, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	s.chunks = chunks

	log.Debug().Str("url", s.url).Int64("size", size).Int64("chunk_size", chunkSize).Msg("opened http source")
	return s, nil
}

func (s *HTTPSource) newRequest(ctx context.Context, method string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (s *HTTPSource) getFileSize(ctx context.Context) (int64, error) {
	req, err := s.newRequest(ctx, http.MethodHead)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%s: %w", s.url, common.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("unexpected status code %d when probing %s", resp.StatusCode, s.url)
	}

	if resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size < 0 {
		return 0, errors.New("object size unknown")
	}
	return size, nil
}

func (s *HTTPSource) ReadAt(dest []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= s.size {
		return 0, io.EOF
	}

	want := dest
	if remaining := s.size - off; int64(len(want)) > remaining {
		want = want[:remaining]
	}

	total := 0
	for total < len(want) {
		pos := off + int64(total)
		index := pos / s.chunkSize

		chunk, err := s.readChunk(index)
		if err != nil {
			return total, err
		}

		start := pos - index*s.chunkSize
		if start >= int64(len(chunk)) {
			return total, io.ErrUnexpectedEOF
		}
		total += copy(want[total:], chunk[start:])
	}

	return total, shortRead(total, len(dest))
}

func (s *HTTPSource) readChunk(index int64) ([]byte, error) {
	key := fmt.Sprintf("%s#%d", s.url, index)
	if chunk, ok := s.chunks.Get(key); ok {
		return chunk, nil
	}

	start := index * s.chunkSize
	end := min(start+s.chunkSize, s.size) - 1

	req, err := s.newRequest(context.Background(), http.MethodGet)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chunk []byte
	switch resp.StatusCode {
	case http.StatusPartialContent:
		chunk = make([]byte, end-start+1)
		n, err := io.ReadFull(resp.Body, chunk)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		chunk = chunk[:n]
	case http.StatusOK:
		// Server ignored the range and sent the whole object.
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if int64(len(body)) <= start {
			return nil, io.ErrUnexpectedEOF
		}
		chunk = body[start:min(end+1, int64(len(body)))]
	default:
		return nil, fmt.Errorf("unexpected status code %d when fetching chunk %d of %s", resp.StatusCode, index, s.url)
	}

	s.chunks.Set(key, chunk, int64(len(chunk)))
	return chunk, nil
}

func (s *HTTPSource) Size() int64 {
	return s.size
}

func (s *HTTPSource) Name() string {
	return s.url
}

func (s *HTTPSource) Close() error {
	s.closeOnce.Do(func() {
		s.chunks.Close()
	})
	return nil
}
