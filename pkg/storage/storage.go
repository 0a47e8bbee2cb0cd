package storage

import (
	"context"
	"errors"
	"io"
)

// Source is random access to the raw bytes of one container.
type Source interface {
	io.ReaderAt
	Size() int64
	Name() string
	Close() error
}

type SourceOpts struct {
	ArchivePath string
	S3          *S3SourceOpts
	HTTP        *HTTPSourceOpts
}

func NewSource(ctx context.Context, opts SourceOpts) (Source, error) {
	var source Source = nil
	var err error = nil

	switch {
	case opts.S3 != nil:
		source, err = NewS3Source(ctx, *opts.S3)
	case opts.HTTP != nil:
		source, err = NewHTTPSource(ctx, *opts.HTTP)
	case opts.ArchivePath != "":
		source, err = NewLocalSource(opts.ArchivePath)
	default:
		err = errors.New("no archive path or remote location provided")
	}

	if err != nil {
		return nil, err
	}

	return source, nil
}
