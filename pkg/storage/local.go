package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/beam-cloud/bigfs/pkg/common"
)

type LocalSource struct {
	path       string
	size       int64
	fileHandle *os.File
	closeOnce  sync.Once
}

func NewLocalSource(path string) (*LocalSource, error) {
	fileHandle, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := fileHandle.Stat()
	if err != nil {
		fileHandle.Close()
		return nil, err
	}

	if fi.IsDir() {
		fileHandle.Close()
		return nil, fmt.Errorf("%s is a directory: %w", path, common.ErrNotFound)
	}

	return &LocalSource{
		path:       path,
		size:       fi.Size(),
		fileHandle: fileHandle,
	}, nil
}

func (s *LocalSource) ReadAt(dest []byte, off int64) (int, error) {
	return s.fileHandle.ReadAt(dest, off)
}

func (s *LocalSource) Size() int64 {
	return s.size
}

func (s *LocalSource) Name() string {
	return s.path
}

func (s *LocalSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.fileHandle.Close()
	})
	return err
}
