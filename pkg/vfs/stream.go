package vfs

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/beam-cloud/bigfs/pkg/metrics"
)

// Stream is one open read cursor into the overlay. Each Open returns an
// independent Stream; callers must Close it. Close is idempotent and every
// other call on a closed stream fails with common.ErrClosed.
type Stream interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.Seeker
	io.Closer
	Size() int64
	Name() string
	Source() common.SourceKind
}

var errNegativePosition = errors.New("seek to negative position")

// archiveStream is a read-only view of one archive entry. Reads and seeks
// never leave the entry's byte range.
type archiveStream struct {
	name    string
	r       *io.SectionReader
	metrics *metrics.Metrics
	closed  atomic.Bool
}

func newArchiveStream(name string, r *io.SectionReader, m *metrics.Metrics) *archiveStream {
	return &archiveStream{name: name, r: r, metrics: m}
}

func (s *archiveStream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, common.ErrClosed
	}
	n, err := s.r.Read(p)
	s.metrics.RecordRead(string(common.SourceArchive), int64(n))
	return n, err
}

func (s *archiveStream) ReadAt(p []byte, off int64) (int, error) {
	if s.closed.Load() {
		return 0, common.ErrClosed
	}
	n, err := s.r.ReadAt(p, off)
	s.metrics.RecordRead(string(common.SourceArchive), int64(n))
	return n, err
}

func (s *archiveStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, common.ErrClosed
	}
	return 0, fmt.Errorf("%s is stored in an archive: %w", s.name, common.ErrAccessDenied)
}

func (s *archiveStream) Seek(offset int64, whence int) (int64, error) {
	if s.closed.Load() {
		return 0, common.ErrClosed
	}

	cur, _ := s.r.Seek(0, io.SeekCurrent)
	pos, err := resolveSeek(cur, s.r.Size(), offset, whence)
	if err != nil {
		return cur, err
	}
	return s.r.Seek(pos, io.SeekStart)
}

func (s *archiveStream) Size() int64 {
	return s.r.Size()
}

func (s *archiveStream) Name() string {
	return s.name
}

func (s *archiveStream) Source() common.SourceKind {
	return common.SourceArchive
}

func (s *archiveStream) Close() error {
	s.closed.Store(true)
	return nil
}

// resolveSeek computes a new position clamped to [0, size].
func resolveSeek(cur, size, offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = cur + offset
	case io.SeekEnd:
		pos = size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	if pos < 0 {
		return 0, errNegativePosition
	}
	if pos > size {
		pos = size
	}
	return pos, nil
}

// diskStream wraps a loose file opened through the disk layer.
type diskStream struct {
	name    string
	f       RawFile
	mode    common.AccessMode
	metrics *metrics.Metrics
	closed  atomic.Bool
}

func newDiskStream(name string, f RawFile, mode common.AccessMode, m *metrics.Metrics) *diskStream {
	return &diskStream{name: name, f: f, mode: mode, metrics: m}
}

func (s *diskStream) check(allowed bool) error {
	if s.closed.Load() || s.f == nil {
		return common.ErrClosed
	}
	if !allowed {
		return fmt.Errorf("%s opened %s: %w", s.name, s.mode, common.ErrAccessDenied)
	}
	return nil
}

func (s *diskStream) Read(p []byte) (int, error) {
	if err := s.check(s.mode.CanRead()); err != nil {
		return 0, err
	}
	n, err := s.f.Read(p)
	s.metrics.RecordRead(string(common.SourceDisk), int64(n))
	return n, err
}

func (s *diskStream) ReadAt(p []byte, off int64) (int, error) {
	if err := s.check(s.mode.CanRead()); err != nil {
		return 0, err
	}
	n, err := s.f.ReadAt(p, off)
	s.metrics.RecordRead(string(common.SourceDisk), int64(n))
	return n, err
}

func (s *diskStream) Write(p []byte) (int, error) {
	if err := s.check(s.mode.CanWrite()); err != nil {
		return 0, err
	}
	return s.f.Write(p)
}

func (s *diskStream) Seek(offset int64, whence int) (int64, error) {
	if err := s.check(true); err != nil {
		return 0, err
	}
	return s.f.Seek(offset, whence)
}

// Size reports the current length of the file, or -1 if it is closed or
// cannot be stat'd.
func (s *diskStream) Size() int64 {
	if s.closed.Load() || s.f == nil {
		return -1
	}
	fi, err := s.f.Stat()
	if err != nil {
		return -1
	}
	return fi.Size()
}

func (s *diskStream) Name() string {
	return s.name
}

func (s *diskStream) Source() common.SourceKind {
	return common.SourceDisk
}

func (s *diskStream) Close() error {
	if s.closed.Swap(true) || s.f == nil {
		return nil
	}
	return s.f.Close()
}
