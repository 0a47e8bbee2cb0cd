package common

import "errors"

var (
	ErrFileHeaderMismatch = errors.New("unexpected file header")
	ErrNotFound           = errors.New("file not found")
	ErrCorrupt            = errors.New("corrupt data")
	ErrShortBuffer        = errors.New("destination buffer too small")
	ErrUnsupportedCodec   = errors.New("unsupported codec")
	ErrAccessDenied       = errors.New("access denied")
	ErrClosed             = errors.New("file already closed")
	ErrArchiveClosed      = errors.New("archive closed")
)
