package common

import "strings"

// AccessMode describes how a stream was opened.
type AccessMode uint8

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

func (m AccessMode) CanRead() bool  { return m&AccessRead != 0 }
func (m AccessMode) CanWrite() bool { return m&AccessWrite != 0 }

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "readwrite"
	default:
		return "none"
	}
}

// SourceKind identifies where the bytes of an open stream live.
type SourceKind string

const (
	SourceArchive SourceKind = "archive"
	SourceDisk    SourceKind = "disk"
)

// NormalizePath turns a logical asset path into its lookup key: both
// separators become '/', segments are lowercased, and empty or "."
// segments are dropped.
func NormalizePath(p string) string {
	return strings.ToLower(CleanPath(p))
}

// CleanPath is NormalizePath without the case folding.
func CleanPath(p string) string {
	if p == "" {
		return ""
	}
	return strings.Join(SplitPath(p), "/")
}

// SplitPath splits a path on either separator, dropping empty and "."
// segments.
func SplitPath(p string) []string {
	fields := strings.FieldsFunc(p, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	out := fields[:0]
	for _, f := range fields {
		if f == "." {
			continue
		}
		out = append(out, f)
	}
	return out
}
