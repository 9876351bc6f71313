package state

import (
	"errors"
	"strings"
)

// JSON-pointer handling per RFC 6901. Patch paths always start at the
// document root, so the empty pointer is rejected rather than treated as
// "whole document".

var errEmptyPointer = errors.New("empty pointer")

// EscapeSegment encodes one path segment for use inside a JSON pointer.
func EscapeSegment(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

// UnescapeSegment reverses EscapeSegment.
func UnescapeSegment(s string) string {
	s = strings.ReplaceAll(s, "~1", "/")
	return strings.ReplaceAll(s, "~0", "~")
}

// JoinPointer builds a JSON pointer from raw segments.
func JoinPointer(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(EscapeSegment(s))
	}
	return b.String()
}

// SplitPointer parses a JSON pointer into raw segments.
func SplitPointer(ptr string) ([]string, error) {
	if ptr == "" {
		return nil, errEmptyPointer
	}
	if ptr[0] != '/' {
		return nil, errors.New("pointer must start with '/'")
	}
	parts := strings.Split(ptr[1:], "/")
	segs := make([]string, len(parts))
	for i, p := range parts {
		segs[i] = UnescapeSegment(p)
	}
	return segs, nil
}
