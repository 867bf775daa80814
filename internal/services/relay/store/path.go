package store

import "strings"

// SplitPath validates path and returns its segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	segments := strings.Split(path, "/")
	for _, segment := range segments {
		if segment == "" || strings.ContainsAny(segment, "\"\\") {
			return nil, ErrInvalidPath
		}
	}
	return segments, nil
}

// JoinPath is the inverse of SplitPath.
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}
