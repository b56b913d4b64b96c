// Package storage defines the blob store used to archive structured records.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
)

// ErrInvalidPath rejects empty, absolute or parent-escaping object paths.
var ErrInvalidPath = errors.New("invalid object path")

// BlobStore writes whole objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, objectPath, contentType string, data []byte) (string, error)
}

// CleanPath normalizes an object path to slash form without a leading
// slash.
func CleanPath(objectPath string) (string, error) {
	p := strings.TrimSpace(objectPath)
	if p == "" || strings.HasPrefix(p, "/") {
		return "", ErrInvalidPath
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", ErrInvalidPath
	}
	return p, nil
}
