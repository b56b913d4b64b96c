// Package memory keeps blobs in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/collectord/internal/storage"
)

// BlobStore stores objects in a map and returns memory:// URIs.
type BlobStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	types map[string]string
}

// NewBlobStore creates an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: map[string][]byte{}, types: map[string]string{}}
}

// PutObject stores a copy of data.
func (s *BlobStore) PutObject(_ context.Context, objectPath, contentType string, data []byte) (string, error) {
	p, err := storage.CleanPath(objectPath)
	if err != nil {
		return "", fmt.Errorf("put %q: %w", objectPath, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[p] = append([]byte(nil), data...)
	s.types[p] = contentType
	return "memory://" + p, nil
}

// Object returns a stored object and its content type.
func (s *BlobStore) Object(objectPath string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[objectPath]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), data...), s.types[objectPath], true
}

// Paths lists stored object paths in sorted order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for p := range s.data {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
