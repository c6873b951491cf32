package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore keeps archived page bodies in memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]blob
}

type blob struct {
	contentType string
	data        []byte
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]blob)}
}

// PutObject reads data fully and stores it under path, replacing any previous object.
func (s *BlobStore) PutObject(_ context.Context, path, contentType string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}
	s.mu.Lock()
	s.objects[path] = blob{contentType: contentType, data: body}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Object returns a copy of the stored body and its content type.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), b.data...), b.contentType, true
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
