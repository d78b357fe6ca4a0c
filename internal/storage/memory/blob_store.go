package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// BlobStore keeps archived objects in memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string]object
}

type object struct {
	contentType string
	body        []byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string]object)}
}

// PutObject persists a copy of the content and returns its URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = object{contentType: contentType, body: body}
	return "memory://" + path, nil
}

// Object returns the stored body and content type for path.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.data[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.body...), obj.contentType, true
}
