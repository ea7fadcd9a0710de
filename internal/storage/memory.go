package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStorage keeps artifacts in process. It stands in for a real bucket in
// local runs; URLs point at a placeholder host unless a public URL is configured.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	baseURL string
}

type memoryObject struct {
	body        []byte
	contentType string
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage(bucket, publicURL string) *MemoryStorage {
	baseURL := fmt.Sprintf("http://s3.dummy.url/%s", bucket)
	if publicURL != "" {
		baseURL = strings.TrimSuffix(publicURL, "/")
	}
	return &MemoryStorage{objects: make(map[string]memoryObject), baseURL: baseURL}
}

func (s *MemoryStorage) EnsureBucket(context.Context) error { return nil }

func (s *MemoryStorage) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	buf := make([]byte, len(body))
	copy(buf, body)

	s.mu.Lock()
	s.objects[key] = memoryObject{body: buf, contentType: contentType}
	s.mu.Unlock()

	return s.GetURL(key), nil
}

func (s *MemoryStorage) GetURL(key string) string {
	return s.baseURL + "/" + key
}

// Object returns a stored object's bytes and content type.
func (s *MemoryStorage) Object(key string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj.body, obj.contentType, ok
}
