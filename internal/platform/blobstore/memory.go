package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

type storedObject struct {
	info    ObjectInfo
	content []byte
}

// MemoryStore keeps objects in a map. Used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

func (s *MemoryStore) Put(_ context.Context, p, contentType string, content io.Reader, upsert bool) (*ObjectInfo, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	data, err := readLimited(content)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", p, err)
	}

	sum := sha256.Sum256(data)
	info := ObjectInfo{
		Path:        p,
		ContentType: defaultContentType(contentType),
		Size:        int64(len(data)),
		SHA256:      hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[p]; ok && !upsert {
		return nil, ErrObjectExists
	}
	s.objects[p] = &storedObject{info: info, content: data}
	out := info
	return &out, nil
}

func (s *MemoryStore) Open(_ context.Context, p string) (io.ReadCloser, *ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[p]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	info := obj.info
	return io.NopCloser(bytes.NewReader(obj.content)), &info, nil
}

func (s *MemoryStore) Stat(_ context.Context, p string) (*ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[p]
	if !ok {
		return nil, ErrObjectNotFound
	}
	info := obj.info
	return &info, nil
}

func (s *MemoryStore) Exists(_ context.Context, p string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[p]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[p]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, p)
	return nil
}
