package storage

import (
	"fmt"

	"github.com/alexhholmes/thunder/internal/cache"
	"github.com/alexhholmes/thunder/internal/page"
)

// BufferedStore serves reads through a sharded cache backed by ordinary
// ReadAt calls. The database falls back to it when the file cannot be
// memory-mapped.
type BufferedStore struct {
	baseStore
	cache *cache.Cache
}

// OpenBuffered opens path without mapping it, caching up to cacheCapacity
// pages' worth of reads.
func OpenBuffered(path string, pageSize page.Size, cacheCapacity int) (*BufferedStore, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	return &BufferedStore{
		baseStore: baseStore{file: f, pageSize: pageSize},
		cache:     cache.New(cacheCapacity),
	}, nil
}

// Remap is a no-op for the buffered backend; reads always go through the
// file descriptor (via the cache), so there is no mapping to refresh.
func (s *BufferedStore) Remap() error { return nil }

func (s *BufferedStore) ReadAt(offset int64, length int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil && n < length {
		return nil, fmt.Errorf("thunder: read at offset %d: %w", offset, err)
	}
	return buf, nil
}

func (s *BufferedStore) ReadPage(id page.ID) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		return data, nil
	}
	data, err := s.ReadAt(int64(id)*int64(s.pageSize), int(s.pageSize))
	if err != nil {
		return nil, err
	}
	s.cache.Put(id, data)
	return data, nil
}

// WritePage overrides baseStore's to invalidate the cached copy of id.
func (s *BufferedStore) WritePage(id page.ID, data []byte) error {
	if err := s.baseStore.WritePage(id, data); err != nil {
		return err
	}
	s.cache.Remove(id)
	return nil
}
