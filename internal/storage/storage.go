// Package storage implements the database file's I/O backends: a
// read-only memory mapping for reads plus positioned writes for commits
// and a buffered fallback backed by a read cache for
// platforms without mmap.
package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/alexhholmes/thunder/internal/page"
)

// Store is the positioned read/write surface the rest of the engine uses.
// Both MMapStore and BufferedStore implement it, and internal/overflow's
// Store interface is satisfied by either via ReadPage/WritePage.
type Store interface {
	ReadAt(offset int64, length int) ([]byte, error)
	WriteAt(offset int64, data []byte) error
	ReadPage(id page.ID) ([]byte, error)
	WritePage(id page.ID, data []byte) error
	Sync() error
	Remap() error
	Size() (int64, error)
	Close() error
}

// baseStore holds what both backends share: the open file handle and
// page size, plus positioned write/sync/size, which never need mmap.
type baseStore struct {
	mu       sync.RWMutex
	file     *os.File
	pageSize page.Size
}

func openFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("thunder: open database file %s: %w", path, err)
	}
	return f, nil
}

func (b *baseStore) WriteAt(offset int64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("thunder: write at offset %d: %w", offset, err)
	}
	return nil
}

func (b *baseStore) WritePage(id page.ID, data []byte) error {
	return b.WriteAt(int64(id)*int64(b.pageSize), data)
}

func (b *baseStore) Sync() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.file.Sync()
}

func (b *baseStore) Size() (int64, error) {
	info, err := b.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (b *baseStore) Close() error {
	return b.file.Close()
}
