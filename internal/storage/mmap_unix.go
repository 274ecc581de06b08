//go:build linux || darwin

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/alexhholmes/thunder/internal/page"
)

// MMapStore maps the database file read-only and serves reads directly
// from the mapping; writes go through positioned pwrite calls.
type MMapStore struct {
	baseStore
	data []byte
}

// OpenMMap opens path and maps its current contents read-only.
func OpenMMap(path string, pageSize page.Size) (*MMapStore, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}

	s := &MMapStore{baseStore: baseStore{file: f, pageSize: pageSize}}
	if err := s.mapCurrent(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *MMapStore) mapCurrent() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		s.data = nil
		return nil
	}

	data, err := unix.Mmap(int(s.file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("thunder: mmap: %w", err)
	}
	s.data = data
	return nil
}

// Remap unmaps and remaps the file, called after the file has grown.
func (s *MMapStore) Remap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return fmt.Errorf("thunder: munmap: %w", err)
		}
		s.data = nil
	}
	return s.mapCurrent()
}

// ReadAt returns a slice of the mapping covering [offset, offset+length).
func (s *MMapStore) ReadAt(offset int64, length int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset < 0 || offset+int64(length) > int64(len(s.data)) {
		return nil, fmt.Errorf("thunder: read [%d:%d) out of bounds (mapped %d bytes)", offset, offset+int64(length), len(s.data))
	}
	out := make([]byte, length)
	copy(out, s.data[offset:offset+int64(length)])
	return out, nil
}

func (s *MMapStore) ReadPage(id page.ID) ([]byte, error) {
	return s.ReadAt(int64(id)*int64(s.pageSize), int(s.pageSize))
}

// Close unmaps the file before closing it.
func (s *MMapStore) Close() error {
	s.mu.Lock()
	if s.data != nil {
		_ = unix.Munmap(s.data)
		s.data = nil
	}
	s.mu.Unlock()
	return s.baseStore.Close()
}
