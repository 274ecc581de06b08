//go:build !linux && !darwin

package storage

import (
	"errors"

	"github.com/alexhholmes/thunder/internal/page"
)

// MMapStore is unavailable on this platform; callers should fall back to
// BufferedStore. Kept as a stub so the package still builds everywhere,
// selected by build tag on platforms without mmap support.
type MMapStore struct{}

func OpenMMap(path string, pageSize page.Size) (*MMapStore, error) {
	return nil, errors.New("thunder: mmap not supported on this platform")
}

func (s *MMapStore) ReadAt(offset int64, length int) ([]byte, error) { return nil, errUnsupported }
func (s *MMapStore) WriteAt(offset int64, data []byte) error         { return errUnsupported }
func (s *MMapStore) ReadPage(id page.ID) ([]byte, error)             { return nil, errUnsupported }
func (s *MMapStore) WritePage(id page.ID, data []byte) error         { return errUnsupported }
func (s *MMapStore) Sync() error                                     { return errUnsupported }
func (s *MMapStore) Remap() error                                    { return errUnsupported }
func (s *MMapStore) Size() (int64, error)                            { return 0, errUnsupported }
func (s *MMapStore) Close() error                                    { return errUnsupported }

var errUnsupported = errors.New("thunder: mmap not supported on this platform")
