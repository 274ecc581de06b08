// Package iobackend defines the optional IoBackend plug-in contract
// for alternate I/O strategies, plus a DirectIOBackend
// implementation. Neither is on the commit/read path (which uses
// internal/storage's mmap + pwrite), and no database option selects them;
// the package is exercised only by its own tests.
package iobackend

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/alexhholmes/thunder/internal/page"
)

// ErrAlignment is returned when a backend is asked for direct I/O it
// cannot serve with block-aligned transfers.
var ErrAlignment = errors.New("thunder: buffer not aligned for direct i/o")

// WriteOp is one page write requested of a backend.
type WriteOp struct {
	ID   page.ID
	Data []byte
}

// ReadOp is one page read requested of a backend.
type ReadOp struct {
	ID page.ID
}

// ReadResult is the outcome of one ReadOp.
type ReadResult struct {
	Data []byte
	Err  error
}

// Backend is the pluggable I/O contract: batched writes/reads, an
// explicit sync, and capability hints the caller can use to size batches.
type Backend interface {
	WriteBatch(ops []WriteOp) error
	ReadBatch(ops []ReadOp) []ReadResult
	Sync() error
	SupportsParallel() bool
	OptimalBatchSize() int
}

// alignment is the block size DirectIOBackend aligns buffers to. Real
// O_DIRECT usage additionally requires the underlying file offset and
// length to be multiples of the device's logical block size; 4096 covers
// the overwhelming majority of block devices.
const alignment = 4096

// DirectIOBackend writes and reads whole pages through page-aligned
// scratch buffers, one allocated per operation. The file is opened
// without O_DIRECT, so transfers still pass through the operating
// system's page cache.
type DirectIOBackend struct {
	file     *os.File
	pageSize page.Size
}

// NewDirectIOBackend opens path for page-aligned access. The page
// size must be a multiple of the block alignment; anything else would put
// every transfer's offset and length off a block boundary.
func NewDirectIOBackend(path string, pageSize page.Size) (*DirectIOBackend, error) {
	if pageSize == 0 || int(pageSize)%alignment != 0 {
		return nil, fmt.Errorf("%w: page size %d is not a multiple of %d", ErrAlignment, pageSize, alignment)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	return &DirectIOBackend{file: f, pageSize: pageSize}, nil
}

func alignedBuffer(size int) []byte {
	buf := make([]byte, size+alignment)
	offset := 0
	if rem := int(uintptr(unsafe.Pointer(&buf[0])) % alignment); rem != 0 {
		offset = alignment - rem
	}
	return buf[offset : offset+size]
}

func (d *DirectIOBackend) WriteBatch(ops []WriteOp) error {
	for _, op := range ops {
		buf := alignedBuffer(int(d.pageSize))
		copy(buf, op.Data)
		if _, err := d.file.WriteAt(buf, int64(op.ID)*int64(d.pageSize)); err != nil {
			return err
		}
	}
	return nil
}

func (d *DirectIOBackend) ReadBatch(ops []ReadOp) []ReadResult {
	results := make([]ReadResult, len(ops))
	for i, op := range ops {
		buf := alignedBuffer(int(d.pageSize))
		_, err := d.file.ReadAt(buf, int64(op.ID)*int64(d.pageSize))
		results[i] = ReadResult{Data: buf, Err: err}
	}
	return results
}

func (d *DirectIOBackend) Sync() error { return d.file.Sync() }

// SupportsParallel is true: batched direct reads/writes have no shared
// in-process state that serializes them (unlike the mmap backend's
// single read-only mapping, which is remapped under a lock on growth).
func (d *DirectIOBackend) SupportsParallel() bool { return true }

// OptimalBatchSize is a modest default; callers with more device-specific
// knowledge can batch larger.
func (d *DirectIOBackend) OptimalBatchSize() int { return 64 }

func (d *DirectIOBackend) Close() error { return d.file.Close() }
