package page

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
)

// MetaSize is the number of meaningful bytes at the front of a meta page;
// the remainder of the page is zero-padded.
//
// Layout (little-endian):
//
//	[0:4)   magic
//	[4:8)   version
//	[8:12)  page_size
//	[12:16) reserved
//	[16:24) txid
//	[24:32) root page id
//	[32:40) freelist page id
//	[40:48) page_count
//	[48:56) reserved
//	[56:64) checksum (FNV-1a, excluded from its own coverage)
//	[64:72) checkpoint_lsn
//	[72:80) checkpoint_timestamp
//	[80:88) checkpoint_entry_count
const MetaSize = 88

// checksum covers [0, 56) and [64, 88); the 8-byte checksum field itself at
// [56, 64) is excluded.
const (
	checksumRangeAStart = 0
	checksumRangeAEnd   = 56
	checksumRangeBStart = 64
	checksumRangeBEnd   = MetaSize
)

var (
	ErrInvalidMagicNumber    = errors.New("thunder: invalid magic number")
	ErrInvalidVersion        = errors.New("thunder: unsupported format version")
	ErrInvalidPageSize       = errors.New("thunder: invalid page size in meta")
	ErrInvalidChecksum       = errors.New("thunder: meta checksum mismatch")
	ErrPageSizeMismatch      = errors.New("thunder: configured page size does not match meta")
	ErrBothMetaPagesInvalid  = errors.New("thunder: both meta pages failed validation")
)

// PageSizeMismatchError carries the expected/actual page sizes for
// diagnosis.
type PageSizeMismatchError struct {
	Expected Size
	Actual   Size
}

func (e *PageSizeMismatchError) Error() string {
	return "thunder: page size mismatch: expected " + e.Expected.String() + ", got " + e.Actual.String()
}

func (e *PageSizeMismatchError) Unwrap() error { return ErrPageSizeMismatch }

// Meta is the fixed-size metadata record stored in pages 0 and 1. Exactly
// one of the two on-disk copies is "current" at any time.
type Meta struct {
	Magic   uint32
	Version uint32
	PageSize Size
	Txid    uint64
	Root    ID // nonzero once the data section holds at least one entry
	Freelist ID
	PageCount uint64
	Checksum uint64

	CheckpointLSN         uint64
	CheckpointTimestamp   uint64
	CheckpointEntryCount  uint64
}

// New returns a fresh Meta for a newly created database file at the given
// page size and txid.
func New(pageSize Size, txid uint64) Meta {
	m := Meta{
		Magic:     MagicNumber,
		Version:   FormatVersion,
		PageSize:  pageSize,
		Txid:      txid,
		Root:      0,
		Freelist:  0,
		PageCount: FirstDataPageID.uint64(),
	}
	m.Checksum = m.computeChecksum()
	return m
}

func (id ID) uint64() uint64 { return uint64(id) }

// ToBytes serializes m into a page-sized buffer, zero-padded past MetaSize.
func (m *Meta) ToBytes(pageSize Size) []byte {
	buf := make([]byte, pageSize)
	m.encode(buf)
	return buf
}

func (m *Meta) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], m.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], m.Version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.PageSize))
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	binary.LittleEndian.PutUint64(buf[16:24], m.Txid)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.Root))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(m.Freelist))
	binary.LittleEndian.PutUint64(buf[40:48], m.PageCount)
	binary.LittleEndian.PutUint64(buf[48:56], 0)
	binary.LittleEndian.PutUint64(buf[56:64], m.Checksum)
	binary.LittleEndian.PutUint64(buf[64:72], m.CheckpointLSN)
	binary.LittleEndian.PutUint64(buf[72:80], m.CheckpointTimestamp)
	binary.LittleEndian.PutUint64(buf[80:88], m.CheckpointEntryCount)
}

// FromBytes deserializes a Meta from the first MetaSize bytes of buf.
func FromBytes(buf []byte) (Meta, error) {
	if len(buf) < MetaSize {
		return Meta{}, errors.New("thunder: short meta buffer")
	}
	m := Meta{
		Magic:                binary.LittleEndian.Uint32(buf[0:4]),
		Version:              binary.LittleEndian.Uint32(buf[4:8]),
		PageSize:             Size(binary.LittleEndian.Uint32(buf[8:12])),
		Txid:                 binary.LittleEndian.Uint64(buf[16:24]),
		Root:                 ID(binary.LittleEndian.Uint64(buf[24:32])),
		Freelist:             ID(binary.LittleEndian.Uint64(buf[32:40])),
		PageCount:            binary.LittleEndian.Uint64(buf[40:48]),
		Checksum:             binary.LittleEndian.Uint64(buf[56:64]),
		CheckpointLSN:        binary.LittleEndian.Uint64(buf[64:72]),
		CheckpointTimestamp:  binary.LittleEndian.Uint64(buf[72:80]),
		CheckpointEntryCount: binary.LittleEndian.Uint64(buf[80:88]),
	}
	return m, nil
}

// computeChecksum hashes the checksummed byte ranges with FNV-1a, the
// algorithm the file format fixes for meta pages.
func (m *Meta) computeChecksum() uint64 {
	buf := make([]byte, MetaSize)
	saved := m.Checksum
	m.Checksum = 0
	m.encode(buf)
	m.Checksum = saved

	h := fnv.New64a()
	h.Write(buf[checksumRangeAStart:checksumRangeAEnd])
	h.Write(buf[checksumRangeBStart:checksumRangeBEnd])
	return h.Sum64()
}

// Seal recomputes and stores the checksum; call before writing m to disk.
func (m *Meta) Seal() {
	m.Checksum = m.computeChecksum()
}

// Validate checks magic, version, page size membership, and checksum.
func (m *Meta) Validate() error {
	if m.Magic != MagicNumber {
		return ErrInvalidMagicNumber
	}
	if m.Version > FormatVersion {
		return ErrInvalidVersion
	}
	if !m.PageSize.Valid() {
		return ErrInvalidPageSize
	}
	if m.computeChecksum() != m.Checksum {
		return ErrInvalidChecksum
	}
	return nil
}

// ValidateWithPageSize validates m and additionally requires m.PageSize to
// equal expected.
func (m *Meta) ValidateWithPageSize(expected Size) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.PageSize != expected {
		return &PageSizeMismatchError{Expected: expected, Actual: m.PageSize}
	}
	return nil
}

// SelectCurrent returns whichever of meta0/meta1 validates and has the
// greater txid. If only one validates, it is current. If
// neither validates, ErrBothMetaPagesInvalid is returned.
func SelectCurrent(meta0, meta1 Meta) (Meta, int, error) {
	err0 := meta0.Validate()
	err1 := meta1.Validate()

	switch {
	case err0 == nil && err1 == nil:
		if meta1.Txid > meta0.Txid {
			return meta1, 1, nil
		}
		return meta0, 0, nil
	case err0 == nil:
		return meta0, 0, nil
	case err1 == nil:
		return meta1, 1, nil
	default:
		return Meta{}, -1, ErrBothMetaPagesInvalid
	}
}

// SlotFor returns the meta page slot (0 or 1) that the commit of txid
// writes to. Even txids write page 0, odd txids write
// page 1.
func SlotFor(txid uint64) int {
	return int(txid % 2)
}
