// Package overflow writes and reads chained overflow pages for values too
// large to store inline in the data section, and encodes/decodes the
// inline-vs-overflow value field discriminator.
package overflow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/alexhholmes/thunder/internal/page"
)

// HeaderSize is the fixed 24-byte overflow page header:
// next_page(8) || data_len(4) || flags(4) || crc32(4) || reserved(4).
const HeaderSize = 24

// RefSize is the encoded size of an OverflowRef: start_page(8) || total_len(4).
const RefSize = 12

// OverflowMarker is written in place of an inline value_len when the value
// field holds an OverflowRef instead. Only values shorter than the
// overflow threshold are stored inline, so no inline length reaches this
// value and a reader can distinguish it before treating the field as a
// byte count.
const OverflowMarker uint32 = 0xFFFFFFFF

// MaxChainLength is the longest permitted overflow chain.
const MaxChainLength = 1_048_576

var (
	ErrChainTooLong    = errors.New("thunder: overflow chain exceeds MAX_CHAIN_LENGTH")
	ErrOverflowCRC     = errors.New("thunder: overflow page checksum mismatch")
	ErrShortPage       = errors.New("thunder: overflow page shorter than header")
)

// Ref is the 12-byte on-disk pointer to an overflow chain.
type Ref struct {
	StartPage page.ID
	TotalLen  uint32
}

func (r Ref) Encode() []byte {
	buf := make([]byte, RefSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.StartPage))
	binary.LittleEndian.PutUint32(buf[8:12], r.TotalLen)
	return buf
}

func DecodeRef(buf []byte) (Ref, error) {
	if len(buf) < RefSize {
		return Ref{}, fmt.Errorf("thunder: short overflow ref: %d bytes", len(buf))
	}
	return Ref{
		StartPage: page.ID(binary.LittleEndian.Uint64(buf[0:8])),
		TotalLen:  binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

type header struct {
	NextPage page.ID
	DataLen  uint32
	Flags    uint32
	CRC32    uint32
}

func encodeHeader(h header, payload []byte, pageSize page.Size) []byte {
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.NextPage))
	binary.LittleEndian.PutUint32(buf[8:12], h.DataLen)
	binary.LittleEndian.PutUint32(buf[12:16], h.Flags)
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC32)
	binary.LittleEndian.PutUint32(buf[20:24], 0)
	copy(buf[HeaderSize:], payload)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, ErrShortPage
	}
	return header{
		NextPage: page.ID(binary.LittleEndian.Uint64(buf[0:8])),
		DataLen:  binary.LittleEndian.Uint32(buf[8:12]),
		Flags:    binary.LittleEndian.Uint32(buf[12:16]),
		CRC32:    binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// Allocator supplies page IDs for new overflow pages, consulting the
// freelist before growing the file.
type Allocator interface {
	Allocate() page.ID
}

// Store is the storage surface the overflow manager needs: positioned
// page reads and writes. Both the mmap and buffered backends in
// internal/storage implement it.
type Store interface {
	ReadPage(id page.ID) ([]byte, error)
	WritePage(id page.ID, data []byte) error
}

// Manager writes and reads overflow chains against a Store.
type Manager struct {
	pageSize page.Size
	store    Store
	alloc    Allocator
}

func New(pageSize page.Size, store Store, alloc Allocator) *Manager {
	return &Manager{pageSize: pageSize, store: store, alloc: alloc}
}

func (m *Manager) capacityPerPage() int {
	return int(m.pageSize) - HeaderSize
}

// WriteChain splits data across one or more overflow pages and returns a
// Ref describing the chain.
func (m *Manager) WriteChain(data []byte) (Ref, error) {
	cap := m.capacityPerPage()
	numPages := (len(data) + cap - 1) / cap
	if numPages == 0 {
		numPages = 1
	}
	if numPages > MaxChainLength {
		return Ref{}, ErrChainTooLong
	}

	ids := make([]page.ID, numPages)
	for i := range ids {
		ids[i] = m.alloc.Allocate()
	}

	for i := 0; i < numPages; i++ {
		start := i * cap
		end := start + cap
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		var next page.ID
		if i < numPages-1 {
			next = ids[i+1]
		}

		h := header{
			NextPage: next,
			DataLen:  uint32(len(chunk)),
			CRC32:    crc32.ChecksumIEEE(chunk),
		}
		buf := encodeHeader(h, chunk, m.pageSize)
		if err := m.store.WritePage(ids[i], buf); err != nil {
			return Ref{}, fmt.Errorf("thunder: write overflow page %d: %w", ids[i], err)
		}
	}

	return Ref{StartPage: ids[0], TotalLen: uint32(len(data))}, nil
}

// ReadChain walks the chain starting at ref.StartPage, validating each
// page's CRC32, and returns the concatenated payload.
func (m *Manager) ReadChain(ref Ref) ([]byte, error) {
	out := make([]byte, 0, ref.TotalLen)
	id := ref.StartPage
	chainLen := 0

	for {
		chainLen++
		if chainLen > MaxChainLength {
			return nil, ErrChainTooLong
		}

		buf, err := m.store.ReadPage(id)
		if err != nil {
			return nil, fmt.Errorf("thunder: read overflow page %d: %w", id, err)
		}
		h, err := decodeHeader(buf)
		if err != nil {
			return nil, err
		}
		if int(HeaderSize)+int(h.DataLen) > len(buf) {
			return nil, ErrShortPage
		}
		payload := buf[HeaderSize : HeaderSize+int(h.DataLen)]
		if crc32.ChecksumIEEE(payload) != h.CRC32 {
			return nil, fmt.Errorf("%w: page %d", ErrOverflowCRC, id)
		}
		out = append(out, payload...)

		if h.NextPage == 0 {
			break
		}
		id = h.NextPage
	}

	return out, nil
}

// EncodeValueField encodes the value-field bytes written into the data
// section: an inline length-prefixed value below threshold, or the
// OverflowMarker followed by a Ref at or above it.
func EncodeValueField(value []byte, threshold int, m *Manager) ([]byte, error) {
	if len(value) < threshold {
		buf := make([]byte, 4+len(value))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(value)))
		copy(buf[4:], value)
		return buf, nil
	}

	ref, err := m.WriteChain(value)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+RefSize)
	binary.LittleEndian.PutUint32(buf[0:4], OverflowMarker)
	copy(buf[4:], ref.Encode())
	return buf, nil
}

// DecodeValueField reads a length/value or marker/ref pair from buf,
// returning the resolved value bytes and the number of bytes consumed.
func DecodeValueField(buf []byte, m *Manager) (value []byte, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, errors.New("thunder: short value field")
	}
	marker := binary.LittleEndian.Uint32(buf[0:4])
	if marker == OverflowMarker {
		ref, err := DecodeRef(buf[4:])
		if err != nil {
			return nil, 0, err
		}
		data, err := m.ReadChain(ref)
		if err != nil {
			return nil, 0, err
		}
		return data, 4 + RefSize, nil
	}

	length := int(marker)
	if 4+length > len(buf) {
		return nil, 0, fmt.Errorf("thunder: value field length %d exceeds buffer", length)
	}
	return buf[4 : 4+length], 4 + length, nil
}
