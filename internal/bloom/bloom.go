// Package bloom implements a probabilistic negative-lookup accelerator
// over FNV-1a double hashing, sized for a target false-positive rate.
package bloom

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
)

// DefaultFalsePositiveRate is used when a Filter is sized without an
// explicit rate (default 1%, ~10 bits per key).
const DefaultFalsePositiveRate = 0.01

// Filter is a bit-array set membership structure: false positives are
// possible, false negatives never are.
type Filter struct {
	bits      []uint64
	numHashes uint8
	numBits   uint64
	itemCount uint64
}

// New sizes a Filter for expectedItems at the given false-positive rate.
func New(expectedItems int, fpRate float64) *Filter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}

	ln2Squared := math.Ln2 * math.Ln2
	numBits := uint64(math.Ceil(-float64(expectedItems) * math.Log(fpRate) / ln2Squared))
	if numBits < 64 {
		numBits = 64
	}
	numWords := (numBits + 63) / 64
	numBits = numWords * 64

	numHashes := math.Ceil((float64(numBits) / float64(expectedItems)) * math.Ln2)
	if numHashes < 1 {
		numHashes = 1
	}
	if numHashes > 16 {
		numHashes = 16
	}

	return &Filter{
		bits:      make([]uint64, numWords),
		numHashes: uint8(numHashes),
		numBits:   numBits,
	}
}

// WithCapacity sizes a Filter at the default 1% false-positive rate.
func WithCapacity(expectedItems int) *Filter {
	return New(expectedItems, DefaultFalsePositiveRate)
}

// Insert adds key to the filter; after this, MayContain(key) is always true.
func (f *Filter) Insert(key []byte) {
	h1, h2 := hashPair(key)
	for i := uint64(0); i < uint64(f.numHashes); i++ {
		idx := f.bitIndex(h1, h2, i)
		f.bits[idx/64] |= 1 << (idx % 64)
	}
	f.itemCount++
}

// MayContain reports whether key might be present. false means key is
// definitely absent.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := hashPair(key)
	for i := uint64(0); i < uint64(f.numHashes); i++ {
		idx := f.bitIndex(h1, h2, i)
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) bitIndex(h1, h2, i uint64) uint64 {
	return (h1 + i*h2) % f.numBits
}

// ItemCount returns the number of Insert calls made.
func (f *Filter) ItemCount() uint64 { return f.itemCount }

// Clear resets the filter to empty, preserving its sizing.
func (f *Filter) Clear() {
	for i := range f.bits {
		f.bits[i] = 0
	}
	f.itemCount = 0
}

// hashPair derives the two FNV-1a hashes that drive double hashing:
// h_i(k) = h1(k) + i*h2(k) mod m. The second hash salts the key with a
// trailing byte so it is not a function of the first, and is forced odd
// so the probe stride never shares the factor 2 with the bit count, which
// is always a multiple of 64.
func hashPair(key []byte) (h1, h2 uint64) {
	a := fnv.New64a()
	a.Write(key)
	h1 = a.Sum64()

	b := fnv.New64a()
	b.Write(key)
	b.Write([]byte{0xff})
	h2 = b.Sum64() | 1
	return h1, h2
}

// serializedHeaderSize is num_bits(8) || num_hashes(4) || item_count(8).
const serializedHeaderSize = 20

// ToBytes serializes the filter as num_bits(8) || num_hashes(4) ||
// item_count(8) || bit words.
func (f *Filter) ToBytes() []byte {
	buf := make([]byte, serializedHeaderSize+8*len(f.bits))
	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.numHashes))
	binary.LittleEndian.PutUint64(buf[12:20], f.itemCount)
	for i, w := range f.bits {
		off := serializedHeaderSize + 8*i
		binary.LittleEndian.PutUint64(buf[off:off+8], w)
	}
	return buf
}

// FromBytes deserializes a Filter written by ToBytes.
func FromBytes(buf []byte) (*Filter, error) {
	if len(buf) < serializedHeaderSize {
		return nil, errors.New("thunder: bloom filter buffer too short")
	}
	numBits := binary.LittleEndian.Uint64(buf[0:8])
	numHashes := binary.LittleEndian.Uint32(buf[8:12])
	itemCount := binary.LittleEndian.Uint64(buf[12:20])
	if numBits == 0 || numHashes == 0 || numHashes > 255 {
		return nil, errors.New("thunder: invalid bloom filter header")
	}

	numWords := (numBits + 63) / 64
	expectedLen := serializedHeaderSize + int(numWords)*8
	if len(buf) < expectedLen {
		return nil, errors.New("thunder: bloom filter buffer truncated")
	}

	bits := make([]uint64, numWords)
	for i := range bits {
		off := serializedHeaderSize + i*8
		bits[i] = binary.LittleEndian.Uint64(buf[off : off+8])
	}

	return &Filter{bits: bits, numHashes: uint8(numHashes), numBits: numBits, itemCount: itemCount}, nil
}
