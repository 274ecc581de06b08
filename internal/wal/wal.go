// Package wal implements the append-only, segmented write-ahead log:
// framing, sync policies, replay, and checkpoint-driven truncation.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var ErrRecordCorrupt = errors.New("thunder: wal record crc mismatch")

const (
	// SegmentMagic identifies a WAL segment file.
	SegmentMagic uint32 = 0x574C4F47
	// SegmentVersion is the segment header format version.
	SegmentVersion uint32 = 1
	// SegmentHeaderSize is the fixed 64-byte segment header:
	// magic(4) || version(4) || segment_id(8) || first_lsn(8) || reserved(40).
	SegmentHeaderSize = 64

	// DefaultSegmentSize is the size at which the writer rotates to a new
	// segment.
	DefaultSegmentSize = 64 * 1024 * 1024

	segmentFilePrefix = "wal-"
)

// SyncPolicy controls when Append's bytes are fsynced.
type SyncPolicy int

const (
	// SyncImmediate fsyncs after every appended record.
	SyncImmediate SyncPolicy = iota
	// SyncBatched does not fsync in Append; the database fsyncs through
	// Sync once per group-commit batch.
	SyncBatched
	// SyncNone never fsyncs explicitly.
	SyncNone
)

// Config configures a WAL's segment and sync behavior.
type Config struct {
	SegmentSize int64
	Policy      SyncPolicy
}

// DefaultConfig returns the defaults for an enabled WAL.
func DefaultConfig() Config {
	return Config{SegmentSize: DefaultSegmentSize, Policy: SyncImmediate}
}

// LSN encodes (segment_id, offset_within_segment).
type LSN uint64

func makeLSN(segmentID uint32, offset uint32) LSN {
	return LSN(uint64(segmentID)<<32 | uint64(offset))
}

func (l LSN) SegmentID() uint32 { return uint32(l >> 32) }
func (l LSN) Offset() uint32    { return uint32(l) }

// segment tracks one open or historical segment file.
type segment struct {
	id       uint32
	path     string
	firstLSN LSN
	lastLSN  LSN
}

// WAL is a segmented, append-only log of logical records.
type WAL struct {
	dir    string
	config Config

	mu       sync.Mutex
	file     *os.File
	curID    uint32
	curSize  int64
	segments []segment // historical + current, sorted by id

	bytesSinceSync int64
}

// Open opens or creates the WAL directory and its newest segment.
func Open(dir string, config Config) (*WAL, error) {
	if config.SegmentSize <= 0 {
		config.SegmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("thunder: open wal dir: %w", err)
	}

	w := &WAL{dir: dir, config: config}
	segs, err := discoverSegments(dir)
	if err != nil {
		return nil, err
	}
	w.segments = segs

	if len(segs) == 0 {
		if err := w.rotate(0); err != nil {
			return nil, err
		}
		return w, nil
	}

	last := segs[len(segs)-1]
	f, err := os.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("thunder: open wal segment %s: %w", last.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	w.curID = last.id
	w.curSize = info.Size()
	return w, nil
}

func segmentPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s%012d", segmentFilePrefix, id))
}

func discoverSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("thunder: read wal dir: %w", err)
	}

	var segs []segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var id uint32
		if _, err := fmt.Sscanf(e.Name(), segmentFilePrefix+"%d", &id); err != nil {
			continue
		}
		segs = append(segs, segment{id: id, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	return segs, nil
}

// rotate closes the current segment (if any) and opens segment id as the
// new current segment, writing its header.
func (w *WAL) rotate(id uint32) error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
	}

	path := segmentPath(w.dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("thunder: create wal segment %s: %w", path, err)
	}

	header := make([]byte, SegmentHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], SegmentMagic)
	binary.LittleEndian.PutUint32(header[4:8], SegmentVersion)
	binary.LittleEndian.PutUint64(header[8:16], uint64(id))
	firstLSN := makeLSN(id, SegmentHeaderSize)
	binary.LittleEndian.PutUint64(header[16:24], uint64(firstLSN))

	if _, err := f.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("thunder: write wal segment header: %w", err)
	}

	w.file = f
	w.curID = id
	w.curSize = SegmentHeaderSize
	w.segments = append(w.segments, segment{id: id, path: path, firstLSN: firstLSN})
	return nil
}

// Append writes a record and returns the LSN assigned to it before the
// write.
func (w *WAL) Append(rec Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	encoded := rec.Encode()
	if w.curSize+int64(len(encoded)) > w.config.SegmentSize {
		if err := w.rotate(w.curID + 1); err != nil {
			return 0, err
		}
	}

	lsn := makeLSN(w.curID, uint32(w.curSize))
	if _, err := w.file.Write(encoded); err != nil {
		return 0, fmt.Errorf("thunder: wal append: %w", err)
	}
	w.curSize += int64(len(encoded))
	w.bytesSinceSync += int64(len(encoded))

	w.segments[len(w.segments)-1].lastLSN = lsn

	if w.config.Policy == SyncImmediate {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("thunder: wal sync: %w", err)
		}
		w.bytesSinceSync = 0
	}

	return lsn, nil
}

// Sync fsyncs the current segment unconditionally; used by group commit
// and checkpointing regardless of the configured policy.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.bytesSinceSync = 0
	return nil
}

// ApproximateSize returns the total size in bytes of all segments,
// used by the checkpoint manager's size-based trigger.
func (w *WAL) ApproximateSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	var total int64
	for _, s := range w.segments {
		if s.id == w.curID {
			total += w.curSize
			continue
		}
		if info, err := os.Stat(s.path); err == nil {
			total += info.Size()
		}
	}
	return total
}

// Replay iterates every record with LSN > fromLSN in order, calling apply
// for each. A truncated tail in the newest segment (a short header, or a
// record whose claimed length runs past the bytes on disk) is treated as
// a torn write and stops replay cleanly rather than returning an error.
// A CRC mismatch is never treated this way, in the newest segment or any
// other: the record's full length was present on disk, so a bad checksum
// means corruption, not an in-progress write, and is always fatal
//
func (w *WAL) Replay(fromLSN LSN, apply func(LSN, Record) error) error {
	w.mu.Lock()
	segs := make([]segment, len(w.segments))
	copy(segs, w.segments)
	w.mu.Unlock()

	for idx, seg := range segs {
		isNewest := idx == len(segs)-1
		if err := w.replaySegment(seg, isNewest, fromLSN, apply); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) replaySegment(seg segment, isNewest bool, fromLSN LSN, apply func(LSN, Record) error) error {
	data, err := os.ReadFile(seg.path)
	if err != nil {
		return fmt.Errorf("thunder: read wal segment %s: %w", seg.path, err)
	}
	if len(data) < SegmentHeaderSize {
		if isNewest {
			return nil // torn header write on a brand new segment
		}
		return fmt.Errorf("thunder: wal segment %s shorter than header", seg.path)
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != SegmentMagic {
		return fmt.Errorf("thunder: wal segment %s bad magic", seg.path)
	}

	offset := SegmentHeaderSize
	sawRecord := false
	for offset < len(data) {
		rec, n, err := DecodeRecord(data[offset:])
		if err != nil {
			// A CRC mismatch means the record's full claimed length was
			// present but its bytes were wrong, which a partial/torn
			// write cannot produce (a torn write always leaves fewer
			// bytes than the record's encoded length, caught above as a
			// short header or length exceeding the buffer). So unlike
			// those framing errors, a CRC mismatch is never tolerated,
			// even in the newest segment's tail: it is real corruption,
			// not an in-progress write, and dropping it would silently
			// lose already-fsynced records.
			if errors.Is(err, ErrRecordCorrupt) {
				return fmt.Errorf("thunder: %w in wal segment %s at offset %d", err, seg.path, offset)
			}
			if isNewest && sawRecord {
				return nil // torn tail, tolerated
			}
			if isNewest && !sawRecord {
				return nil // entirely torn segment with nothing durable yet
			}
			return fmt.Errorf("thunder: %w in wal segment %s at offset %d", err, seg.path, offset)
		}

		lsn := makeLSN(seg.id, uint32(offset))
		sawRecord = true
		offset += n

		if lsn <= fromLSN {
			continue
		}
		if err := apply(lsn, rec); err != nil {
			return fmt.Errorf("thunder: apply wal record at %d: %w", lsn, err)
		}
	}
	return nil
}

// TruncateBefore removes whole segments whose last LSN < lsn. The current
// (newest) segment is never removed. Segments with no recorded last LSN
// (those found on disk at Open, and segments no record was appended to)
// are kept as well.
func (w *WAL) TruncateBefore(lsn LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.segments[:0:0]
	for _, seg := range w.segments {
		if seg.id == w.curID || seg.lastLSN >= lsn || seg.lastLSN == 0 {
			kept = append(kept, seg)
			continue
		}
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("thunder: truncate wal segment %s: %w", seg.path, err)
		}
	}
	w.segments = kept
	return nil
}

// Close closes the current segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}
