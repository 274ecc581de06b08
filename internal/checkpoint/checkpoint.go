// Package checkpoint tracks when the database should fold its WAL back
// into the main file and truncate old segments, bounding recovery time.
package checkpoint

import (
	"encoding/binary"
	"time"
)

// InfoSize is the encoded size of Info.
const InfoSize = 24

// Info is persisted into the meta page's checkpoint_* fields.
type Info struct {
	LSN        uint64
	Timestamp  uint64
	EntryCount uint64
}

// IsValid reports whether this checkpoint carries any real progress.
func (i Info) IsValid() bool { return i.LSN > 0 || i.Timestamp > 0 }

func (i Info) ToBytes() []byte {
	buf := make([]byte, InfoSize)
	binary.LittleEndian.PutUint64(buf[0:8], i.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], i.Timestamp)
	binary.LittleEndian.PutUint64(buf[16:24], i.EntryCount)
	return buf
}

func InfoFromBytes(buf []byte) Info {
	if len(buf) < InfoSize {
		return Info{}
	}
	return Info{
		LSN:        binary.LittleEndian.Uint64(buf[0:8]),
		Timestamp:  binary.LittleEndian.Uint64(buf[8:16]),
		EntryCount: binary.LittleEndian.Uint64(buf[16:24]),
	}
}

// Config controls the three checkpoint triggers.
type Config struct {
	Interval   time.Duration
	WALThreshold int64
	MinRecords int
}

// DefaultConfig returns the default trigger thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:     300 * time.Second,
		WALThreshold: 128 * 1024 * 1024,
		MinRecords:   10_000,
	}
}

// WALSizer reports the current total WAL size in bytes, satisfied by
// *wal.WAL.ApproximateSize.
type WALSizer interface {
	ApproximateSize() int64
}

// Manager decides when to checkpoint and tracks bookkeeping across calls.
type Manager struct {
	cfg Config

	lastLSN          uint64
	lastTime         time.Time
	haveLastTime     bool
	recordsSince     int
	walSizeAtLastCkp int64
}

// New creates a fresh Manager.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Restore re-seeds a Manager's counters from a persisted Info, used on
// database open.
func Restore(cfg Config, info Info) *Manager {
	m := &Manager{cfg: cfg, lastLSN: info.LSN}
	if info.Timestamp > 0 {
		m.lastTime = time.Now()
		m.haveLastTime = true
	}
	return m
}

// ShouldCheckpoint reports whether any trigger has fired: the wall-clock
// interval elapsed, WAL growth past the byte threshold, or enough records
// written since the last checkpoint.
func (m *Manager) ShouldCheckpoint(wal WALSizer) bool {
	if m.haveLastTime && time.Since(m.lastTime) >= m.cfg.Interval {
		return true
	}
	if wal.ApproximateSize()-m.walSizeAtLastCkp >= m.cfg.WALThreshold {
		return true
	}
	return m.recordsSince >= m.cfg.MinRecords
}

// RecordWrites accounts for count records written since the last checkpoint.
func (m *Manager) RecordWrites(count int) {
	m.recordsSince += count
}

// RecordCheckpoint marks a checkpoint complete at lsn, resetting counters.
func (m *Manager) RecordCheckpoint(lsn uint64, walSize int64) {
	m.lastLSN = lsn
	m.lastTime = time.Now()
	m.haveLastTime = true
	m.recordsSince = 0
	m.walSizeAtLastCkp = walSize
}

// LastCheckpointLSN returns the LSN of the most recently completed checkpoint.
func (m *Manager) LastCheckpointLSN() uint64 { return m.lastLSN }

// BuildInfo returns the Info to persist for a checkpoint at lsn covering
// entryCount live entries. The caller supplies the timestamp so this
// package's only wall-clock read is the relative interval timer above.
func BuildInfo(lsn uint64, timestamp uint64, entryCount uint64) Info {
	return Info{LSN: lsn, Timestamp: timestamp, EntryCount: entryCount}
}
