package thunder

import (
	"time"

	"github.com/alexhholmes/thunder/internal/page"
	"github.com/alexhholmes/thunder/internal/wal"
)

// SyncPolicy controls when WAL appends are fsynced. It mirrors
// internal/wal.SyncPolicy so callers configuring a Database don't need to
// import the internal package.
type SyncPolicy int

const (
	SyncImmediate SyncPolicy = iota
	SyncBatched
	SyncNone
)

func (p SyncPolicy) toWAL() wal.SyncPolicy {
	switch p {
	case SyncBatched:
		return wal.SyncBatched
	case SyncNone:
		return wal.SyncNone
	default:
		return wal.SyncImmediate
	}
}

// DBOptions holds every configurable database setting.
// Construct via Open's functional options, not directly.
type DBOptions struct {
	PageSize        page.Size
	OverflowThreshold int
	WriteBufferSize int

	WalEnabled         bool
	WalDir             string
	WalSyncPolicy      SyncPolicy
	WalSegmentSize     int64
	CheckpointInterval time.Duration
	CheckpointWalThreshold int64
	CheckpointMinRecords   int

	Logger Logger
}

// DefaultOptions returns the default configuration.
func DefaultOptions() DBOptions {
	return DBOptions{
		PageSize:               page.DefaultPageSize,
		OverflowThreshold:      16 * 1024,
		WriteBufferSize:        256 * 1024,
		WalEnabled:             false,
		WalSyncPolicy:          SyncImmediate,
		WalSegmentSize:         wal.DefaultSegmentSize,
		CheckpointInterval:     300 * time.Second,
		CheckpointWalThreshold: 128 * 1024 * 1024,
		CheckpointMinRecords:   10_000,
		Logger:                 DiscardLogger{},
	}
}

// DBOption mutates DBOptions during Open.
type DBOption func(*DBOptions)

func WithPageSize(size page.Size) DBOption {
	return func(o *DBOptions) { o.PageSize = size }
}

func WithOverflowThreshold(bytes int) DBOption {
	return func(o *DBOptions) { o.OverflowThreshold = bytes }
}

func WithWriteBufferSize(bytes int) DBOption {
	return func(o *DBOptions) { o.WriteBufferSize = bytes }
}

func WithWAL(dir string) DBOption {
	return func(o *DBOptions) {
		o.WalEnabled = true
		o.WalDir = dir
	}
}

func WithWALSyncPolicy(p SyncPolicy) DBOption {
	return func(o *DBOptions) { o.WalSyncPolicy = p }
}

func WithWALSegmentSize(bytes int64) DBOption {
	return func(o *DBOptions) { o.WalSegmentSize = bytes }
}

func WithCheckpointInterval(d time.Duration) DBOption {
	return func(o *DBOptions) { o.CheckpointInterval = d }
}

func WithCheckpointWALThreshold(bytes int64) DBOption {
	return func(o *DBOptions) { o.CheckpointWalThreshold = bytes }
}

func WithCheckpointMinRecords(n int) DBOption {
	return func(o *DBOptions) { o.CheckpointMinRecords = n }
}

func WithLogger(l Logger) DBOption {
	return func(o *DBOptions) { o.Logger = l }
}

// WithNVMeOptimized applies a preset tuned for NVMe storage: 16 KiB pages
// (larger than the 4 KiB default) and a 4 KiB overflow threshold (smaller
// than the 16 KiB default), for fast flash storage where the per-page I/O
// cost is low relative to mmap pressure.
func WithNVMeOptimized() DBOption {
	return func(o *DBOptions) {
		o.PageSize = page.Size16K
		o.OverflowThreshold = 4 * 1024
	}
}
