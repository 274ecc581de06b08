// Package thunder is an embedded, single-file, transactional key-value
// storage engine: a dual-meta-page atomic commit protocol over a flat data
// section, an in-memory B+ tree as the sole authoritative live structure,
// chained overflow pages for oversized values, and an optional
// write-ahead log with group commit and checkpointing.
package thunder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/alexhholmes/thunder/internal/bloom"
	"github.com/alexhholmes/thunder/internal/btree"
	"github.com/alexhholmes/thunder/internal/checkpoint"
	"github.com/alexhholmes/thunder/internal/freelist"
	"github.com/alexhholmes/thunder/internal/groupcommit"
	"github.com/alexhholmes/thunder/internal/overflow"
	"github.com/alexhholmes/thunder/internal/page"
	"github.com/alexhholmes/thunder/internal/storage"
	"github.com/alexhholmes/thunder/internal/wal"
)

// dataSectionOffset is the byte offset where the flat data section begins,
// immediately after the two fixed-size meta pages.
func dataSectionOffset(pageSize page.Size) int64 {
	return 2 * int64(pageSize)
}

// pageRegionStart returns the lowest page ID whose byte range begins at or
// after endOffset: the boundary page-ID-addressed overflow/freelist pages
// must not cross back into the byte range already claimed by the flat data
// section. Overflow and freelist pages always live past it.
func pageRegionStart(endOffset int64, pageSize page.Size) page.ID {
	id := page.ID((endOffset + int64(pageSize) - 1) / int64(pageSize))
	if id < page.FirstDataPageID {
		id = page.FirstDataPageID
	}
	return id
}

// Database is a single open handle to a Thunder file.
type Database struct {
	path string
	opts DBOptions

	store storage.Store

	// mu guards tree, meta, and bloomFilter: the state a ReadTx snapshots.
	// It is taken for read for a ReadTx's whole lifetime, and for write
	// only at the commit swap.
	mu          sync.RWMutex
	tree        *btree.Tree
	meta        page.Meta
	bloomFilter *bloom.Filter

	// writeMu admits one WriteTx at a time.
	writeMu sync.Mutex

	freelist              *freelist.Freelist
	overflowMgr           *overflow.Manager
	dataSectionLen        int64
	dataSectionEntryCount uint64

	wal           *wal.WAL
	groupCommit   *groupcommit.Coordinator
	checkpointMgr *checkpoint.Manager

	logger Logger

	closeMu sync.Mutex
	closed  bool
}

// Open opens or creates the database file at path with default options.
func Open(path string) (*Database, error) {
	return OpenWithOptions(path)
}

// OpenWithOptions opens or creates the database file at path, applying
// opts over the defaults.
func OpenWithOptions(path string, opts ...DBOption) (*Database, error) {
	o := DefaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	if o.Logger == nil {
		o.Logger = DiscardLogger{}
	}
	pageSize := o.PageSize

	if err := ensureFile(path, pageSize); err != nil {
		return nil, err
	}

	store, err := openStore(path, pageSize, o.WriteBufferSize)
	if err != nil {
		return nil, err
	}

	meta0Buf, err := store.ReadPage(page.MetaPageID0)
	if err != nil {
		store.Close()
		return nil, &FileIOError{Op: "read", Path: path, Offset: 0, Err: err}
	}
	meta1Buf, err := store.ReadPage(page.MetaPageID1)
	if err != nil {
		store.Close()
		return nil, &FileIOError{Op: "read", Path: path, Offset: int64(pageSize), Err: err}
	}

	meta0, _ := page.FromBytes(meta0Buf)
	meta1, _ := page.FromBytes(meta1Buf)
	current, _, err := page.SelectCurrent(meta0, meta1)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := current.ValidateWithPageSize(pageSize); err != nil {
		store.Close()
		return nil, err
	}

	// Reading existing entries only ever walks overflow chains (ReadChain),
	// never allocates one, so decoding the data section can proceed with a
	// nil allocator before the real freelist boundary is known.
	readOnlyOvMgr := overflow.New(pageSize, store, nil)
	tree := btree.New()
	dataLen, entryCount, err := loadDataSection(store, dataSectionOffset(pageSize), readOnlyOvMgr, tree)
	if err != nil {
		store.Close()
		return nil, err
	}

	fl, err := loadFreelist(store, current, dataSectionOffset(pageSize)+dataLen)
	if err != nil {
		store.Close()
		return nil, err
	}
	ovMgr := overflow.New(pageSize, store, fl)

	db := &Database{
		path:                  path,
		opts:                  o,
		store:                 store,
		tree:                  tree,
		meta:                  current,
		freelist:              fl,
		overflowMgr:           ovMgr,
		dataSectionLen:        dataLen,
		dataSectionEntryCount: entryCount,
		logger:                o.Logger,
		groupCommit:           groupcommit.New(groupcommit.DefaultConfig()),
	}

	ckptCfg := checkpoint.Config{
		Interval:     o.CheckpointInterval,
		WALThreshold: o.CheckpointWalThreshold,
		MinRecords:   o.CheckpointMinRecords,
	}

	if o.WalEnabled {
		walDir := o.WalDir
		if walDir == "" {
			walDir = path + ".wal"
		}
		w, err := wal.Open(walDir, wal.Config{SegmentSize: o.WalSegmentSize, Policy: o.WalSyncPolicy.toWAL()})
		if err != nil {
			store.Close()
			return nil, err
		}
		db.wal = w

		if err := db.replayWAL(wal.LSN(current.CheckpointLSN)); err != nil {
			w.Close()
			store.Close()
			return nil, err
		}
		db.checkpointMgr = checkpoint.Restore(ckptCfg, checkpoint.Info{
			LSN:        current.CheckpointLSN,
			Timestamp:  current.CheckpointTimestamp,
			EntryCount: current.CheckpointEntryCount,
		})
	} else {
		db.checkpointMgr = checkpoint.New(ckptCfg)
	}

	bf := bloom.WithCapacity(maxInt(tree.Len(), 1024))
	tree.Iter(func(k, _ []byte) bool { bf.Insert(k); return true })
	db.bloomFilter = bf

	return db, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ensureFile creates path with two fresh meta pages (txid 0 and 1) and an
// empty data section if it does not already exist or is too small to hold
// them.
func ensureFile(path string, pageSize page.Size) error {
	info, statErr := os.Stat(path)
	fresh := errors.Is(statErr, os.ErrNotExist)
	if statErr != nil && !fresh {
		return &FileIOError{Op: "open", Path: path, Err: statErr}
	}
	if !fresh && info.Size() >= 2*int64(pageSize) {
		return nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return &FileIOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	meta0 := page.New(pageSize, 0)
	meta1 := page.New(pageSize, 1)

	if _, err := f.WriteAt(meta0.ToBytes(pageSize), 0); err != nil {
		return &FileIOError{Op: "write", Path: path, Offset: 0, Err: err}
	}
	if _, err := f.WriteAt(meta1.ToBytes(pageSize), int64(pageSize)); err != nil {
		return &FileIOError{Op: "write", Path: path, Offset: int64(pageSize), Err: err}
	}
	if _, err := f.WriteAt(make([]byte, 8), dataSectionOffset(pageSize)); err != nil {
		return &FileIOError{Op: "write", Path: path, Offset: dataSectionOffset(pageSize), Err: err}
	}
	if err := f.Sync(); err != nil {
		return &FileIOError{Op: "sync", Path: path, Err: err}
	}
	return nil
}

// openStore tries a read-only memory mapping first, falling back to the
// buffered, cache-backed store where mmap is unavailable.
func openStore(path string, pageSize page.Size, writeBufferSize int) (storage.Store, error) {
	if s, err := storage.OpenMMap(path, pageSize); err == nil {
		return s, nil
	}
	cacheCapacity := writeBufferSize / int(pageSize)
	if cacheCapacity < 64 {
		cacheCapacity = 64
	}
	s, err := storage.OpenBuffered(path, pageSize, cacheCapacity)
	if err != nil {
		return nil, &FileIOError{Op: "open", Path: path, Err: err}
	}
	return s, nil
}

// loadFreelist reads the freelist page recorded in meta, or seeds a fresh
// one anchored right after the just-loaded data section's current byte
// length (dataSectionEnd) when the file has never had one persisted,
// keeping the page-ID-addressed region from overlapping the data section.
func loadFreelist(store storage.Store, meta page.Meta, dataSectionEnd int64) (*freelist.Freelist, error) {
	if meta.Freelist == 0 {
		return freelist.New(pageRegionStart(dataSectionEnd, meta.PageSize)), nil
	}
	buf, err := store.ReadPage(meta.Freelist)
	if err != nil {
		return nil, &FileIOError{Op: "read", Err: err}
	}
	fl, err := freelist.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("thunder: %w: freelist: %v", ErrCorrupted, err)
	}
	return fl, nil
}

// loadDataSection reads entry_count followed by the concatenated entries
// at offset, inserting each into tree. Returns the data section's total
// byte length and the record count read.
func loadDataSection(store storage.Store, offset int64, ovMgr *overflow.Manager, tree *btree.Tree) (int64, uint64, error) {
	header, err := store.ReadAt(offset, 8)
	if err != nil {
		return 0, 0, &FileIOError{Op: "read", Offset: offset, Err: err}
	}
	count := binary.LittleEndian.Uint64(header)
	pos := offset + 8

	for i := uint64(0); i < count; i++ {
		klenBuf, err := store.ReadAt(pos, 4)
		if err != nil {
			return 0, 0, &EntryReadFailedError{EntryIndex: i, Field: "key_len", Err: err}
		}
		klen := int64(binary.LittleEndian.Uint32(klenBuf))
		pos += 4

		key, err := store.ReadAt(pos, int(klen))
		if err != nil {
			return 0, 0, &EntryReadFailedError{EntryIndex: i, Field: "key", Err: err}
		}
		pos += klen

		markerBuf, err := store.ReadAt(pos, 4)
		if err != nil {
			return 0, 0, &EntryReadFailedError{EntryIndex: i, Field: "value_marker", Err: err}
		}
		marker := binary.LittleEndian.Uint32(markerBuf)

		var fieldLen int64
		if marker == overflow.OverflowMarker {
			fieldLen = 4 + overflow.RefSize
		} else {
			fieldLen = 4 + int64(marker)
		}
		field, err := store.ReadAt(pos, int(fieldLen))
		if err != nil {
			return 0, 0, &EntryReadFailedError{EntryIndex: i, Field: "value", Err: err}
		}
		pos += fieldLen

		value, _, err := overflow.DecodeValueField(field, ovMgr)
		if err != nil {
			return 0, 0, &EntryReadFailedError{EntryIndex: i, Field: "value_decode", Err: err}
		}
		tree.Insert(append([]byte{}, key...), value)
	}

	return pos - offset, count, nil
}

// replayWAL applies every committed transaction with LSN > from, buffering
// each transaction's records between TxBegin and TxCommit so an aborted or
// torn transaction contributes nothing.
func (db *Database) replayWAL(from wal.LSN) error {
	var buffered []wal.Record
	return db.wal.Replay(from, func(_ wal.LSN, rec wal.Record) error {
		switch rec.Type {
		case wal.RecordTxBegin:
			buffered = buffered[:0]
		case wal.RecordTxCommit:
			for _, r := range buffered {
				db.applyReplayedRecord(r)
			}
			buffered = buffered[:0]
		case wal.RecordTxAbort:
			buffered = buffered[:0]
		case wal.RecordPut, wal.RecordDelete:
			buffered = append(buffered, rec)
		case wal.RecordCheckpoint:
			// informational only; checkpoint_lsn is already read from meta.
		}
		return nil
	})
}

func (db *Database) applyReplayedRecord(rec wal.Record) {
	switch rec.Type {
	case wal.RecordPut:
		db.tree.Insert(rec.Key, rec.Value)
	case wal.RecordDelete:
		db.tree.Remove(rec.Key)
	}
}

// ReadTx begins a read-only transaction over the database's current
// committed state.
func (db *Database) ReadTx() *ReadTx {
	return newReadTx(db)
}

// WriteTx begins the single write transaction, blocking until any other
// in-progress WriteTx has committed or rolled back.
func (db *Database) WriteTx() *WriteTx {
	db.writeMu.Lock()
	return newWriteTx(db)
}

// Close releases the database's file handle and WAL. Safe to call more
// than once.
func (db *Database) Close() error {
	db.closeMu.Lock()
	defer db.closeMu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	if db.wal != nil {
		if err := db.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Checkpoint folds the WAL's effects into the durable meta state and
// truncates segments no longer needed for recovery. A no-op if the WAL
// is disabled.
func (db *Database) Checkpoint() error {
	if db.wal == nil {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.checkpointLocked()
}

// checkpointLocked is Checkpoint's body; the caller must hold writeMu.
// Commit calls it directly for automatic checkpoints, since the
// committing transaction already owns the writer slot.
func (db *Database) checkpointLocked() error {
	lsn, err := db.wal.Append(wal.CheckpointRecord(0))
	if err != nil {
		return fmt.Errorf("thunder: %w: %v", ErrCheckpointFailed, err)
	}
	if err := db.wal.Sync(); err != nil {
		return fmt.Errorf("thunder: %w: %v", ErrCheckpointFailed, err)
	}

	db.mu.Lock()
	newMeta := db.meta
	newMeta.CheckpointLSN = uint64(lsn)
	newMeta.CheckpointTimestamp = uint64(time.Now().Unix())
	newMeta.CheckpointEntryCount = uint64(db.tree.Len())
	newMeta.Seal()
	db.meta = newMeta
	db.mu.Unlock()

	// Rewritten at the same slot: this records checkpoint progress
	// immediately rather than waiting for the next regular commit, and
	// txid (hence the slot) is unchanged since this isn't itself a commit.
	slot := page.SlotFor(newMeta.Txid)
	if err := db.store.WritePage(page.ID(slot), newMeta.ToBytes(db.opts.PageSize)); err != nil {
		return fmt.Errorf("thunder: %w: %v", ErrCheckpointFailed, err)
	}
	if err := db.store.Sync(); err != nil {
		return fmt.Errorf("thunder: %w: %v", ErrCheckpointFailed, err)
	}

	db.checkpointMgr.RecordCheckpoint(uint64(lsn), db.wal.ApproximateSize())
	db.logger.Info("checkpoint complete",
		"lsn", uint64(lsn),
		"entries", newMeta.CheckpointEntryCount)
	return db.wal.TruncateBefore(wal.LSN(lsn))
}

// kv is one (key, value) pair in the internal key space, used while
// assembling a new data section at commit time.
type kv struct {
	key   []byte
	value []byte
}

// valueFieldLen computes the on-disk size of value's field without
// allocating an overflow chain, used to decide incremental-vs-full-rewrite
// before any page is actually written.
func valueFieldLen(value []byte, threshold int) int64 {
	if len(value) < threshold {
		return int64(4 + len(value))
	}
	return int64(4 + overflow.RefSize)
}

// encodeEntries writes entries as key_len||key||value_field, allocating
// overflow chains as needed through ovMgr.
func encodeEntries(entries []kv, ovMgr *overflow.Manager, threshold int) ([]byte, error) {
	var buf bytes.Buffer
	var klen [4]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint32(klen[:], uint32(len(e.key)))
		buf.Write(klen[:])
		buf.Write(e.key)
		field, err := overflow.EncodeValueField(e.value, threshold, ovMgr)
		if err != nil {
			return nil, err
		}
		buf.Write(field)
	}
	return buf.Bytes(), nil
}

// mergedLiveEntries returns every live key in ascending order as of this
// commit: the current tree with tx's deletions removed and tx's pending
// overlay applied on top.
func (tx *WriteTx) mergedLiveEntries() []kv {
	var out []kv
	tx.db.tree.Iter(func(k, v []byte) bool {
		ks := string(k)
		if _, deleted := tx.deleted[ks]; deleted {
			return true
		}
		if _, overridden := tx.pending.Get(pendingEntry{key: k}); overridden {
			return true
		}
		out = append(out, kv{key: append([]byte{}, k...), value: append([]byte{}, v...)})
		return true
	})
	tx.pending.Ascend(func(pe pendingEntry) bool {
		out = append(out, kv{key: pe.key, value: pe.value})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].key, out[j].key) < 0 })
	return out
}

// pendingSortedEntries returns tx's pending overlay alone, in ascending
// order, for the incremental append-only commit path.
func (tx *WriteTx) pendingSortedEntries() []kv {
	var out []kv
	tx.pending.Ascend(func(pe pendingEntry) bool {
		out = append(out, kv{key: pe.key, value: pe.value})
		return true
	})
	return out
}

// appendWAL writes tx's staged mutations as a TxBegin/.../TxCommit record
// group, synchronizing per the configured policy.
func (db *Database) appendWAL(tx *WriteTx, txid uint64) error {
	if _, err := db.wal.Append(wal.TxBeginRecord(txid)); err != nil {
		return fmt.Errorf("thunder: %w: wal begin: %v", ErrWalRecordInvalid, err)
	}
	for _, key := range tx.deleted {
		if _, err := db.wal.Append(wal.DeleteRecord(key)); err != nil {
			return fmt.Errorf("thunder: %w: wal delete: %v", ErrWalRecordInvalid, err)
		}
	}
	var appendErr error
	tx.pending.Ascend(func(pe pendingEntry) bool {
		if _, err := db.wal.Append(wal.PutRecord(pe.key, pe.value)); err != nil {
			appendErr = err
			return false
		}
		return true
	})
	if appendErr != nil {
		return fmt.Errorf("thunder: %w: wal put: %v", ErrWalRecordInvalid, appendErr)
	}
	if _, err := db.wal.Append(wal.TxCommitRecord(txid)); err != nil {
		return fmt.Errorf("thunder: %w: wal commit: %v", ErrWalRecordInvalid, err)
	}
	if db.opts.WalSyncPolicy == SyncBatched {
		if err := db.groupCommit.Commit(db.wal.Sync); err != nil {
			return fmt.Errorf("thunder: %w: wal sync: %v", ErrGroupCommitFailed, err)
		}
	}
	return nil
}

// commit writes the staged state durably and swaps it in. A failure at any step
// returns before the meta swap, leaving both the live tree and the file's
// current meta unchanged.
func (db *Database) commit(tx *WriteTx) error {
	txid := db.meta.Txid + 1
	hasDeletions := len(tx.deleted) > 0
	hasOverwrites := tx.hasOverwrites(db.tree)
	pendingCount := tx.pending.Len()

	if db.wal != nil {
		if err := db.appendWAL(tx, txid); err != nil {
			return err
		}
	}

	pageSize := db.opts.PageSize
	offset := dataSectionOffset(pageSize)
	threshold := db.opts.OverflowThreshold

	var (
		appendBuf     []byte
		newDataLen    int64
		newEntryCount uint64
		incremental   bool
	)

	if !hasDeletions && !hasOverwrites {
		entries := tx.pendingSortedEntries()
		var appendLen int64
		for _, e := range entries {
			appendLen += 4 + int64(len(e.key)) + valueFieldLen(e.value, threshold)
		}
		// The data section may grow only up to the region's fixed floor
		// (RegionStart), never up to Tail: Tail is the high-water mark of
		// pages already handed out above that floor, all of which may
		// hold live overflow or freelist bytes by the time this commit
		// runs. Gating on Tail would let the data section grow straight
		// over pages allocated by an earlier commit.
		boundary := int64(db.freelist.RegionStart()) * int64(pageSize)
		if offset+db.dataSectionLen+appendLen <= boundary {
			enc, err := encodeEntries(entries, db.overflowMgr, threshold)
			if err != nil {
				return fmt.Errorf("encode entries: %w", err)
			}
			incremental = true
			appendBuf = enc
			newDataLen = db.dataSectionLen + int64(len(enc))
			newEntryCount = db.dataSectionEntryCount + uint64(len(entries))
		}
	}

	if incremental {
		if err := db.store.WriteAt(offset+db.dataSectionLen, appendBuf); err != nil {
			return fmt.Errorf("append data section: %w", err)
		}
		countBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(countBuf, newEntryCount)
		if err := db.store.WriteAt(offset, countBuf); err != nil {
			return fmt.Errorf("update entry count: %w", err)
		}
	} else {
		merged := tx.mergedLiveEntries()

		var totalLen int64 = 8
		for _, e := range merged {
			totalLen += 4 + int64(len(e.key)) + valueFieldLen(e.value, threshold)
		}
		newRegionStart := pageRegionStart(offset+totalLen, pageSize)
		// Every full rewrite relocates overflow past the (possibly larger)
		// data section and starts allocation fresh; pages from the
		// previous layout are abandoned rather than reclaimed; there is
		// no online compaction of stale space.
		db.freelist = freelist.New(newRegionStart)
		db.overflowMgr = overflow.New(pageSize, db.store, db.freelist)

		enc, err := encodeEntries(merged, db.overflowMgr, threshold)
		if err != nil {
			return fmt.Errorf("encode entries: %w", err)
		}

		full := make([]byte, 8+len(enc))
		binary.LittleEndian.PutUint64(full[0:8], uint64(len(merged)))
		copy(full[8:], enc)

		if err := db.store.WriteAt(offset, full); err != nil {
			return fmt.Errorf("write data section: %w", err)
		}
		newDataLen = int64(len(full))
		newEntryCount = uint64(len(merged))
	}

	freelistPageID := db.freelist.Allocate()
	flBytes := db.freelist.Serialize()
	if len(flBytes) > int(pageSize) {
		return fmt.Errorf("thunder: serialized freelist %d bytes exceeds page size %d", len(flBytes), pageSize)
	}
	flPage := make([]byte, pageSize)
	copy(flPage, flBytes)
	if err := db.store.WritePage(freelistPageID, flPage); err != nil {
		return fmt.Errorf("write freelist page: %w", err)
	}

	newMeta := page.Meta{
		Magic:                db.meta.Magic,
		Version:              db.meta.Version,
		PageSize:             pageSize,
		Txid:                 txid,
		Freelist:             freelistPageID,
		PageCount:            uint64(db.freelist.Tail()),
		CheckpointLSN:        db.meta.CheckpointLSN,
		CheckpointTimestamp:  db.meta.CheckpointTimestamp,
		CheckpointEntryCount: db.meta.CheckpointEntryCount,
	}
	if newEntryCount > 0 {
		newMeta.Root = 1
	}
	newMeta.Seal()

	slot := page.SlotFor(txid)
	if err := db.store.WritePage(page.ID(slot), newMeta.ToBytes(pageSize)); err != nil {
		return fmt.Errorf("write meta page: %w", err)
	}
	if err := db.groupCommit.Commit(db.store.Sync); err != nil {
		return fmt.Errorf("thunder: %w: %v", ErrGroupCommitFailed, err)
	}
	if err := db.store.Remap(); err != nil {
		db.logger.Warn("remap after commit failed", "error", err)
	}

	db.mu.Lock()
	for _, key := range tx.deleted {
		db.tree.Remove(key)
	}
	tx.pending.Ascend(func(pe pendingEntry) bool {
		db.tree.Insert(pe.key, pe.value)
		db.bloomFilter.Insert(pe.key)
		return true
	})
	db.meta = newMeta
	db.dataSectionLen = newDataLen
	db.dataSectionEntryCount = newEntryCount
	db.mu.Unlock()

	if db.wal != nil {
		db.checkpointMgr.RecordWrites(len(tx.deleted) + pendingCount)
		if db.checkpointMgr.ShouldCheckpoint(db.wal) {
			if err := db.checkpointLocked(); err != nil {
				db.logger.Warn("automatic checkpoint failed", "error", err)
			}
		}
	}

	return nil
}
