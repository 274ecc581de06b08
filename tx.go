package thunder

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	gbtree "github.com/google/btree"

	"github.com/alexhholmes/thunder/internal/bloom"
	"github.com/alexhholmes/thunder/internal/btree"
)

// Bound describes one side of a range query over the public, user-visible
// key space (without the internal namespace prefix).
type Bound = btree.Bound

// ReadTx is a read-only transaction over a consistent view of the
// database. Multiple ReadTx can be active concurrently, including while a
// WriteTx is being prepared; a ReadTx never observes a pending, uncommitted
// mutation. Call Close when done.
type ReadTx struct {
	db     *Database
	tree   *btree.Tree
	bloom  *bloom.Filter
	closed bool
}

func newReadTx(db *Database) *ReadTx {
	db.mu.RLock()
	return &ReadTx{db: db, tree: db.tree, bloom: db.bloomFilter}
}

// Close releases the transaction's snapshot. Further calls return ErrTxClosed.
func (tx *ReadTx) Close() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true
	tx.db.mu.RUnlock()
	return nil
}

// Get returns a copy of the value stored for key, or ErrKeyNotFound.
func (tx *ReadTx) Get(key []byte) ([]byte, error) {
	v, err := tx.GetRef(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// GetRef returns the value stored for key without copying. The returned
// slice is only valid until tx is closed.
func (tx *ReadTx) GetRef(key []byte) ([]byte, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	return lookup(tx.tree, tx.bloom, globalKey(key))
}

// lookup is the shared get path for both transaction kinds: consult the
// bloom filter for a fast negative, then the live map.
func lookup(tree *btree.Tree, filter *bloom.Filter, internalKey []byte) ([]byte, error) {
	if filter != nil && !filter.MayContain(internalKey) {
		return nil, ErrKeyNotFound
	}
	v, ok := tree.Get(internalKey)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

// Iter calls fn for every key in the global (non-bucket) key space in
// ascending order until fn returns false.
func (tx *ReadTx) Iter(fn func(key, value []byte) bool) error {
	if tx.closed {
		return ErrTxClosed
	}
	prefix := []byte{prefixGlobal}
	upper := bucketDataPrefixUpperBound(prefix)
	tx.tree.Range(
		btree.Bound{Key: prefix, Inclusive: true},
		boundFor(upper),
		func(k, v []byte) bool { return fn(stripPrefix(k, prefix), v) },
	)
	return nil
}

// Range calls fn for every key in the global key space within [lower,
// upper] (subject to inclusivity/unboundedness) in ascending order.
func (tx *ReadTx) Range(lower, upper Bound, fn func(key, value []byte) bool) error {
	if tx.closed {
		return ErrTxClosed
	}
	prefix := []byte{prefixGlobal}
	lo := prefixedBound(prefix, lower, true)
	hi := prefixedBound(prefix, upper, false)
	tx.tree.Range(lo, hi, func(k, v []byte) bool { return fn(stripPrefix(k, prefix), v) })
	return nil
}

// BucketExists reports whether a bucket named name has been created.
func (tx *ReadTx) BucketExists(name string) bool {
	if tx.closed {
		return false
	}
	_, ok := tx.tree.Get(bucketMetaKey(name))
	return ok
}

// ListBuckets returns the names of every created bucket, in ascending order.
func (tx *ReadTx) ListBuckets() ([]string, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	var names []string
	prefix := []byte{prefixBucketMeta}
	upper := bucketDataPrefixUpperBound(prefix)
	tx.tree.Range(
		btree.Bound{Key: prefix, Inclusive: true},
		boundFor(upper),
		func(k, v []byte) bool {
			if len(k) < 2 {
				return true
			}
			nameLen := int(k[1])
			if len(k) < 2+nameLen {
				return true
			}
			names = append(names, string(k[2:2+nameLen]))
			return true
		},
	)
	// Metadata keys order by the name-length byte first, so the scan
	// alone does not yield names in ascending order.
	sort.Strings(names)
	return names, nil
}

// BucketGet returns the value stored for key within bucket name.
func (tx *ReadTx) BucketGet(name string, key []byte) ([]byte, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if !tx.BucketExists(name) {
		return nil, ErrBucketNotFound
	}
	v, ok := tx.tree.Get(bucketDataKey(name, key))
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// BucketIter calls fn for every (key, value) pair in bucket name, in
// ascending order, with the bucket's internal prefix stripped.
func (tx *ReadTx) BucketIter(name string, fn func(key, value []byte) bool) error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.BucketExists(name) {
		return ErrBucketNotFound
	}
	prefix := bucketDataPrefix(name)
	upper := bucketDataPrefixUpperBound(prefix)
	tx.tree.Range(
		btree.Bound{Key: prefix, Inclusive: true},
		boundFor(upper),
		func(k, v []byte) bool { return fn(stripPrefix(k, prefix), v) },
	)
	return nil
}

func boundFor(key []byte) btree.Bound {
	if key == nil {
		return btree.Bound{Unbounded: true}
	}
	return btree.Bound{Key: key, Inclusive: false}
}

// prefixedBound translates a public-key Bound into an internal-key Bound
// under prefix; isLower selects prefix itself as the default when the
// caller's bound is unbounded (vs. prefix's upper edge for the hi side).
func prefixedBound(prefix []byte, b Bound, isLower bool) btree.Bound {
	if b.Unbounded {
		if isLower {
			return btree.Bound{Key: prefix, Inclusive: true}
		}
		return boundFor(bucketDataPrefixUpperBound(prefix))
	}
	key := make([]byte, len(prefix)+len(b.Key))
	copy(key, prefix)
	copy(key[len(prefix):], b.Key)
	return btree.Bound{Key: key, Inclusive: b.Inclusive}
}

// pendingEntry is one staged mutation in a WriteTx's overlay, ordered by
// key so commit can walk it alongside the live tree in ascending order
// without sorting a slice by hand.
type pendingEntry struct {
	key   []byte
	value []byte
}

func pendingLess(a, b pendingEntry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// WriteTx is the single, exclusive write transaction. Mutations are staged
// in a pending overlay and a deletion set; nothing is visible to readers,
// and nothing touches disk, until Commit succeeds.
type WriteTx struct {
	db       *Database
	pending  *gbtree.BTreeG[pendingEntry]
	deleted  map[string][]byte // internal key (as string) -> internal key bytes
	done     bool
	released sync.Once
}

func newWriteTx(db *Database) *WriteTx {
	return &WriteTx{
		db:      db,
		pending: gbtree.NewG(32, pendingLess),
		deleted: make(map[string][]byte),
	}
}

// release unlocks the database's single-writer slot. Safe to call more
// than once; only the first call has any effect.
func (tx *WriteTx) release() {
	tx.released.Do(func() { tx.db.writeMu.Unlock() })
}

func (tx *WriteTx) checkOpen() error {
	if tx.done {
		return ErrTxClosed
	}
	return nil
}

// Put stages key/value for the global (non-bucket) key space.
func (tx *WriteTx) Put(key, value []byte) error { return tx.stagePut(globalKey(key), value) }

// Delete stages key for removal from the global key space.
func (tx *WriteTx) Delete(key []byte) error { return tx.stageDelete(globalKey(key)) }

// Get returns the value key would have if tx committed right now: a
// pending write shadows the live map, a pending delete shadows everything.
func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	return tx.stagedGet(globalKey(key))
}

func (tx *WriteTx) stagePut(internalKey, value []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	delete(tx.deleted, string(internalKey))
	cp := make([]byte, len(value))
	copy(cp, value)
	tx.pending.ReplaceOrInsert(pendingEntry{key: internalKey, value: cp})
	return nil
}

func (tx *WriteTx) stageDelete(internalKey []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.pending.Delete(pendingEntry{key: internalKey})
	tx.deleted[string(internalKey)] = internalKey
	return nil
}

func (tx *WriteTx) stagedGet(internalKey []byte) ([]byte, error) {
	if _, deleted := tx.deleted[string(internalKey)]; deleted {
		return nil, ErrKeyNotFound
	}
	if v, ok := tx.pending.Get(pendingEntry{key: internalKey}); ok {
		return v.value, nil
	}
	return lookup(tx.db.tree, tx.db.bloomFilter, internalKey)
}

// CreateBucket registers a new bucket. Fails with ErrInvalidBucketName or
// ErrBucketAlreadyExists.
func (tx *WriteTx) CreateBucket(name string) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if err := validateBucketName(name); err != nil {
		return err
	}
	metaKey := bucketMetaKey(name)
	if _, err := tx.stagedGet(metaKey); err == nil {
		return ErrBucketAlreadyExists
	}
	return tx.stagePut(metaKey, []byte{1})
}

// DeleteBucket removes an empty bucket. Fails with ErrBucketNotFound if it
// does not exist, or ErrBucketNotEmpty if it still holds entries.
func (tx *WriteTx) DeleteBucket(name string) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	metaKey := bucketMetaKey(name)
	if _, err := tx.stagedGet(metaKey); err != nil {
		return ErrBucketNotFound
	}

	empty := true
	prefix := bucketDataPrefix(name)
	tx.db.tree.Range(
		btree.Bound{Key: prefix, Inclusive: true},
		boundFor(bucketDataPrefixUpperBound(prefix)),
		func(k, _ []byte) bool {
			if _, deleted := tx.deleted[string(k)]; !deleted {
				empty = false
				return false
			}
			return true
		},
	)
	if empty {
		tx.pending.AscendRange(
			pendingEntry{key: prefix},
			pendingEntry{key: bucketDataPrefixUpperBound(prefix)},
			func(pendingEntry) bool { empty = false; return false },
		)
	}
	if !empty {
		return ErrBucketNotEmpty
	}
	return tx.stageDelete(metaKey)
}

// BucketPut stages key/value within bucket name. Fails with
// ErrBucketNotFound if the bucket has not been created.
func (tx *WriteTx) BucketPut(name string, key, value []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if _, err := tx.stagedGet(bucketMetaKey(name)); err != nil {
		return ErrBucketNotFound
	}
	return tx.stagePut(bucketDataKey(name, key), value)
}

// BucketGet returns the staged-or-live value for key within bucket name.
func (tx *WriteTx) BucketGet(name string, key []byte) ([]byte, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := tx.stagedGet(bucketMetaKey(name)); err != nil {
		return nil, ErrBucketNotFound
	}
	return tx.stagedGet(bucketDataKey(name, key))
}

// BucketDelete stages key's removal from bucket name.
func (tx *WriteTx) BucketDelete(name string, key []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if _, err := tx.stagedGet(bucketMetaKey(name)); err != nil {
		return ErrBucketNotFound
	}
	return tx.stageDelete(bucketDataKey(name, key))
}

// hasOverwrites reports whether any pending key already has a live value in
// tree: an append-only incremental commit must not be taken for such a
// write, since the old entry already on disk would become a stale
// duplicate ahead of the new one rather than being replaced. The
// append-only path is reserved for batches that overwrite and delete
// nothing.
func (tx *WriteTx) hasOverwrites(tree *btree.Tree) bool {
	found := false
	tx.pending.Ascend(func(pe pendingEntry) bool {
		if _, ok := tree.Get(pe.key); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

// BatchPut stages every pair in pairs as a Put.
func (tx *WriteTx) BatchPut(pairs [][2][]byte) error {
	for _, kv := range pairs {
		if err := tx.Put(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards every staged change without touching the database.
// Safe to call after Commit (a no-op in that case) or more than once.
func (tx *WriteTx) Rollback() {
	tx.done = true
	tx.release()
}

// Commit makes every staged change durable and visible atomically. A
// failure at any step leaves both the live map and the file unchanged.
func (tx *WriteTx) Commit() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	defer func() {
		tx.done = true
		tx.release()
	}()

	if err := tx.db.commit(tx); err != nil {
		return fmt.Errorf("thunder: %w: %w", ErrTxCommitFailed, err)
	}
	return nil
}
