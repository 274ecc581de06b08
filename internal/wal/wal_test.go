package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempWALDir(t *testing.T) string {
	dir := filepath.Join(t.TempDir(), "wal")
	return dir
}

func TestAppendAndReplay(t *testing.T) {
	dir := tempWALDir(t)
	w, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(TxBeginRecord(1))
	require.NoError(t, err)
	_, err = w.Append(PutRecord([]byte("k1"), []byte("v1")))
	require.NoError(t, err)
	_, err = w.Append(PutRecord([]byte("k2"), []byte("v2")))
	require.NoError(t, err)
	_, err = w.Append(TxCommitRecord(1))
	require.NoError(t, err)

	var replayed []Record
	err = w.Replay(0, func(_ LSN, rec Record) error {
		replayed = append(replayed, rec)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 4)
	assert.Equal(t, RecordTxBegin, replayed[0].Type)
	assert.Equal(t, RecordPut, replayed[1].Type)
	assert.Equal(t, "k1", string(replayed[1].Key))
	assert.Equal(t, RecordTxCommit, replayed[3].Type)
}

func TestReplayRespectsFromLSN(t *testing.T) {
	dir := tempWALDir(t)
	w, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	defer w.Close()

	lsn1, _ := w.Append(PutRecord([]byte("a"), []byte("1")))
	_, err = w.Append(PutRecord([]byte("b"), []byte("2")))
	require.NoError(t, err)

	var replayed []Record
	err = w.Replay(lsn1, func(_ LSN, rec Record) error {
		replayed = append(replayed, rec)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "b", string(replayed[0].Key))
}

func TestReopenPicksUpCurrentSegment(t *testing.T) {
	dir := tempWALDir(t)
	w, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	_, err = w.Append(PutRecord([]byte("k"), []byte("v")))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	defer w2.Close()

	var replayed []Record
	err = w2.Replay(0, func(_ LSN, rec Record) error {
		replayed = append(replayed, rec)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "k", string(replayed[0].Key))
}

func TestRotatesOnSegmentSizeLimit(t *testing.T) {
	dir := tempWALDir(t)
	cfg := Config{SegmentSize: SegmentHeaderSize + 2*(RecordHeaderSize+16), Policy: SyncNone}
	w, err := Open(dir, cfg)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 10; i++ {
		_, err := w.Append(PutRecord([]byte("kkkk"), []byte("vvvvvvvvvv")))
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1, "writing past the segment size should rotate to new files")
}

func TestTruncateBeforeKeepsCurrentSegment(t *testing.T) {
	dir := tempWALDir(t)
	cfg := Config{SegmentSize: SegmentHeaderSize + 2*(RecordHeaderSize+16), Policy: SyncNone}
	w, err := Open(dir, cfg)
	require.NoError(t, err)
	defer w.Close()

	var lastLSN LSN
	for i := 0; i < 10; i++ {
		lsn, err := w.Append(PutRecord([]byte("kkkk"), []byte("vvvvvvvvvv")))
		require.NoError(t, err)
		lastLSN = lsn
	}

	before, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(before), 1)

	require.NoError(t, w.TruncateBefore(lastLSN))

	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Less(t, len(after), len(before), "older segments should be removed")
	assert.FileExists(t, segmentPath(dir, lastLSN.SegmentID()), "the current segment must be kept")
}

func TestTornTailToleratedOnNewestSegment(t *testing.T) {
	dir := tempWALDir(t)
	w, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	_, err = w.Append(PutRecord([]byte("good"), []byte("record")))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	segPath := segmentPath(dir, 0)
	f, err := os.OpenFile(segPath, os.O_RDWR|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3}) // a truncated, malformed trailing record header
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	defer w2.Close()

	var replayed []Record
	err = w2.Replay(0, func(_ LSN, rec Record) error {
		replayed = append(replayed, rec)
		return nil
	})
	require.NoError(t, err, "a torn tail on the newest segment must not fail replay")
	require.Len(t, replayed, 1)
}

func TestCRCMismatchInNewestSegmentIsFatalNotTolerated(t *testing.T) {
	dir := tempWALDir(t)
	w, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	_, err = w.Append(PutRecord([]byte("good"), []byte("record")))
	require.NoError(t, err)
	_, err = w.Append(PutRecord([]byte("bad"), []byte("record")))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Flip a payload byte of the second record in place: its length prefix
	// and framing stay intact, only its checksum no longer matches. This
	// cannot be produced by a torn write (the full record is present) and
	// must not be swallowed as a torn tail.
	segPath := segmentPath(dir, 0)
	f, err := os.OpenFile(segPath, os.O_RDWR, 0o600)
	require.NoError(t, err)
	firstLen := len(PutRecord([]byte("good"), []byte("record")).Encode())
	_, err = f.WriteAt([]byte{0xFF}, int64(SegmentHeaderSize+firstLen+RecordHeaderSize))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	defer w2.Close()

	err = w2.Replay(0, func(_ LSN, rec Record) error { return nil })
	assert.ErrorIs(t, err, ErrRecordCorrupt, "a CRC mismatch must fail replay even in the newest segment")
}

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	for _, rec := range []Record{
		PutRecord([]byte("key"), []byte("value")),
		DeleteRecord([]byte("key")),
		TxBeginRecord(42),
		TxCommitRecord(42),
		TxAbortRecord(42),
		CheckpointRecord(1000),
	} {
		encoded := rec.Encode()
		decoded, n, err := DecodeRecord(encoded)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, rec.Type, decoded.Type)
		assert.Equal(t, rec.Key, decoded.Key)
		assert.Equal(t, rec.Value, decoded.Value)
		assert.Equal(t, rec.Txid, decoded.Txid)
		assert.Equal(t, rec.LSN, decoded.LSN)
	}
}

func TestDecodeRecordDetectsCorruption(t *testing.T) {
	rec := PutRecord([]byte("k"), []byte("v"))
	encoded := rec.Encode()
	encoded[len(encoded)-1] ^= 0xFF

	_, _, err := DecodeRecord(encoded)
	assert.ErrorIs(t, err, ErrRecordCorrupt)
}
