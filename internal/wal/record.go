package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordHeaderSize is length(4) || type(1) || crc32(4); the CRC covers
// the type byte and payload, not the length prefix.
const RecordHeaderSize = 9

// MaxRecordPayload bounds a single record's payload (64 MiB); DecodeRecord
// rejects a larger one.
const MaxRecordPayload = 64 * 1024 * 1024

// MaxKeySize bounds a key embedded in a Put/Delete record (64 KiB).
const MaxKeySize = 64 * 1024

// RecordType tags the kind of WAL record.
type RecordType uint8

const (
	RecordPut RecordType = iota + 1
	RecordDelete
	RecordTxBegin
	RecordTxCommit
	RecordTxAbort
	RecordCheckpoint
)

func (t RecordType) valid() bool {
	return t >= RecordPut && t <= RecordCheckpoint
}

// Record is a single logical WAL entry.
type Record struct {
	Type  RecordType
	Key   []byte // Put, Delete
	Value []byte // Put
	Txid  uint64 // TxBegin, TxCommit, TxAbort
	LSN   uint64 // Checkpoint
}

func PutRecord(key, value []byte) Record    { return Record{Type: RecordPut, Key: key, Value: value} }
func DeleteRecord(key []byte) Record        { return Record{Type: RecordDelete, Key: key} }
func TxBeginRecord(txid uint64) Record      { return Record{Type: RecordTxBegin, Txid: txid} }
func TxCommitRecord(txid uint64) Record     { return Record{Type: RecordTxCommit, Txid: txid} }
func TxAbortRecord(txid uint64) Record      { return Record{Type: RecordTxAbort, Txid: txid} }
func CheckpointRecord(lsn uint64) Record    { return Record{Type: RecordCheckpoint, LSN: lsn} }

func (r Record) payload() []byte {
	switch r.Type {
	case RecordPut:
		buf := make([]byte, 4+len(r.Key)+4+len(r.Value))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.Key)))
		n := 4
		n += copy(buf[n:], r.Key)
		binary.LittleEndian.PutUint32(buf[n:n+4], uint32(len(r.Value)))
		n += 4
		copy(buf[n:], r.Value)
		return buf
	case RecordDelete:
		buf := make([]byte, 4+len(r.Key))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.Key)))
		copy(buf[4:], r.Key)
		return buf
	case RecordTxBegin, RecordTxCommit, RecordTxAbort:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, r.Txid)
		return buf
	case RecordCheckpoint:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, r.LSN)
		return buf
	default:
		return nil
	}
}

// Encode serializes r as length || type || crc32 || payload.
func (r Record) Encode() []byte {
	payload := r.payload()
	total := RecordHeaderSize + len(payload)

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = byte(r.Type)

	crc := crc32.NewIEEE()
	crc.Write([]byte{byte(r.Type)})
	crc.Write(payload)
	binary.LittleEndian.PutUint32(buf[5:9], crc.Sum32())

	copy(buf[RecordHeaderSize:], payload)
	return buf
}

// DecodeRecord parses one record from the front of buf, returning the
// record and the number of bytes consumed. A short or malformed header
// at the very end of the readable data should be treated by the caller as
// a torn tail, not corruption.
func DecodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < RecordHeaderSize {
		return Record{}, 0, fmt.Errorf("thunder: wal record header short: %d bytes", len(buf))
	}

	total := int(binary.LittleEndian.Uint32(buf[0:4]))
	rtype := RecordType(buf[4])
	storedCRC := binary.LittleEndian.Uint32(buf[5:9])

	if total < RecordHeaderSize {
		return Record{}, 0, fmt.Errorf("thunder: invalid wal record length %d", total)
	}
	if total > len(buf) {
		return Record{}, 0, fmt.Errorf("thunder: wal record length %d exceeds buffer %d", total, len(buf))
	}
	payloadLen := total - RecordHeaderSize
	if payloadLen > MaxRecordPayload {
		return Record{}, 0, fmt.Errorf("thunder: wal record payload %d exceeds maximum", payloadLen)
	}
	if !rtype.valid() {
		return Record{}, 0, fmt.Errorf("thunder: invalid wal record type %d", rtype)
	}

	payload := buf[RecordHeaderSize:total]

	crc := crc32.NewIEEE()
	crc.Write([]byte{byte(rtype)})
	crc.Write(payload)
	if crc.Sum32() != storedCRC {
		return Record{}, 0, fmt.Errorf("%w: stored %#x computed %#x", ErrRecordCorrupt, storedCRC, crc.Sum32())
	}

	rec, err := decodePayload(rtype, payload)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, total, nil
}

func decodePayload(rtype RecordType, payload []byte) (Record, error) {
	switch rtype {
	case RecordPut:
		if len(payload) < 4 {
			return Record{}, fmt.Errorf("thunder: put record payload too small")
		}
		keyLen := int(binary.LittleEndian.Uint32(payload[0:4]))
		if keyLen > MaxKeySize {
			return Record{}, fmt.Errorf("thunder: put record key %d exceeds maximum", keyLen)
		}
		if len(payload) < 4+keyLen+4 {
			return Record{}, fmt.Errorf("thunder: put record truncated")
		}
		key := payload[4 : 4+keyLen]
		valOff := 4 + keyLen
		valLen := int(binary.LittleEndian.Uint32(payload[valOff : valOff+4]))
		if len(payload) < valOff+4+valLen {
			return Record{}, fmt.Errorf("thunder: put record value truncated")
		}
		value := payload[valOff+4 : valOff+4+valLen]
		return Record{Type: RecordPut, Key: key, Value: value}, nil

	case RecordDelete:
		if len(payload) < 4 {
			return Record{}, fmt.Errorf("thunder: delete record payload too small")
		}
		keyLen := int(binary.LittleEndian.Uint32(payload[0:4]))
		if keyLen > MaxKeySize {
			return Record{}, fmt.Errorf("thunder: delete record key %d exceeds maximum", keyLen)
		}
		if len(payload) < 4+keyLen {
			return Record{}, fmt.Errorf("thunder: delete record key truncated")
		}
		return Record{Type: RecordDelete, Key: payload[4 : 4+keyLen]}, nil

	case RecordTxBegin, RecordTxCommit, RecordTxAbort:
		if len(payload) < 8 {
			return Record{}, fmt.Errorf("thunder: tx record payload too small")
		}
		return Record{Type: rtype, Txid: binary.LittleEndian.Uint64(payload[0:8])}, nil

	case RecordCheckpoint:
		if len(payload) < 8 {
			return Record{}, fmt.Errorf("thunder: checkpoint record payload too small")
		}
		return Record{Type: rtype, LSN: binary.LittleEndian.Uint64(payload[0:8])}, nil

	default:
		return Record{}, fmt.Errorf("thunder: unhandled wal record type %d", rtype)
	}
}
