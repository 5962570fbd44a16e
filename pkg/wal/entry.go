package wal

import (
	"encoding/binary"
	"hash/crc32"
)

// RecordType identifies the kind of a log record.
type RecordType byte

const (
	// Begin marks the start of a transaction.
	Begin RecordType = 0

	// Update records an in-place page mutation (old and new images).
	Update RecordType = 1

	// Commit marks a transaction durable.
	Commit RecordType = 2

	// Abort marks a transaction rolled back.
	Abort RecordType = 3
)

const (
	// ImageSize is the width of a record's before/after image, matching
	// the on-disk value width (page.ValueSize).
	ImageSize = 120

	// RecordSize is the fixed, on-disk width of a single log record:
	// lsn(8) + prev_lsn(8) + xid(8) + type(1) + pad(3) + table_id(4) +
	// pnum(8) + offset(4) + length(4) + old_image(120) + new_image(120) +
	// crc32(4).
	RecordSize = 8 + 8 + 8 + 1 + 3 + 4 + 8 + 4 + 4 + ImageSize + ImageSize + 4
)

const (
	offLSN      = 0
	offPrevLSN  = 8
	offXID      = 16
	offType     = 24
	offTableID  = 28
	offPnum     = 32
	offOffset   = 40
	offLength   = 44
	offOldImage = 48
	offNewImage = offOldImage + ImageSize
	offCRC      = offNewImage + ImageSize
)

// Record is a single write-ahead log entry. Every transaction operation —
// BEGIN, UPDATE, COMMIT, ABORT — uses this one fixed layout; UPDATE is the
// only type that populates table/pnum/offset/length/images.
type Record struct {
	LSN      uint64 // offset of the end of this record in the log file
	PrevLSN  uint64 // previous record's LSN for this transaction, 0 if first
	XID      uint64 // transaction identifier
	Type     RecordType
	TableID  int32
	Pnum     uint64 // page number = offset / page.Size
	Offset   uint32 // byte within the page
	Length   uint32 // <= page.ValueSize
	OldImage [ImageSize]byte
	NewImage [ImageSize]byte
}

// Encode serializes the record to its fixed-width on-disk form, appending
// a CRC32 checksum over everything else.
func (r *Record) Encode() []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint64(buf[offLSN:], r.LSN)
	binary.LittleEndian.PutUint64(buf[offPrevLSN:], r.PrevLSN)
	binary.LittleEndian.PutUint64(buf[offXID:], r.XID)
	buf[offType] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[offTableID:], uint32(r.TableID))
	binary.LittleEndian.PutUint64(buf[offPnum:], r.Pnum)
	binary.LittleEndian.PutUint32(buf[offOffset:], r.Offset)
	binary.LittleEndian.PutUint32(buf[offLength:], r.Length)
	copy(buf[offOldImage:], r.OldImage[:])
	copy(buf[offNewImage:], r.NewImage[:])

	crc := crc32.ChecksumIEEE(buf[:offCRC])
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)
	return buf
}

// DecodeRecord deserializes and checksum-verifies a single fixed-width
// record.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) != RecordSize {
		return nil, ErrTruncated
	}

	storedCRC := binary.LittleEndian.Uint32(data[offCRC:])
	computedCRC := crc32.ChecksumIEEE(data[:offCRC])
	if storedCRC != computedCRC {
		return nil, ErrCorrupted
	}

	r := &Record{
		LSN:     binary.LittleEndian.Uint64(data[offLSN:]),
		PrevLSN: binary.LittleEndian.Uint64(data[offPrevLSN:]),
		XID:     binary.LittleEndian.Uint64(data[offXID:]),
		Type:    RecordType(data[offType]),
		TableID: int32(binary.LittleEndian.Uint32(data[offTableID:])),
		Pnum:    binary.LittleEndian.Uint64(data[offPnum:]),
		Offset:  binary.LittleEndian.Uint32(data[offOffset:]),
		Length:  binary.LittleEndian.Uint32(data[offLength:]),
	}
	copy(r.OldImage[:], data[offOldImage:offOldImage+ImageSize])
	copy(r.NewImage[:], data[offNewImage:offNewImage+ImageSize])
	return r, nil
}

// String names the record type for logging.
func (t RecordType) String() string {
	switch t {
	case Begin:
		return "BEGIN"
	case Update:
		return "UPDATE"
	case Commit:
		return "COMMIT"
	case Abort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}
